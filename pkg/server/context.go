package server

import (
	"fmt"
	"time"

	"github.com/aidarkhanov/nanoid"
	"github.com/labstack/echo/v4"
	emw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/abdhe/llm-media-gateway/pkg/metrics"
)

const requestIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// Context carries the request-scoped logger.
type Context struct {
	echo.Context
	Log   *zap.SugaredLogger
	Reqid string
}

func logger(c echo.Context) *zap.SugaredLogger {
	if cc, ok := c.(*Context); ok {
		return cc.Log
	}
	return zap.NewNop().Sugar()
}

func newTrackMiddleware(log *zap.SugaredLogger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID, _ := nanoid.Generate(requestIDAlphabet, 28)
			cc := &Context{Context: c, Log: log.With("request_id", "req_"+reqID), Reqid: reqID}
			cc.Response().Header().Set(echo.HeaderXRequestID, "req_"+reqID)

			start := time.Now()
			err := next(cc)
			if err != nil {
				// Written here so the logged status is final.
				errorHandler(err, cc)
			}
			status := cc.Response().Status
			cc.Log.Infow("end_of_request", "method", c.Request().Method, "path", cc.Path(),
				"status_code", fmt.Sprintf("%d", status), "duration", time.Since(start).String())
			metrics.ResponseCodes.WithLabelValues(cc.Path(), fmt.Sprintf("%d", status)).Inc()
			return nil
		}
	}
}

func newRecoverMiddleware(log *zap.SugaredLogger) echo.MiddlewareFunc {
	return emw.RecoverWithConfig(emw.RecoverConfig{
		StackSize: 1 << 10,
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			logger(c).Errorw("panic", "error", err.Error(), "stack", string(stack))
			return errInternal
		},
	})
}
