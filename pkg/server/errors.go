package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/abdhe/llm-media-gateway/pkg/provider"
	"github.com/abdhe/llm-media-gateway/pkg/session"
)

// RequestError is an error with the status and message the client sees.
type RequestError struct {
	StatusCode int
	Err        error
}

func (r *RequestError) Error() string {
	return fmt.Sprintf("status %d: err %v", r.StatusCode, r.Err)
}

func (r *RequestError) Unwrap() error { return r.Err }

var (
	errSessionNotFound = &RequestError{StatusCode: http.StatusNotFound, Err: errors.New("session not found")}
	errSessionClosed   = &RequestError{StatusCode: http.StatusGone, Err: errors.New("session closed")}
	errInternal        = &RequestError{StatusCode: http.StatusInternalServerError, Err: errors.New("internal server error")}
)

func badRequest(format string, args ...any) *RequestError {
	return &RequestError{StatusCode: http.StatusBadRequest, Err: fmt.Errorf(format, args...)}
}

// statusFor maps a turn failure to an HTTP status.
func statusFor(err error) int {
	switch provider.KindOf(err) {
	case provider.KindUnknown:
		if err == nil {
			return http.StatusOK
		}
		if provider.IsContextErr(err) {
			return http.StatusRequestTimeout
		}
		return http.StatusInternalServerError
	case provider.KindInvalid:
		return http.StatusBadRequest
	case provider.KindProcessingFailed:
		return http.StatusUnprocessableEntity
	case provider.KindTimeout, provider.KindGenerationTimeout:
		return http.StatusGatewayTimeout
	case provider.KindNotFound:
		return http.StatusGone
	default:
		return http.StatusBadGateway
	}
}

// errorHandler renders every error as {"error": "..."}.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	msg := errInternal.Err.Error()

	var reqErr *RequestError
	var httpErr *echo.HTTPError
	switch {
	case errors.As(err, &reqErr):
		status, msg = reqErr.StatusCode, reqErr.Err.Error()
	case errors.As(err, &httpErr):
		status, msg = httpErr.Code, fmt.Sprint(httpErr.Message)
	case errors.Is(err, session.ErrSessionClosed):
		status, msg = errSessionClosed.StatusCode, errSessionClosed.Err.Error()
	default:
		logger(c).Errorw("unhandled error", "error", err)
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, map[string]string{"error": msg})
}
