// Package server exposes sessions and turns over HTTP.
package server

import (
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	emw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/abdhe/llm-media-gateway/pkg/document"
	"github.com/abdhe/llm-media-gateway/pkg/generation"
	"github.com/abdhe/llm-media-gateway/pkg/provider"
	"github.com/abdhe/llm-media-gateway/pkg/session"
	"github.com/abdhe/llm-media-gateway/pkg/staging"
)

const (
	// maxMemory is the part of a multipart body kept in memory; the rest is
	// spooled to temporary files by mime/multipart.
	maxMemory = 32 << 20
	// multipartOverhead is allowed on top of MaxUploadBytes for form fields
	// and part headers.
	multipartOverhead = 64 << 10
)

// Config holds the HTTP settings.
type Config struct {
	Addr string
	// Defaults seed new sessions.
	Defaults provider.GenerationConfig
	// MaxUploadBytes caps request bodies on upload routes. Zero means
	// staging.DefaultMaxBytes.
	MaxUploadBytes int64
}

// StatusSource reports provider health for the status route.
type StatusSource interface {
	Status() []generation.ProviderStatus
}

// Server is the HTTP surface of the gateway.
type Server struct {
	echo     *echo.Echo
	addr     string
	sessions *session.Store
	status   StatusSource
	defaults provider.GenerationConfig
	log      *zap.SugaredLogger
}

// New builds the echo instance with request tracking, panic recovery and
// the gateway routes. status may be nil.
func New(log *zap.SugaredLogger, cfg Config, sessions *session.Store, status StatusSource) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = staging.DefaultMaxBytes
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		addr:     cfg.Addr,
		sessions: sessions,
		status:   status,
		defaults: cfg.Defaults,
		log:      log.Named("http"),
	}
	bodyLimit := emw.BodyLimit(strconv.FormatInt(cfg.MaxUploadBytes+multipartOverhead, 10))

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler
	e.Use(newTrackMiddleware(s.log))
	e.Use(newRecoverMiddleware(s.log))

	e.GET("/ping", func(c echo.Context) error {
		return c.String(http.StatusOK, "")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api")
	api.GET("/status", s.getStatus)
	api.POST("/sessions", s.createSession)
	api.GET("/sessions/:id", s.getSession)
	api.DELETE("/sessions/:id", s.deleteSession)
	api.POST("/sessions/:id/turns", s.submitTurn, bodyLimit)
	api.POST("/sessions/:id/tokens", s.countTokens, bodyLimit)
	api.POST("/sessions/:id/merge", s.mergeDocuments, bodyLimit)

	s.echo = e
	return s
}

// Handler returns the underlying http.Handler.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.log.Infow("listening", "addr", s.addr)
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

type sessionRequest struct {
	Model           string   `json:"model"`
	Temperature     *float32 `json:"temperature"`
	TopP            *float32 `json:"top_p"`
	MaxOutputTokens *int32   `json:"max_tokens"`
}

type sessionResponse struct {
	SessionID string                    `json:"session_id"`
	Defaults  provider.GenerationConfig `json:"defaults"`
	History   []provider.Message        `json:"history"`
}

type statusResponse struct {
	Sessions  int                         `json:"sessions"`
	Providers []generation.ProviderStatus `json:"providers"`
}

type turnResponse struct {
	session.TurnResult
	HTML string `json:"html,omitempty"`
}

func (s *Server) getStatus(c echo.Context) error {
	out := statusResponse{Sessions: s.sessions.Len(), Providers: []generation.ProviderStatus{}}
	if s.status != nil {
		out.Providers = s.status.Status()
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) createSession(c echo.Context) error {
	var req sessionRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return badRequest("invalid session request: %v", err)
		}
	}
	cfg := s.defaults
	if req.Model != "" {
		cfg.ModelID = req.Model
	}
	if req.Temperature != nil {
		cfg.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		cfg.TopP = *req.TopP
	}
	if req.MaxOutputTokens != nil {
		cfg.MaxOutputTokens = *req.MaxOutputTokens
	}
	if err := cfg.Validate(); err != nil {
		return badRequest("%s", provider.UserMessage(err))
	}

	sess := s.sessions.Create(cfg)
	logger(c).Infow("created session", "session", sess.ID)
	return c.JSON(http.StatusCreated, sessionResponse{SessionID: sess.ID, Defaults: cfg, History: []provider.Message{}})
}

func (s *Server) getSession(c echo.Context) error {
	sess, ok := s.sessions.Get(c.Param("id"))
	if !ok {
		return errSessionNotFound
	}
	history := sess.History()
	if history == nil {
		history = []provider.Message{}
	}
	return c.JSON(http.StatusOK, sessionResponse{SessionID: sess.ID, Defaults: sess.Defaults(), History: history})
}

func (s *Server) deleteSession(c echo.Context) error {
	if !s.sessions.Close(c.Param("id")) {
		return errSessionNotFound
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) submitTurn(c echo.Context) error {
	sess, ok := s.sessions.Get(c.Param("id"))
	if !ok {
		return errSessionNotFound
	}
	turn, closeFiles, err := s.readTurn(c, sess)
	if err != nil {
		return err
	}
	defer closeFiles()

	log := logger(c).With("session", sess.ID, "media", string(turn.Kind))
	res, err := sess.Submit(c.Request().Context(), turn)
	if err != nil {
		return err
	}

	out := turnResponse{TurnResult: res}
	if res.Err == nil {
		html, rerr := renderMarkdown(res.Text)
		if rerr != nil {
			log.Warnw("render markdown", "error", rerr)
		}
		out.HTML = html
	}
	status := statusFor(res.Err)
	log.Infow("turn finished", "turn", res.ID, "state", string(res.State), "status", status)
	return c.JSON(status, out)
}

func (s *Server) countTokens(c echo.Context) error {
	sess, ok := s.sessions.Get(c.Param("id"))
	if !ok {
		return errSessionNotFound
	}
	turn, closeFiles, err := s.readTurn(c, sess)
	if err != nil {
		return err
	}
	defer closeFiles()

	n, err := sess.CountTokens(c.Request().Context(), turn)
	if err != nil {
		return &RequestError{StatusCode: statusFor(err), Err: errors.New(provider.UserMessage(err))}
	}
	return c.JSON(http.StatusOK, map[string]int32{"total_tokens": n})
}

// mergeDocuments returns the uploaded PDFs as one downloadable document.
func (s *Server) mergeDocuments(c echo.Context) error {
	sess, ok := s.sessions.Get(c.Param("id"))
	if !ok {
		return errSessionNotFound
	}
	if err := c.Request().ParseMultipartForm(maxMemory); err != nil {
		return badRequest("invalid multipart form: %v", err)
	}
	files, closeFiles, err := readFiles(c)
	if err != nil {
		return err
	}
	defer closeFiles()

	data, err := sess.MergeDocuments(files)
	if err != nil {
		return &RequestError{StatusCode: statusFor(err), Err: errors.New(provider.UserMessage(err))}
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="merged.pdf"`)
	return c.Blob(http.StatusOK, document.MIMEType, data)
}

// readTurn parses the multipart turn form. The returned func closes the
// opened file parts.
func (s *Server) readTurn(c echo.Context, sess *session.Session) (session.Turn, func(), error) {
	noop := func() {}
	if err := c.Request().ParseMultipartForm(maxMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return session.Turn{}, noop, badRequest("invalid multipart form: %v", err)
	}

	kind, err := provider.ParseMediaKind(c.FormValue("media_type"))
	if err != nil {
		return session.Turn{}, noop, badRequest("%s", provider.UserMessage(err))
	}
	cfg, err := parseConfig(c, sess.Defaults())
	if err != nil {
		return session.Turn{}, noop, err
	}
	files, closeFiles, err := readFiles(c)
	if err != nil {
		return session.Turn{}, noop, err
	}
	return session.Turn{Kind: kind, Prompt: c.FormValue("prompt"), Config: cfg, Files: files}, closeFiles, nil
}

// readFiles opens the parts uploaded as "files" or "files[]". The returned
// func closes them.
func readFiles(c echo.Context) ([]session.File, func(), error) {
	var opened []multipart.File
	closeFiles := func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}
	form := c.Request().MultipartForm
	if form == nil {
		return nil, closeFiles, nil
	}
	var files []session.File
	headers := append(append([]*multipart.FileHeader{}, form.File["files"]...), form.File["files[]"]...)
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			closeFiles()
			return nil, func() {}, badRequest("open %s: %v", fh.Filename, err)
		}
		opened = append(opened, f)
		files = append(files, session.File{
			Name:     fh.Filename,
			MIMEType: fh.Header.Get(echo.HeaderContentType),
			Body:     f,
		})
	}
	return files, closeFiles, nil
}

// parseConfig overlays the optional sampling fields on the session defaults.
func parseConfig(c echo.Context, defaults provider.GenerationConfig) (provider.GenerationConfig, error) {
	cfg := defaults
	if v := strings.TrimSpace(c.FormValue("model")); v != "" {
		cfg.ModelID = v
	}
	if v := strings.TrimSpace(c.FormValue("temperature")); v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return cfg, badRequest("temperature must be a number")
		}
		cfg.Temperature = float32(f)
	}
	if v := strings.TrimSpace(c.FormValue("top_p")); v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return cfg, badRequest("top_p must be a number")
		}
		cfg.TopP = float32(f)
	}
	if v := strings.TrimSpace(c.FormValue("max_tokens")); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return cfg, badRequest("max_tokens must be an integer")
		}
		cfg.MaxOutputTokens = int32(n)
	}
	return cfg, nil
}
