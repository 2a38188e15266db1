// Package session runs user turns: staging, remote processing, generation
// and cleanup, one turn at a time per session.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/abdhe/llm-media-gateway/pkg/document"
	"github.com/abdhe/llm-media-gateway/pkg/metrics"
	"github.com/abdhe/llm-media-gateway/pkg/provider"
	"github.com/abdhe/llm-media-gateway/pkg/staging"
)

// DefaultCleanupTimeout bounds the release of a turn's remote object.
const DefaultCleanupTimeout = 30 * time.Second

// ErrSessionClosed is returned for turns submitted to a closed session.
var ErrSessionClosed = errors.New("session: closed")

// Uploader moves a staged asset to READY and releases remote objects.
type Uploader interface {
	Upload(ctx context.Context, asset *staging.Asset, observe func(provider.State)) (*provider.Handle, error)
	Release(ctx context.Context, h *provider.Handle)
}

// Generator produces text for a turn.
type Generator interface {
	Generate(ctx context.Context, content provider.Content, cfg provider.GenerationConfig) (provider.Result, error)
	CountTokens(ctx context.Context, content provider.Content, cfg provider.GenerationConfig) (int32, error)
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Stager         *staging.Stager
	Uploader       Uploader
	Generator      Generator
	CleanupTimeout time.Duration
	Log            *zap.SugaredLogger
}

type job struct {
	ctx    context.Context
	turn   Turn
	cfg    provider.GenerationConfig
	assets []*staging.Asset
	result TurnResult
	reply  chan TurnResult
}

// Session owns one conversation and processes its turns strictly in
// submission order on a single worker goroutine.
type Session struct {
	ID        string
	CreatedAt time.Time

	deps     Deps
	defaults provider.GenerationConfig
	history  History
	log      *zap.SugaredLogger

	jobs     chan *job
	done     chan struct{}
	stopped  chan struct{}
	closing  sync.Once
	inflight atomic.Int32
	active   atomic.Int64
}

// New starts a session worker. defaults apply to turns without a model.
func New(deps Deps, defaults provider.GenerationConfig) *Session {
	if deps.CleanupTimeout <= 0 {
		deps.CleanupTimeout = DefaultCleanupTimeout
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop().Sugar()
	}
	if defaults.ModelID == "" {
		defaults = provider.DefaultGenerationConfig()
	}
	now := time.Now()
	s := &Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		deps:      deps,
		defaults:  defaults,
		jobs:      make(chan *job),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	s.log = deps.Log.Named("session").With("session", s.ID)
	s.active.Store(now.UnixNano())
	go s.work()
	return s
}

// Defaults returns the generation config used when a turn names no model.
func (s *Session) Defaults() provider.GenerationConfig { return s.defaults }

// History returns the conversation so far.
func (s *Session) History() []provider.Message { return s.history.Snapshot() }

// LastActive is the time of the most recent submission.
func (s *Session) LastActive() time.Time { return time.Unix(0, s.active.Load()) }

// Busy reports whether a turn is queued or running.
func (s *Session) Busy() bool { return s.inflight.Load() > 0 }

// Submit stages the turn's files and queues it behind earlier turns. It
// blocks until the turn finishes. Provider and input failures are reported
// in the result; the error is non-nil only if the turn never ran.
func (s *Session) Submit(ctx context.Context, turn Turn) (TurnResult, error) {
	s.inflight.Add(1)
	defer s.inflight.Add(-1)
	s.active.Store(time.Now().UnixNano())

	j := &job{
		ctx:    ctx,
		turn:   turn,
		cfg:    s.configFor(turn),
		reply:  make(chan TurnResult, 1),
		result: TurnResult{ID: uuid.NewString(), Kind: turn.Kind},
	}
	j.result.enter(TurnIdle)

	if err := s.accept(j); err != nil {
		j.result.fail(err)
		metrics.TurnsTotal.WithLabelValues(string(turn.Kind), string(TurnError)).Inc()
		return j.result, nil
	}

	select {
	case s.jobs <- j:
	case <-s.done:
		s.releaseAssets(j.assets)
		return TurnResult{}, ErrSessionClosed
	case <-ctx.Done():
		s.releaseAssets(j.assets)
		return TurnResult{}, fmt.Errorf("session: submit: %w", ctx.Err())
	}
	return <-j.reply, nil
}

// CountTokens reports the prompt size a turn would have. PDFs are merged
// first; remote media is not uploaded, only the prompt and history count.
func (s *Session) CountTokens(ctx context.Context, turn Turn) (int32, error) {
	cfg := s.configFor(turn)
	content := provider.Content{Prompt: turn.Prompt}
	switch turn.Kind {
	case provider.MediaPDF:
		if len(turn.Files) > 0 {
			assets, err := s.stage(turn)
			defer s.releaseAssets(assets)
			if err != nil {
				return 0, err
			}
			inline, err := mergeInline(assets)
			if err != nil {
				return 0, err
			}
			content.Inline = inline
		}
	case provider.MediaChat:
		content.History = s.history.Snapshot()
	}
	return s.deps.Generator.CountTokens(ctx, content, cfg)
}

// MergeDocuments stages the PDFs and returns them merged into one
// document. Nothing is sent to the provider.
func (s *Session) MergeDocuments(files []File) ([]byte, error) {
	if len(files) == 0 {
		return nil, provider.Errorf(provider.KindInvalid, "merge", "no PDF files uploaded")
	}
	s.active.Store(time.Now().UnixNano())
	assets, err := s.stage(Turn{Kind: provider.MediaPDF, Files: files})
	defer s.releaseAssets(assets)
	if err != nil {
		return nil, err
	}
	inline, err := mergeInline(assets)
	if err != nil {
		return nil, err
	}
	s.log.Infow("merged documents", "files", len(assets), "bytes", len(inline.Data))
	return inline.Data, nil
}

// Close stops the worker after the running turn and removes the session's
// staging directory. Queued submitters receive ErrSessionClosed.
func (s *Session) Close() {
	s.closing.Do(func() {
		close(s.done)
		<-s.stopped
		if s.deps.Stager != nil {
			s.deps.Stager.ReleaseSession(s.ID)
		}
		s.log.Infow("session closed", "messages", s.history.Len())
	})
}

func (s *Session) work() {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			return
		case j := <-s.jobs:
			j.reply <- s.run(j)
		}
	}
}

func (s *Session) configFor(turn Turn) provider.GenerationConfig {
	if strings.TrimSpace(turn.Config.ModelID) == "" {
		return s.defaults
	}
	return turn.Config
}

// accept validates the turn and stages its files.
func (s *Session) accept(j *job) error {
	turn := j.turn
	if strings.TrimSpace(turn.Prompt) == "" {
		return provider.Errorf(provider.KindInvalid, "submit", "prompt is empty")
	}
	if err := j.cfg.Validate(); err != nil {
		return err
	}
	switch {
	case turn.Kind.RemoteProcessing():
		if len(turn.Files) != 1 {
			return provider.Errorf(provider.KindInvalid, "submit", "%s turns take exactly one file, got %d", turn.Kind, len(turn.Files))
		}
		j.result.enter(TurnAwaitingInput)
	case turn.Kind == provider.MediaPDF:
		if len(turn.Files) == 0 {
			return provider.Errorf(provider.KindInvalid, "submit", "no PDF files uploaded")
		}
	case turn.Kind == provider.MediaChat:
		if len(turn.Files) > 0 {
			return provider.Errorf(provider.KindInvalid, "submit", "chat turns take no files, got %d; choose a media type", len(turn.Files))
		}
		return nil
	default:
		return provider.Errorf(provider.KindInvalid, "submit", "unknown media type %q", turn.Kind)
	}

	assets, err := s.stage(turn)
	if err != nil {
		s.releaseAssets(assets)
		return err
	}
	j.assets = assets
	return nil
}

func (s *Session) stage(turn Turn) ([]*staging.Asset, error) {
	if s.deps.Stager == nil {
		return nil, errors.New("session: no stager configured")
	}
	assets := make([]*staging.Asset, 0, len(turn.Files))
	for _, f := range turn.Files {
		a, err := s.deps.Stager.Stage(s.ID, turn.Kind, f.Name, f.MIMEType, f.Body)
		if err != nil {
			return assets, err
		}
		assets = append(assets, a)
	}
	return assets, nil
}

func (s *Session) releaseAssets(assets []*staging.Asset) {
	if s.deps.Stager == nil {
		return
	}
	for _, a := range assets {
		s.deps.Stager.Release(a)
	}
}

func (s *Session) run(j *job) TurnResult {
	metrics.ActiveTurns.Inc()
	defer metrics.ActiveTurns.Dec()
	defer s.releaseAssets(j.assets)

	start := time.Now()
	res := j.result
	log := s.log.With("turn", res.ID, "media", string(j.turn.Kind), "model", j.cfg.ModelID)

	switch j.turn.Kind {
	case provider.MediaChat:
		s.runChat(j, &res, log)
	case provider.MediaPDF:
		s.runDocument(j, &res, log)
	default:
		s.runMedia(j, &res, log)
	}

	metrics.TurnsTotal.WithLabelValues(string(j.turn.Kind), string(res.State)).Inc()
	if res.Err != nil {
		log.Warnw("turn failed", "kind", provider.KindOf(res.Err).String(), "error", res.Err, "elapsed", time.Since(start).String())
	} else {
		log.Infow("turn complete", "elapsed", time.Since(start).String(), "output_tokens", res.OutputTokens)
	}
	return res
}

// runMedia uploads the asset, waits for READY and generates against the
// remote object. The object is deleted on every path once it exists.
func (s *Session) runMedia(j *job, res *TurnResult, log *zap.SugaredLogger) {
	ctx := j.ctx
	var h *provider.Handle
	defer func() { s.release(ctx, h, log) }()

	h, err := s.deps.Uploader.Upload(ctx, j.assets[0], func(st provider.State) {
		res.enter(turnStateFor(st))
	})
	if err != nil {
		if h == nil {
			h = provider.HandleOf(err)
		}
		res.fail(err)
		return
	}

	content := provider.Content{Prompt: j.turn.Prompt, Handle: h}
	s.countTokens(ctx, content, j.cfg, res, log)
	s.generate(ctx, content, j.cfg, res)
}

// runDocument merges the PDFs and sends them inline. No remote object is
// created.
func (s *Session) runDocument(j *job, res *TurnResult, log *zap.SugaredLogger) {
	inline, err := mergeInline(j.assets)
	if err != nil {
		res.fail(err)
		return
	}
	content := provider.Content{Prompt: j.turn.Prompt, Inline: inline}
	s.countTokens(j.ctx, content, j.cfg, res, log)
	s.generate(j.ctx, content, j.cfg, res)
}

// runChat sends the prompt with the prior conversation and records the
// exchange on success. Only this path writes history.
func (s *Session) runChat(j *job, res *TurnResult, log *zap.SugaredLogger) {
	content := provider.Content{Prompt: j.turn.Prompt, History: s.history.Snapshot()}
	s.countTokens(j.ctx, content, j.cfg, res, log)
	s.generate(j.ctx, content, j.cfg, res)
	if res.Err == nil {
		s.history.AppendTurn(j.turn.Prompt, res.Text, time.Now())
	}
}

func (s *Session) generate(ctx context.Context, content provider.Content, cfg provider.GenerationConfig, res *TurnResult) {
	res.enter(TurnGenerating)
	out, err := s.deps.Generator.Generate(ctx, content, cfg)
	if err != nil {
		res.fail(err)
		return
	}
	res.succeed(out)
}

func (s *Session) countTokens(ctx context.Context, content provider.Content, cfg provider.GenerationConfig, res *TurnResult, log *zap.SugaredLogger) {
	n, err := s.deps.Generator.CountTokens(ctx, content, cfg)
	if err != nil {
		log.Debugw("count tokens", "error", err)
		return
	}
	res.PromptTokens = n
}

// release deletes h on a context detached from the caller so a cancelled
// turn still frees its remote object.
func (s *Session) release(ctx context.Context, h *provider.Handle, log *zap.SugaredLogger) {
	if h == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.deps.CleanupTimeout)
	defer cancel()
	s.deps.Uploader.Release(cctx, h)
	log.Debugw("released remote object", "handle", h.ID)
}

func mergeInline(assets []*staging.Asset) (*provider.InlineData, error) {
	files := make([]io.ReadSeeker, 0, len(assets))
	for _, a := range assets {
		f, err := a.Open()
		if err != nil {
			closeAll(files)
			return nil, fmt.Errorf("session: open staged pdf: %w", err)
		}
		files = append(files, f)
	}
	defer closeAll(files)

	data, err := document.Merge(files)
	if err != nil {
		return nil, provider.Wrap(provider.KindInvalid, "merge pdf", err)
	}
	return &provider.InlineData{MIMEType: document.MIMEType, Data: data}, nil
}

func closeAll(files []io.ReadSeeker) {
	for _, f := range files {
		if c, ok := f.(io.Closer); ok {
			_ = c.Close()
		}
	}
}
