// Package upload moves a staged file into the provider's object store and
// waits for the provider to finish processing it.
package upload

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/abdhe/llm-media-gateway/pkg/ledger"
	"github.com/abdhe/llm-media-gateway/pkg/metrics"
	"github.com/abdhe/llm-media-gateway/pkg/provider"
	"github.com/abdhe/llm-media-gateway/pkg/resilience"
	"github.com/abdhe/llm-media-gateway/pkg/staging"
)

// Config controls polling.
type Config struct {
	PollInterval time.Duration // delay between state polls
	PollTimeout  time.Duration // overall bound on waiting for a terminal state
	PollRetries  int           // transport retries per poll
	RetryBase    time.Duration
	RetryMax     time.Duration
}

// DefaultConfig polls every 10s for up to 10 minutes.
func DefaultConfig() Config {
	return Config{
		PollInterval: 10 * time.Second,
		PollTimeout:  10 * time.Minute,
		PollRetries:  3,
		RetryBase:    500 * time.Millisecond,
		RetryMax:     5 * time.Second,
	}
}

// Uploader uploads assets and polls them to READY or FAILED.
type Uploader struct {
	store  provider.ObjectStore
	ledger ledger.Ledger
	cfg    Config
	log    *zap.SugaredLogger
}

// New creates an Uploader. A nil ledger keeps handles in memory.
func New(store provider.ObjectStore, l ledger.Ledger, cfg Config, log *zap.SugaredLogger) *Uploader {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = def.PollTimeout
	}
	if cfg.PollRetries < 0 {
		cfg.PollRetries = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = def.RetryMax
	}
	if l == nil {
		l = ledger.NewMemory()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Uploader{store: store, ledger: l, cfg: cfg, log: log.Named("upload")}
}

// Upload sends asset to the provider and blocks until the remote object is
// READY. observe, if non-nil, receives each state of the trail
// UPLOADING -> PROCESSING -> READY|FAILED exactly once and in that order.
//
// Any error returned after the object was created carries its handle
// (see provider.HandleOf) so the caller can release it.
func (u *Uploader) Upload(ctx context.Context, asset *staging.Asset, observe func(provider.State)) (*provider.Handle, error) {
	start := time.Now()
	media := string(asset.Kind)

	f, err := asset.Open()
	if err != nil {
		return nil, fmt.Errorf("upload: open staged file: %w", err)
	}
	h, err := u.store.Upload(ctx, f, asset.MIMEType, asset.Filename)
	_ = f.Close()
	if err != nil {
		metrics.UploadLatency.WithLabelValues(media, outcome(err)).Observe(time.Since(start).Seconds())
		if provider.IsContextErr(err) && ctx.Err() != nil {
			return nil, fmt.Errorf("upload: %w", ctx.Err())
		}
		return nil, provider.Wrap(provider.KindTransport, "upload", err)
	}
	if err := u.ledger.Track(ctx, h); err != nil {
		u.log.Warnw("track handle", "handle", h.ID, "error", err)
	}
	u.log.Infow("uploaded file", "handle", h.ID, "file", asset.Filename, "mime", asset.MIMEType, "bytes", asset.SizeBytes)

	tr := &trail{observe: observe}
	if h.State == "" {
		h.State = provider.StateUploading
	}
	tr.see(h.State)

	err = u.await(ctx, h, tr)
	h.State = tr.last
	metrics.UploadLatency.WithLabelValues(media, outcome(err)).Observe(time.Since(start).Seconds())
	if err != nil {
		return h, provider.WithHandle(err, h)
	}
	u.log.Infow("file ready", "handle", h.ID, "elapsed", time.Since(start).String())
	return h, nil
}

func (u *Uploader) await(ctx context.Context, h *provider.Handle, tr *trail) error {
	pollCtx, cancel := context.WithTimeout(ctx, u.cfg.PollTimeout)
	defer cancel()

	retryCfg := resilience.RetryConfig{
		MaxRetries: u.cfg.PollRetries,
		BaseDelay:  u.cfg.RetryBase,
		MaxDelay:   u.cfg.RetryMax,
		Retryable:  provider.IsTransport,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			u.log.Warnw("state poll failed, retrying", "handle", h.ID, "attempt", attempt, "delay", delay.String(), "error", err)
		},
	}

	timer := time.NewTimer(u.cfg.PollInterval)
	defer timer.Stop()

	for !tr.last.Terminal() {
		select {
		case <-pollCtx.Done():
			return u.waitErr(ctx, h, tr)
		case <-timer.C:
		}

		var st provider.State
		err := resilience.Retry(pollCtx, retryCfg, func(ctx context.Context) error {
			var err error
			st, err = u.store.State(ctx, h)
			return err
		})
		if err != nil {
			if pollCtx.Err() != nil {
				return u.waitErr(ctx, h, tr)
			}
			return provider.Wrap(provider.KindTransport, "upload: poll", err)
		}
		metrics.PollsTotal.WithLabelValues(string(st)).Inc()
		tr.see(st)
		u.log.Debugw("polled state", "handle", h.ID, "state", st)
		timer.Reset(u.cfg.PollInterval)
	}

	if tr.last == provider.StateFailed {
		return &provider.Error{
			Kind:  provider.KindProcessingFailed,
			Op:    "upload",
			State: provider.StateFailed,
			Msg:   fmt.Sprintf("provider failed to process %s", h.ID),
		}
	}
	return nil
}

// waitErr distinguishes caller cancellation from the poll timeout.
func (u *Uploader) waitErr(ctx context.Context, h *provider.Handle, tr *trail) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("upload: waiting for %s: %w", h.ID, err)
	}
	return &provider.Error{
		Kind:  provider.KindTimeout,
		Op:    "upload",
		State: tr.last,
		Msg:   fmt.Sprintf("%s not ready after %s", h.ID, u.cfg.PollTimeout),
	}
}

// Release deletes the remote object and forgets it. Errors are logged and
// swallowed; an already-deleted object is not worth a warning.
func (u *Uploader) Release(ctx context.Context, h *provider.Handle) {
	if h == nil {
		return
	}
	err := u.store.Delete(ctx, h)
	switch {
	case err == nil:
		metrics.DeletesTotal.WithLabelValues("ok").Inc()
		u.log.Infow("deleted remote file", "handle", h.ID)
	case provider.KindOf(err) == provider.KindNotFound:
		metrics.DeletesTotal.WithLabelValues("not_found").Inc()
		u.log.Debugw("remote file already gone", "handle", h.ID)
	default:
		// Left in the ledger for the next sweep.
		metrics.DeletesTotal.WithLabelValues("error").Inc()
		u.log.Warnw("delete remote file", "handle", h.ID, "error", err)
		return
	}
	if err := u.ledger.Forget(ctx, h); err != nil {
		u.log.Warnw("forget handle", "handle", h.ID, "error", err)
	}
}

func outcome(err error) string {
	if err == nil {
		return "ready"
	}
	if provider.IsContextErr(err) && provider.KindOf(err) == provider.KindUnknown {
		return "cancelled"
	}
	switch provider.KindOf(err) {
	case provider.KindProcessingFailed:
		return "failed"
	case provider.KindTimeout:
		return "timeout"
	default:
		return "transport"
	}
}
