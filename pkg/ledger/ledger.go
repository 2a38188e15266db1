// Package ledger records remote objects that have been created but not yet
// deleted, so a restarted gateway can release what a crashed one left behind.
package ledger

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/abdhe/llm-media-gateway/pkg/metrics"
	"github.com/abdhe/llm-media-gateway/pkg/provider"
)

// Ledger tracks live remote handles.
type Ledger interface {
	Track(ctx context.Context, h *provider.Handle) error
	Forget(ctx context.Context, h *provider.Handle) error
	Pending(ctx context.Context) ([]provider.Handle, error)
	Close() error
}

// Memory is a process-local Ledger.
type Memory struct {
	mu      sync.Mutex
	handles map[string]provider.Handle
}

func NewMemory() *Memory {
	return &Memory{handles: make(map[string]provider.Handle)}
}

func (m *Memory) Track(_ context.Context, h *provider.Handle) error {
	if h == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handles[h.ID]; !ok {
		metrics.PendingHandles.Inc()
	}
	m.handles[h.ID] = *h
	return nil
}

func (m *Memory) Forget(_ context.Context, h *provider.Handle) error {
	if h == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handles[h.ID]; ok {
		delete(m.handles, h.ID)
		metrics.PendingHandles.Dec()
	}
	return nil
}

func (m *Memory) Pending(_ context.Context) ([]provider.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]provider.Handle, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, h)
	}
	sortHandles(out)
	return out, nil
}

func (m *Memory) Close() error { return nil }

// Sweep deletes every pending handle from store and forgets it. Handles the
// provider no longer knows about are forgotten as well. It returns the number
// of handles released.
func Sweep(ctx context.Context, l Ledger, store provider.ObjectStore, log *zap.SugaredLogger) (int, error) {
	pending, err := l.Pending(ctx)
	if err != nil {
		return 0, err
	}
	released := 0
	for i := range pending {
		h := &pending[i]
		err := store.Delete(ctx, h)
		switch {
		case err == nil:
			released++
			metrics.DeletesTotal.WithLabelValues("ok").Inc()
		case provider.KindOf(err) == provider.KindNotFound:
			metrics.DeletesTotal.WithLabelValues("not_found").Inc()
		default:
			metrics.DeletesTotal.WithLabelValues("error").Inc()
			log.Warnw("sweep: delete orphaned handle", "handle", h.ID, "error", err)
			continue
		}
		if err := l.Forget(ctx, h); err != nil {
			log.Warnw("sweep: forget handle", "handle", h.ID, "error", err)
		}
	}
	if len(pending) > 0 {
		log.Infow("swept orphaned remote objects", "pending", len(pending), "released", released)
	}
	return released, nil
}

func sortHandles(hs []provider.Handle) {
	sort.Slice(hs, func(i, j int) bool {
		if hs[i].CreatedAt.Equal(hs[j].CreatedAt) {
			return hs[i].ID < hs[j].ID
		}
		return hs[i].CreatedAt.Before(hs[j].CreatedAt)
	})
}
