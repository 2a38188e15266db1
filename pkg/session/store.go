package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/abdhe/llm-media-gateway/pkg/metrics"
	"github.com/abdhe/llm-media-gateway/pkg/provider"
)

// DefaultIdleTTL is how long an unused session is kept.
const DefaultIdleTTL = time.Hour

// Store is the registry of live sessions.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	deps     Deps
	idleTTL  time.Duration
	log      *zap.SugaredLogger
}

// NewStore creates an empty registry whose sessions share deps.
func NewStore(deps Deps, idleTTL time.Duration) *Store {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop().Sugar()
	}
	return &Store{
		sessions: make(map[string]*Session),
		deps:     deps,
		idleTTL:  idleTTL,
		log:      deps.Log.Named("sessions"),
	}
}

// Create starts a new session with the given defaults.
func (st *Store) Create(defaults provider.GenerationConfig) *Session {
	s := New(st.deps, defaults)
	st.mu.Lock()
	st.sessions[s.ID] = s
	n := len(st.sessions)
	st.mu.Unlock()
	metrics.Sessions.Set(float64(n))
	st.log.Infow("session created", "session", s.ID, "model", s.defaults.ModelID)
	return s
}

// Get returns the session with id.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// Close removes and closes the session with id.
func (st *Store) Close(id string) bool {
	st.mu.Lock()
	s, ok := st.sessions[id]
	delete(st.sessions, id)
	n := len(st.sessions)
	st.mu.Unlock()
	if !ok {
		return false
	}
	metrics.Sessions.Set(float64(n))
	s.Close()
	return true
}

// CloseAll closes every session.
func (st *Store) CloseAll() {
	st.mu.Lock()
	all := st.sessions
	st.sessions = make(map[string]*Session)
	st.mu.Unlock()
	metrics.Sessions.Set(0)
	for _, s := range all {
		s.Close()
	}
}

// Reap closes sessions idle longer than the TTL. Sessions with a turn in
// flight are skipped. It returns the number closed.
func (st *Store) Reap(now time.Time) int {
	var stale []*Session
	st.mu.Lock()
	for id, s := range st.sessions {
		if !s.Busy() && now.Sub(s.LastActive()) > st.idleTTL {
			stale = append(stale, s)
			delete(st.sessions, id)
		}
	}
	n := len(st.sessions)
	st.mu.Unlock()

	metrics.Sessions.Set(float64(n))
	for _, s := range stale {
		s.Close()
	}
	if len(stale) > 0 {
		st.log.Infow("reaped idle sessions", "closed", len(stale), "live", n)
	}
	return len(stale)
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
