package session

import (
	"sync"
	"time"

	"github.com/abdhe/llm-media-gateway/pkg/provider"
)

// History is a session's append-only conversation log.
type History struct {
	mu       sync.RWMutex
	messages []provider.Message
}

// AppendTurn adds a user message and its reply as one unit.
func (h *History) AppendTurn(user, assistant string, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages,
		provider.Message{Text: user, IsUser: true, At: at},
		provider.Message{Text: assistant, IsUser: false, At: at},
	)
}

// Snapshot returns a copy of the messages in order.
func (h *History) Snapshot() []provider.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]provider.Message(nil), h.messages...)
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}
