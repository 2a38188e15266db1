// Package resilience provides the retry, circuit breaking and API key
// rotation used around provider calls.
package resilience

import (
	"fmt"
	"sync"
	"time"
)

// KeyPool hands out API keys round-robin and skips keys that are cooling
// down after a rate limit.
type KeyPool struct {
	mu      sync.Mutex
	keys    []keyEntry
	current int
	now     func() time.Time
}

type keyEntry struct {
	key          string
	limitedUntil time.Time
}

// NewKeyPool creates a key pool from a list of API keys.
func NewKeyPool(keys []string) *KeyPool {
	entries := make([]keyEntry, len(keys))
	for i, k := range keys {
		entries[i] = keyEntry{key: k}
	}
	return &KeyPool{keys: entries, now: time.Now}
}

// Next returns the next key that is not rate limited. It fails when every
// key is cooling down, naming the earliest time one becomes usable.
func (kp *KeyPool) Next() (string, error) {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	n := len(kp.keys)
	if n == 0 {
		return "", fmt.Errorf("keypool: no keys configured")
	}

	now := kp.now()
	earliest := kp.keys[0].limitedUntil
	for i := 0; i < n; i++ {
		idx := (kp.current + i) % n
		entry := kp.keys[idx]
		if !now.Before(entry.limitedUntil) {
			kp.current = (idx + 1) % n
			return entry.key, nil
		}
		if entry.limitedUntil.Before(earliest) {
			earliest = entry.limitedUntil
		}
	}

	return "", fmt.Errorf("keypool: all keys rate limited, earliest reset at %s", earliest.Format(time.RFC3339))
}

// MarkRateLimited takes key out of rotation until resetAt.
func (kp *KeyPool) MarkRateLimited(key string, resetAt time.Time) {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	for i := range kp.keys {
		if kp.keys[i].key == key {
			kp.keys[i].limitedUntil = resetAt
		}
	}
}

// Available returns how many keys are usable right now.
func (kp *KeyPool) Available() int {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	now := kp.now()
	n := 0
	for _, e := range kp.keys {
		if !now.Before(e.limitedUntil) {
			n++
		}
	}
	return n
}

// Size returns the number of keys in the pool.
func (kp *KeyPool) Size() int {
	kp.mu.Lock()
	defer kp.mu.Unlock()
	return len(kp.keys)
}
