package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/abdhe/llm-media-gateway/pkg/metrics"
	"github.com/abdhe/llm-media-gateway/pkg/provider"
)

// DefaultKey is the Redis hash holding pending handles. Instances sharing
// a Redis server need distinct keys: the startup sweep deletes every handle
// under its key.
const DefaultKey = "gateway:handles"

// Redis stores pending handles in a Redis hash keyed by handle ID.
type Redis struct {
	client *redis.Client
	key    string

	// owned holds the handles this process tracked. Only those move the
	// pending gauge; entries left by an earlier process were never counted.
	mu    sync.Mutex
	owned map[string]struct{}
}

// NewRedis creates a Redis-backed ledger under key (DefaultKey if empty).
func NewRedis(addr, password string, db int, key string) *Redis {
	return NewRedisWithClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), key)
}

// NewRedisWithClient uses an existing client and hash key.
func NewRedisWithClient(client *redis.Client, key string) *Redis {
	if key == "" {
		key = DefaultKey
	}
	return &Redis{client: client, key: key, owned: make(map[string]struct{})}
}

// Key returns the hash key.
func (r *Redis) Key() string { return r.key }

// Track records h as live.
func (r *Redis) Track(ctx context.Context, h *provider.Handle) error {
	if h == nil {
		return nil
	}
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("ledger: marshal: %w", err)
	}
	if err := r.client.HSet(ctx, r.key, h.ID, string(data)).Err(); err != nil {
		return fmt.Errorf("ledger: track: %w", err)
	}
	r.mu.Lock()
	if _, ok := r.owned[h.ID]; !ok {
		r.owned[h.ID] = struct{}{}
		metrics.PendingHandles.Inc()
	}
	r.mu.Unlock()
	return nil
}

// Forget removes h. Forgetting an unknown handle is not an error.
func (r *Redis) Forget(ctx context.Context, h *provider.Handle) error {
	if h == nil {
		return nil
	}
	if err := r.client.HDel(ctx, r.key, h.ID).Err(); err != nil {
		return fmt.Errorf("ledger: forget: %w", err)
	}
	r.mu.Lock()
	if _, ok := r.owned[h.ID]; ok {
		delete(r.owned, h.ID)
		metrics.PendingHandles.Dec()
	}
	r.mu.Unlock()
	return nil
}

// Pending returns every tracked handle, oldest first.
func (r *Redis) Pending(ctx context.Context) ([]provider.Handle, error) {
	vals, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger: pending: %w", err)
	}
	out := make([]provider.Handle, 0, len(vals))
	for id, val := range vals {
		var h provider.Handle
		if err := json.Unmarshal([]byte(val), &h); err != nil {
			return nil, fmt.Errorf("ledger: unmarshal %s: %w", id, err)
		}
		out = append(out, h)
	}
	sortHandles(out)
	return out, nil
}

// Ping checks the Redis connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
