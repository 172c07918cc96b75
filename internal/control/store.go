// Package control holds the current control signal of every trace and of
// every instance that has been targeted directly, in Redis.
//
// Entries are consulted on every worker report, so reads must stay a single
// round-trip. Trace-level signals are mirrored on the traces table, which the
// lifecycle engine uses to repair a lost entry.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/michi/internal/model"
)

// DefaultTTL bounds how long a signal entry outlives its last write.
const DefaultTTL = 7 * 24 * time.Hour

// DefaultKeyPrefix namespaces signal keys.
const DefaultKeyPrefix = "michi:signal:"

// Config controls key layout and expiry.
type Config struct {
	KeyPrefix string
	TTL       time.Duration
}

// Store is the Redis-backed signal store.
type Store struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewStore creates a signal store over a Redis client.
func NewStore(rdb redis.Cmdable, cfg Config) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	return &Store{rdb: rdb, prefix: cfg.KeyPrefix, ttl: cfg.TTL}
}

func (s *Store) traceKey(traceID string) string {
	return s.prefix + "trace:" + traceID
}

func (s *Store) instanceKey(traceID, taskID string) string {
	return s.prefix + "task:" + traceID + ":" + taskID
}

// SetTrace records the signal for a whole trace.
func (s *Store) SetTrace(ctx context.Context, traceID string, signal model.ControlSignal) error {
	if err := s.rdb.Set(ctx, s.traceKey(traceID), string(signal.Normalize()), s.ttl).Err(); err != nil {
		return fmt.Errorf("control: set trace %s: %w", traceID, err)
	}
	return nil
}

// Trace returns the trace's signal and whether an entry exists.
func (s *Store) Trace(ctx context.Context, traceID string) (model.ControlSignal, bool, error) {
	return s.get(ctx, s.traceKey(traceID))
}

// SetInstances records the same signal for many instances of one trace.
func (s *Store) SetInstances(ctx context.Context, traceID string, taskIDs []string, signal model.ControlSignal) error {
	if len(taskIDs) == 0 {
		return nil
	}
	pipe := s.rdb.Pipeline()
	for _, id := range taskIDs {
		pipe.Set(ctx, s.instanceKey(traceID, id), string(signal.Normalize()), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("control: set %d instance signal(s): %w", len(taskIDs), err)
	}
	return nil
}

// Instance returns an instance's signal and whether an entry exists.
func (s *Store) Instance(ctx context.Context, traceID, taskID string) (model.ControlSignal, bool, error) {
	return s.get(ctx, s.instanceKey(traceID, taskID))
}

// Resolve returns the trace and instance signals in one round-trip. Missing
// entries come back unset.
func (s *Store) Resolve(ctx context.Context, traceID, taskID string) (trace, instance model.ControlSignal, traceFound bool, err error) {
	vals, err := s.rdb.MGet(ctx, s.traceKey(traceID), s.instanceKey(traceID, taskID)).Result()
	if err != nil {
		return "", "", false, fmt.Errorf("control: resolve %s/%s: %w", traceID, taskID, err)
	}
	if v, ok := vals[0].(string); ok {
		trace, traceFound = model.ControlSignal(v), true
	}
	if v, ok := vals[1].(string); ok {
		instance = model.ControlSignal(v)
	}
	return trace, instance, traceFound, nil
}

func (s *Store) get(ctx context.Context, key string) (model.ControlSignal, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return model.SignalUnset, false, nil
	}
	if err != nil {
		return model.SignalUnset, false, fmt.Errorf("control: get %s: %w", key, err)
	}
	return model.ControlSignal(v), true, nil
}
