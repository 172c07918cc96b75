package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/michi/internal/model"
)

// DefaultTTL is how long a projection lives without being rewritten.
const DefaultTTL = 24 * time.Hour

// DefaultKeyPrefix namespaces projection keys.
const DefaultKeyPrefix = "michi:instance:"

// Loader reads the authoritative instance on a cache miss. An empty traceID
// selects the most recent instance with the task id.
type Loader interface {
	GetInstanceByTaskID(ctx context.Context, traceID, taskID string) (model.Instance, error)
}

// Config controls key layout and expiry.
type Config struct {
	KeyPrefix string
	TTL       time.Duration
}

// Projections is the read-through/write-through projection layer.
type Projections struct {
	rdb    redis.Cmdable
	loader Loader
	prefix string
	ttl    time.Duration
	logger *slog.Logger
	loads  singleflight.Group
}

// New creates a projection layer over a Redis client.
func New(rdb redis.Cmdable, loader Loader, cfg Config, logger *slog.Logger) *Projections {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	return &Projections{
		rdb:    rdb,
		loader: loader,
		prefix: cfg.KeyPrefix,
		ttl:    cfg.TTL,
		logger: logger.With("component", "cache"),
	}
}

func (p *Projections) key(taskID string) string {
	return p.prefix + taskID
}

// Get returns the projection for taskID. On a miss it loads the instance
// from the store, writes it back with the TTL, and returns it. An instance
// that exists nowhere yields the loader's not-found error and leaves no
// negative entry behind.
func (p *Projections) Get(ctx context.Context, taskID string) (Projection, error) {
	raw, err := p.rdb.Get(ctx, p.key(taskID)).Bytes()
	switch {
	case err == nil:
		var proj Projection
		if err := json.Unmarshal(raw, &proj); err == nil {
			return proj, nil
		}
		p.logger.Warn("cache: discarding undecodable projection", "task_id", taskID)
	case errors.Is(err, redis.Nil):
	default:
		p.logger.Warn("cache: get failed, reading store", "task_id", taskID, "error", err)
	}

	v, err, _ := p.loads.Do(taskID, func() (any, error) {
		return p.readRepair(ctx, taskID)
	})
	if err != nil {
		return nil, err
	}
	return maps.Clone(v.(Projection)), nil
}

func (p *Projections) readRepair(ctx context.Context, taskID string) (Projection, error) {
	inst, err := p.loader.GetInstanceByTaskID(ctx, "", taskID)
	if err != nil {
		return nil, err
	}
	proj, err := FromInstance(inst)
	if err != nil {
		return nil, err
	}
	if err := p.put(ctx, taskID, proj); err != nil {
		p.logger.Warn("cache: read-repair write failed", "task_id", taskID, "error", err)
	}
	return proj, nil
}

// ApplyUpdate merges changes into current, or into a freshly fetched
// projection when current is nil, and writes the full result back.
//
// When no projection can be found at all the merge starts from a stub that
// holds only the task id. That view is incomplete until the next read-repair,
// so it is logged as degraded rather than passed off as correct.
func (p *Projections) ApplyUpdate(ctx context.Context, taskID string, changes map[string]any, current Projection) (Projection, error) {
	delta, err := normalize(changes)
	if err != nil {
		return nil, err
	}

	base := current
	if base == nil {
		base, err = p.Get(ctx, taskID)
		if err != nil {
			p.logger.Warn("cache: degraded projection, merging into stub",
				"task_id", taskID, "error", err)
			base = Projection{"task_id": taskID}
		}
	}

	merged := base.Merge(delta)
	if err := p.put(ctx, taskID, merged); err != nil {
		return merged, err
	}
	return merged, nil
}

// PutInstances writes projections for freshly committed instances.
func (p *Projections) PutInstances(ctx context.Context, insts []model.Instance) error {
	if len(insts) == 0 {
		return nil
	}
	pipe := p.rdb.Pipeline()
	for _, inst := range insts {
		proj, err := FromInstance(inst)
		if err != nil {
			return err
		}
		data, err := json.Marshal(proj)
		if err != nil {
			return fmt.Errorf("cache: encode projection: %w", err)
		}
		pipe.Set(ctx, p.key(inst.TaskID), data, p.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache: put instances: %w", err)
	}
	return nil
}

// SetSignal merges a control signal into the projections of taskIDs in
// traceID. Tasks without a cached projection, or whose cached projection
// belongs to another trace reusing the task id, are skipped; the next
// read-repair picks the signal up from the store.
func (p *Projections) SetSignal(ctx context.Context, traceID string, taskIDs []string, signal model.ControlSignal) error {
	if len(taskIDs) == 0 {
		return nil
	}
	keys := make([]string, len(taskIDs))
	for i, id := range taskIDs {
		keys[i] = p.key(id)
	}
	vals, err := p.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return fmt.Errorf("cache: set signal: %w", err)
	}

	pipe := p.rdb.Pipeline()
	queued := 0
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var proj Projection
		if err := json.Unmarshal([]byte(s), &proj); err != nil || proj.TraceID() != traceID {
			continue
		}
		proj["control_signal"] = string(signal)
		data, err := json.Marshal(proj)
		if err != nil {
			return fmt.Errorf("cache: encode projection: %w", err)
		}
		pipe.Set(ctx, keys[i], data, p.ttl)
		queued++
	}
	if queued == 0 {
		return nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache: set signal: %w", err)
	}
	return nil
}

// Invalidate drops cached projections so the next Get reads the store.
func (p *Projections) Invalidate(ctx context.Context, taskIDs ...string) error {
	if len(taskIDs) == 0 {
		return nil
	}
	keys := make([]string, len(taskIDs))
	for i, id := range taskIDs {
		keys[i] = p.key(id)
	}
	if err := p.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache: invalidate: %w", err)
	}
	return nil
}

func (p *Projections) put(ctx context.Context, taskID string, proj Projection) error {
	data, err := json.Marshal(proj)
	if err != nil {
		return fmt.Errorf("cache: encode projection: %w", err)
	}
	if err := p.rdb.Set(ctx, p.key(taskID), data, p.ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", taskID, err)
	}
	return nil
}
