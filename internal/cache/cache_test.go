package cache_test

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/michi/internal/cache"
	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/storage"
)

type fakeLoader struct {
	mu    sync.Mutex
	rows  map[string]model.Instance
	calls atomic.Int32
	delay time.Duration
}

func (f *fakeLoader) GetInstanceByTaskID(_ context.Context, _, taskID string) (model.Instance, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.rows[taskID]
	if !ok {
		return model.Instance{}, storage.ErrNotFound
	}
	return inst, nil
}

func setup(t *testing.T) (*miniredis.Miniredis, *cache.Projections, *fakeLoader) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	loader := &fakeLoader{rows: map[string]model.Instance{}}
	logger := slog.New(slog.DiscardHandler)
	return mr, cache.New(rdb, loader, cache.Config{}, logger), loader
}

func sampleInstance(taskID string) model.Instance {
	now := time.Now().UTC()
	return model.Instance{
		ID:        model.NewID(),
		TaskID:    taskID,
		TraceID:   "T1",
		Depth:     1,
		Path:      "/root-T1/",
		ActorKind: model.DefaultActorKind,
		Status:    model.InstanceStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestGetReadRepairsOnMiss(t *testing.T) {
	mr, proj, loader := setup(t)
	ctx := context.Background()
	inst := sampleInstance("c1")
	loader.rows["c1"] = inst

	p, err := proj.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, inst.ID, p.ID())
	assert.Equal(t, "T1", p.TraceID())
	assert.True(t, p.Complete())

	assert.True(t, mr.Exists(cache.DefaultKeyPrefix+"c1"), "miss must write back")
	assert.Equal(t, cache.DefaultTTL, mr.TTL(cache.DefaultKeyPrefix+"c1"))

	_, err = proj.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), loader.calls.Load(), "second read is a hit")
}

func TestGetMissingInstanceLeavesNoNegativeEntry(t *testing.T) {
	mr, proj, _ := setup(t)

	_, err := proj.Get(context.Background(), "ghost")
	require.ErrorIs(t, err, storage.ErrNotFound)
	assert.False(t, mr.Exists(cache.DefaultKeyPrefix+"ghost"))
}

func TestGetCollapsesConcurrentMisses(t *testing.T) {
	_, proj, loader := setup(t)
	loader.rows["hot"] = sampleInstance("hot")
	loader.delay = 50 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := proj.Get(context.Background(), "hot")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Less(t, loader.calls.Load(), int32(10))
}

func TestGetFallsBackToStoreWhenRedisIsDown(t *testing.T) {
	mr, proj, loader := setup(t)
	loader.rows["c1"] = sampleInstance("c1")
	mr.Close()

	p, err := proj.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", p.TaskID())
}

func TestApplyUpdateMergesIntoSuppliedProjection(t *testing.T) {
	_, proj, loader := setup(t)
	ctx := context.Background()
	inst := sampleInstance("c1")

	current, err := cache.FromInstance(inst)
	require.NoError(t, err)

	started := time.Now().UTC().Truncate(time.Millisecond)
	merged, err := proj.ApplyUpdate(ctx, "c1", map[string]any{
		"status":     model.InstanceStatusRunning,
		"progress":   50,
		"started_at": started,
	}, current)
	require.NoError(t, err)
	assert.Equal(t, int32(0), loader.calls.Load(), "supplied projection avoids a read")

	assert.Equal(t, model.InstanceStatusRunning, merged.Status())
	assert.Equal(t, 50, merged.Progress())
	require.NotNil(t, merged.StartedAt())
	assert.True(t, started.Equal(*merged.StartedAt()))
	assert.Equal(t, inst.Path, merged.Path(), "untouched fields survive the merge")

	got, err := proj.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, merged, got)
}

func TestApplyUpdateFetchesWhenNoProjectionSupplied(t *testing.T) {
	_, proj, loader := setup(t)
	loader.rows["c1"] = sampleInstance("c1")

	merged, err := proj.ApplyUpdate(context.Background(), "c1", map[string]any{"progress": 70}, nil)
	require.NoError(t, err)
	assert.Equal(t, 70, merged.Progress())
	assert.True(t, merged.Complete())
}

func TestApplyUpdateDegradesToStub(t *testing.T) {
	_, proj, _ := setup(t)

	merged, err := proj.ApplyUpdate(context.Background(), "orphan", map[string]any{"progress": 10}, nil)
	require.NoError(t, err)
	assert.Equal(t, "orphan", merged.TaskID())
	assert.Equal(t, 10, merged.Progress())
	assert.False(t, merged.Complete(), "stub projections are flagged incomplete")
}

func TestPutInstancesAndSetSignal(t *testing.T) {
	mr, proj, _ := setup(t)
	ctx := context.Background()

	a, b := sampleInstance("a"), sampleInstance("b")
	require.NoError(t, proj.PutInstances(ctx, []model.Instance{a, b}))
	assert.True(t, mr.Exists(cache.DefaultKeyPrefix+"a"))

	require.NoError(t, proj.SetSignal(ctx, "T1", []string{"a", "uncached"}, model.SignalCancelled))

	pa, err := proj.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.SignalCancelled, pa.ControlSignal())

	pb, err := proj.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, model.SignalUnset, pb.ControlSignal())
	assert.False(t, mr.Exists(cache.DefaultKeyPrefix+"uncached"))
}

func TestSetSignalSkipsOtherTraces(t *testing.T) {
	_, proj, _ := setup(t)
	ctx := context.Background()

	shared := sampleInstance("shared")
	shared.TraceID = "T2"
	require.NoError(t, proj.PutInstances(ctx, []model.Instance{shared}))

	require.NoError(t, proj.SetSignal(ctx, "T1", []string{"shared"}, model.SignalCancelled))

	p, err := proj.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, "T2", p.TraceID())
	assert.Equal(t, model.SignalUnset, p.ControlSignal(), "a signal for T1 never lands on T2's task")
}

func TestApplyUpdateKeepsTerminalOutcome(t *testing.T) {
	_, proj, _ := setup(t)
	ctx := context.Background()

	done := sampleInstance("c1")
	done.Status = model.InstanceStatusSuccess
	done.Progress = 100
	done.Output = map[string]any{"answer": 42.0}
	require.NoError(t, proj.PutInstances(ctx, []model.Instance{done}))

	seen := time.Now().UTC()
	merged, err := proj.ApplyUpdate(ctx, "c1", map[string]any{
		"status": model.InstanceStatusRunning, "progress": 50, "output": map[string]any{},
		"last_seen_at": seen, "worker_id": "w-late",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusSuccess, merged.Status())
	assert.Equal(t, 100, merged.Progress())
	assert.Equal(t, map[string]any{"answer": 42.0}, merged["output"])
	assert.Equal(t, "w-late", merged["worker_id"])
	assert.NotNil(t, merged["last_seen_at"])

	stored, err := proj.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusSuccess, stored.Status())
	assert.Equal(t, 100, stored.Progress())
}

func TestInvalidate(t *testing.T) {
	mr, proj, _ := setup(t)
	ctx := context.Background()
	require.NoError(t, proj.PutInstances(ctx, []model.Instance{sampleInstance("a")}))

	require.NoError(t, proj.Invalidate(ctx, "a"))
	assert.False(t, mr.Exists(cache.DefaultKeyPrefix+"a"))
}
