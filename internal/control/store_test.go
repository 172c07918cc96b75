package control_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/michi/internal/control"
	"github.com/ashita-ai/michi/internal/model"
)

func newStore(t *testing.T) (*miniredis.Miniredis, *control.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, control.NewStore(rdb, control.Config{})
}

func TestTraceSignalRoundTrip(t *testing.T) {
	mr, s := newStore(t)
	ctx := context.Background()

	sig, found, err := s.Trace(ctx, "T1")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, model.SignalUnset, sig)

	require.NoError(t, s.SetTrace(ctx, "T1", model.SignalPaused))
	sig, found, err = s.Trace(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, model.SignalPaused, sig)
	assert.Equal(t, control.DefaultTTL, mr.TTL(control.DefaultKeyPrefix+"trace:T1"))

	require.NoError(t, s.SetTrace(ctx, "T1", model.SignalUnset))
	sig, _, err = s.Trace(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, model.SignalNormal, sig, "unset is stored as NORMAL")
}

func TestInstanceSignalsAreScopedByTrace(t *testing.T) {
	_, s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetInstances(ctx, "T1", []string{"a", "b"}, model.SignalCancelled))

	sig, found, err := s.Instance(ctx, "T1", "b")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, model.SignalCancelled, sig)

	_, found, err = s.Instance(ctx, "T2", "b")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestResolve(t *testing.T) {
	_, s := newStore(t)
	ctx := context.Background()

	trace, inst, found, err := s.Resolve(ctx, "T1", "a")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, model.SignalUnset, trace)
	assert.Equal(t, model.SignalUnset, inst)

	require.NoError(t, s.SetTrace(ctx, "T1", model.SignalNormal))
	require.NoError(t, s.SetInstances(ctx, "T1", []string{"a"}, model.SignalPaused))

	trace, inst, found, err = s.Resolve(ctx, "T1", "a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, model.SignalNormal, trace)
	assert.Equal(t, model.SignalPaused, inst)
}

func TestStoreErrorsWhenRedisIsDown(t *testing.T) {
	mr, s := newStore(t)
	mr.Close()

	_, _, err := s.Trace(context.Background(), "T1")
	assert.Error(t, err)
}
