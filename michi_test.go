package michi

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/michi/internal/bus"
	"github.com/ashita-ai/michi/internal/model"
)

type sink struct {
	got []Event
	err error
}

func (s *sink) Publish(_ context.Context, ev Event) error {
	s.got = append(s.got, ev)
	return s.err
}

func TestFanoutDeliversToEveryPublisher(t *testing.T) {
	first, second := &sink{err: errors.New("first down")}, &sink{}
	f := fanout{bus.Noop{}, &publisherAdapter{p: first}, &publisherAdapter{p: second}}

	ev := model.NewDomainEvent(model.DomainSignalChanged, "T1", "c1", map[string]any{"signal": "PAUSED"})
	err := f.Publish(context.Background(), ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "first down")

	require.Len(t, second.got, 1, "a failing publisher does not starve the rest")
	got := second.got[0]
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, EventSignalChanged, got.Type)
	assert.Equal(t, "T1", got.TraceID)
	assert.Equal(t, "c1", got.TaskID)
	assert.Equal(t, "PAUSED", got.Payload["signal"])
}

func TestWithOptions(t *testing.T) {
	o := resolvedOptions{}
	for _, fn := range []Option{
		WithPort(9090),
		WithDatabaseURL("postgres://db"),
		WithRedisURL("redis://cache"),
		WithVersion("1.2.3"),
		WithPublisher(&sink{}),
		WithPublisher(&sink{}),
	} {
		fn(&o)
	}
	assert.Equal(t, 9090, o.port)
	assert.Equal(t, "postgres://db", o.databaseURL)
	assert.Equal(t, "redis://cache", o.redisURL)
	assert.Equal(t, "1.2.3", o.version)
	assert.Len(t, o.publishers, 2)
}
