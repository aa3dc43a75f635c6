package history

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *memSink) Send(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, e)
	return nil
}

func (s *memSink) Recent(_ context.Context, tenantID string, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if s.events[i].Record.TenantID == tenantID {
			out = append(out, s.events[i])
		}
	}
	return out, nil
}

type closingSink struct {
	memSink
	closed bool
}

func (c *closingSink) Close() error { c.closed = true; return nil }

func TestMultiSendsToAllSinks(t *testing.T) {
	ok := &memSink{}
	failing := &memSink{err: errors.New("down")}
	later := &memSink{}
	m := Multi{ok, nil, failing, later}

	err := m.Send(context.Background(), NewEvent(EventStart, Record{TenantID: "T1", Name: "bot-T1"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	assert.Len(t, ok.events, 1)
	assert.Len(t, later.events, 1, "a failing sink must not stop the fan-out")
	assert.False(t, ok.events[0].OccurredAt.IsZero())
}

func TestMultiRecentUsesFirstReader(t *testing.T) {
	s := &memSink{}
	m := Multi{s}
	ctx := context.Background()
	for _, typ := range []EventType{EventRegister, EventStart, EventStop} {
		require.NoError(t, m.Send(ctx, NewEvent(typ, Record{TenantID: "T1", Name: "bot-T1"})))
	}
	require.NoError(t, m.Send(ctx, NewEvent(EventStart, Record{TenantID: "T2", Name: "bot-T2"})))

	evts, err := m.Recent(ctx, "T1", 2)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, EventStop, evts[0].Type)
	assert.Equal(t, EventStart, evts[1].Type)

	evts, err = Multi{}.Recent(ctx, "T1", 10)
	assert.NoError(t, err)
	assert.Empty(t, evts)
}

func TestMultiClose(t *testing.T) {
	c := &closingSink{}
	require.NoError(t, Multi{c, &memSink{}}.Close())
	assert.True(t, c.closed)
}
