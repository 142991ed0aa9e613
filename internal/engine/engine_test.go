package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"beacon/internal/batch"
	"beacon/internal/event"
	"beacon/internal/replay"
	"beacon/internal/session"
	"beacon/internal/subscribe"
	"beacon/internal/throttle"
	"beacon/internal/transport"
	"beacon/pkg/logx"
)

type recordConn struct {
	mu     sync.Mutex
	msgs   []transport.ServerMessage
	closed bool
	poke   chan struct{}
}

func newRecordConn() *recordConn {
	return &recordConn{poke: make(chan struct{}, 64)}
}

func (c *recordConn) Send(_ context.Context, msg transport.ServerMessage) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	select {
	case c.poke <- struct{}{}:
	default:
	}
	return nil
}

func (c *recordConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *recordConn) messages() []transport.ServerMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]transport.ServerMessage, len(c.msgs))
	copy(out, c.msgs)
	return out
}

// waitFor polls until pred is satisfied over the recorded messages.
func (c *recordConn) waitFor(t *testing.T, pred func([]transport.ServerMessage) bool) []transport.ServerMessage {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		msgs := c.messages()
		if pred(msgs) {
			return msgs
		}
		select {
		case <-deadline:
			t.Fatalf("condition never met; messages: %+v", msgs)
			return nil
		case <-c.poke:
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func totalEvents(msgs []transport.ServerMessage) int {
	n := 0
	for _, m := range msgs {
		if m.Type == transport.TypeBatch {
			n += len(m.Events)
		}
	}
	return n
}

type recordNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordNotifier) Notify(_ context.Context, title, _, _, _ string) bool {
	n.mu.Lock()
	n.calls = append(n.calls, title)
	n.mu.Unlock()
	return true
}

func (n *recordNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if cfg.FlushTick == 0 {
		cfg.FlushTick = 5 * time.Millisecond
	}
	if cfg.Batch.Window == 0 {
		cfg.Batch.Window = 20 * time.Millisecond
	}
	e := New(cfg, nil, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		e.Stop(stopCtx)
		stopCancel()
		cancel()
	})
	return e
}

func subscribeMsg(clientID string, spec *subscribe.FilterSpec, lastAcked uint64) transport.ClientMessage {
	return transport.ClientMessage{
		Action:            transport.ActionSubscribe,
		ClientID:          clientID,
		StreamID:          "builds",
		FilterSpec:        spec,
		LastAckedSequence: lastAcked,
	}
}

func TestPublishReachesSubscriber(t *testing.T) {
	e := newTestEngine(t, Config{})
	conn := newRecordConn()
	require.NoError(t, e.Subscribe(context.Background(), subscribeMsg("c1", nil, 0), conn))

	env := e.Publish("builds", "build_failure", event.PriorityHigh, "ci", map[string]any{"job": 42})
	require.Equal(t, uint64(1), env.Sequence)

	msgs := conn.waitFor(t, func(m []transport.ServerMessage) bool { return totalEvents(m) >= 1 })
	var got *transport.ServerMessage
	for i := range msgs {
		if msgs[i].Type == transport.TypeBatch {
			got = &msgs[i]
		}
	}
	require.NotNil(t, got)
	require.Equal(t, uint64(1), got.HighestSequence)
	require.Len(t, got.Events, 1)
	require.Equal(t, "build_failure", got.Events[0].Type)
	require.False(t, got.Events[0].Replay)
}

func TestRepeatedFailureCollapsesToOneDelivery(t *testing.T) {
	e := newTestEngine(t, Config{})
	conn := newRecordConn()
	require.NoError(t, e.Subscribe(context.Background(), subscribeMsg("c1", nil, 0), conn))

	// Same type+source three times inside the throttle window.
	for i := 0; i < 3; i++ {
		e.Publish("builds", "build_failure", event.PriorityHigh, "ci", nil)
	}

	conn.waitFor(t, func(m []transport.ServerMessage) bool { return totalEvents(m) >= 1 })
	time.Sleep(100 * time.Millisecond) // window for spurious extra deliveries
	require.Equal(t, 1, totalEvents(conn.messages()))

	c := e.Counters()
	require.Equal(t, uint64(3), c.Published)
	require.Equal(t, uint64(2), c.Throttled)
}

func TestQuietHoursSuppressAllButCritical(t *testing.T) {
	e := newTestEngine(t, Config{})
	conn := newRecordConn()
	spec := &subscribe.FilterSpec{QuietHours: &subscribe.QuietHours{Start: "00:00", End: "23:59"}}
	require.NoError(t, e.Subscribe(context.Background(), subscribeMsg("c1", spec, 0), conn))

	e.Publish("builds", "build_failure", event.PriorityMedium, "ci", nil)
	e.Publish("builds", "host_down", event.PriorityCritical, "infra", nil)

	msgs := conn.waitFor(t, func(m []transport.ServerMessage) bool { return totalEvents(m) >= 1 })
	require.Equal(t, 1, totalEvents(msgs))
	for _, m := range msgs {
		for _, ev := range m.Events {
			require.Equal(t, event.PriorityCritical, ev.Priority)
		}
	}
}

func TestReplayOnSubscribeAfterPublish(t *testing.T) {
	e := newTestEngine(t, Config{})
	for i := 0; i < 5; i++ {
		e.Publish("builds", "tick", event.PriorityMedium, srcN(i), nil)
	}

	conn := newRecordConn()
	require.NoError(t, e.Subscribe(context.Background(), subscribeMsg("c1", nil, 2), conn))

	msgs := conn.waitFor(t, func(m []transport.ServerMessage) bool { return totalEvents(m) >= 3 })
	seqs := []uint64{}
	for _, m := range msgs {
		for _, ev := range m.Events {
			require.True(t, ev.Replay, "catch-up events must be tagged as replay")
			seqs = append(seqs, ev.Sequence)
		}
	}
	require.Equal(t, []uint64{3, 4, 5}, seqs)
}

func TestReplayOverflowTellsClientToResync(t *testing.T) {
	e := newTestEngine(t, Config{Replay: replay.Config{MaxEntries: 10}})
	for i := 0; i < 30; i++ {
		e.Publish("builds", "tick", event.PriorityMedium, srcN(i), nil)
	}

	conn := newRecordConn()
	require.NoError(t, e.Subscribe(context.Background(), subscribeMsg("c1", nil, 5), conn))

	msgs := conn.waitFor(t, func(m []transport.ServerMessage) bool {
		for _, msg := range m {
			if msg.Type == transport.TypeOverflow {
				return true
			}
		}
		return false
	})
	require.Equal(t, 0, totalEvents(msgs), "no partial replay on overflow")
}

func TestReplayHonorsCurrentFilter(t *testing.T) {
	e := newTestEngine(t, Config{})
	e.Publish("builds", "tick", event.PriorityLow, "a", nil)
	e.Publish("builds", "boom", event.PriorityHigh, "b", nil)
	e.Publish("builds", "tick", event.PriorityLow, "c", nil)

	conn := newRecordConn()
	spec := &subscribe.FilterSpec{MinPriority: "high"}
	require.NoError(t, e.Subscribe(context.Background(), subscribeMsg("c1", spec, 0), conn))

	msgs := conn.waitFor(t, func(m []transport.ServerMessage) bool { return totalEvents(m) >= 1 })
	time.Sleep(50 * time.Millisecond)
	msgs = conn.messages()
	require.Equal(t, 1, totalEvents(msgs))
	for _, m := range msgs {
		for _, ev := range m.Events {
			require.Equal(t, "boom", ev.Type)
		}
	}
}

func TestReconnectReplaysOnlyUnacked(t *testing.T) {
	e := newTestEngine(t, Config{})
	conn1 := newRecordConn()
	require.NoError(t, e.Subscribe(context.Background(), subscribeMsg("c1", nil, 0), conn1))

	e.Publish("builds", "tick", event.PriorityMedium, "a", nil)
	conn1.waitFor(t, func(m []transport.ServerMessage) bool { return totalEvents(m) >= 1 })
	require.NoError(t, e.Ack(context.Background(), "c1", 1))

	e.Disconnect("c1")
	e.Publish("builds", "tick", event.PriorityMedium, "b", nil)
	e.Publish("builds", "tick", event.PriorityMedium, "c", nil)

	conn2 := newRecordConn()
	require.NoError(t, e.Subscribe(context.Background(), subscribeMsg("c1", nil, 0), conn2))
	msgs := conn2.waitFor(t, func(m []transport.ServerMessage) bool { return totalEvents(m) >= 2 })
	seqs := []uint64{}
	for _, m := range msgs {
		for _, ev := range m.Events {
			seqs = append(seqs, ev.Sequence)
		}
	}
	require.Equal(t, []uint64{2, 3}, seqs)
}

func TestRateBudgetStampsDroppedCount(t *testing.T) {
	e := newTestEngine(t, Config{})
	conn := newRecordConn()
	spec := &subscribe.FilterSpec{MaxEventsPerMinute: 60} // burst of 10
	require.NoError(t, e.Subscribe(context.Background(), subscribeMsg("c1", spec, 0), conn))

	for i := 0; i < 20; i++ {
		e.Publish("builds", "tick", event.PriorityLow, srcN(i), nil)
	}

	msgs := conn.waitFor(t, func(m []transport.ServerMessage) bool {
		for _, msg := range m {
			if msg.Type == transport.TypeBatch && msg.DroppedCount > 0 {
				return true
			}
		}
		return false
	})
	require.Less(t, totalEvents(msgs), 20)
	require.Greater(t, e.Counters().RateLimited, uint64(0))
}

func TestCriticalFiresNotifierOnce(t *testing.T) {
	n := &recordNotifier{}
	cfg := Config{FlushTick: 5 * time.Millisecond, Batch: batch.Config{Window: 20 * time.Millisecond}}
	e := New(cfg, nil, n, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		e.Stop(stopCtx)
		stopCancel()
		cancel()
	})

	conn := newRecordConn()
	require.NoError(t, e.Subscribe(context.Background(), subscribeMsg("c1", nil, 0), conn))

	e.Publish("builds", "disk_full", event.PriorityCritical, "host1", nil)
	e.Publish("builds", "tick", event.PriorityMedium, "a", nil)

	conn.waitFor(t, func(m []transport.ServerMessage) bool { return totalEvents(m) >= 2 })
	deadline := time.Now().Add(time.Second)
	for n.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, n.count(), "exactly one notification for one critical")
}

func TestUpdatePreferencesInvalidSpecKeepsPrevious(t *testing.T) {
	e := newTestEngine(t, Config{})
	conn := newRecordConn()
	spec := &subscribe.FilterSpec{MinPriority: "high"}
	require.NoError(t, e.Subscribe(context.Background(), subscribeMsg("c1", spec, 0), conn))

	err := e.UpdatePreferences("c1", subscribe.FilterSpec{MinPriority: "nope"})
	require.ErrorIs(t, err, subscribe.ErrInvalidFilter)

	// The previous floor still applies.
	e.Publish("builds", "tick", event.PriorityLow, "a", nil)
	e.Publish("builds", "boom", event.PriorityHigh, "b", nil)
	msgs := conn.waitFor(t, func(m []transport.ServerMessage) bool { return totalEvents(m) >= 1 })
	for _, m := range msgs {
		for _, ev := range m.Events {
			require.Equal(t, "boom", ev.Type)
		}
	}
}

func TestApplyUpdatesRuntimeKnobs(t *testing.T) {
	e := newTestEngine(t, Config{Throttle: throttle.Config{Interval: 5 * time.Second}})
	e.Apply(10*time.Second, 100*time.Millisecond)
	// No observable crash is the main contract; the knobs themselves are
	// covered by the throttle and batch package tests.
	require.NotNil(t, e)
}

func srcN(i int) string {
	return "src-" + string(rune('a'+i%26)) + string(rune('a'+(i/26)%26))
}

func TestSubscribeBeforeStartLeavesNoState(t *testing.T) {
	e := New(Config{}, nil, nil, logx.Nop())

	err := e.Subscribe(context.Background(), subscribeMsg("c1", nil, 0), newRecordConn())
	require.ErrorIs(t, err, session.ErrNotStarted)

	// The failed connect must not leave a filter behind: an engine started
	// later would otherwise route events to a client that has no session.
	require.Equal(t, 0, e.registry.Len())
}
