// Package engine wires the distribution pipeline: publish → replay buffer →
// router → throttle/dedup → batcher → session queue → dispatcher. One Engine
// value is the explicit per-process instance; every registry it owns is keyed
// by client or stream, with no package-level state.
package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"beacon/internal/batch"
	"beacon/internal/dispatch"
	"beacon/internal/event"
	"beacon/internal/notify"
	"beacon/internal/replay"
	"beacon/internal/router"
	"beacon/internal/runtime/supervisor"
	"beacon/internal/session"
	"beacon/internal/storage"
	"beacon/internal/subscribe"
	"beacon/internal/throttle"
	"beacon/internal/transport"
	"beacon/pkg/logx"
)

type Config struct {
	Replay   replay.Config
	Throttle throttle.Config
	Batch    batch.Config
	Session  session.Config

	// FlushTick is the granularity of the cooperative batch flusher. One loop
	// serves all clients; no per-client timers.
	FlushTick time.Duration
	// JanitorSchedule drives throttle/replay sweeps and session expiry.
	// Accepts a duration ("30s") or a cron spec ("*/1 * * * *", "@every 30s").
	JanitorSchedule string
}

func (c *Config) withDefaults() {
	if c.FlushTick <= 0 {
		c.FlushTick = 25 * time.Millisecond
	}
	if c.JanitorSchedule == "" {
		c.JanitorSchedule = "30s"
	}
}

// Counters is a best-effort operational snapshot.
type Counters struct {
	Published        uint64 `json:"published"`
	DeliveredBatches uint64 `json:"delivered_batches"`
	DeliveredEvents  uint64 `json:"delivered_events"`
	Throttled        uint64 `json:"throttled"`
	RateLimited      uint64 `json:"rate_limited"`
	ExpiredSessions  uint64 `json:"expired_sessions"`
	ActiveClients    int    `json:"active_clients"`
}

type Engine struct {
	cfg Config
	log logx.Logger

	buffer   *replay.Buffer
	registry *subscribe.Registry
	router   *router.Router
	limiter  *throttle.Limiter
	batcher  *batch.Batcher
	sessions *session.Manager

	sup *supervisor.Supervisor

	published        atomic.Uint64
	deliveredBatches atomic.Uint64
	deliveredEvents  atomic.Uint64
	throttled        atomic.Uint64
	rateLimited      atomic.Uint64
	expiredSessions  atomic.Uint64
}

// New builds an engine. store and notifier may be nil (disabled persistence,
// nop notifications).
func New(cfg Config, store storage.Store, notifier notify.Notifier, log logx.Logger) *Engine {
	cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}

	reg := subscribe.NewRegistry()
	lim := throttle.NewLimiter(cfg.Throttle, store, log.With(logx.String("comp", "throttle")))
	bat := batch.NewBatcher(cfg.Batch)
	disp := dispatch.New(notifier, bat.CompressMin(), log.With(logx.String("comp", "dispatch")))
	mgr := session.NewManager(cfg.Session, disp, store, log)

	e := &Engine{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "engine")),
		buffer:   replay.NewBuffer(cfg.Replay),
		registry: reg,
		router:   router.New(reg),
		limiter:  lim,
		batcher:  bat,
		sessions: mgr,
	}
	mgr.SetHooks(session.Hooks{OnExpired: e.onExpired})
	return e
}

// Buffer exposes the replay buffer (read-side only) for diagnostics.
func (e *Engine) Buffer() *replay.Buffer { return e.buffer }

// Sessions exposes session snapshots for diagnostics.
func (e *Engine) Sessions() *session.Manager { return e.sessions }

func (e *Engine) Start(ctx context.Context) {
	if e.sup != nil {
		return
	}
	e.sessions.Start(ctx)
	e.sup = supervisor.New(ctx,
		supervisor.WithLogger(e.log),
		supervisor.WithCancelOnError(false),
	)

	e.sup.GoRestart("flusher", func(c context.Context) error {
		e.flushLoop(c)
		return c.Err()
	})
	e.sup.GoRestart("janitor", func(c context.Context) error {
		return e.janitorLoop(c)
	})
	e.sup.Go0("dedup.persist", e.limiter.PersistLoop)
}

// Stop flushes pending batches best-effort and shuts the loops down,
// bounded by ctx.
func (e *Engine) Stop(ctx context.Context) {
	for _, b := range e.batcher.FlushAll() {
		e.enqueueBatch(b)
	}
	if e.sup != nil {
		_ = e.sup.Shutdown(ctx)
		e.sup = nil
	}
	e.sessions.Stop(ctx)
}

// Publish ingests one producer event: sequence it, retain it, and run the
// full per-client decision pipeline synchronously so ordering per client is
// deterministic. The returned envelope carries the assigned sequence.
func (e *Engine) Publish(streamID, eventType string, prio event.Priority, source string, payload map[string]any) event.Envelope {
	env := e.buffer.Publish(streamID, eventType, prio, source, payload)
	e.published.Add(1)

	for _, cand := range e.router.Route(env) {
		e.admit(cand)
	}
	return env
}

// admit runs one candidate through throttle and batching.
//
// Candidates for sessions in grace are dropped before the limiter so no
// throttle window opens for an event that was never delivered; catch-up
// replay delivers it after reconnect.
func (e *Engine) admit(cand router.Candidate) {
	if st, ok := e.sessions.State(cand.ClientID); !ok || st != session.StateActive {
		return
	}
	switch e.limiter.Check(cand) {
	case throttle.Throttled:
		e.throttled.Add(1)
		return
	case throttle.RateLimited:
		e.rateLimited.Add(1)
		return
	}
	if full := e.batcher.Add(cand.ClientID, cand.Envelope); full != nil {
		e.enqueueBatch(full)
	}
}

func (e *Engine) enqueueBatch(b *batch.Batch) {
	b.DroppedCount = e.limiter.Dropped(b.ClientID)
	if err := e.sessions.Enqueue(b.ClientID, session.Outbound{Kind: session.KindBatch, Batch: b}); err != nil {
		e.log.Debug("batch discarded, no session", logx.String("client", b.ClientID))
		return
	}
	e.deliveredBatches.Add(1)
	e.deliveredEvents.Add(uint64(len(b.Events)))
}

// Subscribe installs the client's filter and attaches its connection,
// then replays everything after the client's watermark through the normal
// pipeline (tagged replay: exempt from the rate budget, not from dedup).
func (e *Engine) Subscribe(ctx context.Context, msg transport.ClientMessage, conn transport.Conn) error {
	spec := subscribe.FilterSpec{}
	if msg.FilterSpec != nil {
		spec = *msg.FilterSpec
	}
	prev, resubscribe := e.registry.Get(msg.ClientID)

	f, err := e.registry.Subscribe(msg.ClientID, spec)
	if err != nil {
		return err
	}
	e.limiter.SetBudget(msg.ClientID, f.MaxEventsPerMinute())

	res, err := e.sessions.Connect(ctx, msg.ClientID, msg.StreamID, msg.LastAckedSequence, conn)
	if err != nil {
		// No session came up: a reconnecting client keeps its previous filter,
		// a new one must not leave filter or budget behind.
		if resubscribe {
			if pf, rerr := e.registry.Subscribe(msg.ClientID, prev.Spec()); rerr == nil {
				e.limiter.SetBudget(msg.ClientID, pf.MaxEventsPerMinute())
			}
		} else {
			e.registry.Unsubscribe(msg.ClientID)
			e.limiter.RemoveClient(msg.ClientID)
		}
		return err
	}
	e.replay(msg.ClientID, msg.StreamID, res.ReplayFrom)
	return nil
}

func (e *Engine) replay(clientID, streamID string, fromSeq uint64) {
	envs, err := e.buffer.Range(streamID, fromSeq)
	if errors.Is(err, replay.ErrOverflow) {
		// The watermark predates the window: the client's local cache is
		// stale and it must resync from its own source of truth.
		_ = e.sessions.Enqueue(clientID, session.Outbound{
			Kind:   session.KindOverflow,
			Reason: "requested sequence predates replay window",
		})
		e.log.Warn("replay overflow",
			logx.String("client", clientID),
			logx.String("stream", streamID),
			logx.Uint64("from", fromSeq))
		return
	}
	for _, env := range envs {
		if cand, ok := e.router.RouteTo(clientID, env.AsReplay()); ok {
			e.admit(cand)
		}
	}
	// Don't hold catch-up data for a whole flush window.
	if b := e.batcher.Flush(clientID); b != nil {
		e.enqueueBatch(b)
	}
}

// UpdatePreferences swaps the client's filter. On validation failure the
// previous filter stays in effect and the error is surfaced to the caller.
// The new filter applies only to envelopes evaluated after this returns.
func (e *Engine) UpdatePreferences(clientID string, spec subscribe.FilterSpec) error {
	f, err := e.registry.Update(clientID, spec)
	if err != nil {
		return err
	}
	e.limiter.SetBudget(clientID, f.MaxEventsPerMinute())
	return nil
}

// Ack advances the client's watermark.
func (e *Engine) Ack(ctx context.Context, clientID string, seq uint64) error {
	return e.sessions.Ack(ctx, clientID, seq)
}

// Disconnect reports transport loss; session state enters the grace period.
func (e *Engine) Disconnect(clientID string) {
	e.sessions.Disconnect(clientID)
}

// onExpired releases everything a dead client was holding.
func (e *Engine) onExpired(clientID string) {
	e.registry.Unsubscribe(clientID)
	e.limiter.RemoveClient(clientID)
	e.batcher.Discard(clientID)
	e.expiredSessions.Add(1)
}

// Apply adjusts the runtime-tunable knobs from a config reload.
func (e *Engine) Apply(throttleInterval, batchWindow time.Duration) {
	e.limiter.SetInterval(throttleInterval)
	e.batcher.SetWindow(batchWindow)
}

func (e *Engine) Counters() Counters {
	return Counters{
		Published:        e.published.Load(),
		DeliveredBatches: e.deliveredBatches.Load(),
		DeliveredEvents:  e.deliveredEvents.Load(),
		Throttled:        e.throttled.Load(),
		RateLimited:      e.rateLimited.Load(),
		ExpiredSessions:  e.expiredSessions.Load(),
		ActiveClients:    e.registry.Len(),
	}
}

func (e *Engine) flushLoop(ctx context.Context) {
	t := time.NewTicker(e.cfg.FlushTick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, b := range e.batcher.Due() {
				e.enqueueBatch(b)
			}
		}
	}
}

func (e *Engine) janitorLoop(ctx context.Context) error {
	sched, err := parseSchedule(e.cfg.JanitorSchedule)
	if err != nil {
		return err
	}
	for {
		next := sched.Next(time.Now())
		t := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return ctx.Err()
		case <-t.C:
		}
		e.limiter.Sweep()
		e.buffer.Sweep()
		expired := e.sessions.Sweep()
		if len(expired) > 0 || e.log.Enabled(logx.LevelDebug) {
			c := e.Counters()
			e.log.Debug("janitor pass",
				logx.Int("expired", len(expired)),
				logx.Uint64("published", c.Published),
				logx.Uint64("throttled", c.Throttled),
				logx.Uint64("rate_limited", c.RateLimited))
		}
	}
}
