// Package throttle collapses repeated notifications and enforces per-client
// delivery budgets. It sits between the router and the batcher: every decision
// here is final (a dropped candidate is logged and counted, never retried).
package throttle

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"beacon/internal/event"
	"beacon/internal/router"
	"beacon/internal/storage"
	"beacon/pkg/logx"
)

type Config struct {
	// Interval is the minimum spacing between deliveries of the same
	// (client, dedup key) pair.
	Interval time.Duration
	// CriticalRepeat collapses exact critical repeats. Critical events bypass
	// throttling, but identical criticals inside this window are still merged
	// to avoid storms.
	CriticalRepeat time.Duration
	// MaxEntries caps the in-memory window map.
	MaxEntries int
	// PersistDedup mirrors suppress-until windows into the store so a restart
	// doesn't re-fire recently collapsed alerts. Best effort.
	PersistDedup bool
}

func (c *Config) withDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.CriticalRepeat <= 0 {
		c.CriticalRepeat = time.Second
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 4096
	}
}

// Verdict says what happened to a candidate.
type Verdict int

const (
	// Deliver: candidate proceeds to the batcher.
	Deliver Verdict = iota
	// Throttled: suppressed by the per-(client, dedup key) window.
	Throttled
	// RateLimited: dropped by the client's max_events_per_minute budget.
	RateLimited
)

type windowEntry struct {
	lastSent time.Time
	count    int
}

type clientState struct {
	limiter *rate.Limiter
	perMin  int
	dropped uint64
}

type dedupWrite struct {
	key   string
	until time.Time
}

// Limiter holds all throttle state for one engine instance, keyed by
// (clientID, dedupKey) for windows and clientID for budgets. No globals.
type Limiter struct {
	cfg   Config
	log   logx.Logger
	store storage.Store
	now   func() time.Time

	mu      sync.Mutex
	windows map[string]*windowEntry
	clients map[string]*clientState

	persistCh chan dedupWrite
}

func NewLimiter(cfg Config, store storage.Store, log logx.Logger) *Limiter {
	cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Limiter{
		cfg:     cfg,
		log:     log,
		store:   store,
		now:     time.Now,
		windows: map[string]*windowEntry{},
		clients: map[string]*clientState{},
	}
	if cfg.PersistDedup && store != nil {
		l.persistCh = make(chan dedupWrite, 1024)
	}
	return l
}

// SetClock overrides the time source. Test hook.
func (l *Limiter) SetClock(now func() time.Time) {
	if now != nil {
		l.now = now
	}
}

// SetInterval applies a runtime config change to the throttle window.
func (l *Limiter) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	l.cfg.Interval = d
	l.mu.Unlock()
}

// SetBudget installs (or updates) a client's per-minute delivery budget.
// perMinute <= 0 means unlimited.
func (l *Limiter) SetBudget(clientID string, perMinute int) {
	l.mu.Lock()
	st := l.clients[clientID]
	if st == nil {
		st = &clientState{}
		l.clients[clientID] = st
	}
	if st.perMin != perMinute {
		st.perMin = perMinute
		if perMinute > 0 {
			// Token bucket refilled at the per-minute rate; burst of a few
			// events so short spikes aren't punished.
			burst := perMinute / 6
			if burst < 3 {
				burst = 3
			}
			st.limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)
		} else {
			st.limiter = nil
		}
	}
	l.mu.Unlock()
}

// RemoveClient drops all throttle state belonging to a client. Called when a
// session expires.
func (l *Limiter) RemoveClient(clientID string) {
	prefix := clientID + "|"
	l.mu.Lock()
	delete(l.clients, clientID)
	for k := range l.windows {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(l.windows, k)
		}
	}
	l.mu.Unlock()
}

// Dropped reports the client's cumulative dropped count. It never decreases;
// the batcher stamps it onto every outgoing batch so lossy degradation is
// always visible to the consumer.
func (l *Limiter) Dropped(clientID string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st := l.clients[clientID]; st != nil {
		return st.dropped
	}
	return 0
}

// Check runs one candidate through dedup and the rate budget.
//
// Order matters: dedup first (applies to everything, including replay and
// critical storms), then the per-minute budget (critical and replay are
// exempt). Lower priorities need more token headroom, so under sustained
// pressure low drops before medium drops before high.
func (l *Limiter) Check(c router.Candidate) Verdict {
	now := l.now()
	key := c.ClientID + "|" + c.Envelope.DedupKey
	critical := c.Envelope.Priority == event.PriorityCritical

	l.mu.Lock()
	w := l.windows[key]
	if l.suppressedLocked(w, now, critical) {
		w.count++
		l.mu.Unlock()
		l.logSuppressed(suppressReason(critical), c)
		return Throttled
	}
	l.mu.Unlock()

	// Persistent window check: survives restarts, best effort, tightly bounded.
	if w == nil && !critical && l.cfg.PersistDedup && l.store != nil {
		cctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
		until, ok, err := l.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			l.mu.Lock()
			l.windows[key] = &windowEntry{lastSent: until.Add(-l.cfg.Interval)}
			l.mu.Unlock()
			l.logSuppressed("throttled", c)
			return Throttled
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Re-read the window under the lock: a concurrent Check for the same key
	// may have delivered between the two critical sections.
	if w = l.windows[key]; l.suppressedLocked(w, now, critical) {
		w.count++
		l.logSuppressed(suppressReason(critical), c)
		return Throttled
	}

	// Rate budget. Critical never drops here; replay bypasses the budget
	// (catch-up is already bounded by the replay window) but not dedup.
	if !critical && !c.Envelope.Replay {
		if st := l.clients[c.ClientID]; st != nil && st.limiter != nil {
			if !l.allowAt(st.limiter, now, c.Envelope.Priority) {
				st.dropped++
				l.logSuppressed("rate_limited", c)
				return RateLimited
			}
		}
	}

	// Candidate proceeds: open/refresh the window.
	if w == nil {
		w = &windowEntry{}
		l.windows[key] = w
	}
	w.lastSent = now
	w.count = 0
	l.capLocked(now)

	if l.persistCh != nil && !critical {
		select {
		case l.persistCh <- dedupWrite{key: key, until: now.Add(l.cfg.Interval)}:
		default:
		}
	}
	return Deliver
}

// suppressedLocked reports whether an open window still covers now.
func (l *Limiter) suppressedLocked(w *windowEntry, now time.Time, critical bool) bool {
	if w == nil {
		return false
	}
	elapsed := now.Sub(w.lastSent)
	if critical {
		return elapsed < l.cfg.CriticalRepeat
	}
	return elapsed < l.cfg.Interval
}

func suppressReason(critical bool) string {
	if critical {
		return "deduped"
	}
	return "throttled"
}

// allowAt consumes a token, requiring extra headroom for lower priorities.
// High takes the last token; medium needs one spare, low needs two.
func (l *Limiter) allowAt(lim *rate.Limiter, now time.Time, p event.Priority) bool {
	var reserve float64
	switch p {
	case event.PriorityMedium:
		reserve = 1
	case event.PriorityLow:
		reserve = 2
	}
	if reserve > 0 && lim.TokensAt(now) < 1+reserve {
		return false
	}
	return lim.AllowN(now, 1)
}

func (l *Limiter) logSuppressed(reason string, c router.Candidate) {
	l.log.Debug("candidate suppressed",
		logx.String("reason", reason),
		logx.String("client", c.ClientID),
		logx.String("type", c.Envelope.Type),
		logx.String("source", c.Envelope.Source),
		logx.Uint64("seq", c.Envelope.Sequence))
}

// capLocked bounds the window map: prune stale entries first, then evict the
// oldest until within cap.
func (l *Limiter) capLocked(now time.Time) {
	if len(l.windows) <= l.cfg.MaxEntries {
		return
	}
	l.pruneLocked(now)
	for len(l.windows) > l.cfg.MaxEntries {
		var (
			oldestKey string
			oldest    time.Time
			set       bool
		)
		for k, w := range l.windows {
			if !set || w.lastSent.Before(oldest) {
				oldestKey, oldest, set = k, w.lastSent, true
			}
		}
		if oldestKey == "" {
			break
		}
		delete(l.windows, oldestKey)
	}
}

func (l *Limiter) pruneLocked(now time.Time) {
	stale := l.cfg.Interval
	if l.cfg.CriticalRepeat > stale {
		stale = l.cfg.CriticalRepeat
	}
	for k, w := range l.windows {
		if now.Sub(w.lastSent) >= stale {
			delete(l.windows, k)
		}
	}
}

// Sweep evicts stale window entries. Called by the engine janitor.
func (l *Limiter) Sweep() {
	now := l.now()
	l.mu.Lock()
	l.pruneLocked(now)
	l.mu.Unlock()
}

// PersistLoop drains async dedup writes into the store. Run it under the
// engine supervisor when persistence is enabled; it exits when ctx is done.
func (l *Limiter) PersistLoop(ctx context.Context) {
	if l.persistCh == nil || l.store == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-l.persistCh:
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			_ = l.store.PutDedup(cctx, w.key, w.until)
			cancel()
		}
	}
}
