// Package session owns the lifecycle of logical clients: connect, active,
// disconnect with grace, reconnect with replay, expiry. It also owns each
// client's bounded outbound queue, which is where backpressure becomes
// visible (gap markers) or terminal (force close).
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"beacon/internal/runtime/supervisor"
	"beacon/internal/storage"
	"beacon/internal/transport"
	"beacon/pkg/logx"
)

var (
	ErrUnknownClient = errors.New("session: unknown client")
	ErrNotStarted    = errors.New("session: manager not started")
)

type Config struct {
	// QueueSize bounds each client's outbound queue, in batches.
	QueueSize int
	// GracePeriod is how long a disconnected client's state is retained.
	GracePeriod time.Duration
}

func (c *Config) withDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 200
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Minute
	}
}

// Hooks let the engine release state the manager doesn't own.
type Hooks struct {
	// OnExpired runs after a session is destroyed (subscription and throttle
	// state must be released by the owner of those registries).
	OnExpired func(clientID string)
}

// ConnectResult tells the caller how to resume the client.
type ConnectResult struct {
	// ReplayFrom is the watermark catch-up replay should start after.
	ReplayFrom uint64
	// Resumed is true when the client reattached to retained state within
	// the grace period.
	Resumed bool
}

// Manager tracks every logical client session for one engine instance.
type Manager struct {
	cfg     Config
	log     logx.Logger
	store   storage.Store
	deliver Deliverer
	now     func() time.Time
	hooks   Hooks

	mu       sync.Mutex
	sessions map[string]*Session // by client id
	sup      *supervisor.Supervisor
}

func NewManager(cfg Config, deliver Deliverer, store storage.Store, log logx.Logger) *Manager {
	cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		cfg:      cfg,
		log:      log,
		store:    store,
		deliver:  deliver,
		now:      time.Now,
		sessions: map[string]*Session{},
	}
}

// SetClock overrides the time source. Test hook.
func (m *Manager) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

func (m *Manager) SetHooks(h Hooks) { m.hooks = h }

// Start is idempotent; send loops are supervised under ctx.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sup != nil {
		return
	}
	m.sup = supervisor.New(ctx,
		supervisor.WithLogger(m.log.With(logx.String("comp", "session"))),
		// One client's failure must never take the manager down.
		supervisor.WithCancelOnError(false),
	)
}

// Stop closes every live connection and waits for send loops, bounded by ctx.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	sup := m.sup
	m.sup = nil
	for _, s := range m.sessions {
		if s.connCancel != nil {
			s.connCancel()
		}
		if s.conn != nil {
			_ = s.conn.Close()
		}
	}
	m.mu.Unlock()

	if sup != nil {
		_ = sup.Shutdown(ctx)
	}
}

// Connect attaches a live connection to the client's session, creating one if
// none is retained. A reconnect within the grace period resumes the retained
// queue and watermark; a brand-new client with lastAcked == 0 may still be
// resumed from a persisted watermark if the store has one (post-restart).
func (m *Manager) Connect(ctx context.Context, clientID, streamID string, lastAcked uint64, conn transport.Conn) (ConnectResult, error) {
	if clientID == "" {
		return ConnectResult{}, errors.New("session: empty client id")
	}

	m.mu.Lock()
	if m.sup == nil {
		m.mu.Unlock()
		return ConnectResult{}, ErrNotStarted
	}

	s := m.sessions[clientID]
	res := ConnectResult{}
	if s != nil && s.state != StateExpired {
		// Reconnect (or a second connection displacing the first).
		res.Resumed = true
		if s.connCancel != nil {
			s.connCancel()
		}
		if s.conn != nil {
			_ = s.conn.Close()
		}
		if lastAcked > s.lastAcked {
			s.lastAcked = lastAcked
		}
	} else {
		s = &Session{
			id:        uuid.NewString(),
			clientID:  clientID,
			streamID:  streamID,
			state:     StateConnecting,
			lastAcked: lastAcked,
			queue:     newOutQueue(m.cfg.QueueSize),
		}
		m.sessions[clientID] = s
		if lastAcked == 0 && m.store != nil {
			// Restart resume: a watermark persisted before the process died.
			wctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
			if seq, ok, err := m.store.GetWatermark(wctx, clientID, streamID); err == nil && ok {
				s.lastAcked = seq
			}
			cancel()
		}
	}

	connCtx, cancel := context.WithCancel(context.Background())
	s.conn = conn
	s.connCancel = cancel
	s.state = StateActive
	s.graceDeadline = time.Time{}
	res.ReplayFrom = s.lastAcked
	queue := s.queue
	sup := m.sup
	m.mu.Unlock()

	sup.Go0("send."+clientID, func(supCtx context.Context) {
		m.runSendLoop(supCtx, connCtx, s, conn, queue)
	})

	m.log.Info("client connected",
		logx.String("client", clientID),
		logx.String("stream", streamID),
		logx.Bool("resumed", res.Resumed),
		logx.Uint64("replay_from", res.ReplayFrom))
	return res, nil
}

// runSendLoop drains the client's queue onto the live connection. Transport
// errors move the session to grace; the loop ends when the connection is
// replaced, the session expires, or the manager shuts down.
func (m *Manager) runSendLoop(supCtx, connCtx context.Context, s *Session, conn transport.Conn, queue *outQueue) {
	for {
		for {
			item, ok := queue.pop()
			if !ok {
				break
			}
			if err := m.deliver.Deliver(connCtx, conn, item); err != nil {
				m.log.Warn("delivery failed, entering grace",
					logx.String("client", s.clientID), logx.Err(err))
				m.toGrace(s, conn)
				return
			}
		}
		select {
		case <-supCtx.Done():
			return
		case <-connCtx.Done():
			return
		case <-queue.wait():
		}
	}
}

// Disconnect reports transport loss for the client. State and queue are
// retained for the grace period.
func (m *Manager) Disconnect(clientID string) {
	m.mu.Lock()
	s := m.sessions[clientID]
	var conn transport.Conn
	if s != nil {
		conn = s.conn
	}
	m.mu.Unlock()
	if s == nil {
		return
	}
	m.toGrace(s, conn)
}

func (m *Manager) toGrace(s *Session, conn transport.Conn) {
	m.mu.Lock()
	if s.state != StateActive || (conn != nil && s.conn != conn) {
		// A newer connection already took over.
		m.mu.Unlock()
		return
	}
	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}
	s.conn = nil
	s.state = StateDisconnectedGrace
	deadline := m.now().Add(m.cfg.GracePeriod)
	s.graceDeadline = deadline
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.log.Info("client in disconnect grace",
		logx.String("client", s.clientID),
		logx.Time("grace_ends", deadline))
}

// Enqueue places an outbound item on the client's queue. When the queue is
// full of critical-only backlog the connection is force-closed to protect the
// engine from the slow consumer; the item is lost but the unmoved ack
// watermark makes it replayable on reconnect.
func (m *Manager) Enqueue(clientID string, out Outbound) error {
	// Held across the state check and the push so a concurrent toGrace cannot
	// flip the state mid-admit; the queue's own lock keeps hold time bounded.
	m.mu.Lock()
	s := m.sessions[clientID]
	if s == nil || s.state == StateExpired {
		m.mu.Unlock()
		return ErrUnknownClient
	}
	if s.state != StateActive {
		// Grace: the queue is frozen. Events published now reach the client
		// through catch-up replay on reconnect instead.
		m.mu.Unlock()
		return nil
	}
	if s.queue.push(out) {
		m.mu.Unlock()
		return nil
	}
	conn := s.conn
	qlen := s.queue.len()
	m.mu.Unlock()

	m.log.Warn("queue overflow with critical backlog, force closing",
		logx.String("client", clientID), logx.Int("queue", qlen))
	m.toGrace(s, conn)
	return nil
}

// Ack advances the client's watermark (monotonically) and persists it.
func (m *Manager) Ack(ctx context.Context, clientID string, seq uint64) error {
	m.mu.Lock()
	s := m.sessions[clientID]
	if s == nil || s.state == StateExpired {
		m.mu.Unlock()
		return ErrUnknownClient
	}
	if seq <= s.lastAcked {
		m.mu.Unlock()
		return nil
	}
	s.lastAcked = seq
	streamID := s.streamID
	m.mu.Unlock()

	if m.store != nil {
		wctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		_ = m.store.PutWatermark(wctx, clientID, streamID, seq)
		cancel()
	}
	return nil
}

// LastAcked returns the client's current watermark.
func (m *Manager) LastAcked(clientID string) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[clientID]
	if s == nil || s.state == StateExpired {
		return 0, false
	}
	return s.lastAcked, true
}

// State returns the client's lifecycle state.
func (m *Manager) State(clientID string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[clientID]
	if s == nil {
		return StateExpired, false
	}
	return s.state, true
}

// Sweep expires sessions whose grace period has elapsed. Called by the engine
// janitor. Expired clients' subscriptions and throttle state are released by
// the OnExpired hook.
func (m *Manager) Sweep() []string {
	now := m.now()
	var expired []string

	m.mu.Lock()
	for clientID, s := range m.sessions {
		if s.state == StateDisconnectedGrace && now.After(s.graceDeadline) {
			s.state = StateExpired
			s.queue.clear()
			delete(m.sessions, clientID)
			expired = append(expired, clientID)
		}
	}
	m.mu.Unlock()

	for _, clientID := range expired {
		if m.store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
			_ = m.store.DeleteClient(ctx, clientID)
			cancel()
		}
		if m.hooks.OnExpired != nil {
			m.hooks.OnExpired(clientID)
		}
		m.log.Info("session expired", logx.String("client", clientID))
	}
	return expired
}

// Snapshots returns an operational view of every session.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, Snapshot{
			ID:        s.id,
			ClientID:  s.clientID,
			StreamID:  s.streamID,
			State:     s.state.String(),
			LastAcked: s.lastAcked,
			QueueLen:  s.queue.len(),
			GraceEnds: s.graceDeadline,
		})
	}
	return out
}
