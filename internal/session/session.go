package session

import (
	"context"
	"time"

	"beacon/internal/transport"
)

// State is a session's lifecycle position.
//
//	Connecting → Active ⇄ DisconnectedGrace → Expired
//
// Expired is terminal: subscription and queue are gone, and a later reconnect
// under the same client id is a brand-new session.
type State int

const (
	StateConnecting State = iota
	StateActive
	StateDisconnectedGrace
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDisconnectedGrace:
		return "disconnected_grace"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Session is one logical client's state across connections. The manager's
// mutex guards all mutable fields; the session itself exposes read snapshots.
type Session struct {
	id       string // uuid, regenerated per logical session
	clientID string
	streamID string

	state     State
	lastAcked uint64
	queue     *outQueue

	conn       transport.Conn
	connCancel context.CancelFunc // stops the send loop for the current connection

	graceDeadline time.Time
}

func (s *Session) ID() string       { return s.id }
func (s *Session) ClientID() string { return s.clientID }
func (s *Session) StreamID() string { return s.streamID }

// Deliverer sends one outbound item over a live connection. Implemented by
// the dispatch package; injected so the session layer never touches encoding
// or the desktop-notification path directly.
type Deliverer interface {
	Deliver(ctx context.Context, conn transport.Conn, out Outbound) error
}

// Snapshot is a point-in-time operational view of a session.
type Snapshot struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id"`
	StreamID  string    `json:"stream_id"`
	State     string    `json:"state"`
	LastAcked uint64    `json:"last_acked"`
	QueueLen  int       `json:"queue_len"`
	GraceEnds time.Time `json:"grace_ends,omitempty"`
}
