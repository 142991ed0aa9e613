// Package transport defines the wire contract between the engine and its
// clients, independent of how bytes actually move. The stream subpackage
// carries these messages over TCP; tests use in-memory fakes.
package transport

import (
	"context"

	"beacon/internal/event"
	"beacon/internal/subscribe"
)

// Client actions.
const (
	ActionSubscribe         = "subscribe"
	ActionUpdatePreferences = "update_preferences"
	ActionAck               = "ack"
)

// Server message types.
const (
	TypeBatch    = "batch"
	TypeGap      = "gap"
	TypeOverflow = "overflow"
	TypeError    = "error"
)

// ClientMessage is what a client sends on the duplex channel.
//
// The first message must be a subscribe carrying the client's identity,
// stream, filter, and last-acked watermark (0 for a brand-new client).
type ClientMessage struct {
	Action            string                `json:"action"`
	ClientID          string                `json:"client_id,omitempty"`
	StreamID          string                `json:"stream_id,omitempty"`
	FilterSpec        *subscribe.FilterSpec `json:"filter_spec,omitempty"`
	LastAckedSequence uint64                `json:"last_acked_sequence,omitempty"`
}

// ServerMessage is what the engine sends to a client.
//
// Exactly one of the payload shapes is populated, switched on Type:
//   - batch: Events (or EventsGz when compressed), HighestSequence, DroppedCount
//   - gap: events were dropped under backpressure; the stream has a discontinuity
//   - overflow: the requested watermark predates the replay window; full resync
//   - error: a rejected action (e.g. invalid filter spec); the session continues
type ServerMessage struct {
	Type            string           `json:"type"`
	HighestSequence uint64           `json:"highest_sequence,omitempty"`
	Events          []event.Envelope `json:"events,omitempty"`
	// EventsGz is the gzipped JSON event array, used instead of Events for
	// large batches. Base64-encoded on the wire by encoding/json.
	EventsGz     []byte `json:"events_gz,omitempty"`
	DroppedCount uint64 `json:"dropped_count,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Conn is one client's live connection as seen by the delivery side.
//
// Send is called only from the owning session's send loop, so implementations
// need to be safe against concurrent Close but not concurrent Send.
type Conn interface {
	Send(ctx context.Context, msg ServerMessage) error
	Close() error
}
