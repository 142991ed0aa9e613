// Package dispatch is the engine's outward-facing delivery edge: it encodes
// batches onto the live transport and fans critical envelopes out to the
// notification collaborator.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"beacon/internal/event"
	"beacon/internal/notify"
	"beacon/internal/session"
	"beacon/internal/transport"
	"beacon/pkg/logx"
)

// Dispatcher implements session.Deliverer.
type Dispatcher struct {
	notifier    notify.Notifier
	compressMin int
	log         logx.Logger
}

func New(notifier notify.Notifier, compressMin int, log logx.Logger) *Dispatcher {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{notifier: notifier, compressMin: compressMin, log: log}
}

// Deliver sends one outbound item over the connection.
//
// Critical envelopes additionally trigger the notification collaborator,
// exactly once per envelope and independent of transport success: the desktop
// path must work even when the live stream is about to fail. A transport error
// is returned to the send loop, which moves the session into grace.
func (d *Dispatcher) Deliver(ctx context.Context, conn transport.Conn, out session.Outbound) error {
	switch out.Kind {
	case session.KindGap:
		return conn.Send(ctx, transport.ServerMessage{Type: transport.TypeGap})
	case session.KindOverflow:
		return conn.Send(ctx, transport.ServerMessage{Type: transport.TypeOverflow, Reason: out.Reason})
	}

	b := out.Batch
	if b == nil || len(b.Events) == 0 {
		return nil
	}

	for _, env := range b.Events {
		// Replayed envelopes already fired their notification on first
		// delivery; the desktop path has no replay semantics.
		if env.Priority == event.PriorityCritical && !env.Replay {
			d.notifyCritical(ctx, env)
		}
	}

	msg := transport.ServerMessage{
		Type:            transport.TypeBatch,
		HighestSequence: b.HighestSequence,
		DroppedCount:    b.DroppedCount,
	}
	payload, compressed, err := b.Encode(d.compressMin)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	if compressed {
		msg.EventsGz = payload
	} else {
		msg.Events = b.Events
	}
	return conn.Send(ctx, msg)
}

func (d *Dispatcher) notifyCritical(ctx context.Context, env event.Envelope) {
	title := env.Type
	body := env.Source
	if m, ok := env.Payload["message"].(string); ok && m != "" {
		body = body + ": " + m
	}
	hint, _ := env.Payload["platform_hint"].(string)

	nctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if !d.notifier.Notify(nctx, title, body, env.Priority.String(), hint) {
		d.log.Debug("critical notification not delivered",
			logx.String("type", env.Type),
			logx.String("source", env.Source),
			logx.Uint64("seq", env.Sequence))
	}
}
