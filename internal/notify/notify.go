// Package notify is the engine's outward notification collaborator: a
// best-effort, fire-and-forget surface for critical alerts that must reach an
// operator even when the live event stream is down. It carries no replay or
// ack semantics.
package notify

import "context"

// Notifier renders one notification on some platform-specific surface.
//
// Implementations must be non-blocking-ish (the dispatcher calls them off the
// publish path but still bounds each call) and must never be load-bearing:
// a false return is logged and forgotten.
type Notifier interface {
	Notify(ctx context.Context, title, body, priority, platformHint string) bool
}

// Nop discards every notification. Used when no surface is configured.
type Nop struct{}

func (Nop) Notify(context.Context, string, string, string, string) bool { return true }
