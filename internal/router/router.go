// Package router turns each published envelope into per-client delivery
// candidates. It only decides; delivery is mediated by the throttle and batch
// layers downstream.
package router

import (
	"time"

	"beacon/internal/event"
	"beacon/internal/subscribe"
)

// Candidate pairs an envelope with one client it should be delivered to.
type Candidate struct {
	ClientID string
	Envelope event.Envelope
}

// Router evaluates envelopes against every active subscription.
type Router struct {
	reg *subscribe.Registry
	now func() time.Time
}

func New(reg *subscribe.Registry) *Router {
	return &Router{reg: reg, now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (r *Router) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// Route returns the delivery candidates for env across all subscriptions.
// The registry snapshot is taken once per call, so a concurrent filter update
// affects either all or none of this envelope's evaluations.
func (r *Router) Route(env event.Envelope) []Candidate {
	filters := r.reg.Snapshot()
	if len(filters) == 0 {
		return nil
	}
	now := r.now()
	out := make([]Candidate, 0, len(filters))
	for clientID, f := range filters {
		if f.Admit(env, now) {
			out = append(out, Candidate{ClientID: clientID, Envelope: env})
		}
	}
	return out
}

// RouteTo evaluates env against a single client's subscription. Used on the
// replay path, where only the reconnecting client is a candidate.
func (r *Router) RouteTo(clientID string, env event.Envelope) (Candidate, bool) {
	f, ok := r.reg.Get(clientID)
	if !ok || !f.Admit(env, r.now()) {
		return Candidate{}, false
	}
	return Candidate{ClientID: clientID, Envelope: env}, true
}
