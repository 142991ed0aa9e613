package router

import (
	"testing"
	"time"

	"beacon/internal/event"
	"beacon/internal/subscribe"
)

func TestRouteFansOutToMatchingClients(t *testing.T) {
	reg := subscribe.NewRegistry()
	if _, err := reg.Subscribe("everything", subscribe.FilterSpec{}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := reg.Subscribe("high-only", subscribe.FilterSpec{MinPriority: "high"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	r := New(reg)
	cands := r.Route(event.Envelope{Type: "evt", Priority: event.PriorityMedium})
	if len(cands) != 1 || cands[0].ClientID != "everything" {
		t.Fatalf("candidates = %+v, want only everything", cands)
	}

	cands = r.Route(event.Envelope{Type: "evt", Priority: event.PriorityCritical})
	if len(cands) != 2 {
		t.Fatalf("critical candidates = %d, want 2", len(cands))
	}
}

func TestRouteNoSubscriptions(t *testing.T) {
	r := New(subscribe.NewRegistry())
	if got := r.Route(event.Envelope{Type: "evt"}); got != nil {
		t.Fatalf("Route with no subscriptions = %v, want nil", got)
	}
}

func TestRouteTo(t *testing.T) {
	reg := subscribe.NewRegistry()
	_, _ = reg.Subscribe("c1", subscribe.FilterSpec{MinPriority: "high"})
	r := New(reg)

	if _, ok := r.RouteTo("c1", event.Envelope{Priority: event.PriorityLow}); ok {
		t.Fatal("filtered envelope routed")
	}
	cand, ok := r.RouteTo("c1", event.Envelope{Priority: event.PriorityHigh})
	if !ok || cand.ClientID != "c1" {
		t.Fatalf("RouteTo = %+v, %v", cand, ok)
	}
	if _, ok := r.RouteTo("ghost", event.Envelope{Priority: event.PriorityHigh}); ok {
		t.Fatal("unknown client routed")
	}
}

func TestRouteUsesInjectedClock(t *testing.T) {
	reg := subscribe.NewRegistry()
	_, _ = reg.Subscribe("c1", subscribe.FilterSpec{
		QuietHours: &subscribe.QuietHours{Start: "09:00", End: "17:00"},
	})
	r := New(reg)

	r.SetClock(func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.Local) })
	if got := r.Route(event.Envelope{Priority: event.PriorityMedium}); len(got) != 0 {
		t.Fatalf("quiet-hours envelope routed: %+v", got)
	}

	r.SetClock(func() time.Time { return time.Date(2026, 3, 10, 20, 0, 0, 0, time.Local) })
	if got := r.Route(event.Envelope{Priority: event.PriorityMedium}); len(got) != 1 {
		t.Fatalf("evening envelope not routed: %+v", got)
	}
}
