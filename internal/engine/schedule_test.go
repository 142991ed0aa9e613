package engine

import (
	"testing"
	"time"
)

func TestParseScheduleDuration(t *testing.T) {
	s, err := parseSchedule("30s")
	if err != nil {
		t.Fatalf("parseSchedule(30s): %v", err)
	}
	now := time.Now()
	if next := s.Next(now); next.Sub(now) != 30*time.Second {
		t.Fatalf("Next = %v, want +30s", next.Sub(now))
	}
}

func TestParseScheduleCron(t *testing.T) {
	s, err := parseSchedule("*/5 * * * *")
	if err != nil {
		t.Fatalf("parseSchedule(cron): %v", err)
	}
	after := time.Date(2026, 3, 10, 12, 1, 0, 0, time.UTC)
	next := s.Next(after)
	if next.Minute()%5 != 0 || !next.After(after) {
		t.Fatalf("cron Next = %v", next)
	}

	if _, err := parseSchedule("@every 1m"); err != nil {
		t.Fatalf("descriptor spec rejected: %v", err)
	}
}

func TestParseScheduleRejectsBadInput(t *testing.T) {
	for _, raw := range []string{"", "   ", "500ms", "not-a-schedule", "* * *"} {
		if _, err := parseSchedule(raw); err == nil {
			t.Fatalf("parseSchedule(%q) accepted", raw)
		}
	}
}
