package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// schedule yields the next run time. Either a fixed interval or a cron spec.
type schedule interface {
	Next(after time.Time) time.Time
}

type intervalSchedule struct{ every time.Duration }

func (s intervalSchedule) Next(after time.Time) time.Time { return after.Add(s.every) }

// parseSchedule accepts "30s"-style durations and standard 5-field cron specs
// (including descriptors like "@every 1m" and "@hourly").
func parseSchedule(raw string) (schedule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	if d, err := time.ParseDuration(raw); err == nil {
		if d < time.Second {
			return nil, fmt.Errorf("schedule interval %q too short", raw)
		}
		return intervalSchedule{every: d}, nil
	}
	spec, err := cron.ParseStandard(raw)
	if err != nil {
		return nil, fmt.Errorf("schedule %q: not a duration and not a cron spec: %w", raw, err)
	}
	return spec, nil
}
