package subscribe

import (
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"beacon/internal/event"
)

// ErrInvalidFilter is returned when a filter spec fails validation.
// The client's previous valid spec (if any) stays in effect.
var ErrInvalidFilter = errors.New("invalid filter spec")

// FilterSpec is the client-supplied filtering contract.
//
// An empty TypeAllowlist admits every event type. Excludes are glob patterns
// matched against the envelope source (and its path-like payload fields).
// QuietHours suppresses everything below critical inside the window.
type FilterSpec struct {
	TypeAllowlist      []string    `json:"event_types,omitempty"`
	MinPriority        string      `json:"min_priority,omitempty"`
	Excludes           []string    `json:"excludes,omitempty"`
	QuietHours         *QuietHours `json:"quiet_hours,omitempty"`
	MaxEventsPerMinute int         `json:"max_events_per_minute,omitempty"`
}

// QuietHours is a daily local-time window. Start after End wraps past midnight
// (e.g. 22:00-07:00).
type QuietHours struct {
	Start string `json:"start"` // "HH:MM"
	End   string `json:"end"`   // "HH:MM"
}

// Filter is the validated, immutable form the router evaluates against.
// Registry hands out snapshots; an update swaps the whole value.
type Filter struct {
	types       map[string]struct{}
	minPriority event.Priority
	excludes    []string
	quiet       *quietWindow
	maxPerMin   int
	spec        FilterSpec
}

type quietWindow struct {
	startMin int // minutes since midnight
	endMin   int
}

// Compile validates a spec and produces the router-facing filter.
func Compile(spec FilterSpec) (*Filter, error) {
	f := &Filter{spec: spec, maxPerMin: spec.MaxEventsPerMinute}

	if spec.MaxEventsPerMinute < 0 {
		return nil, fmt.Errorf("%w: max_events_per_minute must be >= 0", ErrInvalidFilter)
	}

	if s := strings.TrimSpace(spec.MinPriority); s != "" {
		p, err := event.ParsePriority(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
		}
		f.minPriority = p
	}

	if len(spec.TypeAllowlist) > 0 {
		f.types = make(map[string]struct{}, len(spec.TypeAllowlist))
		for _, t := range spec.TypeAllowlist {
			t = strings.TrimSpace(t)
			if t == "" {
				return nil, fmt.Errorf("%w: empty event type in allowlist", ErrInvalidFilter)
			}
			f.types[t] = struct{}{}
		}
	}

	for _, pat := range spec.Excludes {
		pat = strings.TrimSpace(pat)
		if pat == "" {
			return nil, fmt.Errorf("%w: empty exclude pattern", ErrInvalidFilter)
		}
		// path.Match reports malformed patterns eagerly.
		if _, err := path.Match(pat, "probe"); err != nil {
			return nil, fmt.Errorf("%w: exclude %q: %v", ErrInvalidFilter, pat, err)
		}
		f.excludes = append(f.excludes, pat)
	}

	if spec.QuietHours != nil {
		start, err := parseHHMM(spec.QuietHours.Start)
		if err != nil {
			return nil, fmt.Errorf("%w: quiet_hours.start: %v", ErrInvalidFilter, err)
		}
		end, err := parseHHMM(spec.QuietHours.End)
		if err != nil {
			return nil, fmt.Errorf("%w: quiet_hours.end: %v", ErrInvalidFilter, err)
		}
		f.quiet = &quietWindow{startMin: start, endMin: end}
	}

	return f, nil
}

// Spec returns the spec the filter was compiled from.
func (f *Filter) Spec() FilterSpec { return f.spec }

// MaxEventsPerMinute is the per-client delivery budget (0 = unlimited).
func (f *Filter) MaxEventsPerMinute() int { return f.maxPerMin }

// Admit decides whether env should be delivered to this filter's client at
// time now. Order: type allowlist, exclude patterns, priority floor, quiet
// hours. Critical always survives quiet hours.
func (f *Filter) Admit(env event.Envelope, now time.Time) bool {
	if f.types != nil {
		if _, ok := f.types[env.Type]; !ok {
			return false
		}
	}
	for _, pat := range f.excludes {
		if matchExclude(pat, env) {
			return false
		}
	}
	if env.Priority < f.minPriority {
		return false
	}
	if f.quiet != nil && f.quiet.contains(now) && env.Priority != event.PriorityCritical {
		return false
	}
	return true
}

// matchExclude checks a glob against the source and any string "path" or
// "file" payload field, so path-based mutes work regardless of producer shape.
func matchExclude(pat string, env event.Envelope) bool {
	if ok, _ := path.Match(pat, env.Source); ok {
		return true
	}
	for _, key := range [...]string{"path", "file"} {
		if v, ok := env.Payload[key].(string); ok {
			if m, _ := path.Match(pat, v); m {
				return true
			}
		}
	}
	return false
}

func (w *quietWindow) contains(now time.Time) bool {
	min := now.Hour()*60 + now.Minute()
	if w.startMin == w.endMin {
		return false
	}
	if w.startMin < w.endMin {
		return min >= w.startMin && min < w.endMin
	}
	// Wraps past midnight.
	return min >= w.startMin || min < w.endMin
}

func parseHHMM(s string) (int, error) {
	s = strings.TrimSpace(s)
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute in %q", s)
	}
	return h*60 + m, nil
}
