package event

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// Priority orders envelopes for filtering and drop decisions.
// Higher values are more important.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority maps the shared producer vocabulary onto a Priority.
// Unknown strings are rejected so producer typos don't silently become "low".
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "medium":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityLow, fmt.Errorf("unknown priority %q", s)
	}
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Envelope is the immutable, sequenced unit of event data published to a stream.
//
// Sequence is assigned by the replay buffer at publish time and is strictly
// increasing per stream. Envelopes are never mutated after publish; the Replay
// flag is set only on the copy handed to the delivery pipeline during catch-up.
type Envelope struct {
	StreamID  string         `json:"stream_id"`
	Sequence  uint64         `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"event_type"`
	Priority  Priority       `json:"priority"`
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload,omitempty"`
	DedupKey  string         `json:"dedup_key"`
	Replay    bool           `json:"replay,omitempty"`
}

// NewDedupKey derives the throttling identity for an occurrence.
// Two envelopes with the same type and source are considered the same
// logical notification.
func NewDedupKey(eventType, source string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(eventType))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(source))
	return fmt.Sprintf("%x", h.Sum64())
}

// AsReplay returns a copy of e tagged as replayed delivery.
// The stored envelope stays untouched.
func (e Envelope) AsReplay() Envelope {
	e.Replay = true
	return e
}
