package replay

import (
	"errors"
	"sync"
	"time"

	"beacon/internal/event"
)

// ErrOverflow is returned by Range when the requested watermark predates the
// oldest retained entry. The caller must full-resync instead of silently
// skipping the gap.
var ErrOverflow = errors.New("replay: requested sequence predates retained window")

type Config struct {
	// MaxEntries bounds each stream's window by count.
	MaxEntries int
	// MaxAge bounds each stream's window by age. Whichever bound trips first
	// evicts the oldest entries.
	MaxAge time.Duration
}

func (c *Config) withDefaults() {
	if c.MaxEntries <= 0 {
		c.MaxEntries = 500
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 10 * time.Minute
	}
}

type entry struct {
	env        event.Envelope
	insertedAt time.Time
}

// stream holds one stream's sequence counter and retained window.
// A single mutex serializes publishes so sequences stay monotonic and gap-free.
type stream struct {
	mu      sync.Mutex
	nextSeq uint64
	entries []entry // ascending by sequence
}

// Buffer assigns sequence numbers and retains a bounded window of recently
// published envelopes per stream.
//
// Publish is serialized per stream; Range copies the matching window under the
// same lock so readers always observe a stable snapshot.
type Buffer struct {
	cfg Config
	now func() time.Time

	mu      sync.RWMutex
	streams map[string]*stream
}

func NewBuffer(cfg Config) *Buffer {
	cfg.withDefaults()
	return &Buffer{cfg: cfg, now: time.Now, streams: map[string]*stream{}}
}

// SetClock overrides the time source. Test hook.
func (b *Buffer) SetClock(now func() time.Time) {
	if now != nil {
		b.now = now
	}
}

func (b *Buffer) get(streamID string) *stream {
	b.mu.RLock()
	st := b.streams[streamID]
	b.mu.RUnlock()
	if st != nil {
		return st
	}
	b.mu.Lock()
	st = b.streams[streamID]
	if st == nil {
		st = &stream{nextSeq: 1}
		b.streams[streamID] = st
	}
	b.mu.Unlock()
	return st
}

// Publish assigns the next sequence number for the stream, stamps the envelope,
// and appends it to the retained window.
func (b *Buffer) Publish(streamID, eventType string, prio event.Priority, source string, payload map[string]any) event.Envelope {
	st := b.get(streamID)
	now := b.now()

	st.mu.Lock()
	env := event.Envelope{
		StreamID:  streamID,
		Sequence:  st.nextSeq,
		Timestamp: now,
		Type:      eventType,
		Priority:  prio,
		Source:    source,
		Payload:   payload,
		DedupKey:  event.NewDedupKey(eventType, source),
	}
	st.nextSeq++
	st.entries = append(st.entries, entry{env: env, insertedAt: now})
	b.evictLocked(st, now)
	st.mu.Unlock()

	return env
}

// evictLocked enforces the count bound first, then the age bound. Both evict
// from the head, so the order is unobservable through Range.
func (b *Buffer) evictLocked(st *stream, now time.Time) {
	if n := len(st.entries) - b.cfg.MaxEntries; n > 0 {
		st.entries = append(st.entries[:0:0], st.entries[n:]...)
	}
	cutoff := now.Add(-b.cfg.MaxAge)
	i := 0
	for i < len(st.entries) && st.entries[i].insertedAt.Before(cutoff) {
		i++
	}
	if i > 0 {
		st.entries = append(st.entries[:0:0], st.entries[i:]...)
	}
}

// Range returns every retained envelope with sequence > fromSeq, in order.
//
// If fromSeq predates the oldest retained entry (and is not simply "everything
// was delivered already"), the window has overflowed and ErrOverflow is
// returned.
func (b *Buffer) Range(streamID string, fromSeq uint64) ([]event.Envelope, error) {
	b.mu.RLock()
	st := b.streams[streamID]
	b.mu.RUnlock()
	if st == nil {
		// Unknown stream: nothing published yet, nothing lost.
		if fromSeq == 0 {
			return nil, nil
		}
		return nil, ErrOverflow
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	// Drop aged-out entries before answering so the overflow check is honest.
	b.evictLocked(st, b.now())

	if len(st.entries) == 0 {
		// Everything evicted. Only a client already caught up to the last
		// published sequence can resume without loss.
		if fromSeq >= st.nextSeq-1 {
			return nil, nil
		}
		return nil, ErrOverflow
	}

	oldest := st.entries[0].env.Sequence
	if fromSeq+1 < oldest {
		return nil, ErrOverflow
	}

	out := make([]event.Envelope, 0, len(st.entries))
	for _, e := range st.entries {
		if e.env.Sequence > fromSeq {
			out = append(out, e.env)
		}
	}
	return out, nil
}

// LastSequence reports the highest sequence published to the stream (0 if none).
func (b *Buffer) LastSequence(streamID string) uint64 {
	b.mu.RLock()
	st := b.streams[streamID]
	b.mu.RUnlock()
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.nextSeq - 1
}

// Sweep applies the age bound across all streams. Called by the engine janitor
// so long-idle streams don't hold stale entries until the next publish.
func (b *Buffer) Sweep() {
	b.mu.RLock()
	streams := make([]*stream, 0, len(b.streams))
	for _, st := range b.streams {
		streams = append(streams, st)
	}
	b.mu.RUnlock()

	now := b.now()
	for _, st := range streams {
		st.mu.Lock()
		b.evictLocked(st, now)
		st.mu.Unlock()
	}
}
