// Package batch accumulates router-approved envelopes per client and turns
// them into compressed wire batches. Batching bounds both delivery latency
// (flush window) and per-send overhead (size threshold).
package batch

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"sync"
	"time"

	"beacon/internal/event"
)

type Config struct {
	// Window is how long a partial batch may wait before flushing.
	Window time.Duration
	// MaxEvents flushes a batch early once reached.
	MaxEvents int
	// CompressMin is the serialized size below which compression is skipped
	// (gzip overhead dominates tiny payloads).
	CompressMin int
}

func (c *Config) withDefaults() {
	if c.Window <= 0 {
		c.Window = 250 * time.Millisecond
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = 50
	}
	if c.CompressMin <= 0 {
		c.CompressMin = 1024
	}
}

// Batch is one flush worth of events for one client.
//
// HighestSequence is the client's pending-ack watermark: once the client acks,
// everything up to it is considered delivered. DroppedCount is the client's
// cumulative drop counter at flush time.
type Batch struct {
	ClientID        string
	Events          []event.Envelope
	HighestSequence uint64
	DroppedCount    uint64
}

// Critical reports whether any event in the batch is critical priority.
// Critical batches are never displaced by queue overflow.
func (b *Batch) Critical() bool {
	for _, e := range b.Events {
		if e.Priority == event.PriorityCritical {
			return true
		}
	}
	return false
}

// Encode serializes the batch events, gzipping when the payload is large
// enough to be worth it. Returns the bytes and whether they are compressed.
func (b *Batch) Encode(compressMin int) ([]byte, bool, error) {
	raw, err := json.Marshal(b.Events)
	if err != nil {
		return nil, false, err
	}
	if compressMin <= 0 || len(raw) < compressMin {
		return raw, false, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, false, err
	}
	if err := zw.Close(); err != nil {
		return nil, false, err
	}
	return buf.Bytes(), true, nil
}

type pending struct {
	events  []event.Envelope
	started time.Time
	highest uint64
}

// Batcher owns the per-client accumulation buffers. It does no timing of its
// own: the engine's flusher loop calls Due on a cooperative tick, so there is
// one scheduling loop for all clients rather than a timer per client.
type Batcher struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	pending map[string]*pending
}

func NewBatcher(cfg Config) *Batcher {
	cfg.withDefaults()
	return &Batcher{cfg: cfg, now: time.Now, pending: map[string]*pending{}}
}

// SetClock overrides the time source. Test hook.
func (b *Batcher) SetClock(now func() time.Time) {
	if now != nil {
		b.now = now
	}
}

// SetWindow applies a runtime config change to the flush window.
func (b *Batcher) SetWindow(d time.Duration) {
	if d <= 0 {
		return
	}
	b.mu.Lock()
	b.cfg.Window = d
	b.mu.Unlock()
}

// CompressMin returns the configured compression threshold.
func (b *Batcher) CompressMin() int { return b.cfg.CompressMin }

// Add appends an approved envelope to the client's pending batch. If the size
// threshold is reached the full batch is returned and the buffer reset;
// otherwise nil, and the batch flushes when its window elapses.
func (b *Batcher) Add(clientID string, env event.Envelope) *Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := b.pending[clientID]
	if p == nil {
		p = &pending{started: b.now()}
		b.pending[clientID] = p
	}
	p.events = append(p.events, env)
	if env.Sequence > p.highest {
		p.highest = env.Sequence
	}
	if len(p.events) >= b.cfg.MaxEvents {
		return b.takeLocked(clientID, p)
	}
	return nil
}

// Due flushes every pending batch whose window has elapsed.
func (b *Batcher) Due() []*Batch {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*Batch
	for clientID, p := range b.pending {
		if now.Sub(p.started) >= b.cfg.Window {
			out = append(out, b.takeLocked(clientID, p))
		}
	}
	return out
}

// FlushAll drains every pending batch regardless of window, for shutdown.
func (b *Batcher) FlushAll() []*Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*Batch
	for clientID, p := range b.pending {
		out = append(out, b.takeLocked(clientID, p))
	}
	return out
}

// Flush drains the client's pending batch immediately (nil if empty).
func (b *Batcher) Flush(clientID string) *Batch {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.pending[clientID]
	if p == nil || len(p.events) == 0 {
		return nil
	}
	return b.takeLocked(clientID, p)
}

// Discard drops any pending events for the client without delivering them.
func (b *Batcher) Discard(clientID string) {
	b.mu.Lock()
	delete(b.pending, clientID)
	b.mu.Unlock()
}

func (b *Batcher) takeLocked(clientID string, p *pending) *Batch {
	batch := &Batch{
		ClientID:        clientID,
		Events:          p.events,
		HighestSequence: p.highest,
	}
	delete(b.pending, clientID)
	return batch
}
