package batch

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"beacon/internal/event"
)

func envSeq(seq uint64, prio event.Priority) event.Envelope {
	return event.Envelope{StreamID: "s", Sequence: seq, Type: "evt", Priority: prio}
}

func TestAddFlushesAtMaxEvents(t *testing.T) {
	b := NewBatcher(Config{MaxEvents: 3})
	if got := b.Add("c1", envSeq(1, event.PriorityLow)); got != nil {
		t.Fatal("flushed before reaching max")
	}
	if got := b.Add("c1", envSeq(2, event.PriorityLow)); got != nil {
		t.Fatal("flushed before reaching max")
	}
	got := b.Add("c1", envSeq(3, event.PriorityLow))
	if got == nil {
		t.Fatal("expected flush at max events")
	}
	if len(got.Events) != 3 || got.HighestSequence != 3 || got.ClientID != "c1" {
		t.Fatalf("bad batch: %+v", got)
	}
	// Buffer reset: next add starts a new batch.
	if got := b.Add("c1", envSeq(4, event.PriorityLow)); got != nil {
		t.Fatal("buffer not reset after flush")
	}
}

func TestDueFlushesElapsedWindows(t *testing.T) {
	now := time.Unix(1700000000, 0)
	clock := now
	var mu sync.Mutex
	b := NewBatcher(Config{Window: 250 * time.Millisecond})
	b.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	})

	b.Add("c1", envSeq(1, event.PriorityLow))
	mu.Lock()
	clock = now.Add(100 * time.Millisecond)
	mu.Unlock()
	b.Add("c2", envSeq(1, event.PriorityLow))

	mu.Lock()
	clock = now.Add(260 * time.Millisecond)
	mu.Unlock()

	due := b.Due()
	if len(due) != 1 || due[0].ClientID != "c1" {
		t.Fatalf("due = %+v, want only c1", due)
	}

	mu.Lock()
	clock = now.Add(400 * time.Millisecond)
	mu.Unlock()
	due = b.Due()
	if len(due) != 1 || due[0].ClientID != "c2" {
		t.Fatalf("due = %+v, want only c2", due)
	}
	if len(b.Due()) != 0 {
		t.Fatal("Due returned an already-flushed batch")
	}
}

func TestFlushAndDiscard(t *testing.T) {
	b := NewBatcher(Config{})
	if b.Flush("c1") != nil {
		t.Fatal("Flush on empty client should be nil")
	}
	b.Add("c1", envSeq(1, event.PriorityLow))
	got := b.Flush("c1")
	if got == nil || len(got.Events) != 1 {
		t.Fatalf("Flush = %+v", got)
	}

	b.Add("c2", envSeq(1, event.PriorityLow))
	b.Discard("c2")
	if b.Flush("c2") != nil {
		t.Fatal("Discard left pending events behind")
	}
}

func TestFlushAllDrainsEveryClient(t *testing.T) {
	b := NewBatcher(Config{Window: time.Hour})
	b.Add("c1", envSeq(1, event.PriorityLow))
	b.Add("c2", envSeq(7, event.PriorityHigh))

	all := b.FlushAll()
	if len(all) != 2 {
		t.Fatalf("FlushAll = %d batches, want 2", len(all))
	}
	seen := map[string]uint64{}
	for _, batch := range all {
		seen[batch.ClientID] = batch.HighestSequence
	}
	if seen["c1"] != 1 || seen["c2"] != 7 {
		t.Fatalf("wrong batches: %v", seen)
	}
	if len(b.FlushAll()) != 0 {
		t.Fatal("FlushAll left pending state behind")
	}
}

func TestCritical(t *testing.T) {
	b := &Batch{Events: []event.Envelope{envSeq(1, event.PriorityLow), envSeq(2, event.PriorityHigh)}}
	if b.Critical() {
		t.Fatal("batch without criticals reported critical")
	}
	b.Events = append(b.Events, envSeq(3, event.PriorityCritical))
	if !b.Critical() {
		t.Fatal("batch with a critical not reported")
	}
}

func TestEncodeSkipsSmallPayloads(t *testing.T) {
	b := &Batch{ClientID: "c1", Events: []event.Envelope{envSeq(1, event.PriorityLow)}}
	raw, compressed, err := b.Encode(1024)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if compressed {
		t.Fatal("tiny payload was compressed")
	}
	var events []event.Envelope
	if err := json.Unmarshal(raw, &events); err != nil {
		t.Fatalf("payload not valid JSON: %v", err)
	}
}

func TestEncodeCompressesLargePayloads(t *testing.T) {
	big := strings.Repeat("deadbeef", 64)
	events := make([]event.Envelope, 0, 10)
	for i := 1; i <= 10; i++ {
		e := envSeq(uint64(i), event.PriorityLow)
		e.Payload = map[string]any{"blob": big}
		events = append(events, e)
	}
	b := &Batch{ClientID: "c1", Events: events}

	enc, compressed, err := b.Encode(1024)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !compressed {
		t.Fatal("large payload not compressed")
	}

	zr, err := gzip.NewReader(bytes.NewReader(enc))
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	raw, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	var decoded []event.Envelope
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decompressed payload not valid JSON: %v", err)
	}
	if len(decoded) != 10 || decoded[9].Sequence != 10 {
		t.Fatalf("round trip lost events: %d", len(decoded))
	}
}
