package session

import (
	"testing"

	"beacon/internal/batch"
	"beacon/internal/event"
)

func batchItem(seq uint64, prio event.Priority) Outbound {
	return Outbound{Kind: KindBatch, Batch: &batch.Batch{
		ClientID:        "c1",
		Events:          []event.Envelope{{Sequence: seq, Priority: prio}},
		HighestSequence: seq,
	}}
}

func TestQueueFIFO(t *testing.T) {
	q := newOutQueue(10)
	for i := uint64(1); i <= 3; i++ {
		if !q.push(batchItem(i, event.PriorityLow)) {
			t.Fatalf("push %d failed", i)
		}
	}
	for i := uint64(1); i <= 3; i++ {
		item, ok := q.pop()
		if !ok || item.Batch.HighestSequence != i {
			t.Fatalf("pop %d = %+v, %v", i, item, ok)
		}
	}
	if _, ok := q.pop(); ok {
		t.Fatal("pop on empty queue succeeded")
	}
}

func TestQueueOverflowDropsOldestNonCritical(t *testing.T) {
	q := newOutQueue(3)
	q.push(batchItem(1, event.PriorityCritical))
	q.push(batchItem(2, event.PriorityLow))
	q.push(batchItem(3, event.PriorityLow))

	// Full: pushing drops batch 2 (oldest non-critical) and leaves a gap.
	if !q.push(batchItem(4, event.PriorityLow)) {
		t.Fatal("push with droppable backlog failed")
	}

	item, _ := q.pop()
	if item.Kind != KindBatch || item.Batch.HighestSequence != 1 {
		t.Fatalf("head = %+v, want critical batch 1", item)
	}
	item, _ = q.pop()
	if item.Kind != KindGap {
		t.Fatalf("expected gap marker, got %+v", item)
	}
	item, _ = q.pop()
	if item.Kind != KindBatch || item.Batch.HighestSequence != 3 {
		t.Fatalf("expected batch 3, got %+v", item)
	}
	item, _ = q.pop()
	if item.Kind != KindBatch || item.Batch.HighestSequence != 4 {
		t.Fatalf("expected batch 4, got %+v", item)
	}
}

func TestQueueAdjacentGapsCollapse(t *testing.T) {
	q := newOutQueue(3)
	q.push(batchItem(1, event.PriorityLow))
	q.push(batchItem(2, event.PriorityLow))
	q.push(batchItem(3, event.PriorityLow))

	// Two overflow evictions in a row produce one gap marker, not two.
	q.push(batchItem(4, event.PriorityLow))
	q.push(batchItem(5, event.PriorityLow))

	gaps := 0
	for {
		item, ok := q.pop()
		if !ok {
			break
		}
		if item.Kind == KindGap {
			gaps++
		}
	}
	if gaps != 1 {
		t.Fatalf("gap markers = %d, want 1", gaps)
	}
}

func TestQueueAllCriticalRefusesPush(t *testing.T) {
	q := newOutQueue(2)
	q.push(batchItem(1, event.PriorityCritical))
	q.push(batchItem(2, event.PriorityCritical))

	if q.push(batchItem(3, event.PriorityLow)) {
		t.Fatal("push succeeded with nothing droppable")
	}
	if q.len() != 2 {
		t.Fatalf("queue len = %d, want 2", q.len())
	}
}

func TestQueueSignal(t *testing.T) {
	q := newOutQueue(2)
	select {
	case <-q.wait():
		t.Fatal("signal before any push")
	default:
	}
	q.push(batchItem(1, event.PriorityLow))
	select {
	case <-q.wait():
	default:
		t.Fatal("no signal after push")
	}
}
