package session

import (
	"sync"

	"beacon/internal/batch"
)

// OutKind tags what an outbound queue item carries.
type OutKind int

const (
	KindBatch OutKind = iota
	KindGap
	KindOverflow
)

// Outbound is one item in a session's send queue: a batch, or an explicit
// marker the client uses to detect loss or the need to resync.
type Outbound struct {
	Kind   OutKind
	Batch  *batch.Batch // set when Kind == KindBatch
	Reason string       // set when Kind == KindOverflow
}

// outQueue is the bounded per-client send queue.
//
// It is an explicit deque rather than a channel so the overflow policy can
// drop the oldest non-critical batch and leave a gap marker in its place.
// "Frozen" during disconnect grace simply means no send loop is popping.
type outQueue struct {
	mu     sync.Mutex
	items  []Outbound
	max    int
	signal chan struct{} // cap 1, poked on push
}

func newOutQueue(max int) *outQueue {
	if max <= 0 {
		max = 200
	}
	return &outQueue{max: max, signal: make(chan struct{}, 1)}
}

// push enqueues an item. When the queue is full it drops the oldest
// non-critical batch, collapsing the hole into a gap marker (consecutive gaps
// merge). If every queued batch is critical there is nothing droppable and
// push reports overflow: the caller must force-close the connection.
func (q *outQueue) push(item Outbound) (ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.max {
		if !q.evictLocked() {
			return false
		}
	}
	q.items = append(q.items, item)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// evictLocked removes the oldest non-critical batch and marks the discontinuity.
func (q *outQueue) evictLocked() bool {
	idx := -1
	for i, it := range q.items {
		if it.Kind == KindBatch && !it.Batch.Critical() {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	// Replace the dropped batch with a gap marker unless one is already
	// adjacent; clients only need to know that a discontinuity exists.
	if (idx > 0 && q.items[idx-1].Kind == KindGap) ||
		(idx+1 < len(q.items) && q.items[idx+1].Kind == KindGap) {
		q.items = append(q.items[:idx], q.items[idx+1:]...)
	} else {
		q.items[idx] = Outbound{Kind: KindGap}
	}
	return true
}

// pop removes and returns the head item, or false when empty.
func (q *outQueue) pop() (Outbound, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Outbound{}, false
	}
	head := q.items[0]
	q.items = append(q.items[:0:0], q.items[1:]...)
	return head, true
}

// wait returns a channel poked whenever an item is pushed.
func (q *outQueue) wait() <-chan struct{} { return q.signal }

func (q *outQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *outQueue) clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}
