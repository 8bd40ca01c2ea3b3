// Package reorder implements the FIFO-release buffer (component K) used to
// restore input order around a pooled, out-of-order worker stage: submit a
// row, let it complete on any worker, then release results strictly in
// submission order.
//
// Grounded on the one-lock-two-condition-variable shape the teacher uses in
// orchestration/task_worker.go for worker/queue coordination, specialized to
// the submit-space/release-ready pair this buffer needs (spec §5: "one lock
// with two condition variables; notify() for one-slot-freed, notify_all()
// only for shutdown").
package reorder

import (
	"sync"

	"github.com/tachyon-beep/elspeth-sub014/errs"
)

// Ticket identifies one submitted slot by its monotonic sequence number.
type Ticket struct {
	Seq int64
}

type slot struct {
	done    bool
	evicted bool
	result  interface{}
	err     error
}

// Buffer is a bounded, thread-safe FIFO-release buffer.
type Buffer struct {
	mu         sync.Mutex
	submitCond *sync.Cond // signaled when submit-space frees up
	readyCond  *sync.Cond // signaled when a release-blocking slot completes

	maxPending     int
	nextSubmitSeq  int64
	nextReleaseSeq int64
	pending        map[int64]*slot
	shutdown       bool
}

// New constructs a Buffer that admits at most maxPending outstanding slots.
func New(maxPending int) *Buffer {
	b := &Buffer{maxPending: maxPending, pending: make(map[int64]*slot)}
	b.submitCond = sync.NewCond(&b.mu)
	b.readyCond = sync.NewCond(&b.mu)
	return b
}

// Submit assigns the next monotonic sequence number and blocks while the
// buffer is at max_pending (backpressure). Returns a shutdown error if the
// buffer is shut down before or while waiting.
func (b *Buffer) Submit() (Ticket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.pending) >= b.maxPending && !b.shutdown {
		b.submitCond.Wait()
	}
	if b.shutdown {
		return Ticket{}, errs.New("reorder.Submit", "reorder", errs.ErrShutdown)
	}

	seq := b.nextSubmitSeq
	b.nextSubmitSeq++
	b.pending[seq] = &slot{}
	// A release waiter may be blocked on this exact sequence not existing yet.
	b.readyCond.Signal()
	return Ticket{Seq: seq}, nil
}

// Complete marks a submitted ticket's slot ready with its result and wakes
// one release waiter. Completing an evicted or unknown ticket is a no-op:
// the caller that evicted it has already moved on.
func (b *Buffer) Complete(t Ticket, result interface{}, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.pending[t.Seq]
	if !ok || s.evicted {
		return
	}
	s.done = true
	s.result = result
	s.err = err
	b.readyCond.Signal()
}

// Released is one emitted slot in submission order.
type Released struct {
	Seq    int64
	Result interface{}
	Err    error
}

// WaitForNextRelease blocks until the slot at next_release_seq is both
// present and complete (or has been evicted, in which case it is skipped),
// then emits it and advances the sequence. Returns a shutdown error if the
// buffer is shut down while waiting.
func (b *Buffer) WaitForNextRelease() (Released, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		s, ok := b.pending[b.nextReleaseSeq]
		if !ok {
			// Nothing submitted yet at this sequence, or it was evicted and
			// already skipped past; wait for more activity.
			if b.shutdown {
				return Released{}, errs.New("reorder.WaitForNextRelease", "reorder", errs.ErrShutdown)
			}
			b.readyCond.Wait()
			continue
		}
		if s.evicted {
			b.advance()
			continue
		}
		if !s.done {
			if b.shutdown {
				return Released{}, errs.New("reorder.WaitForNextRelease", "reorder", errs.ErrShutdown)
			}
			b.readyCond.Wait()
			continue
		}

		seq := b.nextReleaseSeq
		r := Released{Seq: seq, Result: s.result, Err: s.err}
		b.advance()
		return r, nil
	}
}

// advance removes the head slot and moves next_release_seq forward, then
// skips over any contiguous run of already-evicted slots (spec §4.11: evict
// "skips forward over any contiguous gap" rather than stalling release
// forever). Must be called with mu held.
func (b *Buffer) advance() {
	delete(b.pending, b.nextReleaseSeq)
	b.nextReleaseSeq++
	for {
		s, ok := b.pending[b.nextReleaseSeq]
		if !ok || !s.evicted {
			break
		}
		delete(b.pending, b.nextReleaseSeq)
		b.nextReleaseSeq++
	}
	b.submitCond.Signal()
}

// Evict removes a slot that will never complete (the caller timed out and is
// retrying with a new ticket). If the evicted slot is the current release
// head, the skip-forward happens immediately; otherwise it is marked and
// skipped when release reaches it.
func (b *Buffer) Evict(t Ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.pending[t.Seq]
	if !ok {
		return
	}
	if t.Seq == b.nextReleaseSeq {
		b.advance()
		b.readyCond.Signal()
		return
	}
	s.evicted = true
	b.submitCond.Signal()
}

// Shutdown wakes every waiter (submit and release alike) with a shutdown
// error. Idempotent.
func (b *Buffer) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shutdown {
		return
	}
	b.shutdown = true
	b.submitCond.Broadcast()
	b.readyCond.Broadcast()
}

// Pending reports the current number of outstanding (submitted but not yet
// released) slots, for tests and diagnostics.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
