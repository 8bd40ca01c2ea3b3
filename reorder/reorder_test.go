package reorder

import (
	"sync"
	"testing"
	"time"
)

func TestWaitForNextReleasePreservesSubmissionOrder(t *testing.T) {
	b := New(10)

	tickets := make([]Ticket, 5)
	for i := range tickets {
		tk, err := b.Submit()
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		tickets[i] = tk
	}

	// Complete out of order.
	order := []int{4, 1, 0, 3, 2}
	for _, i := range order {
		b.Complete(tickets[i], i, nil)
	}

	for i := 0; i < 5; i++ {
		r, err := b.WaitForNextRelease()
		if err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
		if r.Result != i {
			t.Fatalf("expected release %d, got %v", i, r.Result)
		}
	}
}

func TestSubmitBlocksAtMaxPendingUntilReleaseFreesSpace(t *testing.T) {
	b := New(2)

	t1, _ := b.Submit()
	t2, _ := b.Submit()

	done := make(chan Ticket, 1)
	go func() {
		tk, err := b.Submit()
		if err != nil {
			return
		}
		done <- tk
	}()

	select {
	case <-done:
		t.Fatal("third submit should have blocked at max_pending")
	case <-time.After(50 * time.Millisecond):
	}

	b.Complete(t1, "a", nil)
	if _, err := b.WaitForNextRelease(); err != nil {
		t.Fatalf("release: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("third submit never unblocked after a release")
	}

	b.Complete(t2, "b", nil)
	if _, err := b.WaitForNextRelease(); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestEvictSkipsForwardOverContiguousGap(t *testing.T) {
	b := New(10)

	t0, _ := b.Submit()
	t1, _ := b.Submit()
	t2, _ := b.Submit()

	b.Complete(t0, "zero", nil)
	b.Evict(t1)
	b.Complete(t2, "two", nil)

	r0, err := b.WaitForNextRelease()
	if err != nil || r0.Result != "zero" {
		t.Fatalf("expected zero, got %v err %v", r0, err)
	}
	r1, err := b.WaitForNextRelease()
	if err != nil || r1.Result != "two" {
		t.Fatalf("expected two (skipping evicted slot 1), got %v err %v", r1, err)
	}
}

func TestEvictOfCurrentReleaseHeadSkipsImmediately(t *testing.T) {
	b := New(10)

	t0, _ := b.Submit()
	t1, _ := b.Submit()
	b.Complete(t1, "one", nil)

	b.Evict(t0) // evicting the head before it ever completes

	r, err := b.WaitForNextRelease()
	if err != nil || r.Result != "one" {
		t.Fatalf("expected one, got %v err %v", r, err)
	}
}

func TestShutdownWakesAllWaiters(t *testing.T) {
	b := New(1)
	_, _ = b.Submit() // fill capacity so a second submit blocks

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := b.Submit()
		errs <- err
	}()
	go func() {
		defer wg.Done()
		_, err := b.WaitForNextRelease()
		errs <- err
	}()

	time.Sleep(50 * time.Millisecond)
	b.Shutdown()
	wg.Wait()
	close(errs)

	for err := range errs {
		if err == nil {
			t.Fatal("expected shutdown error for blocked waiter")
		}
	}
}

func TestPendingInvariantNeverExceedsMaxPending(t *testing.T) {
	b := New(3)
	for i := 0; i < 3; i++ {
		if _, err := b.Submit(); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if got := b.Pending(); got != 3 {
		t.Fatalf("expected 3 pending, got %d", got)
	}
}
