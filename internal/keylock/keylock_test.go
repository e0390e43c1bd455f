package keylock

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAcquireRelease(t *testing.T) {
	tbl := NewTable()
	release, err := tbl.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if tbl.Len() != 1 {
		t.Errorf("Len = %d, want 1 while held", tbl.Len())
	}
	release()
	if tbl.Len() != 0 {
		t.Errorf("Len = %d, want 0 after release (no leaked entries)", tbl.Len())
	}
}

func TestSameKeySerializes(t *testing.T) {
	tbl := NewTable()
	ctx := context.Background()

	var mu sync.Mutex
	var active, maxActive int

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tbl.With(ctx, "conv", func() error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxActive)
	}
	if tbl.Len() != 0 {
		t.Errorf("Len = %d, want 0 after all released", tbl.Len())
	}
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	tbl := NewTable()
	ctx := context.Background()

	releaseA, err := tbl.Acquire(ctx, "a")
	if err != nil {
		t.Fatalf("Acquire(a) error: %v", err)
	}
	defer releaseA()

	done := make(chan struct{})
	go func() {
		releaseB, err := tbl.Acquire(ctx, "b")
		if err == nil {
			releaseB()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Acquire(b) blocked while a was held")
	}
}

func TestFIFOOrder(t *testing.T) {
	tbl := NewTable()
	ctx := context.Background()

	release, _ := tbl.Acquire(ctx, "k")

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			tbl.With(ctx, "k", func() error {
				mu.Lock()
				order = append(order, n)
				mu.Unlock()
				return nil
			})
		}(i)
		// Stagger arrivals so queue order is deterministic.
		time.Sleep(20 * time.Millisecond)
	}

	release()
	wg.Wait()

	for i, n := range order {
		if n != i {
			t.Fatalf("acquisition order %v, want FIFO arrival order", order)
		}
	}
}

func TestReleaseOnPanic(t *testing.T) {
	tbl := NewTable()
	ctx := context.Background()

	func() {
		defer func() { recover() }()
		tbl.With(ctx, "k", func() error {
			panic("turn blew up")
		})
	}()

	// Lock must be free again.
	done := make(chan struct{})
	go func() {
		tbl.With(ctx, "k", func() error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock not released after panic")
	}
}

func TestAcquireCancelledWhileQueued(t *testing.T) {
	tbl := NewTable()
	release, _ := tbl.Acquire(context.Background(), "k")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := tbl.Acquire(ctx, "k")
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-errCh; err == nil {
		t.Fatal("expected context error for cancelled waiter")
	}

	release()
	if tbl.Len() != 0 {
		t.Errorf("Len = %d, want 0 after cancelled waiter cleaned up", tbl.Len())
	}
}
