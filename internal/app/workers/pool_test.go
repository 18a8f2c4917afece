package workers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTasksRun(t *testing.T) {
	p := New(2, 8, nil, nil)
	defer p.Close()

	var n atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		if err := p.Submit(func() {
			defer wg.Done()
			n.Add(1)
		}); err != nil {
			wg.Done()
			t.Fatalf("Submit: %v", err)
		}
	}
	wg.Wait()

	if n.Load() != 20 {
		t.Fatalf("ran = %d, want 20", n.Load())
	}
}

func TestSubmitFailsFastWhenQueueFull(t *testing.T) {
	p := New(1, 1, nil, nil)
	defer p.Close()

	block := make(chan struct{})
	release := func() { close(block) }
	defer release()

	// Occupy the single worker, then fill the single queue slot.
	if err := p.Submit(func() { <-block }); err != nil {
		t.Fatalf("Submit(worker): %v", err)
	}
	// The worker may not have dequeued yet; keep trying until one
	// submit lands in the queue slot.
	deadline := time.Now().Add(time.Second)
	for {
		if err := p.Submit(func() {}); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("never enqueued the second task")
		}
		time.Sleep(time.Millisecond)
	}

	err := p.Submit(func() {})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}

func TestSubmitWaitHonorsContext(t *testing.T) {
	p := New(1, 4, nil, nil)
	defer p.Close()

	block := make(chan struct{})
	defer close(block)
	if err := p.Submit(func() { <-block }); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.SubmitWait(ctx, func() {})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestCloseDrainsQueueAndRejectsNewWork(t *testing.T) {
	p := New(2, 16, nil, nil)

	var n atomic.Int64
	for i := 0; i < 10; i++ {
		if err := p.Submit(func() { n.Add(1) }); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	p.Close()

	if n.Load() != 10 {
		t.Fatalf("ran = %d, want all queued tasks before Close returns", n.Load())
	}
	if err := p.Submit(func() {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	// Close is idempotent.
	p.Close()
}

func TestPanicInTaskDoesNotKillWorker(t *testing.T) {
	p := New(1, 4, nil, nil)
	defer p.Close()

	if err := p.Submit(func() { panic("boom") }); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := p.SubmitWait(context.Background(), func() {}); err != nil {
		t.Fatalf("pool dead after panic: %v", err)
	}
}
