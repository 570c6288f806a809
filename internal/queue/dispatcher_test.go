package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDispatcherRunsHandlers(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	d := NewDispatcher(q, DispatcherConfig{PollInterval: 10 * time.Millisecond}, nil)
	d.Handle("jobs", 2, func(ctx context.Context, task *Task) error {
		var p idPayload
		if err := task.Decode(&p); err != nil {
			return Permanent(err)
		}
		mu.Lock()
		got = append(got, p.ID)
		mu.Unlock()
		return nil
	})

	for _, id := range []string{"a", "b", "c"} {
		if _, err := q.Enqueue(ctx, "jobs", idPayload{ID: id}, EnqueueOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	d.Start(ctx)
	defer d.Stop()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})
	waitFor(t, func() bool {
		stats, _ := q.Stats(ctx, "jobs")
		return stats.Done == 3
	})
}

func TestDispatcherParallelismBound(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	var running, peak, handled int32
	release := make(chan struct{})
	d := NewDispatcher(q, DispatcherConfig{PollInterval: 5 * time.Millisecond}, nil)
	d.Handle("jobs", 3, func(ctx context.Context, task *Task) error {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&running, -1)
		atomic.AddInt32(&handled, 1)
		return nil
	})

	for i := 0; i < 8; i++ {
		q.Enqueue(ctx, "jobs", idPayload{}, EnqueueOptions{})
	}
	d.Start(ctx)
	defer d.Stop()

	waitFor(t, func() bool { return atomic.LoadInt32(&running) == 3 })
	time.Sleep(50 * time.Millisecond)
	if p := atomic.LoadInt32(&peak); p != 3 {
		t.Errorf("peak concurrency = %d, want 3", p)
	}
	close(release)
	waitFor(t, func() bool { return atomic.LoadInt32(&handled) == 8 })
}

func TestDispatcherRetriesAndFails(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	d := NewDispatcher(q, DispatcherConfig{PollInterval: 10 * time.Millisecond}, nil)
	d.Handle("flaky", 1, func(ctx context.Context, task *Task) error {
		return errors.New("try later")
	})
	d.Handle("broken", 1, func(ctx context.Context, task *Task) error {
		return Permanent(errors.New("bad payload"))
	})
	d.Handle("panics", 1, func(ctx context.Context, task *Task) error {
		panic("boom")
	})

	flaky, _ := q.Enqueue(ctx, "flaky", idPayload{}, EnqueueOptions{})
	broken, _ := q.Enqueue(ctx, "broken", idPayload{}, EnqueueOptions{})
	panicky, _ := q.Enqueue(ctx, "panics", idPayload{}, EnqueueOptions{})

	d.Start(ctx)
	defer d.Stop()

	waitFor(t, func() bool {
		task, _ := q.GetTask(ctx, flaky)
		return task != nil && task.Status == StatusDeferred
	})
	waitFor(t, func() bool {
		task, _ := q.GetTask(ctx, broken)
		return task != nil && task.Status == StatusFailed
	})
	waitFor(t, func() bool {
		task, _ := q.GetTask(ctx, panicky)
		return task != nil && task.Status == StatusDeferred
	})
}

func TestDispatcherRecoverOnce(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	d := NewDispatcher(q, DispatcherConfig{StaleAfter: time.Millisecond}, nil)
	d.Handle("jobs", 1, func(ctx context.Context, task *Task) error { return nil })

	q.Enqueue(ctx, "jobs", idPayload{}, EnqueueOptions{})
	if _, err := q.Dequeue(ctx, "jobs"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	if n := d.RecoverOnce(ctx); n != 1 {
		t.Errorf("RecoverOnce() = %d, want 1", n)
	}
}
