package retry

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestSchedulerReplaceKeepsOneTask(t *testing.T) {
	s := newScheduler(time.Now, func(context.Context, string) {})

	s.schedule("m1", time.Now().Add(time.Hour))
	s.schedule("m1", time.Now().Add(2*time.Hour))
	s.schedule("m1", time.Now().Add(3*time.Hour))

	if got := s.pendingCount(); got != 1 {
		t.Fatalf("expected exactly one pending task after rescheduling, got %d", got)
	}
	if !s.has("m1") {
		t.Fatal("expected m1 to be pending")
	}

	s.cancel("m1")
	if s.has("m1") {
		t.Fatal("expected m1 to be cancelled")
	}
	if got := s.pendingCount(); got != 0 {
		t.Fatalf("expected empty scheduler, got %d pending", got)
	}
}

func TestSchedulerFiresDueTasks(t *testing.T) {
	var mu sync.Mutex
	fired := make(map[string]int)
	done := make(chan struct{}, 4)

	s := newScheduler(time.Now, func(_ context.Context, id string) {
		mu.Lock()
		fired[id]++
		mu.Unlock()
		done <- struct{}{}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.run(ctx)

	s.schedule("a", time.Now().Add(10*time.Millisecond))
	s.schedule("b", time.Now().Add(20*time.Millisecond))

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for scheduled tasks to fire")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if fired["a"] != 1 || fired["b"] != 1 {
		t.Fatalf("expected each task to fire once, got %v", fired)
	}
	if s.pendingCount() != 0 {
		t.Fatalf("expected no pending tasks after firing, got %d", s.pendingCount())
	}
}

func TestSchedulerCancelPreventsFire(t *testing.T) {
	fired := make(chan string, 1)
	s := newScheduler(time.Now, func(_ context.Context, id string) {
		fired <- id
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.run(ctx)

	s.schedule("m1", time.Now().Add(30*time.Millisecond))
	s.cancel("m1")

	select {
	case id := <-fired:
		t.Fatalf("cancelled task %q fired anyway", id)
	case <-time.After(150 * time.Millisecond):
	}
}
