package retry

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// scheduledTask is one pending retry in the scheduler heap.
type scheduledTask struct {
	id  string
	due time.Time
	seq uint64
	// index is maintained by heap.Interface.
	index int
}

type taskHeap []*scheduledTask

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *taskHeap) Push(x any)         { t := x.(*scheduledTask); t.index = len(*h); *h = append(*h, t) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// scheduler is a min-heap of due times driven by a single goroutine and a
// single timer. Scheduling an id that already has a pending task replaces
// it, so at most one task per id is ever live.
type scheduler struct {
	mu      sync.Mutex
	heap    taskHeap
	pending map[string]*scheduledTask
	seq     uint64
	wake    chan struct{}
	now     func() time.Time
	fire    func(ctx context.Context, id string)
}

func newScheduler(now func() time.Time, fire func(ctx context.Context, id string)) *scheduler {
	if now == nil {
		now = time.Now
	}
	return &scheduler{
		pending: make(map[string]*scheduledTask),
		wake:    make(chan struct{}, 1),
		now:     now,
		fire:    fire,
	}
}

// schedule registers (or replaces) the task for id.
func (s *scheduler) schedule(id string, due time.Time) {
	s.mu.Lock()
	if old, ok := s.pending[id]; ok {
		heap.Remove(&s.heap, old.index)
	}
	s.seq++
	task := &scheduledTask{id: id, due: due, seq: s.seq}
	s.pending[id] = task
	heap.Push(&s.heap, task)
	s.mu.Unlock()
	s.poke()
}

// cancel drops the pending task for id, if any.
func (s *scheduler) cancel(id string) {
	s.mu.Lock()
	if task, ok := s.pending[id]; ok {
		heap.Remove(&s.heap, task.index)
		delete(s.pending, id)
	}
	s.mu.Unlock()
	s.poke()
}

// has reports whether a task is pending for id.
func (s *scheduler) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[id]
	return ok
}

// pendingCount reports the number of live tasks.
func (s *scheduler) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run drives the timer loop until the context is cancelled. Due tasks are
// popped and fired sequentially.
func (s *scheduler) run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		var wait time.Duration
		s.mu.Lock()
		if len(s.heap) == 0 {
			wait = time.Hour
		} else {
			wait = s.heap[0].due.Sub(s.now())
		}
		s.mu.Unlock()

		if wait < 0 {
			wait = 0
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
			s.fireDue(ctx)
		}
	}
}

func (s *scheduler) fireDue(ctx context.Context) {
	for {
		s.mu.Lock()
		if len(s.heap) == 0 || s.heap[0].due.After(s.now()) {
			s.mu.Unlock()
			return
		}
		task := heap.Pop(&s.heap).(*scheduledTask)
		// Only clear the pending slot if it still points at this task; a
		// replacement may have been scheduled meanwhile.
		if cur, ok := s.pending[task.id]; ok && cur.seq == task.seq {
			delete(s.pending, task.id)
		} else {
			s.mu.Unlock()
			continue
		}
		s.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		s.fire(ctx, task.id)
	}
}
