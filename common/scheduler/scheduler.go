// Package scheduler runs callbacks at deadlines. The sagas use it for
// silence timeouts and payment timeouts: timers that must survive being
// rescheduled or cancelled when the awaited event arrives first.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Callback runs when a deadline fires. It receives the Run context, so
// callbacks stop getting scheduled work once the scheduler shuts down.
type Callback func(ctx context.Context)

type item struct {
	key   string
	at    time.Time
	fn    Callback
	index int
}

type deadlineHeap []*item

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *deadlineHeap) Push(x any)         { it := x.(*item); it.index = len(*h); *h = append(*h, it) }
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Scheduler orders pending callbacks by deadline. Scheduling an existing key
// replaces its deadline; Cancel drops it. Zero or one callback runs per key.
type Scheduler struct {
	mu    sync.Mutex
	heap  deadlineHeap
	byKey map[string]*item
	wake  chan struct{}
}

func New() *Scheduler {
	return &Scheduler{
		byKey: make(map[string]*item),
		wake:  make(chan struct{}, 1),
	}
}

// Schedule registers fn to run at the deadline. A second Schedule with the
// same key moves the deadline and swaps the callback.
func (s *Scheduler) Schedule(key string, at time.Time, fn Callback) {
	s.mu.Lock()
	if existing, ok := s.byKey[key]; ok {
		existing.at = at
		existing.fn = fn
		heap.Fix(&s.heap, existing.index)
	} else {
		it := &item{key: key, at: at, fn: fn}
		heap.Push(&s.heap, it)
		s.byKey[key] = it
	}
	s.mu.Unlock()
	s.poke()
}

// Cancel removes a pending deadline. Cancelling an unknown key is a no-op,
// which makes handler code simpler: cancel first, ask questions never.
func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	if it, ok := s.byKey[key]; ok {
		heap.Remove(&s.heap, it.index)
		delete(s.byKey, key)
	}
	s.mu.Unlock()
	s.poke()
}

// Pending reports whether a deadline is scheduled for key.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byKey[key]
	return ok
}

// Run fires due callbacks until ctx is cancelled. Each callback runs in its
// own goroutine so one slow timeout handler cannot delay the next deadline.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		var wait time.Duration = time.Hour
		now := time.Now()
		for s.heap.Len() > 0 && !s.heap[0].at.After(now) {
			it := heap.Pop(&s.heap).(*item)
			delete(s.byKey, it.key)
			go it.fn(ctx)
		}
		if s.heap.Len() > 0 {
			wait = time.Until(s.heap[0].at)
		}
		s.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-s.wake:
		}
	}
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
