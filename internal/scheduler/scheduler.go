package scheduler

import (
	"context"
	"sync"
	"time"
)

type tenantQueue struct {
	items []ControllerKey
}

// Scheduler holds per-tenant FIFO queues of ControllerKeys plus a
// global active-key set enforcing that no two workers ever reconcile
// the same key concurrently (spec.md §4.10). Its zero value is not
// usable; construct with New.
type Scheduler struct {
	controllers map[string]Controller

	mu          sync.Mutex
	queues      map[string]*tenantQueue
	tenantOrder []string
	dirty       map[ControllerKey]bool
	active      map[ControllerKey]bool
	wake        chan struct{}
}

func New(controllers ...Controller) *Scheduler {
	s := &Scheduler{
		controllers: make(map[string]Controller, len(controllers)),
		queues:      make(map[string]*tenantQueue),
		dirty:       make(map[ControllerKey]bool),
		active:      make(map[ControllerKey]bool),
		wake:        make(chan struct{}, 1),
	}
	for _, c := range controllers {
		s.controllers[c.Kind()] = c
	}
	return s
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Push offers ev to every registered controller; each one that claims
// it (Schedule returns ok) and whose ShouldReconcile agrees gets its
// key enqueued.
func (s *Scheduler) Push(ctx context.Context, ev Event) {
	for _, c := range s.controllers {
		key, ok := c.Schedule(ctx, ev)
		if !ok {
			continue
		}
		if !c.ShouldReconcile(ctx, key) {
			continue
		}
		s.enqueue(key)
	}
}

// enqueue adds key to its tenant's queue, deduplicating against both a
// key already queued and a key currently being reconciled — in the
// latter case the key is marked dirty and picked back up by finish once
// the in-flight reconcile returns, so it is still never processed
// concurrently with itself.
func (s *Scheduler) enqueue(key ControllerKey) {
	s.mu.Lock()
	if s.dirty[key] {
		s.mu.Unlock()
		return
	}
	s.dirty[key] = true
	if s.active[key] {
		s.mu.Unlock()
		return
	}
	q, ok := s.queues[key.Tenant]
	if !ok {
		q = &tenantQueue{}
		s.queues[key.Tenant] = q
		s.tenantOrder = append(s.tenantOrder, key.Tenant)
	}
	q.items = append(q.items, key)
	s.mu.Unlock()
	s.signal()
}

// tryNext pops the next key in round-robin tenant order, marking it
// active so a concurrent enqueue for the same key only sets dirty
// instead of double-queuing it.
func (s *Scheduler) tryNext() (ControllerKey, Controller, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < len(s.tenantOrder); i++ {
		tenant := s.tenantOrder[0]
		s.tenantOrder = append(s.tenantOrder[1:], tenant)

		q := s.queues[tenant]
		if q == nil || len(q.items) == 0 {
			continue
		}
		key := q.items[0]
		q.items = q.items[1:]

		c, ok := s.controllers[key.Kind]
		if !ok {
			delete(s.dirty, key)
			continue
		}
		s.active[key] = true
		delete(s.dirty, key)
		return key, c, true
	}
	return ControllerKey{}, nil, false
}

func (s *Scheduler) finish(key ControllerKey, next ReconcileNext) {
	s.mu.Lock()
	delete(s.active, key)
	redirty := s.dirty[key]
	delete(s.dirty, key)
	s.mu.Unlock()

	switch {
	case redirty:
		s.enqueue(key)
	case next.Done:
		// converged; nothing requeued until another event arrives.
	case next.After > 0:
		time.AfterFunc(next.After, func() { s.enqueue(key) })
	default:
		s.enqueue(key) // Immediate
	}
}

// Run drains the queues with the given number of worker goroutines
// until ctx is cancelled, blocking until every worker has exited.
func (s *Scheduler) Run(ctx context.Context, workers int) {
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.workerLoop(ctx)
		}()
	}
	wg.Wait()
}

func (s *Scheduler) workerLoop(ctx context.Context) {
	for {
		key, c, ok := s.tryNext()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}

		next, err := c.Reconcile(ctx, key)
		if err != nil {
			next = c.HandleError(ctx, key, err)
		}
		s.finish(key, next)
	}
}
