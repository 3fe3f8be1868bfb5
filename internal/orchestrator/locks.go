package orchestrator

import "sync"

// targetLocks serializes requests that share a target identifier. Waiters
// queue FIFO per target, so no request starves. Unrelated targets do not
// contend.
type targetLocks struct {
	mu    sync.Mutex
	locks map[string]*targetQueue
}

type targetQueue struct {
	locked  bool
	waiters []chan struct{}
}

func newTargetLocks() *targetLocks {
	return &targetLocks{locks: make(map[string]*targetQueue)}
}

// acquire takes every target lock in sorted order; the caller must pass a
// sorted, de-duplicated slice. Blocks until all are held.
func (t *targetLocks) acquire(targets []string) {
	for _, target := range targets {
		t.acquireOne(target)
	}
}

func (t *targetLocks) acquireOne(target string) {
	t.mu.Lock()
	q, ok := t.locks[target]
	if !ok {
		q = &targetQueue{}
		t.locks[target] = q
	}
	if !q.locked {
		q.locked = true
		t.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	t.mu.Unlock()
	<-ch
}

// release frees the targets in reverse order, waking the head waiter of
// each queue.
func (t *targetLocks) release(targets []string) {
	for i := len(targets) - 1; i >= 0; i-- {
		t.releaseOne(targets[i])
	}
}

func (t *targetLocks) releaseOne(target string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.locks[target]
	if !ok {
		return
	}
	if len(q.waiters) > 0 {
		ch := q.waiters[0]
		q.waiters = q.waiters[1:]
		close(ch)
		return
	}
	q.locked = false
	delete(t.locks, target)
}
