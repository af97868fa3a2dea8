package peer

import "sync"

// waiter is one registered wait for a reply keyed by peer or request id.
type waiter[V any] struct {
	ch         chan V
	superseded chan struct{}
}

// waitTable pairs outstanding requests with their replies. A key holds at
// most one waiter; registering again supersedes the previous one.
type waitTable[V any] struct {
	mu      sync.Mutex
	waiters map[string]*waiter[V]
}

func newWaitTable[V any]() *waitTable[V] {
	return &waitTable[V]{waiters: make(map[string]*waiter[V])}
}

// register installs a fresh waiter for key. The returned release must run on
// every exit path; it only removes the entry if it still belongs to this waiter.
func (t *waitTable[V]) register(key string) (*waiter[V], func()) {
	w := &waiter[V]{
		ch:         make(chan V, 1),
		superseded: make(chan struct{}),
	}

	t.mu.Lock()
	if old, ok := t.waiters[key]; ok {
		close(old.superseded)
	}
	t.waiters[key] = w
	t.mu.Unlock()

	return w, func() {
		t.mu.Lock()
		if cur, ok := t.waiters[key]; ok && cur == w {
			delete(t.waiters, key)
		}
		t.mu.Unlock()
	}
}

// deliver hands v to the waiter for key and removes it. It reports false when
// nobody is waiting, which is how late and duplicate replies get dropped.
func (t *waitTable[V]) deliver(key string, v V) bool {
	t.mu.Lock()
	w, ok := t.waiters[key]
	if ok {
		delete(t.waiters, key)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	w.ch <- v
	return true
}

func (t *waitTable[V]) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}
