package docstore

import "sync"

// Registry tracks live subscriptions for one session or composition root so
// they can all be released before an operation that must not race with
// listeners.
type Registry struct {
	mu   sync.Mutex
	next uint64
	subs map[uint64]Subscription
}

func NewRegistry() *Registry {
	return &Registry{subs: map[uint64]Subscription{}}
}

// Track registers sub and returns a handle whose Release also unregisters it.
func (r *Registry) Track(sub Subscription) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := r.next
	r.subs[id] = sub
	return &trackedSub{reg: r, id: id, sub: sub}
}

// Len returns the number of live subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// ReleaseAll releases every tracked subscription and returns how many there
// were.
func (r *Registry) ReleaseAll() int {
	r.mu.Lock()
	subs := r.subs
	r.subs = map[uint64]Subscription{}
	r.mu.Unlock()
	for _, s := range subs {
		s.Release()
	}
	return len(subs)
}

func (r *Registry) forget(id uint64) (Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[id]
	delete(r.subs, id)
	return s, ok
}

type trackedSub struct {
	reg *Registry
	id  uint64
	sub Subscription
}

func (t *trackedSub) Release() {
	if s, ok := t.reg.forget(t.id); ok {
		s.Release()
	}
}
