package services

import (
	"log"
	"sync"
)

// notifier fans read-model snapshots out to UI subscribers.
//
// Deliveries coalesce: a notify that arrives while another goroutine is
// delivering only marks the state dirty, and the delivering goroutine takes
// a fresh snapshot before it returns. Subscribers therefore always end on
// the latest state, may call back into the component, and never run under
// the component's own lock.
type notifier[T any] struct {
	mu         sync.Mutex
	subs       []subscriber[T]
	nextID     int
	delivering bool
	dirty      bool
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

func (n *notifier[T]) subscribe(fn func(T)) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs = append(n.subs, subscriber[T]{id: id, fn: fn})
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, s := range n.subs {
			if s.id == id {
				n.subs = append(n.subs[:i:i], n.subs[i+1:]...)
				return
			}
		}
	}
}

// notify delivers snapshot() to every subscriber. The caller must not hold
// any lock that snapshot takes.
func (n *notifier[T]) notify(snapshot func() T) {
	n.mu.Lock()
	n.dirty = true
	if n.delivering {
		n.mu.Unlock()
		return
	}
	n.delivering = true

	for n.dirty {
		n.dirty = false
		subs := n.subs
		n.mu.Unlock()

		if len(subs) > 0 {
			v := snapshot()
			for _, s := range subs {
				safeCall(s.fn, v)
			}
		}

		n.mu.Lock()
	}

	n.delivering = false
	n.mu.Unlock()
}

func (n *notifier[T]) clear() {
	n.mu.Lock()
	n.subs = nil
	n.mu.Unlock()
}

func safeCall[T any](fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[services] subscriber panic: %v", r)
		}
	}()
	fn(v)
}
