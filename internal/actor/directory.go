// Package actor provides the addressing layer for per-key actors: a
// directory that lazily creates exactly one actor per key and keeps it for
// the life of the process.
package actor

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Stopper is implemented by actors that own a goroutine and sockets.
type Stopper interface {
	Stop()
}

type entry[A Stopper] struct {
	once  sync.Once
	actor A
}

// Directory maps keys to actors. Creation is serialised per key, so two
// concurrent first lookups of the same key observe the same actor while
// lookups of other keys proceed independently.
type Directory[K comparable, A Stopper] struct {
	mu      sync.Mutex
	entries map[K]*entry[A]
	create  func(K) A
}

func NewDirectory[K comparable, A Stopper](create func(K) A) *Directory[K, A] {
	return &Directory[K, A]{
		entries: make(map[K]*entry[A]),
		create:  create,
	}
}

// Get returns the actor for key, creating it on first reference.
func (d *Directory[K, A]) Get(key K) A {
	d.mu.Lock()
	e, ok := d.entries[key]
	if !ok {
		e = &entry[A]{}
		d.entries[key] = e
	}
	d.mu.Unlock()

	e.once.Do(func() {
		e.actor = d.create(key)
	})
	return e.actor
}

// Len reports how many keys have been referenced.
func (d *Directory[K, A]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Stop stops every actor concurrently and waits for them, or for ctx.
func (d *Directory[K, A]) Stop(ctx context.Context) error {
	d.mu.Lock()
	keys := make([]K, 0, len(d.entries))
	for k := range d.entries {
		keys = append(keys, k)
	}
	d.mu.Unlock()

	var g errgroup.Group
	for _, k := range keys {
		a := d.Get(k)
		g.Go(func() error {
			a.Stop()
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
