// Package syncutil holds synchronization primitives the standard library
// lacks.
package syncutil

import "context"

// Mutex is a mutual-exclusion lock whose waiters can give up when their
// context ends. The zero value is not usable; call NewMutex.
type Mutex struct {
	ch chan struct{}
}

// NewMutex returns an unlocked Mutex.
func NewMutex() *Mutex {
	m := &Mutex{ch: make(chan struct{}, 1)}
	m.ch <- struct{}{}
	return m
}

// Lock blocks until the lock is held or ctx ends. On error the lock is
// not held and Unlock must not be called.
func (m *Mutex) Lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-m.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryLock acquires the lock only if it is free.
func (m *Mutex) TryLock() bool {
	select {
	case <-m.ch:
		return true
	default:
		return false
	}
}

// Unlock releases the lock. Unlocking an unlocked Mutex panics.
func (m *Mutex) Unlock() {
	select {
	case m.ch <- struct{}{}:
	default:
		panic("syncutil: unlock of unlocked mutex")
	}
}
