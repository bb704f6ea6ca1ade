package core

import (
	"sync"

	"github.com/google/uuid"
)

// LockRegistry hands out one mutex per active job id.
type LockRegistry struct {
	locks sync.Map // uuid.UUID -> *sync.Mutex
}

func NewLockRegistry() *LockRegistry {
	return &LockRegistry{}
}

// Acquire returns the mutex for id, creating it on first use. Concurrent
// callers for the same id always get the same mutex.
func (r *LockRegistry) Acquire(id uuid.UUID) *sync.Mutex {
	mu, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Release drops the entry for id once any in-flight holder is done with it.
func (r *LockRegistry) Release(id uuid.UUID) {
	v, ok := r.locks.Load(id)
	if !ok {
		return
	}
	mu := v.(*sync.Mutex)
	mu.Lock()
	r.locks.Delete(id)
	mu.Unlock()
}

func (r *LockRegistry) WithLock(id uuid.UUID, fn func() error) error {
	mu := r.Acquire(id)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

func (r *LockRegistry) Len() int {
	n := 0
	r.locks.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
