package heap

import (
	"sync"
	"sync/atomic"
)

// StopTheWorld is the default thread-suspension coordinator. Mutators hold the world lock
// shared while running; SuspendAll takes it exclusively, so it returns only once every
// mutator has reached a safe point and blocks new ones from starting work until ResumeAll.
type StopTheWorld struct {
	world     sync.RWMutex
	suspended atomic.Bool

	shutdown   sync.Mutex
	threadList sync.Mutex
}

func NewStopTheWorld() *StopTheWorld {
	return &StopTheWorld{}
}

// SuspendAll stops the world. It blocks until all running mutators have paused.
func (s *StopTheWorld) SuspendAll() {
	s.world.Lock()
	s.suspended.Store(true)
}

// ResumeAll restarts the world.
func (s *StopTheWorld) ResumeAll() {
	s.suspended.Store(false)
	s.world.Unlock()
}

// MutatorsSuspended reports whether the world is currently stopped.
func (s *StopTheWorld) MutatorsSuspended() bool {
	return s.suspended.Load()
}

// MutatorLock returns the shared side of the world lock. A mutator holds it around each unit
// of heap work; holding it is what SuspendAll waits for.
func (s *StopTheWorld) MutatorLock() sync.Locker {
	return s.world.RLocker()
}

// RuntimeShutdownLock is the outermost lock of the inspection ordering.
func (s *StopTheWorld) RuntimeShutdownLock() sync.Locker {
	return &s.shutdown
}

// ThreadListLock serializes thread attach and detach against whole-heap operations.
func (s *StopTheWorld) ThreadListLock() sync.Locker {
	return &s.threadList
}
