// Package syncutil provides the synchronization primitives the rest of
// the framework builds on. RWMutex is the one with non-trivial policy
// (writer-preference, no reader starvation of writers); it is grounded
// on CFCore/RWMutex.cpp.
package syncutil

import (
	"sync"
	"time"
)

// eMaxWait mirrors RWMutex::eMaxWait, the original's sanity-guard wait
// bound on the condition variables. Nothing in this package uses it:
// LockRead and LockWrite wait on their sync.Cond with no time bound.
const eMaxWait = 5 * time.Second

// RWMutex implements multi-reader/single-writer locking with writer
// preference: a reader that arrives while a writer is active or waiting
// blocks until all currently-waiting writers have been served. This is
// the opposite of Go's standard sync.RWMutex, which doesn't document
// (or guarantee) writer non-starvation the same way; the policy here is
// load-bearing for the HTTP session's read/session mutex ordering
// (spec.md §5 lock ordering), so it's reimplemented rather than
// delegated to sync.RWMutex.
type RWMutex struct {
	mu      sync.Mutex
	readers sync.Cond
	writers sync.Cond

	activeWriter   bool
	activeReaders  int
	waitingReaders int
	waitingWriters int
}

// NewRWMutex returns a ready-to-use RWMutex.
func NewRWMutex() *RWMutex {
	m := &RWMutex{}
	m.readers.L = &m.mu
	m.writers.L = &m.mu
	return m
}

// LockRead blocks until a read lock is held. Per the original's policy,
// a reader must wait while there is an active writer OR any waiting
// writer, so writers never starve behind a stream of readers.
func (m *RWMutex) LockRead() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.waitingReaders++
	for m.activeWriter || m.waitingWriters > 0 {
		m.readers.Wait()
	}
	m.waitingReaders--
	m.activeReaders++
}

// LockWrite blocks until the write lock is held exclusively.
func (m *RWMutex) LockWrite() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.waitingWriters++
	for m.activeReaders > 0 || m.activeWriter {
		m.writers.Wait()
	}
	m.waitingWriters--
	m.activeWriter = true
}

// Unlock releases whichever lock the caller is holding (read or write).
// The original tracks this implicitly via its internal state machine;
// here RUnlock/WUnlock are the precise analogues and Unlock is kept only
// for callers translating directly from the C++ call sites — prefer
// RUnlock/WUnlock in new code.
func (m *RWMutex) Unlock() {
	m.mu.Lock()
	if m.activeWriter {
		m.unlockWriteLocked()
	} else {
		m.unlockReadLocked()
	}
	m.mu.Unlock()
}

// RUnlock releases a read lock.
func (m *RWMutex) RUnlock() {
	m.mu.Lock()
	m.unlockReadLocked()
	m.mu.Unlock()
}

// WUnlock releases the write lock.
func (m *RWMutex) WUnlock() {
	m.mu.Lock()
	m.unlockWriteLocked()
	m.mu.Unlock()
}

// unlockWriteLocked implements the original's Unlock "was the active
// writer" branch: wake exactly one waiting writer if any are waiting,
// otherwise broadcast all waiting readers.
func (m *RWMutex) unlockWriteLocked() {
	m.activeWriter = false
	if m.waitingWriters > 0 {
		m.writers.Signal()
	} else {
		m.readers.Broadcast()
	}
}

// unlockReadLocked implements the original's Unlock "was a reader"
// branch: once the last active reader leaves, wake one waiting writer.
func (m *RWMutex) unlockReadLocked() {
	m.activeReaders--
	if m.activeReaders == 0 {
		m.writers.Signal()
	}
}

// TryLockWrite succeeds iff there is no active reader, no active writer,
// and no waiting writer.
func (m *RWMutex) TryLockWrite() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeReaders > 0 || m.activeWriter || m.waitingWriters > 0 {
		return false
	}
	m.activeWriter = true
	return true
}

// TryLockRead succeeds iff there is no active writer and no waiting
// writer.
func (m *RWMutex) TryLockRead() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeWriter || m.waitingWriters > 0 {
		return false
	}
	m.activeReaders++
	return true
}
