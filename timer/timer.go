// Package timer implements the TimerThread, TimeoutTask and IdleTask
// services (spec.md §4.5): a single dedicated goroutine owning a min-heap
// of pending deadlines, signalling bound Tasks with kTimeoutEvent or
// kIdleEvent on expiry. Grounded on CFCore/Heap.cpp's companion
// TimeoutTask/IdleTask usage pattern (deadlines in absolute milliseconds,
// re-arm is the task's own responsibility) and, for the goroutine/condvar
// shape, on eventloop/poller_linux.go's single-owner-thread idiom.
package timer

import (
	"sync"
	"time"

	"github.com/wangscript007/cxxframework-go/heap"
	"github.com/wangscript007/cxxframework-go/task"
)

// Logger is the minimal logging seam this package needs.
type Logger interface {
	Logf(level int, format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Logf(int, string, ...any) {}

// entry is the heap payload for one pending timer: which Task to
// Signal, with which event bit, when it fires.
type entry struct {
	t    *task.Task
	bits task.EventFlags
	elem *heap.Elem
}

// Thread is the single TimerThread: one goroutine owns the heap, woken
// by condition variable on either a new earlier deadline or the current
// earliest deadline elapsing.
type Thread struct {
	mu     sync.Mutex
	cond   *sync.Cond
	h      *heap.Heap
	byTask map[*task.Task]*entry
	logger Logger
	done   bool
}

// NewThread starts a TimerThread. Call Run in its own goroutine.
func NewThread(logger Logger) *Thread {
	if logger == nil {
		logger = noopLogger{}
	}
	th := &Thread{
		h:      heap.New(64),
		byTask: make(map[*task.Task]*entry),
		logger: logger,
	}
	th.cond = sync.NewCond(&th.mu)
	return th
}

// Run is the TimerThread loop. It returns after Close.
func (th *Thread) Run() {
	th.mu.Lock()
	defer th.mu.Unlock()
	for {
		if th.done {
			return
		}

		top := th.h.Peek()
		if top == nil {
			th.cond.Wait()
			continue
		}

		now := nowMillis()
		deadline := top.Value
		if deadline <= now {
			th.drainExpiredLocked(now)
			continue
		}

		th.waitUntilLocked(deadline)
	}
}

// Close stops the TimerThread.
func (th *Thread) Close() {
	th.mu.Lock()
	th.done = true
	th.mu.Unlock()
	th.cond.Broadcast()
}

// ScheduleAfter implements task.Rescheduler: arranges for t to be
// Signal(IdleEvent) after d elapses. Satisfies the positive-return-value
// path of Task.Run's contract (spec.md §4.3) by routing through the
// shared IdleTask heap instead of a one-off timer per task.
func (th *Thread) ScheduleAfter(t *task.Task, d time.Duration) {
	th.schedule(t, task.IdleEvent, nowMillis()+d.Milliseconds())
}

// SetIdleTimer arms (or re-arms) t to receive kIdleEvent at absolute
// deadline deadlineMillis (epoch milliseconds).
func (th *Thread) SetIdleTimer(t *task.Task, deadlineMillis int64) {
	th.schedule(t, task.IdleEvent, deadlineMillis)
}

// RefreshTimeout arms (or re-arms) t to receive kTimeoutEvent after d
// elapses from now, replacing any previously pending timeout for t.
func (th *Thread) RefreshTimeout(t *task.Task, d time.Duration) {
	th.schedule(t, task.TimeoutEvent, nowMillis()+d.Milliseconds())
}

// CancelTimeout removes any pending timer entry for t, if one exists.
func (th *Thread) CancelTimeout(t *task.Task) {
	th.mu.Lock()
	defer th.mu.Unlock()
	if e, ok := th.byTask[t]; ok {
		th.h.Remove(e.elem)
		delete(th.byTask, t)
	}
}

func (th *Thread) schedule(t *task.Task, bits task.EventFlags, deadlineMillis int64) {
	th.mu.Lock()
	defer th.mu.Unlock()

	if e, ok := th.byTask[t]; ok {
		e.bits = bits
		th.h.Update(e.elem, deadlineMillis, heap.UpdateFlagNone)
	} else {
		e := &entry{t: t, bits: bits}
		e.elem = &heap.Elem{Value: deadlineMillis, Payload: e}
		th.h.Insert(e.elem)
		th.byTask[t] = e
	}

	if top := th.h.Peek(); top != nil && top.Payload.(*entry).t == t {
		th.cond.Broadcast()
	}
}

func (th *Thread) drainExpiredLocked(now int64) {
	for {
		top := th.h.Peek()
		if top == nil || top.Value > now {
			return
		}
		e := top.Payload.(*entry)
		th.h.ExtractMin()
		delete(th.byTask, e.t)
		e.t.Signal(e.bits)
	}
}

func (th *Thread) waitUntilLocked(deadlineMillis int64) {
	d := time.Duration(deadlineMillis-nowMillis()) * time.Millisecond
	if d <= 0 {
		return
	}
	timer := time.AfterFunc(d, func() {
		th.mu.Lock()
		th.cond.Broadcast()
		th.mu.Unlock()
	})
	th.cond.Wait()
	timer.Stop()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
