// Package task implements the cooperative Task/TaskThread scheduler:
// tasks signal themselves with event-flag bits and are re-run on worker
// threads drawn from one of two fixed-size pools.
//
// Grounded on the atomic-state idiom in eventloop/state.go (FastState)
// for the event-flag bitset; eventloop itself runs a single loop
// goroutine rather than a multi-threaded worker pool, so the dispatch
// loop and pools here are otherwise original, built from small atomic
// structs plus channel-backed queues in that same general style.
package task

import (
	"sync/atomic"
	"time"
)

// EventFlags is a bitset of pending event signals on a Task.
type EventFlags uint32

const (
	// ReadEvent indicates the bound descriptor is readable.
	ReadEvent EventFlags = 1 << iota
	// WriteEvent indicates the bound descriptor is writeable.
	WriteEvent
	// TimeoutEvent indicates a TimeoutTask deadline expired.
	TimeoutEvent
	// IdleEvent indicates an IdleTask wake-up (including the internal
	// reschedule-after-duration mechanism).
	IdleEvent
	// KillEvent requests the task terminate at its next dispatch.
	KillEvent
	// StartEvent is signalled once, to give a newly-created task its
	// first Run() without waiting on an external event.
	StartEvent
)

// resultKind distinguishes the three dispositions a Run() can return.
type resultKind uint8

const (
	resultPark resultKind = iota
	resultDestroy
	resultReschedule
)

// RunResult is the sum type the original's signed Run() return value
// becomes: Destroy (<0), Park (=0) or Reschedule(d) (>0, d in
// microseconds in the original; here a time.Duration).
type RunResult struct {
	kind  resultKind
	after time.Duration
}

// Destroy tells the scheduler to tear this Task down; Run() will not be
// called again.
func Destroy() RunResult { return RunResult{kind: resultDestroy} }

// Park tells the scheduler to wait for the next Signal before running
// this Task again.
func Park() RunResult { return RunResult{kind: resultPark} }

// Reschedule tells the scheduler to run this Task again after d elapses,
// even absent an external Signal.
func Reschedule(d time.Duration) RunResult {
	return RunResult{kind: resultReschedule, after: d}
}

// Runner is the unit of schedulable work. Run receives the union of
// event bits that caused this activation (already cleared from the
// Task's word by GetEvents) and returns a disposition.
type Runner interface {
	Run(events EventFlags) RunResult
}

// RunnerFunc adapts a plain function to Runner.
type RunnerFunc func(events EventFlags) RunResult

func (f RunnerFunc) Run(events EventFlags) RunResult { return f(events) }

// Rescheduler delivers the "run again after d" half of RunResult. The
// timer package's TimerThread is the canonical implementation (it runs
// the reschedule through the same min-heap used for TimeoutTask/IdleTask
// deadlines); a Task with no Rescheduler configured falls back to
// time.AfterFunc, which works but doesn't share the timer thread's
// batching.
type Rescheduler interface {
	ScheduleAfter(t *Task, d time.Duration)
}

// Picker selects which sub-pool a Task's Run() executes on.
type Picker uint8

const (
	// ShortTaskPicker is the default: CPU-light, non-blocking work.
	ShortTaskPicker Picker = iota
	// BlockingPicker is for tasks whose Run() may block (e.g. accepted
	// connection setup, as in the TCP listener's session hand-off).
	BlockingPicker
)

// Task is a schedulable unit carrying an event-flag bitset. At most one
// TaskThread executes a given Task's Run() at a time (spec.md invariant
// 5 / §8 property 5); Signal is wait-free and safe from any goroutine.
type Task struct {
	name    string
	events  atomic.Uint32
	queued  atomic.Bool
	holders atomic.Int32

	runner  Runner
	picker  Picker
	pool    *Pool
	resched Rescheduler

	// forceSameThread, when set, makes the Pool's next re-queue of this
	// Task pin to lastThread instead of re-picking via the normal
	// round-robin strategy (spec.md §4.3 ForceSameThread / §4.8
	// rationale: the Task may still hold locks when it parks).
	forceSameThread atomic.Bool
	// lastThread records whichever worker most recently ran this Task.
	// Once a Run() is in flight, there is no work-stealing: the Task sits
	// in exactly one queue at a time (spec.md §4.3).
	lastThread atomic.Pointer[workerThread]
}

// New creates a Task bound to runner, scheduled on pool using the given
// Picker. The Task starts parked; callers typically Signal(StartEvent)
// once registration (e.g. with an EventContext) is complete.
func New(name string, pool *Pool, picker Picker, runner Runner) *Task {
	t := &Task{name: name, runner: runner, picker: picker, pool: pool}
	return t
}

// Name returns the task's diagnostic name.
func (t *Task) Name() string { return t.name }

// SetThreadPicker changes which sub-pool future dispatches use. Mirrors
// the original's Task::SetThreadPicker, used by TCPListenerSocket to
// move an accepted session onto the blocking pool after acceptance.
func (t *Task) SetThreadPicker(p Picker) { t.picker = p }

// SetRescheduler configures the delegate used for positive (Reschedule)
// Run() results. Called once by runtime wiring, after the timer
// package's TimerThread has been constructed.
func (t *Task) SetRescheduler(r Rescheduler) { t.resched = r }

// ForceSameThread pins the next dispatch of this Task to the thread
// currently executing it. Must be called from within Run() (i.e. while
// this Task is the one currently running), exactly as in the original.
func (t *Task) ForceSameThread() { t.forceSameThread.Store(true) }

// IncrementObjectHolderCount keeps the Task alive across external
// references (e.g. a pending write callback), mirroring
// HTTPSessionInterface::IncrementObjectHolderCount.
func (t *Task) IncrementObjectHolderCount() { t.holders.Add(1) }

// DecrementObjectHolderCount releases an external reference.
func (t *Task) DecrementObjectHolderCount() int32 { return t.holders.Add(-1) }

// ObjectHolderCount returns the current external reference count.
func (t *Task) ObjectHolderCount() int32 { return t.holders.Load() }

// GetEvents atomically reads and clears the event word, returning the
// union of bits that caused this activation. Only meaningful when
// called from within Run().
func (t *Task) GetEvents() EventFlags {
	return EventFlags(t.events.Swap(0))
}

// Signal atomically ORs bits into the event word. If the word transitions
// from empty to non-empty and the Task isn't already queued, it is
// enqueued onto its Pool. Signal is idempotent per-bit between Run calls:
// repeated signals of the same bit before the next Run coalesce into a
// single activation.
//
// queued stays true for the Task's entire time on a worker queue AND for
// the entire duration of its Run() call — it is only cleared, and
// rechecked, by maybeRequeueAfterRun once Run() has returned. This is
// what makes Signal safe to call concurrently with an in-flight Run():
// a Signal arriving mid-Run always finds queued already true, so it
// never enqueues a second, concurrent activation of the same Task (spec.md
// §8 invariant 5: Run is never re-entered for the same Task across
// threads).
func (t *Task) Signal(bits EventFlags) {
	before := t.events.Or(uint32(bits))
	wasEmpty := before == 0
	if wasEmpty && t.queued.CompareAndSwap(false, true) {
		t.pool.enqueue(t)
	}
}

// maybeRequeueAfterRun clears queued now that Run() has returned, then
// re-checks for bits that arrived during Run(): if any are pending, it
// reclaims queued and re-enqueues so they get a fresh activation. The
// tentative-clear-then-recheck order (rather than checking events first)
// is what closes the race: a Signal racing this exact moment either
// lands before the clear (and is then picked up by the recheck) or wins
// the CAS itself and enqueues on its own, in which case this call's own
// CAS fails and it does nothing further.
func (t *Task) maybeRequeueAfterRun() {
	t.queued.Store(false)
	if t.events.Load() != 0 && t.queued.CompareAndSwap(false, true) {
		t.pool.enqueue(t)
	}
}
