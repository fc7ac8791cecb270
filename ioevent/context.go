package ioevent

import (
	"sync"
	"sync/atomic"

	"github.com/wangscript007/cxxframework-go/task"
)

// Context binds one OS file descriptor to a Task. A descriptor is
// registered with its Thread at most once (spec.md §3 EventContext
// invariant); RequestEvent is one-shot, so after it fires the descriptor
// is disarmed until RequestEvent is called again.
type Context struct {
	fd int
	th *Thread
	t  *task.Task

	// reqID is the generation of the current armament. Every RequestEvent
	// and every disarm bumps it; a notification carrying a stale
	// generation is discarded by Thread.dispatch. This is the EventReq
	// id from spec.md §3/§9.
	reqID atomic.Uint32

	registered atomic.Bool
	destroyed  atomic.Bool

	// mask is the last requested readiness mask. Only consulted by the
	// select(2) backend (thread_other.go), which must re-derive its fd
	// sets on every iteration rather than storing them in the kernel.
	mask atomic.Uint32

	// resolveMu is the resolve/release handshake (spec.md §9 Glossary):
	// Thread.dispatch holds it for the duration of one notification;
	// Cleanup takes it before tearing the Context down, so destruction
	// cannot race a notification already in flight for this fd.
	resolveMu sync.Mutex
}

// NewContext creates a Context for fd, bound to t. It is not registered
// with the OS readiness mechanism until the first RequestEvent call.
func NewContext(th *Thread, fd int, t *task.Task) *Context {
	return &Context{th: th, fd: fd, t: t}
}

// FD returns the bound file descriptor.
func (c *Context) FD() int { return c.fd }

// Task returns the bound Task.
func (c *Context) Task() *task.Task { return c.t }

// RequestEvent arms (or re-arms) the descriptor for one-shot readiness
// on the given mask. A zero mask disarms it (EV_RM). Safe to call from
// the bound Task's own Run().
func (c *Context) RequestEvent(mask Mask) error {
	if mask == 0 {
		return c.th.disarm(c)
	}
	return c.th.arm(c, mask)
}

// Cleanup deregisters the descriptor and blocks until any notification
// for it that is already in flight has finished dispatching, so the
// caller can safely close the fd or free the Context afterward.
func (c *Context) Cleanup() {
	c.th.unregister(c)
}
