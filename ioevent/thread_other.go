//go:build !linux && !windows

package ioevent

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wangscript007/cxxframework-go/task"
)

// Thread is the select(2)-based EventThread backend used on non-Linux
// Unixes (spec.md §4.4: "Backends: select/epoll/kqueue chosen at compile
// time. Contract identical across backends."). It re-polls the full
// interest set every iteration; select's level-triggered nature is made
// to behave one-shot here by disarming in deliver, as the epoll backend
// does in dispatch. There is no kqueue backend.
type Thread struct {
	mu     sync.Mutex
	byFD   map[int]*Context
	logger Logger
	done   chan struct{}
}

func NewThread(logger Logger) (*Thread, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Thread{byFD: make(map[int]*Context), logger: logger, done: make(chan struct{})}, nil
}

func (th *Thread) Run() {
	for {
		select {
		case <-th.done:
			return
		default:
		}

		readFDs, writeFDs, ctxs := th.snapshot()
		if len(ctxs) == 0 {
			time.Sleep(5 * time.Millisecond)
			continue
		}

		var rset, wset unix.FdSet
		maxFD := 0
		for _, fd := range readFDs {
			fdSet(&rset, fd)
			if fd > maxFD {
				maxFD = fd
			}
		}
		for _, fd := range writeFDs {
			fdSet(&wset, fd)
			if fd > maxFD {
				maxFD = fd
			}
		}

		tv := unix.Timeval{Sec: 0, Usec: 100000}
		_, err := unix.Select(maxFD+1, &rset, &wset, nil, &tv)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			th.logger.Logf(3, "ioevent: select error: %v", err)
			continue
		}

		for _, c := range ctxs {
			readable := fdIsSet(&rset, c.fd)
			writeable := fdIsSet(&wset, c.fd)
			if readable || writeable {
				th.deliver(c, readable, writeable)
			}
		}
	}
}

func (th *Thread) Close() error {
	close(th.done)
	return nil
}

func (th *Thread) snapshot() (readFDs, writeFDs []int, ctxs []*Context) {
	th.mu.Lock()
	defer th.mu.Unlock()
	for _, c := range th.byFD {
		if !c.registered.Load() {
			continue
		}
		ctxs = append(ctxs, c)
		m := Mask(c.mask.Load())
		if m&(Read|ReadOrClose) != 0 {
			readFDs = append(readFDs, c.fd)
		}
		if m&Write != 0 {
			writeFDs = append(writeFDs, c.fd)
		}
	}
	return
}

func (th *Thread) deliver(c *Context, readable, writeable bool) {
	c.resolveMu.Lock()
	defer c.resolveMu.Unlock()
	if c.destroyed.Load() || !c.registered.Load() {
		return
	}
	c.reqID.Add(1)
	c.registered.Store(false)

	var bits task.EventFlags
	if readable {
		bits |= task.ReadEvent
	}
	if writeable {
		bits |= task.WriteEvent
	}
	if bits != 0 {
		c.t.Signal(bits)
	}
}

func (th *Thread) arm(c *Context, mask Mask) error {
	c.mask.Store(uint32(mask))
	c.reqID.Add(1)
	c.registered.Store(true)
	th.mu.Lock()
	th.byFD[c.fd] = c
	th.mu.Unlock()
	return nil
}

func (th *Thread) disarm(c *Context) error {
	c.reqID.Add(1)
	c.registered.Store(false)
	return nil
}

func (th *Thread) unregister(c *Context) {
	c.resolveMu.Lock()
	defer c.resolveMu.Unlock()
	c.destroyed.Store(true)
	th.mu.Lock()
	delete(th.byFD, c.fd)
	th.mu.Unlock()
}

func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}

type noopLogger struct{}

func (noopLogger) Logf(int, string, ...any) {}
