//go:build linux

package ioevent

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/wangscript007/cxxframework-go/task"
)

// maxEventsPerWait bounds how many ready descriptors are drained per
// EpollWait call; matches the order of magnitude in
// eventloop/poller_linux.go's preallocated buffer.
const maxEventsPerWait = 256

// Thread is the single EventThread that owns the epoll instance and
// dispatches OS readiness notifications to bound Contexts.
type Thread struct {
	epfd   int
	mu     sync.RWMutex
	byFD   map[int]*Context
	logger Logger
	done   chan struct{}
}

// NewThread creates the epoll instance backing this EventThread.
func NewThread(logger Logger) (*Thread, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Thread{
		epfd:   epfd,
		byFD:   make(map[int]*Context),
		logger: logger,
		done:   make(chan struct{}),
	}, nil
}

// Run is the EventThread's loop: block in epoll_wait, translate
// readiness into Task signals, repeat. It returns when Close is called.
func (th *Thread) Run() {
	var events [maxEventsPerWait]unix.EpollEvent
	for {
		select {
		case <-th.done:
			return
		default:
		}

		n, err := unix.EpollWait(th.epfd, events[:], -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			th.logger.Logf(3, "ioevent: epoll_wait error: %v", err)
			continue
		}
		for i := 0; i < n; i++ {
			th.dispatch(events[i])
		}
	}
}

// Close stops the Run loop and closes the epoll fd.
func (th *Thread) Close() error {
	close(th.done)
	return unix.Close(th.epfd)
}

func (th *Thread) dispatch(ev unix.EpollEvent) {
	fd := int(ev.Fd)
	wantReq := uint32(ev.Pad)

	th.mu.RLock()
	ctx := th.byFD[fd]
	th.mu.RUnlock()
	if ctx == nil {
		return
	}

	ctx.resolveMu.Lock()
	defer ctx.resolveMu.Unlock()

	if ctx.destroyed.Load() || ctx.reqID.Load() != wantReq {
		// Stale: either the Context was destroyed, or it was re-armed
		// (or disarmed) since this notification was generated.
		return
	}

	// One-shot: consume the armament. A fresh RequestEvent is required
	// before another notification can be delivered.
	ctx.reqID.Add(1)
	ctx.registered.Store(false)

	bits := epollToTaskBits(ev.Events)
	if bits != 0 {
		ctx.t.Signal(bits)
	}
}

func (th *Thread) arm(c *Context, mask Mask) error {
	th.mu.Lock()
	_, exists := th.byFD[c.fd]
	if !exists {
		th.byFD[c.fd] = c
	}
	th.mu.Unlock()

	newReq := c.reqID.Add(1)
	ev := unix.EpollEvent{
		Events: maskToEpoll(mask) | unix.EPOLLONESHOT,
		Fd:     int32(c.fd),
		Pad:    int32(newReq),
	}

	op := unix.EPOLL_CTL_MOD
	if !exists {
		op = unix.EPOLL_CTL_ADD
	}
	if err := unix.EpollCtl(th.epfd, op, c.fd, &ev); err != nil {
		if !exists {
			th.mu.Lock()
			delete(th.byFD, c.fd)
			th.mu.Unlock()
		}
		return err
	}
	c.registered.Store(true)
	return nil
}

func (th *Thread) disarm(c *Context) error {
	if !c.registered.Load() {
		return nil
	}
	// Bump the generation so any notification already queued for the
	// old armament is discarded by dispatch as stale.
	c.reqID.Add(1)
	ev := unix.EpollEvent{Fd: int32(c.fd)}
	err := unix.EpollCtl(th.epfd, unix.EPOLL_CTL_MOD, c.fd, &ev)
	c.registered.Store(false)
	return err
}

func (th *Thread) unregister(c *Context) {
	c.resolveMu.Lock()
	defer c.resolveMu.Unlock()

	c.destroyed.Store(true)

	th.mu.Lock()
	delete(th.byFD, c.fd)
	th.mu.Unlock()

	_ = unix.EpollCtl(th.epfd, unix.EPOLL_CTL_DEL, c.fd, nil)
}

func maskToEpoll(m Mask) uint32 {
	var e uint32
	if m&Read != 0 {
		e |= unix.EPOLLIN
	}
	if m&Write != 0 {
		e |= unix.EPOLLOUT
	}
	if m&ReadOrClose != 0 {
		e |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	return e
}

func epollToTaskBits(events uint32) task.EventFlags {
	var f task.EventFlags
	if events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		f |= task.ReadEvent
	}
	if events&unix.EPOLLOUT != 0 {
		f |= task.WriteEvent
	}
	return f
}

type noopLogger struct{}

func (noopLogger) Logf(int, string, ...any) {}
