// Package tcpserver implements the TCPListenerSocket: an EventContext-
// bound acceptor that produces per-connection session Tasks.
//
// Grounded on CFSocket/TCPListenerSocket.cpp for Initialize/ProcessEvent
// semantics (SO_REUSEADDR, 512KiB recv buffer, TCP_NODELAY/SO_KEEPALIVE/
// 96KiB send buffer on the accepted socket, EMFILE/ENFILE fatal exit,
// admission control via fSleepBetweenAccepts). Per spec.md §9's "replace
// deep inheritance with composition", TCPListenerSocket ← Task ←
// EventContext becomes a Listener that owns a *task.Task and an
// *ioevent.Context, and the virtual GetSessionTask() hook becomes an
// injected factory function. Socket plumbing uses golang.org/x/sys/unix
// directly (as the epoll backend already does) rather than net.Listener,
// since the accepted descriptor must be handed to our own EventThread
// rather than the Go runtime's netpoller.
package tcpserver

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-catrate"

	"github.com/wangscript007/cxxframework-go/ioevent"
	"github.com/wangscript007/cxxframework-go/protoerr"
	"github.com/wangscript007/cxxframework-go/task"
	"github.com/wangscript007/cxxframework-go/timer"
)

// kListenQueueLength mirrors the original's listen backlog.
const kListenQueueLength = 512

// kTimeBetweenAccepts mirrors kTimeBetweenAcceptsInMsec: how long the
// listener idles once admission control trips before trying again.
const kTimeBetweenAccepts = time.Second

// Logger is the minimal logging seam this package needs.
type Logger interface {
	Logf(level int, format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Logf(int, string, ...any) {}

// NewSessionFunc is the injected capability replacing the original's
// virtual GetSessionTask() hook: given an accepted, not-yet-configured
// socket, produce the Task that will own it, or nil to reject the
// connection (closed immediately by the caller).
type NewSessionFunc func(fd int, remoteAddr [4]byte, remotePort uint16) *task.Task

// CapacityFunc reports whether the server is at its session capacity.
// When it returns true, the listener engages admission control instead
// of re-arming immediately.
type CapacityFunc func() bool

// Listener is the TCP acceptor. Compose it with a task.Pool and an
// ioevent.Thread; call Initialize then Run's owning Task via Start.
type Listener struct {
	fd         int
	ctx        *ioevent.Context
	ioThread   *ioevent.Thread
	t          *task.Task
	timerThrd  *timer.Thread
	newSession NewSessionFunc
	atCapacity CapacityFunc
	logger     Logger
	ipLimiter  *catrate.Limiter

	sleepBetweenAccepts bool
}

// Options configure a Listener.
type Options struct {
	Pool       *task.Pool
	IOThread   *ioevent.Thread
	TimerThrd  *timer.Thread
	NewSession NewSessionFunc
	AtCapacity CapacityFunc
	Logger     Logger
	// IPLimiter, if non-nil, throttles accepted connections per remote
	// IP (SPEC_FULL.md Domain Stack: go-catrate wired for TCP admission
	// control, on top of the original's whole-listener capacity gate).
	IPLimiter *catrate.Limiter
}

// New constructs a Listener bound to a fresh Task on opts.Pool. Call
// Initialize to bind/listen, then Start to arm the first accept.
func New(opts Options) *Listener {
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	l := &Listener{
		fd:         -1,
		newSession: opts.NewSession,
		atCapacity: opts.AtCapacity,
		logger:     logger,
		ioThread:   opts.IOThread,
		timerThrd:  opts.TimerThrd,
		ipLimiter:  opts.IPLimiter,
	}
	l.t = task.New("tcp-listener", opts.Pool, task.ShortTaskPicker, task.RunnerFunc(l.run))
	l.t.SetRescheduler(opts.TimerThrd)
	return l
}

// Task returns the listener's Task.
func (l *Listener) Task() *task.Task { return l.t }

// Initialize creates a TCP socket, sets SO_REUSEADDR, binds to
// addr:port, sets a 512KiB receive buffer, and listens.
func (l *Listener) Initialize(addr [4]byte, port uint16) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return err
	}

	sa := &unix.SockaddrInet4{Addr: addr, Port: int(port)}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, 512*1024); err != nil {
		unix.Close(fd)
		return err
	}

	if err := unix.Listen(fd, kListenQueueLength); err != nil {
		unix.Close(fd)
		return err
	}

	l.fd = fd
	l.ctx = ioevent.NewContext(l.ioThread, fd, l.t)
	return nil
}

// Start arms the listener for its first accept.
func (l *Listener) Start() error {
	return l.ctx.RequestEvent(ioevent.Read)
}

// LocalAddr returns the address the listening socket is bound to,
// useful after Initialize was called with port 0 (OS-assigned).
func (l *Listener) LocalAddr() (addr [4]byte, port uint16, err error) {
	sa, err := unix.Getsockname(l.fd)
	if err != nil {
		return addr, 0, err
	}
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return addr, 0, errors.New("tcpserver: not an IPv4 socket")
	}
	return sa4.Addr, uint16(sa4.Port), nil
}

// run is the listener Task's Run(): mirrors TCPListenerSocket::Run,
// which unconditionally re-arms and calls ProcessEvent once per
// activation (the original never checks events beyond kKillEvent).
func (l *Listener) run(events task.EventFlags) task.RunResult {
	if events&task.KillEvent != 0 {
		l.ctx.Cleanup()
		unix.Close(l.fd)
		return task.Destroy()
	}

	l.processEvent()
	return task.Park()
}

// processEvent implements TCPListenerSocket::ProcessEvent: accept at
// most one connection per activation, exactly as the original does
// ("whatever you do here has to be fast" — CFSocket/TCPListenerSocket.cpp).
// Looping until EAGAIN would let a connection burst monopolize this
// Task's worker; instead a single accept() per readiness notification
// keeps each activation bounded and lets other short-task work interleave.
func (l *Listener) processEvent() {
	fd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		switch {
		case errors.Is(err, unix.EAGAIN):
			// Nothing pending; re-arm below.
		case errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE):
			l.logger.Logf(4, "tcpserver: %v, exiting", fmt.Errorf("%w: %v", protoerr.ErrExhausted, err))
			os.Exit(1)
		default:
			l.logger.Logf(3, "tcpserver: accept error, cleaning up: %v", err)
		}
		l.rearm()
		return
	}

	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		unix.Close(fd)
		l.rearm()
		return
	}

	if l.ipLimiter != nil {
		if _, allowed := l.ipLimiter.Allow(sa4.Addr); !allowed {
			unix.Close(fd)
			l.rearm()
			return
		}
	}

	l.accept(fd, sa4)
	l.rearm()
}

// rearm re-arms the listener for the next accept, or engages admission
// control if the server is at capacity.
func (l *Listener) rearm() {
	if l.atCapacity != nil && l.atCapacity() {
		l.sleepBetweenAccepts = true
		l.ctx.RequestEvent(0) // EV_RM
		if l.timerThrd != nil {
			l.timerThrd.SetIdleTimer(l.t, time.Now().Add(kTimeBetweenAccepts).UnixMilli())
		}
		return
	}

	l.sleepBetweenAccepts = false
	l.ctx.RequestEvent(ioevent.ReadOrClose)
}

func (l *Listener) accept(fd int, sa *unix.SockaddrInet4) {
	st := l.newSession(fd, sa.Addr, uint16(sa.Port))
	if st == nil {
		unix.Close(fd)
		return
	}

	one := 1
	unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, one)
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, one)
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, 96*1024)

	st.SetThreadPicker(task.BlockingPicker)
}
