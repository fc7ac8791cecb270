package runtime

import (
	"context"
	"fmt"
	"os/user"
	"strconv"
	"sync/atomic"
	"syscall"

	"github.com/wangscript007/cxxframework-go/httpsession"
	"github.com/wangscript007/cxxframework-go/ioevent"
	"github.com/wangscript007/cxxframework-go/task"
	"github.com/wangscript007/cxxframework-go/tcpserver"
	"github.com/wangscript007/cxxframework-go/timer"
	"github.com/wangscript007/cxxframework-go/udpdemux"
)

// Runtime is the single constructed value every global in main.cpp
// collapses into (spec.md §9): the Task scheduler, the one EventThread,
// the one TimerThread, the UDP demuxer, and the TCP listener, all built
// from a resolved Config and torn down together.
type Runtime struct {
	cfg *Config

	pool     *task.Pool
	ioThread *ioevent.Thread
	timerThr *timer.Thread
	demux    *udpdemux.Demuxer
	listener *tcpserver.Listener

	sessionIndex atomic.Uint32
	liveSessions atomic.Int32
}

// New builds a Runtime from opts but does not yet bind or listen; call
// Run to bring the listener up and block until ctx is cancelled.
//
// Grounded on main.cpp's startup ordering: thread pool sizing, then the
// EventThread/epoll backend, then TimeoutTask/IdleTask (our single
// timer.Thread), then the UDP demuxer, then the HTTP listener — in that
// dependency order, since each later stage's constructor takes the
// earlier stages as arguments.
func New(opts ...Option) (*Runtime, error) {
	cfg := resolveConfig(opts)

	r := &Runtime{cfg: cfg}

	poolLogger := newComponentLogger(cfg.logger, "scheduler")
	r.pool = task.NewPool(int(cfg.shortTaskThreads), int(cfg.blockingThreads), poolLogger)

	ioLogger := newComponentLogger(cfg.logger, "ioevent")
	ioThread, err := ioevent.NewThread(ioLogger)
	if err != nil {
		r.pool.Stop()
		return nil, fmt.Errorf("runtime: starting event thread: %w", err)
	}
	r.ioThread = ioThread
	go r.ioThread.Run()

	timerLogger := newComponentLogger(cfg.logger, "timer")
	r.timerThr = timer.NewThread(timerLogger)
	go r.timerThr.Run()

	r.demux = udpdemux.New(cfg.udpLimiter)

	router := httpsession.NewRouter()
	for _, route := range cfg.httpMapping {
		router.Handle(route.Pattern, route.Handler)
	}

	sessionLogger := newComponentLogger(cfg.logger, "http")
	r.listener = tcpserver.New(tcpserver.Options{
		Pool:       r.pool,
		IOThread:   r.ioThread,
		TimerThrd:  r.timerThr,
		NewSession: r.newSessionFunc(router, sessionLogger),
		AtCapacity: r.atCapacity,
		Logger:     newComponentLogger(cfg.logger, "tcp"),
		IPLimiter:  cfg.tcpIPLimiter,
	})

	return r, nil
}

// newSessionFunc adapts httpsession.New into tcpserver.NewSessionFunc,
// assigning each connection a monotonically increasing index (replacing
// the original's bare connection counter) and starting the session's
// first read before handing its Task back to the listener.
func (r *Runtime) newSessionFunc(router *httpsession.Router, logger httpsession.Logger) tcpserver.NewSessionFunc {
	return func(fd int, remoteAddr [4]byte, remotePort uint16) *task.Task {
		index := r.sessionIndex.Add(1)
		s := httpsession.New(fd, remoteAddr, remotePort, httpsession.Options{
			Pool:         r.pool,
			IOThread:     r.ioThread,
			TimerThrd:    r.timerThr,
			Router:       router,
			Identity:     httpsession.Identity(r.cfg.identity),
			Logger:       logger,
			SessionIndex: index,
			OnClose:      func() { r.liveSessions.Add(-1) },
		})
		r.liveSessions.Add(1)
		if err := s.Start(); err != nil {
			r.liveSessions.Add(-1)
			return nil
		}
		return s.Task()
	}
}

// atCapacity reports whether liveSessions has reached cfg.maxSessions,
// backing the tcpserver.CapacityFunc wired into the listener (spec.md
// §4.7 scenario S4). maxSessions of 0 means unlimited.
func (r *Runtime) atCapacity() bool {
	if r.cfg.maxSessions == 0 {
		return false
	}
	return r.liveSessions.Load() >= int32(r.cfg.maxSessions)
}

// Run binds and starts listening, then blocks until ctx is cancelled.
// It replaces main.cpp's `while (!isStop) { OSThread::Sleep(1000); }`
// poll loop with a direct wait on ctx.Done(), and tears down the
// listener/event-thread/timer-thread/pool on return.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.listener.Initialize(r.cfg.listenAddr, r.cfg.listenPort); err != nil {
		return fmt.Errorf("runtime: initializing listener: %w", err)
	}

	// Mirrors OSThread::SetPersonality: drop privileges only after the
	// (possibly privileged) listen port is bound.
	if err := dropPersonality(r.cfg.personalityUser, r.cfg.personalityGroup); err != nil {
		return fmt.Errorf("runtime: dropping personality: %w", err)
	}

	if err := r.listener.Start(); err != nil {
		return fmt.Errorf("runtime: starting listener: %w", err)
	}

	<-ctx.Done()

	r.listener.Task().Signal(task.KillEvent)
	r.timerThr.Close()
	r.ioThread.Close()
	r.pool.Stop()

	return ctx.Err()
}

// ListenAddr returns the bound address; useful in tests where
// Config.listenPort is 0 (OS-assigned).
func (r *Runtime) ListenAddr() (addr [4]byte, port uint16, err error) {
	return r.listener.LocalAddr()
}

// dropPersonality switches the process's group and user, in that order
// (group first, since losing the user's privilege to change group would
// otherwise make the group switch fail). Either name may be empty to
// skip that switch.
func dropPersonality(userName, groupName string) error {
	if groupName != "" {
		g, err := user.LookupGroup(groupName)
		if err != nil {
			return fmt.Errorf("looking up group %q: %w", groupName, err)
		}
		gid, err := strconv.Atoi(g.Gid)
		if err != nil {
			return err
		}
		if err := syscall.Setgid(gid); err != nil {
			return fmt.Errorf("setgid(%d): %w", gid, err)
		}
	}
	if userName != "" {
		u, err := user.Lookup(userName)
		if err != nil {
			return fmt.Errorf("looking up user %q: %w", userName, err)
		}
		uid, err := strconv.Atoi(u.Uid)
		if err != nil {
			return err
		}
		if err := syscall.Setuid(uid); err != nil {
			return fmt.Errorf("setuid(%d): %w", uid, err)
		}
	}
	return nil
}
