// Package httpsession implements the per-connection Session state
// machine: ReadingFirstRequest -> ReadingRequest -> HaveCompleteMessage
// -> FilteringRequest -> PreprocessingRequest -> ProcessingRequest ->
// SendingResponse -> CleaningUp (spec.md §4.8), built from the Task +
// EventContext primitives rather than the original's deep inheritance
// chain (HTTPSession <- HTTPSessionInterface <- Task), per spec.md §9's
// composition remapping.
//
// Grounded on HTTPUtilitiesLib/HTTPSession.cpp and
// HTTPSessionInterface.h for the state table, session-mutex/read-mutex
// discipline, and keep-alive/timeout handling.
package httpsession

import (
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wangscript007/cxxframework-go/ioevent"
	"github.com/wangscript007/cxxframework-go/protoerr"
	"github.com/wangscript007/cxxframework-go/syncutil"
	"github.com/wangscript007/cxxframework-go/task"
	"github.com/wangscript007/cxxframework-go/timer"
)

// State is one node of the Session FSM (spec.md §4.8).
type State int

const (
	ReadingFirstRequest State = iota
	ReadingRequest
	HaveCompleteMessage
	FilteringRequest
	PreprocessingRequest
	ProcessingRequest
	SendingResponse
	CleaningUp
)

// Logger is the minimal logging seam this package needs.
type Logger interface {
	Logf(level int, format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Logf(int, string, ...any) {}

// Identity supplements the original's static server-name/version/
// platform/build-date statics (SPEC_FULL.md supplemented feature #3),
// rendered into the Server: response header.
type Identity struct {
	Name      string
	Version   string
	Platform  string
	BuildDate string
}

func (id Identity) header() string {
	if id.Name == "" {
		return ""
	}
	return id.Name + "/" + id.Version
}

// requestTimeout is how long a session may sit idle mid-request before
// TimeoutTask fires kTimeoutEvent (spec.md §4.8/§5).
const requestTimeout = 30 * time.Second

// dumpScratchSize bounds the reused buffer used to drain unread request
// body bytes on CleaningUp (SPEC_FULL.md supplemented feature #4).
const dumpScratchSize = 4096

// Options configures a new Session.
type Options struct {
	Pool      *task.Pool
	IOThread  *ioevent.Thread
	TimerThrd *timer.Thread
	Router    *Router
	Identity  Identity
	Logger    Logger
	SessionIndex uint32
	// OnClose, if non-nil, is called exactly once, right before the
	// session's Task is destroyed. Wired by runtime.Runtime to keep its
	// live-session count (and therefore admission control) accurate.
	OnClose func()
}

// Session is one HTTP connection's state machine.
type Session struct {
	fd  int
	t   *task.Task
	ctx *ioevent.Context

	sessionMu *syncutil.RWMutex
	readMu    *syncutil.RWMutex

	in  *RequestStream
	out *ResponseStream

	state State
	resp  *Response

	timerThrd *timer.Thread
	router    *Router
	identity  Identity
	logger    Logger
	onClose   func()

	remoteAddr [4]byte
	remotePort uint16
	index      uint32

	liveSession  atomic.Bool
	objectHolders atomic.Int32

	keepAlive      bool
	closeAfterSend bool

	dumpScratch [dumpScratchSize]byte

	// halfClosed tracks the split-connection case (spec.md §4.8
	// ReadingRequest row): output socket still connected, input dead.
	halfClosed bool
}

// New constructs a Session bound to an already-accepted, non-blocking
// fd. Call Start to arm the first read.
func New(fd int, remoteAddr [4]byte, remotePort uint16, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	s := &Session{
		fd:         fd,
		sessionMu:  syncutil.NewRWMutex(),
		readMu:     syncutil.NewRWMutex(),
		in:         NewRequestStream(),
		out:        NewResponseStream(),
		state:      ReadingFirstRequest,
		timerThrd:  opts.TimerThrd,
		router:     opts.Router,
		identity:   opts.Identity,
		logger:     logger,
		remoteAddr: remoteAddr,
		remotePort: remotePort,
		index:      opts.SessionIndex,
		keepAlive:  true,
		onClose:    opts.OnClose,
	}
	s.liveSession.Store(true)
	s.t = task.New("http-session", opts.Pool, task.BlockingPicker, task.RunnerFunc(s.run))
	s.t.SetRescheduler(opts.TimerThrd)
	s.ctx = ioevent.NewContext(opts.IOThread, fd, s.t)
	return s
}

// Task returns the session's Task.
func (s *Session) Task() *task.Task { return s.t }

// Start arms the first read.
func (s *Session) Start() error {
	return s.ctx.RequestEvent(ioevent.ReadOrClose)
}

// IsLiveSession reports whether the session is still connected and
// hasn't been marked dead.
func (s *Session) IsLiveSession() bool { return s.liveSession.Load() }

// RefreshTimeout re-arms the session's inactivity timer.
func (s *Session) RefreshTimeout() {
	if s.timerThrd != nil {
		s.timerThrd.RefreshTimeout(s.t, requestTimeout)
	}
}

// IncrementObjectHolderCount keeps the session alive while external
// references exist (e.g. a pending write task).
func (s *Session) IncrementObjectHolderCount() { s.objectHolders.Add(1) }

// DecrementObjectHolderCount releases a hold; destruction is deferred
// until the count reaches zero (spec.md §4.8 Termination).
func (s *Session) DecrementObjectHolderCount() int32 {
	return s.objectHolders.Add(-1)
}

// SendPacket is the direct-push response path (SPEC_FULL.md
// supplemented feature #1, grounded on the original's SendHTTPPacket):
// bypasses the FSM to write body directly to the output stream and flush
// it, for out-of-band pushes (e.g. an async error page) outside the
// normal request/response cycle. closeConn marks the connection to be
// closed when the current request cycle reaches CleaningUp; release
// drops one object-holder count.
func (s *Session) SendPacket(body []byte, closeConn, release bool) error {
	s.sessionMu.LockWrite()
	defer s.sessionMu.WUnlock()

	if _, err := s.out.WriteV([][]byte{body}, DontBuffer); err != nil {
		return err
	}
	err := s.out.Flush(s.fd)
	if closeConn {
		s.closeAfterSend = true
	}
	if release {
		s.DecrementObjectHolderCount()
	}
	if err != nil && !errors.Is(err, errWouldBlock) {
		return err
	}
	return nil
}

// run is the Task's Run(): dispatches on the current FSM state,
// advancing as far as buffered data and non-blocking I/O allow.
func (s *Session) run(events task.EventFlags) task.RunResult {
	if events&task.KillEvent != 0 {
		return s.terminate()
	}
	if events&task.TimeoutEvent != 0 {
		s.logger.Logf(3, "httpsession[%d]: %v", s.index, protoerr.ErrTimeout)
		return s.terminate()
	}

	for {
		switch s.state {
		case ReadingFirstRequest, ReadingRequest:
			if res, done := s.stepReading(); done {
				return res
			}
		case HaveCompleteMessage:
			s.stepHaveCompleteMessage()
		case FilteringRequest:
			if res, done := s.stepFiltering(); done {
				return res
			}
		case PreprocessingRequest:
			s.stepPreprocessing()
		case ProcessingRequest:
			s.stepProcessing()
		case SendingResponse:
			if res, done := s.stepSending(); done {
				return res
			}
		case CleaningUp:
			if res, done := s.stepCleaningUp(); done {
				return res
			}
		default:
			return task.Destroy()
		}
	}
}

func (s *Session) stepReading() (task.RunResult, bool) {
	s.readMu.LockWrite()
	err := s.in.ReadFrom(s.fd)
	if err != nil {
		s.readMu.WUnlock()
		if errors.Is(err, errWouldBlock) {
			s.ctx.RequestEvent(ioevent.ReadOrClose)
			return task.Park(), true
		}
		if s.state == ReadingRequest && s.outputStillConnected() {
			// Half-closed / split-connection case (spec.md §4.8):
			// clean up only the input side and park.
			s.halfClosed = true
			s.ctx.Cleanup()
			return task.Park(), true
		}
		return s.terminate(), true
	}

	result := s.in.Parse(s.remoteAddr, s.remotePort)
	s.readMu.WUnlock()

	switch result {
	case ParseIncomplete:
		s.state = ReadingRequest
		s.ctx.RequestEvent(ioevent.ReadOrClose)
		return task.Park(), true
	case ParseTooLarge, ParseBadRequest:
		s.state = HaveCompleteMessage
		return nil, false
	default: // ParseComplete
		s.state = HaveCompleteMessage
		return nil, false
	}
}

func (s *Session) outputStillConnected() bool {
	_, err := unix.Write(s.fd, nil)
	return !errors.Is(err, unix.EPIPE) && !errors.Is(err, unix.ECONNRESET)
}

func (s *Session) stepHaveCompleteMessage() {
	s.sessionMu.LockWrite()
	s.readMu.LockWrite()
	s.resp = NewResponse()
	s.out.Reset()

	if s.in.Request() == nil {
		s.resp.StatusCode = 500
		s.resp.SetBody([]byte("bad request"))
		s.state = SendingResponse
		s.closeAfterSend = true
		return
	}

	s.state = FilteringRequest
}

func (s *Session) stepFiltering() (task.RunResult, bool) {
	s.RefreshTimeout()

	req := s.in.Request()
	if req.ContentLength > int64(len(req.Body)) {
		// SetupRequest equivalent: keep reading body bytes.
		err := s.in.ReadFrom(s.fd)
		if err != nil {
			if errors.Is(err, errWouldBlock) {
				s.t.ForceSameThread()
				s.ctx.RequestEvent(ioevent.ReadOrClose)
				return task.Park(), true
			}
			s.readMu.WUnlock()
			s.sessionMu.WUnlock()
			return s.terminate(), true
		}
		s.in.Parse(s.remoteAddr, s.remotePort)
		if req.ContentLength > int64(len(req.Body)) {
			s.t.ForceSameThread()
			s.ctx.RequestEvent(ioevent.ReadOrClose)
			return task.Park(), true
		}
	}

	s.state = PreprocessingRequest
	return nil, false
}

func (s *Session) stepPreprocessing() {
	req := s.in.Request()
	if req.Version != "HTTP/1.0" && req.Version != "HTTP/1.1" {
		s.resp.StatusCode = 505
		s.resp.SetBody([]byte("HTTP Version Not Supported"))
		s.closeAfterSend = true
		s.state = SendingResponse
		return
	}
	s.keepAlive = req.Version == "HTTP/1.1" && req.Header["Connection"] != "close"
	s.state = ProcessingRequest
}

func (s *Session) stepProcessing() {
	req := s.in.Request()
	if s.router != nil {
		_ = s.router.Dispatch(req, s.resp)
	} else {
		s.resp.StatusCode = 404
		s.resp.SetBody([]byte("not found"))
	}
	s.state = SendingResponse
}

func (s *Session) stepSending() (task.RunResult, bool) {
	if s.out.Len() == 0 {
		if !s.closeAfterSend {
			s.resp.Header["Connection"] = connectionHeader(s.keepAlive)
		}
		s.out.WriteV([][]byte{s.resp.serialize(s.identity.header())}, AllOrNothing)
	}

	err := s.out.Flush(s.fd)
	if err != nil {
		if errors.Is(err, errWouldBlock) {
			s.t.ForceSameThread()
			s.ctx.RequestEvent(ioevent.Write)
			return task.Park(), true
		}
		s.readMu.WUnlock()
		s.sessionMu.WUnlock()
		return s.terminate(), true
	}

	s.state = CleaningUp
	return nil, false
}

func (s *Session) stepCleaningUp() (task.RunResult, bool) {
	req := s.in.Request()
	remaining := int64(0)
	if req != nil {
		remaining = req.ContentLength - int64(len(req.Body))
	}
	for remaining > 0 {
		n, err := unix.Read(s.fd, s.dumpScratch[:])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				s.t.ForceSameThread()
				s.ctx.RequestEvent(ioevent.ReadOrClose)
				return task.Park(), true
			}
			break
		}
		if n == 0 {
			break
		}
		remaining -= int64(n)
	}

	s.readMu.WUnlock()
	s.sessionMu.WUnlock()

	if s.closeAfterSend || !s.keepAlive || s.halfClosed {
		return s.terminate(), true
	}

	s.in.Reset()
	s.out.Reset()
	s.state = ReadingRequest
	s.ctx.RequestEvent(ioevent.ReadOrClose)
	return task.Park(), true
}

func (s *Session) terminate() task.RunResult {
	s.liveSession.Store(false)
	if s.objectHolders.Load() > 0 {
		s.t.ForceSameThread()
		return task.Reschedule(time.Second) // re-check holders shortly
	}
	s.ctx.Cleanup()
	unix.Close(s.fd)
	if s.onClose != nil {
		s.onClose()
	}
	return task.Destroy()
}

func connectionHeader(keepAlive bool) string {
	if keepAlive {
		return "keep-alive"
	}
	return "close"
}
