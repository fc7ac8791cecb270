package httpsession

import (
	"bytes"
	"errors"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// errWouldBlock is never returned to callers outside this package: per
// spec.md §7, transient I/O (EAGAIN) is absorbed internally and turned
// into a park+rearm by the Session FSM, not surfaced as an error value.
var errWouldBlock = errors.New("httpsession: would block")

// ParseResult reports progress parsing the inbound byte stream.
type ParseResult int

const (
	ParseIncomplete ParseResult = iota
	ParseComplete
	ParseTooLarge
	ParseBadRequest
)

// maxHeaderSize bounds how much we'll buffer before declaring E2BIG,
// mirroring the original's E2BIG path for an oversized request.
const maxHeaderSize = 64 * 1024

// RequestStream accumulates bytes read from the socket and incrementally
// parses an HTTP/1.x request line, headers, and (if present) a
// Content-Length-bounded body. Grounded on HTTPSessionInterface's
// fInputStream; wire parsing itself is explicitly out of scope for the
// core (spec.md §1), so this stays intentionally minimal.
type RequestStream struct {
	buf        bytes.Buffer
	req        *Request
	headerDone bool
	bodyWanted int64
	bodyGot    int64
}

// NewRequestStream returns an empty RequestStream.
func NewRequestStream() *RequestStream { return &RequestStream{} }

// Reset clears all buffered state for the next request (keep-alive).
func (s *RequestStream) Reset() {
	s.buf.Reset()
	s.req = nil
	s.headerDone = false
	s.bodyWanted = 0
	s.bodyGot = 0
}

// ReadFrom performs one non-blocking read from fd into the stream's
// buffer. Returns errWouldBlock on EAGAIN, protoerr.ErrPeerGone on EOF
// (read returning 0) or ECONNRESET/EPIPE.
func (s *RequestStream) ReadFrom(fd int) error {
	var tmp [16 * 1024]byte
	n, err := unix.Read(fd, tmp[:])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return errWouldBlock
		}
		if errors.Is(err, unix.ECONNRESET) {
			return peerGoneErr(err)
		}
		return peerGoneErr(err)
	}
	if n == 0 {
		return peerGoneErr(nil)
	}
	s.buf.Write(tmp[:n])
	return nil
}

// Parse advances parsing as far as the currently buffered bytes allow.
func (s *RequestStream) Parse(remoteAddr [4]byte, remotePort uint16) ParseResult {
	if !s.headerDone {
		idx := bytes.Index(s.buf.Bytes(), []byte("\r\n\r\n"))
		if idx < 0 {
			if s.buf.Len() > maxHeaderSize {
				return ParseTooLarge
			}
			return ParseIncomplete
		}
		head := s.buf.Bytes()[:idx]
		rest := append([]byte(nil), s.buf.Bytes()[idx+4:]...)

		req, err := parseHeadAndHeaders(head)
		if err != nil {
			return ParseBadRequest
		}
		req.RemoteAddr = remoteAddr
		req.RemotePort = remotePort
		s.req = req
		s.headerDone = true
		s.bodyWanted = req.ContentLength
		s.buf.Reset()
		s.buf.Write(rest)
	}

	if s.bodyWanted > 0 {
		avail := int64(s.buf.Len())
		take := avail
		if take > s.bodyWanted-s.bodyGot {
			take = s.bodyWanted - s.bodyGot
		}
		if take > 0 {
			chunk := s.buf.Next(int(take))
			s.req.Body = append(s.req.Body, chunk...)
			s.bodyGot += take
		}
		if s.bodyGot < s.bodyWanted {
			return ParseIncomplete
		}
	}

	return ParseComplete
}

// Request returns the parsed request, or nil if header parsing hasn't
// completed yet.
func (s *RequestStream) Request() *Request { return s.req }

func parseHeadAndHeaders(head []byte) (*Request, error) {
	lines := strings.Split(string(head), "\r\n")
	if len(lines) == 0 {
		return nil, protocolErr(errors.New("empty request"))
	}
	parts := strings.Fields(lines[0])
	if len(parts) != 3 {
		return nil, protocolErr(errors.New("malformed request line"))
	}

	req := &Request{
		Method:  parts[0],
		Path:    parts[1],
		Version: parts[2],
		Header:  make(map[string]string),
	}

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		i := strings.Index(line, ":")
		if i < 0 {
			continue
		}
		key := strings.TrimSpace(line[:i])
		val := strings.TrimSpace(line[i+1:])
		req.Header[key] = val
	}

	if cl, ok := req.Header["Content-Length"]; ok {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil {
			return nil, protocolErr(err)
		}
		req.ContentLength = n
	}

	return req, nil
}

// ResponseStream buffers outbound bytes and flushes them to the socket,
// honoring the WriteV/Flush/SendType contract (spec.md §6). Starts with
// a 64KiB inline capacity and grows on overflow, same as the original's
// fOutputStream.
type ResponseStream struct {
	buf bytes.Buffer
}

// SendType controls buffering policy for WriteV, per spec.md §6.
type SendType int

const (
	// DontBuffer writes are still staged in the buffer here (the
	// session FSM always flushes before parking on WouldBlock), but the
	// type is preserved for callers that want to express the original
	// policy distinction.
	DontBuffer SendType = iota
	AllOrNothing
	AlwaysBuffer
)

// NewResponseStream returns an empty ResponseStream with a 64KiB initial
// capacity.
func NewResponseStream() *ResponseStream {
	s := &ResponseStream{}
	s.buf.Grow(64 * 1024)
	return s
}

// Reset clears buffered output for the next response.
func (s *ResponseStream) Reset() { s.buf.Reset() }

// WriteV appends vectors to the output buffer and returns the total
// bytes staged. sendType is accepted for contract compatibility; actual
// buffering/flushing policy is driven by the Session FSM's Flush calls.
func (s *ResponseStream) WriteV(vectors [][]byte, sendType SendType) (int, error) {
	total := 0
	for _, v := range vectors {
		n, err := s.buf.Write(v)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Len reports how many bytes remain unflushed.
func (s *ResponseStream) Len() int { return s.buf.Len() }

// Flush writes as much of the buffer as the socket will currently
// accept. Returns errWouldBlock if the socket isn't writeable and bytes
// remain; returns nil once the buffer is fully drained.
func (s *ResponseStream) Flush(fd int) error {
	for s.buf.Len() > 0 {
		n, err := unix.Write(fd, s.buf.Bytes())
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return errWouldBlock
			}
			return peerGoneErr(err)
		}
		s.buf.Next(n)
		if n == 0 {
			return errWouldBlock
		}
	}
	return nil
}
