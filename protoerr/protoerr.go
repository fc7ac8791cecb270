// Package protoerr holds the sentinel errors for the error taxonomy in
// spec.md §7, shared across packages that would otherwise import each
// other in a cycle to reach a single "runtime errors" package
// (httpsession and tcpserver are consumed by runtime, so the sentinels
// live in a leaf package instead).
package protoerr

import "errors"

var (
	// ErrPeerGone means the remote end closed the connection (read
	// returned 0, ECONNRESET, EPIPE). Sessions treat it as fatal to the
	// affected direction.
	ErrPeerGone = errors.New("protoerr: peer gone")

	// ErrProtocol covers malformed requests (bad request line, E2BIG
	// headers): synthesized into a 4xx/5xx response rather than torn
	// down immediately.
	ErrProtocol = errors.New("protoerr: protocol error")

	// ErrExhausted means the process is out of file descriptors
	// (EMFILE/ENFILE on accept). Fatal to the process.
	ErrExhausted = errors.New("protoerr: resource exhausted")

	// ErrDuplicateRegistration is returned by registries (UDPDemuxer)
	// when a key is already bound.
	ErrDuplicateRegistration = errors.New("protoerr: duplicate registration")

	// ErrTimeout means a TimeoutTask fired; sessions treat this as
	// fatal.
	ErrTimeout = errors.New("protoerr: timed out")
)
