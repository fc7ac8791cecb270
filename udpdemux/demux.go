// Package udpdemux implements the UDPDemuxer: a bounded chained hash
// table routing datagrams arriving on one shared UDP socket to per-peer
// Tasks, keyed by (remote IPv4, remote port).
//
// Grounded on CFSocket/include/CF/Net/Socket/UDPDemuxer.h: same prime
// table size (2747), same precomputed hash (ip<<16)+port, same
// caller-holds-the-mutex precondition on GetTask (the hot path — only
// the single UDP-read task ever calls it, so it must not pay for
// locking it doesn't need). Registration churn limiting is new: per
// SPEC_FULL.md's Domain Stack, a github.com/joeycumines/go-catrate
// Limiter caps how often a given peer key may be (re)registered, so a
// misbehaving or spoofed peer can't thrash the table.
package udpdemux

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/wangscript007/cxxframework-go/protoerr"
	"github.com/wangscript007/cxxframework-go/task"
)

// tableSize mirrors kMaxHashTableSize: a prime chosen to spread the
// (ip<<16)+port hash reasonably across buckets.
const tableSize = 2747

// ErrDuplicateRegistration is returned by RegisterTask when the key is
// already bound to a task (the original's EPERM). Wraps
// protoerr.ErrDuplicateRegistration.
var ErrDuplicateRegistration = fmt.Errorf("udpdemux: address already registered: %w", protoerr.ErrDuplicateRegistration)

// ErrNotRegistered is returned by UnregisterTask when the given
// (addr, port, task) triple isn't the current binding for that key.
var ErrNotRegistered = errors.New("udpdemux: address/task not registered")

// ErrRateLimited is returned by RegisterTask when the peer has churned
// registrations for this key too quickly.
var ErrRateLimited = errors.New("udpdemux: registration rate exceeded")

func computeHash(addr uint32, port uint16) uint32 {
	return (addr << 16) + uint32(port)
}

type entry struct {
	addr uint32
	port uint16
	t    *task.Task
	next *entry
}

// Demuxer is the hash table itself. The zero value is an empty Demuxer
// without rate limiting; use New to attach a Limiter.
type Demuxer struct {
	mu      sync.Mutex
	buckets [tableSize]*entry
	limiter *catrate.Limiter
}

// New returns an empty Demuxer. If limiter is non-nil it gates how often
// a given (addr, port) key may be registered; pass nil to disable rate
// limiting.
func New(limiter *catrate.Limiter) *Demuxer {
	return &Demuxer{limiter: limiter}
}

// Mutex returns the Demuxer's own lock. GetTask assumes the caller
// already holds it; RegisterTask/UnregisterTask take it themselves.
func (d *Demuxer) Mutex() *sync.Mutex { return &d.mu }

// RegisterTask binds (addr, port) to t. Fails with
// ErrDuplicateRegistration if the key is already bound, or
// ErrRateLimited if a Limiter was configured and this key has
// registered too often recently.
func (d *Demuxer) RegisterTask(addr uint32, port uint16, t *task.Task) error {
	if d.limiter != nil {
		if _, ok := d.limiter.Allow(registrationKey{addr, port}); !ok {
			return ErrRateLimited
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	idx := computeHash(addr, port) % tableSize
	for e := d.buckets[idx]; e != nil; e = e.next {
		if e.addr == addr && e.port == port {
			return ErrDuplicateRegistration
		}
	}

	d.buckets[idx] = &entry{addr: addr, port: port, t: t, next: d.buckets[idx]}
	return nil
}

// UnregisterTask removes the binding for (addr, port, t). Fails with
// ErrNotRegistered if that exact triple isn't currently bound.
func (d *Demuxer) UnregisterTask(addr uint32, port uint16, t *task.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	idx := computeHash(addr, port) % tableSize
	var prev *entry
	for e := d.buckets[idx]; e != nil; e = e.next {
		if e.addr == addr && e.port == port {
			if e.t != t {
				return ErrNotRegistered
			}
			if prev == nil {
				d.buckets[idx] = e.next
			} else {
				prev.next = e.next
			}
			return nil
		}
		prev = e
	}
	return ErrNotRegistered
}

// GetTask returns the task bound to (addr, port), or nil. Precondition:
// caller holds Mutex(). This is the hot path (every received datagram
// looks up its peer), so it deliberately does not lock for you.
func (d *Demuxer) GetTask(addr uint32, port uint16) *task.Task {
	idx := computeHash(addr, port) % tableSize
	for e := d.buckets[idx]; e != nil; e = e.next {
		if e.addr == addr && e.port == port {
			return e.t
		}
	}
	return nil
}

// AddrInMap reports whether (addr, port) currently has a bound task.
// Same locking precondition as GetTask.
func (d *Demuxer) AddrInMap(addr uint32, port uint16) bool {
	return d.GetTask(addr, port) != nil
}

type registrationKey struct {
	addr uint32
	port uint16
}

// DefaultRateLimiter returns a Limiter suitable for gating
// RegisterTask churn: at most 5 (re)registrations per peer key per
// second, 20 per minute.
func DefaultRateLimiter() *catrate.Limiter {
	return catrate.NewLimiter(map[time.Duration]int{
		time.Second: 5,
		time.Minute: 20,
	})
}
