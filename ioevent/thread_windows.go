//go:build windows

package ioevent

import "fmt"

// Thread is the Windows stub backend. Windows I/O completion ports are
// out of scope for this pass (spec.md Non-goals don't name a platform,
// but nothing in the example corpus demonstrates an IOCP backend to
// learn from); NewThread fails loudly rather than silently no-op'ing.
type Thread struct{}

func NewThread(logger Logger) (*Thread, error) {
	return nil, fmt.Errorf("ioevent: windows backend not implemented: %w", ErrUnsupported)
}

func (th *Thread) Run()        {}
func (th *Thread) Close() error { return nil }

func (th *Thread) arm(c *Context, mask Mask) error { return ErrUnsupported }
func (th *Thread) disarm(c *Context) error         { return ErrUnsupported }
func (th *Thread) unregister(c *Context)           {}
