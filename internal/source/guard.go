package source

import (
	"sync"

	"github.com/rjboer/sdrsource/internal/device"
)

// guard serializes every call into the device. The lock is held for one
// device call at a time so configuration writes can slot in between the
// chunks of a read.
type guard struct {
	mu     sync.Mutex
	dev    device.Device
	closed bool
}

func (g *guard) do(fn func(device.Device) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	return fn(g.dev)
}

func (g *guard) has(fn func(device.Device) bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	return fn(g.dev)
}

// shutdown runs fn once under the lock and marks the device closed.
func (g *guard) shutdown(fn func(device.Device)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	fn(g.dev)
}
