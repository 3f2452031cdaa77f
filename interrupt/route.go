package interrupt

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Route is one allocated GSI and the eventfd a device writes to raise it.
// Binding the eventfd to the GSI (irqfd) is what Enable and Disable toggle.
type Route struct {
	gsi   uint32
	evt   int
	alloc *Allocator
}

// GSI returns the routing table key of the route.
func (r *Route) GSI() uint32 {
	return r.gsi
}

// EventFd returns the eventfd signalling the route.
func (r *Route) EventFd() int {
	return r.evt
}

// Enable binds the eventfd to the GSI in the hypervisor.
func (r *Route) Enable(hv Hypervisor) error {
	if err := hv.RegisterIRQFD(r.evt, r.gsi); err != nil {
		return fmt.Errorf("register irqfd for gsi %d: %w", r.gsi, err)
	}

	return nil
}

// Disable unbinds the eventfd from the GSI.
func (r *Route) Disable(hv Hypervisor) error {
	if err := hv.UnregisterIRQFD(r.evt, r.gsi); err != nil {
		return fmt.Errorf("unregister irqfd for gsi %d: %w", r.gsi, err)
	}

	return nil
}

// Trigger raises the interrupt by incrementing the eventfd counter.
func (r *Route) Trigger() error {
	var buf [8]byte

	binary.NativeEndian.PutUint64(buf[:], 1)

	if _, err := unix.Write(r.evt, buf[:]); err != nil {
		return fmt.Errorf("signal gsi %d: %w", r.gsi, err)
	}

	return nil
}

// Close releases the eventfd and gives the GSI back to its allocator.
func (r *Route) Close() error {
	err := unix.Close(r.evt)

	if r.alloc != nil {
		r.alloc.ReleaseGSI(r.gsi)
	}

	if err != nil {
		return fmt.Errorf("close eventfd of gsi %d: %w", r.gsi, err)
	}

	return nil
}
