package interrupt

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/sys/unix"
)

// ErrNoGSIAvailable is returned once every GSI of the allocator is in use.
var ErrNoGSIAvailable = errors.New("no gsi available")

// Allocator hands out GSIs from [base, base+count) together with an eventfd
// per route. Reserved GSIs are never returned.
type Allocator struct {
	mu    sync.Mutex
	base  uint32
	count uint
	used  *bitset.BitSet
}

// NewAllocator creates an allocator for count GSIs starting at base.
func NewAllocator(base, count uint32, reserved ...uint32) *Allocator {
	a := &Allocator{
		base:  base,
		count: uint(count),
		used:  bitset.New(uint(count)),
	}

	for _, gsi := range reserved {
		if gsi >= base && uint(gsi-base) < a.count {
			a.used.Set(uint(gsi - base))
		}
	}

	return a
}

// AllocateGSI reserves the lowest free GSI.
func (a *Allocator) AllocateGSI() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx, ok := a.used.NextClear(0)
	if !ok || idx >= a.count {
		return 0, ErrNoGSIAvailable
	}

	a.used.Set(idx)

	return a.base + uint32(idx), nil
}

// ReleaseGSI returns gsi to the pool. Unknown GSIs are ignored.
func (a *Allocator) ReleaseGSI(gsi uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if gsi < a.base || uint(gsi-a.base) >= a.count {
		return
	}

	a.used.Clear(uint(gsi - a.base))
}

// Available returns the number of GSIs that can still be allocated.
func (a *Allocator) Available() uint {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.count - a.used.Count()
}

// AllocateRoute reserves a GSI and creates the eventfd that signals it.
func (a *Allocator) AllocateRoute() (*Route, error) {
	gsi, err := a.AllocateGSI()
	if err != nil {
		return nil, err
	}

	evt, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		a.ReleaseGSI(gsi)

		return nil, fmt.Errorf("eventfd for gsi %d: %w", gsi, err)
	}

	irqLog.WithField("gsi", gsi).Debug("allocated interrupt route")

	return &Route{
		gsi:   gsi,
		evt:   evt,
		alloc: a,
	}, nil
}
