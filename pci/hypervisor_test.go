package pci_test

import (
	"sync"

	"github.com/bobuhiro11/msikvm/kvm"
)

// fakeHypervisor counts irqfd calls per GSI and keeps the last installed table.
type fakeHypervisor struct {
	mu         sync.Mutex
	registered map[uint32]int
	removed    map[uint32]int
	installs   int
	last       []kvm.IRQRoutingEntry

	registerErr   error
	unregisterErr error
	routingErr    error
}

func newFakeHypervisor() *fakeHypervisor {
	return &fakeHypervisor{
		registered: map[uint32]int{},
		removed:    map[uint32]int{},
	}
}

func (h *fakeHypervisor) RegisterIRQFD(fd int, gsi uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.registered[gsi]++

	return h.registerErr
}

func (h *fakeHypervisor) UnregisterIRQFD(fd int, gsi uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removed[gsi]++

	return h.unregisterErr
}

func (h *fakeHypervisor) SetGSIRouting(entries []kvm.IRQRoutingEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.installs++
	h.last = entries

	return h.routingErr
}

func (h *fakeHypervisor) installed() []kvm.IRQRoutingEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.last
}

func (h *fakeHypervisor) installCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.installs
}
