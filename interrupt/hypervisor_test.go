package interrupt_test

import (
	"sync"

	"github.com/bobuhiro11/msikvm/kvm"
)

type irqfdCall struct {
	fd  int
	gsi uint32
}

// fakeHypervisor records every call and fails those it is told to.
type fakeHypervisor struct {
	mu         sync.Mutex
	registered []irqfdCall
	removed    []irqfdCall
	installed  [][]kvm.IRQRoutingEntry

	registerErr error
	routingErr  error
}

func (h *fakeHypervisor) RegisterIRQFD(fd int, gsi uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.registered = append(h.registered, irqfdCall{fd: fd, gsi: gsi})

	return h.registerErr
}

func (h *fakeHypervisor) UnregisterIRQFD(fd int, gsi uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removed = append(h.removed, irqfdCall{fd: fd, gsi: gsi})

	return nil
}

func (h *fakeHypervisor) SetGSIRouting(entries []kvm.IRQRoutingEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.installed = append(h.installed, entries)

	return h.routingErr
}
