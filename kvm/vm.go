package kvm

// VM is a handle on a vm file descriptor shared by every device of one
// virtual machine. Its methods are plain ioctls and safe for concurrent use.
type VM struct {
	fd uintptr
}

// NewVM wraps a descriptor returned by CreateVM.
func NewVM(vmFd uintptr) *VM {
	return &VM{fd: vmFd}
}

// Fd returns the underlying vm descriptor.
func (v *VM) Fd() uintptr {
	return v.fd
}

// RegisterIRQFD makes writes to eventFd inject gsi.
func (v *VM) RegisterIRQFD(eventFd int, gsi uint32) error {
	return IRQFD(v.fd, &IRQFDConfig{
		FD:  uint32(eventFd),
		GSI: gsi,
	})
}

// UnregisterIRQFD detaches eventFd from gsi.
func (v *VM) UnregisterIRQFD(eventFd int, gsi uint32) error {
	return IRQFD(v.fd, &IRQFDConfig{
		FD:    uint32(eventFd),
		GSI:   gsi,
		Flags: IRQFDFlagDeassign,
	})
}

// SetGSIRouting pushes a complete routing table.
func (v *VM) SetGSIRouting(entries []IRQRoutingEntry) error {
	return SetGSIRouting(v.fd, entries)
}
