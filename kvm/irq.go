package kvm

import (
	"unsafe"
)

const (
	// IRQRoutingIRQChip routes a GSI to a pin of the in-kernel PIC or IOAPIC.
	IRQRoutingIRQChip = 1
	// IRQRoutingMSI routes a GSI to an MSI address/data pair.
	IRQRoutingMSI = 2

	// IRQFDFlagDeassign detaches an eventfd from its GSI.
	IRQFDFlagDeassign = 1 << 0
)

// CreateIRQChip creates the in-kernel PIC, IOAPIC and local APICs.
// GSI routing and irqfd both need it.
func CreateIRQChip(vmFd uintptr) error {
	_, err := Ioctl(vmFd, IIO(kvmCreateIRQChip), 0)

	return err
}

// pitConfig is kvm_pit_config.
type pitConfig struct {
	Flags uint32
	_     [15]uint32
}

// CreatePIT2 creates the in-kernel i8254 timer.
func CreatePIT2(vmFd uintptr) error {
	pit := pitConfig{
		Flags: 0,
	}
	_, err := Ioctl(vmFd, IIOW(kvmCreatePIT2, unsafe.Sizeof(pit)), uintptr(unsafe.Pointer(&pit)))

	return err
}

// IRQFDConfig is kvm_irqfd.
type IRQFDConfig struct {
	FD         uint32
	GSI        uint32
	Flags      uint32
	ResampleFD uint32
	_          [16]uint8
}

// IRQFD binds (or, with IRQFDFlagDeassign, unbinds) an eventfd to a GSI so
// that a write to the eventfd injects the GSI without a trip through userspace.
func IRQFD(vmFd uintptr, cfg *IRQFDConfig) error {
	_, err := Ioctl(vmFd, IIOW(kvmIRQFD, unsafe.Sizeof(IRQFDConfig{})), uintptr(unsafe.Pointer(cfg)))

	return err
}

// IRQChipIOAPIC is the irqchip id of the in-kernel IOAPIC.
const IRQChipIOAPIC = 2

// IRQRoutingMSIEntry is the msi member of the kvm_irq_routing_entry union.
type IRQRoutingMSIEntry struct {
	AddressLo uint32
	AddressHi uint32
	Data      uint32
	DevID     uint32
}

// IRQRoutingEntry is kvm_irq_routing_entry. U holds the 32-byte union; use
// the constructors and accessors rather than indexing it directly.
type IRQRoutingEntry struct {
	GSI   uint32
	Type  uint32
	Flags uint32
	_     uint32
	U     [8]uint32
}

// NewMSIRoutingEntry builds an MSI routing entry for gsi.
func NewMSIRoutingEntry(gsi, addrLo, addrHi, data uint32) IRQRoutingEntry {
	e := IRQRoutingEntry{
		GSI:  gsi,
		Type: IRQRoutingMSI,
	}
	e.U[0], e.U[1], e.U[2] = addrLo, addrHi, data

	return e
}

// NewIRQChipRoutingEntry routes gsi to a pin of an in-kernel irqchip.
func NewIRQChipRoutingEntry(gsi, chip, pin uint32) IRQRoutingEntry {
	e := IRQRoutingEntry{
		GSI:  gsi,
		Type: IRQRoutingIRQChip,
	}
	e.U[0], e.U[1] = chip, pin

	return e
}

// MSI returns the msi view of the union.
func (e IRQRoutingEntry) MSI() IRQRoutingMSIEntry {
	return IRQRoutingMSIEntry{
		AddressLo: e.U[0],
		AddressHi: e.U[1],
		Data:      e.U[2],
		DevID:     e.U[3],
	}
}

// IRQChip returns the irqchip view of the union.
func (e IRQRoutingEntry) IRQChip() (chip, pin uint32) {
	return e.U[0], e.U[1]
}

// irqRoutingHeader is the fixed part of kvm_irq_routing; entries follow inline.
type irqRoutingHeader struct {
	NR    uint32
	Flags uint32
}

// SetGSIRouting replaces the whole GSI routing table of the vm with entries.
func SetGSIRouting(vmFd uintptr, entries []IRQRoutingEntry) error {
	headerSize := int(unsafe.Sizeof(irqRoutingHeader{}))
	entrySize := int(unsafe.Sizeof(IRQRoutingEntry{}))

	// uint64 backing keeps the inline entries 8-byte aligned.
	buf := make([]uint64, (headerSize+len(entries)*entrySize+7)/8)
	base := unsafe.Pointer(&buf[0])

	hdr := (*irqRoutingHeader)(base)
	hdr.NR = uint32(len(entries))

	for i := range entries {
		*(*IRQRoutingEntry)(unsafe.Add(base, headerSize+i*entrySize)) = entries[i]
	}

	_, err := Ioctl(vmFd, IIOW(kvmSetGSIRouting, unsafe.Sizeof(irqRoutingHeader{})), uintptr(base))

	return err
}
