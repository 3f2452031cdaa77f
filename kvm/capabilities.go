package kvm

// Capability is a KVM extension number for KVM_CHECK_EXTENSION.
//
//go:generate stringer -type=Capability
type Capability uint

const (
	CapIRQChip         Capability = 0
	CapHLT             Capability = 1
	CapUserMemory      Capability = 3
	CapNRVCPUS         Capability = 9
	CapNRMemSlots      Capability = 10
	CapPIT             Capability = 11
	CapMPState         Capability = 14
	CapIOMMU           Capability = 18
	CapIRQRouting      Capability = 25
	CapIRQInjectStatus Capability = 26
	CapIRQFD           Capability = 32
	CapPIT2            Capability = 33
	CapIOEventFD       Capability = 36
	CapKVMClockCtrl    Capability = 76
	CapSignalMSI       Capability = 77
	CapIRQFDResample   Capability = 82
	CapSplitIRQChip    Capability = 121
	CapX2APICAPI       Capability = 129
	CapMSIDevID        Capability = 131
)

// MSIRoutingCapabilities are the extensions MSI routing through irqfd relies on.
func MSIRoutingCapabilities() []Capability {
	return []Capability{
		CapIRQChip,
		CapIRQRouting,
		CapIRQFD,
		CapSignalMSI,
	}
}
