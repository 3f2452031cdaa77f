// Package migration provides the snapshot types of MSI devices and the framed
// stream they are saved to and restored from.
package migration

// MSIState is the MSI register block of one device.
type MSIState struct {
	MsgCtl      uint16
	MsgAddrLo   uint32
	MsgAddrHi   uint32
	MsgData     uint16
	MaskBits    uint32
	PendingBits uint32
}

// DeviceState holds the state of one emulated PCI function.
type DeviceState struct {
	Name string
	Slot int
	MSI  MSIState
	// GSIs owned by the device on the source, indexed by vector. The
	// destination allocates its own and only uses these for reporting.
	GSIs []uint32
}

// Snapshot is the interrupt routing state of a VM. The routing table itself
// travels separately as a MsgRoutes message.
type Snapshot struct {
	GSIBase      uint32
	GSICount     uint32
	ReservedGSIs []uint32
	Devices      []DeviceState
}
