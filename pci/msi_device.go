package pci

// Vendor and device IDs of the emulated MSI function.
const (
	msiDeviceVendorID = 0x1b36
	msiDeviceDeviceID = 0x0005
	// unclassified device
	msiDeviceClass = 0xff
)

// MsiDevice is a bare PCI function whose only capability is MSI.
type MsiDevice struct {
	Name string
	MSI  *MsiConfig
}

func NewMsiDevice(name string, msi *MsiConfig) *MsiDevice {
	return &MsiDevice{
		Name: name,
		MSI:  msi,
	}
}

func (d *MsiDevice) GetDeviceHeader() DeviceHeader {
	return DeviceHeader{
		VendorID:     msiDeviceVendorID,
		DeviceID:     msiDeviceDeviceID,
		ClassCode:    [3]uint8{0, 0, msiDeviceClass},
		HeaderType:   0,
		InterruptPin: 0,
	}
}

func (d *MsiDevice) Capabilities() []Capability {
	return []Capability{d.MSI}
}

func (d *MsiDevice) Close() error {
	return d.MSI.Close()
}
