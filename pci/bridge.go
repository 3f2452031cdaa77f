package pci

type bridge struct{}

func (br bridge) GetDeviceHeader() DeviceHeader {
	return DeviceHeader{
		DeviceID:   0x6000,
		VendorID:   0x8086,
		HeaderType: 1,
	}
}

func (br bridge) Capabilities() []Capability {
	return nil
}

// NewBridge returns the host bridge placed at 00:00.0.
func NewBridge() Device {
	return &bridge{}
}
