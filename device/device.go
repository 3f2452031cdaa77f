package device

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	errDataLenInvalid = errors.New("invalid data size on port")

	// ErrNoDevice is returned for an access to a port no device claims.
	ErrNoDevice = errors.New("no device on port")

	// ErrPortOverlap is returned when registering a device over another one.
	ErrPortOverlap = errors.New("io port range overlaps")
)

// IODevice describes the interface a IO-Port device must implement regardless of the
// bus it is attached to.
type IODevice interface {
	Read(uint64, []byte) error
	Write(uint64, []byte) error
	IOPort() uint64
	Size() uint64
}

// Bus dispatches port accesses to the device whose range holds the port.
type Bus struct {
	mu      sync.RWMutex
	devices []IODevice
}

// Register adds dev to the bus.
func (b *Bus) Register(dev IODevice) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	start, end := dev.IOPort(), dev.IOPort()+dev.Size()

	for _, d := range b.devices {
		if start < d.IOPort()+d.Size() && d.IOPort() < end {
			return fmt.Errorf("%w: %#x-%#x", ErrPortOverlap, start, end-1)
		}
	}

	b.devices = append(b.devices, dev)
	sort.Slice(b.devices, func(i, j int) bool { return b.devices[i].IOPort() < b.devices[j].IOPort() })

	return nil
}

func (b *Bus) find(port uint64, data []byte) (IODevice, error) {
	switch len(data) {
	case 1, 2, 4:
	default:
		return nil, fmt.Errorf("%w: %d bytes at %#x", errDataLenInvalid, len(data), port)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	i := sort.Search(len(b.devices), func(i int) bool {
		return b.devices[i].IOPort()+b.devices[i].Size() > port
	})

	if i < len(b.devices) && b.devices[i].IOPort() <= port {
		return b.devices[i], nil
	}

	return nil, fmt.Errorf("%w: %#x", ErrNoDevice, port)
}

// Read handles an IN instruction.
func (b *Bus) Read(port uint64, data []byte) error {
	dev, err := b.find(port, data)
	if err != nil {
		return err
	}

	return dev.Read(port, data)
}

// Write handles an OUT instruction.
func (b *Bus) Write(port uint64, data []byte) error {
	dev, err := b.find(port, data)
	if err != nil {
		return err
	}

	return dev.Write(port, data)
}
