// Package config loads the description of the emulated MSI devices and of
// the guest configuration writes replayed against them.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultGSIBase leaves GSIs 0-23 to the legacy IOAPIC pins.
	DefaultGSIBase = 24
	// DefaultGSICount stays well below the KVM routing table limit.
	DefaultGSICount = 1000

	maxSlot           = 31
	maxVectorsLog2    = 5
	configSpaceLength = 0x100
)

var (
	ErrNoDevices          = errors.New("no device configured")
	ErrDuplicateName      = errors.New("duplicate device name")
	ErrInvalidSlot        = errors.New("slot out of range")
	ErrDuplicateSlot      = errors.New("slot used twice")
	ErrInvalidVectors     = errors.New("vectors_capable out of range")
	ErrInvalidWriteSize   = errors.New("write size must be 1, 2 or 4")
	ErrInvalidWriteOffset = errors.New("write outside configuration space")
	ErrInvalidGSIRange    = errors.New("empty gsi range")
)

// Write is one guest configuration space write.
type Write struct {
	Offset uint64 `yaml:"offset"`
	Size   int    `yaml:"size"`
	Value  uint32 `yaml:"value"`
}

// Device describes one PCI function with an MSI capability.
type Device struct {
	Name string `yaml:"name"`
	// Slot is the device number on bus 0; slot 0 holds the host bridge.
	Slot int `yaml:"slot"`
	// VectorsCapable is the log2 of the number of vectors the function supports.
	VectorsCapable uint16  `yaml:"vectors_capable"`
	Addr64         bool    `yaml:"addr64"`
	PerVectorMask  bool    `yaml:"per_vector_mask"`
	Writes         []Write `yaml:"writes"`
}

// MsgCtl returns the message control register value at reset.
func (d *Device) MsgCtl() uint16 {
	ctl := d.VectorsCapable << 1

	if d.Addr64 {
		ctl |= 0x80
	}

	if d.PerVectorMask {
		ctl |= 0x100
	}

	return ctl
}

// Config is the whole file.
type Config struct {
	GSIBase      uint32   `yaml:"gsi_base"`
	GSICount     uint32   `yaml:"gsi_count"`
	ReservedGSIs []uint32 `yaml:"reserved_gsis"`
	Devices      []Device `yaml:"devices"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes and validates a configuration document, applying defaults.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if c.GSIBase == 0 {
		c.GSIBase = DefaultGSIBase
	}

	if c.GSICount == 0 {
		c.GSICount = DefaultGSICount
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return &c, nil
}

func (c *Config) Validate() error {
	if c.GSICount == 0 {
		return ErrInvalidGSIRange
	}

	if len(c.Devices) == 0 {
		return ErrNoDevices
	}

	names := map[string]bool{}
	slots := map[int]bool{}

	for _, d := range c.Devices {
		if names[d.Name] {
			return fmt.Errorf("%w: %q", ErrDuplicateName, d.Name)
		}

		names[d.Name] = true

		if d.Slot < 1 || d.Slot > maxSlot {
			return fmt.Errorf("%w: %s: %d", ErrInvalidSlot, d.Name, d.Slot)
		}

		if slots[d.Slot] {
			return fmt.Errorf("%w: %s: %d", ErrDuplicateSlot, d.Name, d.Slot)
		}

		slots[d.Slot] = true

		if d.VectorsCapable > maxVectorsLog2 {
			return fmt.Errorf("%w: %s: %d", ErrInvalidVectors, d.Name, d.VectorsCapable)
		}

		for i, w := range d.Writes {
			switch w.Size {
			case 1, 2, 4:
			default:
				return fmt.Errorf("%w: %s write %d: %d", ErrInvalidWriteSize, d.Name, i, w.Size)
			}

			if w.Offset+uint64(w.Size) > configSpaceLength {
				return fmt.Errorf("%w: %s write %d: %#x", ErrInvalidWriteOffset, d.Name, i, w.Offset)
			}
		}
	}

	return nil
}
