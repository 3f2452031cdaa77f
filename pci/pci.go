package pci

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/bobuhiro11/msikvm/device"
	"github.com/sirupsen/logrus"
)

// Configuration Space Access Mechanism #1
//
// refs
// https://wiki.osdev.org/PCI
// http://www2.comp.ufscar.br/~helio/boot-int/pci.html

const (
	// ConfAddrPort is the CONFIG_ADDRESS register, ConfDataPort is CONFIG_DATA.
	ConfAddrPort = 0xCF8
	ConfDataPort = 0xCFC

	configSpaceSize   = 0x100
	deviceHeaderSize  = 0x40
	capabilityBase    = deviceHeaderSize
	statusCapList     = 1 << 4
	maxDevicesOnBus   = 32
	invalidConfigRead = 0xff
)

var pciLog = logrus.WithField("subsystem", "pci")

var _ device.IODevice = (*PCI)(nil)

type address uint32

func (a address) getRegisterOffset() uint32 {
	return uint32(a) & 0xfc
}

func (a address) getFunctionNumber() uint32 {
	return (uint32(a) >> 8) & 0x7
}

func (a address) getDeviceNumber() uint32 {
	return (uint32(a) >> 11) & 0x1f
}

func (a address) getBusNumber() uint32 {
	return (uint32(a) >> 16) & 0xff
}

func (a address) isEnable() bool {
	return (uint32(a)>>31)&0x1 == 0x1
}

// DeviceHeader is the type 0/1 common configuration header.
type DeviceHeader struct {
	VendorID                uint16
	DeviceID                uint16
	Command                 uint16
	Status                  uint16
	RevisionID              uint8
	ClassCode               [3]uint8
	CacheLineSize           uint8
	LatencyTimer            uint8
	HeaderType              uint8
	BIST                    uint8
	BaseAddressRegister     [6]uint32
	CardbusCISPointer       uint32
	SubsystemVendorID       uint16
	SubsystemID             uint16
	ExpansionROMBaseAddress uint32
	CapabilitiesPointer     uint8
	Reserved                [7]uint8
	InterruptLine           uint8
	InterruptPin            uint8
	MinGnt                  uint8
	MaxLat                  uint8
}

func (h DeviceHeader) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}

// Capability is one entry of the capability list of a device.
type Capability interface {
	ID() uint8
	// Bytes renders the capability with next as its next pointer.
	Bytes(next uint8) []byte
	// Write applies a guest write at offset from the start of the capability.
	Write(offset uint64, data []byte)
}

// Device is a function attached to bus 0.
type Device interface {
	GetDeviceHeader() DeviceHeader
	Capabilities() []Capability
}

type slot struct {
	dev Device
	// offsets of each capability in configuration space
	caps []uint64
}

// ErrSlotInUse is returned when attaching to an occupied or invalid slot.
var ErrSlotInUse = errors.New("pci slot unavailable")

// PCI is bus 0 with one function per device slot.
type PCI struct {
	mu    sync.Mutex
	addr  address
	slots map[int]slot
}

func New(devs ...Device) *PCI {
	p := &PCI{
		slots: map[int]slot{},
	}

	for _, dev := range devs {
		p.Attach(dev)
	}

	return p
}

func newSlot(dev Device) slot {
	s := slot{dev: dev}
	off := uint64(capabilityBase)

	for _, c := range dev.Capabilities() {
		s.caps = append(s.caps, off)
		off += (uint64(len(c.Bytes(0))) + 3) &^ 3
	}

	return s
}

// Attach puts dev in the lowest free slot and returns its device number, or
// -1 when the bus is full.
func (p *PCI) Attach(dev Device) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	for n := 0; n < maxDevicesOnBus; n++ {
		if _, ok := p.slots[n]; !ok {
			p.slots[n] = newSlot(dev)

			return n
		}
	}

	return -1
}

// AttachAt puts dev in slot devNum.
func (p *PCI) AttachAt(devNum int, dev Device) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.slots[devNum]; ok || devNum < 0 || devNum >= maxDevicesOnBus {
		return fmt.Errorf("%w: %d", ErrSlotInUse, devNum)
	}

	p.slots[devNum] = newSlot(dev)

	return nil
}

func (p *PCI) lookup(devNum int) (slot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.slots[devNum]

	return s, ok
}

// configSpace renders the first 256 bytes of configuration space of s.
func (s slot) configSpace() ([]byte, error) {
	h := s.dev.GetDeviceHeader()
	caps := s.dev.Capabilities()

	if len(caps) > 0 {
		h.Status |= statusCapList
		h.CapabilitiesPointer = uint8(s.caps[0])
	}

	hdr, err := h.Bytes()
	if err != nil {
		return nil, err
	}

	b := make([]byte, configSpaceSize)
	copy(b, hdr)

	for i, c := range caps {
		next := uint8(0)
		if i+1 < len(s.caps) {
			next = uint8(s.caps[i+1])
		}

		copy(b[s.caps[i]:], c.Bytes(next))
	}

	return b, nil
}

// ReadConfig reads configuration space of device devNum. Absent devices read
// as all ones.
func (p *PCI) ReadConfig(devNum int, offset uint64, data []byte) error {
	s, ok := p.lookup(devNum)
	if !ok {
		for i := range data {
			data[i] = invalidConfigRead
		}

		return nil
	}

	b, err := s.configSpace()
	if err != nil {
		return err
	}

	for i := range data {
		data[i] = 0
		if off := offset + uint64(i); off < uint64(len(b)) {
			data[i] = b[off]
		}
	}

	return nil
}

// WriteConfig forwards a write that lands in a capability to it. Writes to
// the header are ignored.
func (p *PCI) WriteConfig(devNum int, offset uint64, data []byte) error {
	s, ok := p.lookup(devNum)
	if !ok {
		return nil
	}

	for i, c := range s.dev.Capabilities() {
		start := s.caps[i]
		end := start + uint64(len(c.Bytes(0)))

		if offset >= start && offset < end {
			c.Write(offset-start, data)

			return nil
		}
	}

	pciLog.WithFields(logrus.Fields{
		"device": devNum,
		"offset": offset,
		"size":   len(data),
	}).Debug("ignoring configuration write")

	return nil
}

// IOPort implements device.IODevice.
func (p *PCI) IOPort() uint64 {
	return ConfAddrPort
}

// Size implements device.IODevice.
func (p *PCI) Size() uint64 {
	return 0x8
}

func (p *PCI) latch() address {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.addr
}

// target decodes the latched address for a data port access.
func (p *PCI) target(port uint64) (int, uint64, bool) {
	addr := p.latch()

	if !addr.isEnable() || addr.getBusNumber() != 0 || addr.getFunctionNumber() != 0 {
		return 0, 0, false
	}

	// see pci_conf1_read in linux/arch/x86/pci/direct.c for the offset.
	offset := uint64(addr.getRegisterOffset()) + port - ConfDataPort

	return int(addr.getDeviceNumber()), offset, true
}

// Read implements device.IODevice.
func (p *PCI) Read(port uint64, data []byte) error {
	if port < ConfDataPort {
		if len(data) != 4 {
			return nil
		}

		copy(data, NumToBytes(uint32(p.latch())))

		return nil
	}

	devNum, offset, ok := p.target(port)
	if !ok {
		for i := range data {
			data[i] = invalidConfigRead
		}

		return nil
	}

	return p.ReadConfig(devNum, offset, data)
}

// Write implements device.IODevice.
func (p *PCI) Write(port uint64, data []byte) error {
	if port < ConfDataPort {
		if len(data) != 4 {
			return nil
		}

		p.mu.Lock()
		p.addr = address(BytesToNum(data))
		p.mu.Unlock()

		return nil
	}

	devNum, offset, ok := p.target(port)
	if !ok {
		return nil
	}

	return p.WriteConfig(devNum, offset, data)
}
