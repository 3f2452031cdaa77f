package pci

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PciCapabilityMSI is the capability ID of the MSI capability structure.
const PciCapabilityMSI = 0x05

// MSI control masks
const (
	msiCtlEnable         = 0x1
	msiCtlMultiMsgCap    = 0xe
	msiCtlMultiMsgEnable = 0x70
	msiCtl64Bits         = 0x80
	msiCtlPerVector      = 0x100
)

// MSI message offsets
const (
	msiCapHeaderOffset = 0x0
	msiMsgCtlOffset    = 0x2
	msiMsgAddrLoOffset = 0x4
)

// msiMaxVectorsLog2 is the largest multiple message encoding; 6 and 7 are reserved.
const msiMaxVectorsLog2 = 5

var (
	// ErrInvalidOffset is reported for a write to an offset the structure lacks.
	ErrInvalidOffset = errors.New("invalid msi capability offset")

	// ErrInvalidLength is reported for a write that is neither 2 nor 4 bytes.
	ErrInvalidLength = errors.New("invalid msi capability access length")
)

type msiRegister int

const (
	msiRegMsgCtl msiRegister = iota
	msiRegAddrLo
	msiRegAddrHi
	msiRegData
	msiRegMaskBits
)

// msiWritable holds the guest-writable bits of every register. Everything
// else, including the capable flags in the message control register and the
// two reserved address bits, keeps its current value on a write.
var msiWritable = [...]uint32{
	msiRegMsgCtl:   msiCtlEnable | msiCtlMultiMsgEnable,
	msiRegAddrLo:   0xffff_fffc,
	msiRegAddrHi:   0xffff_ffff,
	msiRegData:     0xffff,
	msiRegMaskBits: 0xffff_ffff,
}

func msiMerge(reg msiRegister, old, value uint32) uint32 {
	w := msiWritable[reg]

	return old&^w | value&w
}

// MsiCap is the MSI capability register block.
type MsiCap struct {
	// Message Control Register
	//   0:     MSI enable.
	//   3-1:   Multiple message capable.
	//   6-4:   Multiple message enable.
	//   7:     64 bits address capable.
	//   8:     Per-vector masking capable.
	//   15-9:  Reserved.
	MsgCtl uint16
	// Message Address (LSB)
	//   1-0:  Reserved.
	//   31-2: Message address.
	MsgAddrLo uint32
	// Message Upper Address (MSB), only with 64 bits addressing.
	MsgAddrHi uint32
	// Message Data
	MsgData uint16
	// Mask and Pending Bits, only with per-vector masking.
	MaskBits    uint32
	PendingBits uint32
}

// msiLayout holds the field offsets that depend on the capable flags.
// A zero offset means the field is absent.
type msiLayout struct {
	data     uint64
	addrHi   uint64
	maskBits uint64
}

func (l msiLayout) pendingBits() uint64 {
	if l.maskBits == 0 {
		return 0
	}

	return l.maskBits + 4
}

func (c MsiCap) layout() msiLayout {
	if c.Addr64Bits() {
		l := msiLayout{data: 0xc, addrHi: 0x8}
		if c.PerVectorMask() {
			l.maskBits = 0x10
		}

		return l
	}

	l := msiLayout{data: 0x8}
	if c.PerVectorMask() {
		l.maskBits = 0xc
	}

	return l
}

// Addr64Bits reports whether the function can generate 64-bit addresses.
func (c MsiCap) Addr64Bits() bool {
	return c.MsgCtl&msiCtl64Bits == msiCtl64Bits
}

// PerVectorMask reports whether the function supports per-vector masking.
func (c MsiCap) PerVectorMask() bool {
	return c.MsgCtl&msiCtlPerVector == msiCtlPerVector
}

// Enabled reports whether the guest enabled MSI.
func (c MsiCap) Enabled() bool {
	return c.MsgCtl&msiCtlEnable == msiCtlEnable
}

func decodeVectors(field uint16) int {
	if field > msiMaxVectorsLog2 {
		return 0
	}

	return 1 << field
}

// NumEnabledVectors decodes the multiple message enable field. The reserved
// encodings 6 and 7 enable no vector at all.
func (c MsiCap) NumEnabledVectors() int {
	return decodeVectors((c.MsgCtl & msiCtlMultiMsgEnable) >> 4)
}

// NumCapableVectors decodes the multiple message capable field.
func (c MsiCap) NumCapableVectors() int {
	return decodeVectors((c.MsgCtl & msiCtlMultiMsgCap) >> 1)
}

// VectorMasked reports whether vector is masked. Without per-vector masking
// no vector is ever masked.
func (c MsiCap) VectorMasked(vector int) bool {
	if !c.PerVectorMask() {
		return false
	}

	if vector < 0 || vector >= 32 {
		return false
	}

	return (c.MaskBits>>uint(vector))&0x1 == 0x1
}

// Size returns the structure size in configuration space, which a guest
// walking the capability list relies on.
func (c MsiCap) Size() uint64 {
	size := uint64(0xa)

	if c.Addr64Bits() {
		size += 0x4
	}

	if c.PerVectorMask() {
		size += 0xa
	}

	return size
}

func (c *MsiCap) writeMsgCtl(value uint16) {
	c.MsgCtl = uint16(msiMerge(msiRegMsgCtl, uint32(c.MsgCtl), uint32(value)))
}

// Update applies a guest write of data at offset, relative to the start of
// the capability. Registers keep their read-only bits. Accesses real drivers
// never issue are rejected with ErrInvalidOffset or ErrInvalidLength and
// leave the block untouched.
func (c *MsiCap) Update(offset uint64, data []byte) error {
	l := c.layout()

	switch len(data) {
	case 2:
		value := binary.LittleEndian.Uint16(data)

		switch offset {
		case msiMsgCtlOffset:
			c.writeMsgCtl(value)
		case l.data:
			c.MsgData = uint16(msiMerge(msiRegData, uint32(c.MsgData), uint32(value)))
		default:
			return fmt.Errorf("%w: 2-byte write at %#x", ErrInvalidOffset, offset)
		}
	case 4:
		value := binary.LittleEndian.Uint32(data)

		switch {
		case offset == msiCapHeaderOffset:
			c.writeMsgCtl(uint16(value >> 16))
		case offset == msiMsgAddrLoOffset:
			c.MsgAddrLo = msiMerge(msiRegAddrLo, c.MsgAddrLo, value)
		case offset == l.data:
			c.MsgData = uint16(msiMerge(msiRegData, uint32(c.MsgData), value))
		case l.addrHi != 0 && offset == l.addrHi:
			c.MsgAddrHi = msiMerge(msiRegAddrHi, c.MsgAddrHi, value)
		case l.maskBits != 0 && offset == l.maskBits:
			c.MaskBits = msiMerge(msiRegMaskBits, c.MaskBits, value)
		default:
			return fmt.Errorf("%w: 4-byte write at %#x", ErrInvalidOffset, offset)
		}
	default:
		return fmt.Errorf("%w: %d bytes at %#x", ErrInvalidLength, len(data), offset)
	}

	return nil
}

// Bytes renders the structure as the guest reads it, with next as the
// pointer to the following capability.
func (c MsiCap) Bytes(next uint8) []byte {
	l := c.layout()
	b := make([]byte, c.Size())

	b[0] = PciCapabilityMSI
	b[1] = next
	binary.LittleEndian.PutUint16(b[msiMsgCtlOffset:], c.MsgCtl)
	binary.LittleEndian.PutUint32(b[msiMsgAddrLoOffset:], c.MsgAddrLo)

	if l.addrHi != 0 {
		binary.LittleEndian.PutUint32(b[l.addrHi:], c.MsgAddrHi)
	}

	binary.LittleEndian.PutUint16(b[l.data:], c.MsgData)

	if l.maskBits != 0 {
		binary.LittleEndian.PutUint32(b[l.maskBits:], c.MaskBits)
		binary.LittleEndian.PutUint32(b[l.pendingBits():], c.PendingBits)
	}

	return b
}

// Read copies len(data) bytes of the structure starting at offset. Bytes
// past the end read as zero.
func (c MsiCap) Read(offset uint64, data []byte) {
	b := c.Bytes(0)

	for i := range data {
		data[i] = 0
		if off := offset + uint64(i); off < uint64(len(b)) {
			data[i] = b[off]
		}
	}
}

// sameCapabilities reports whether both blocks advertise the same features.
func (c MsiCap) sameCapabilities(o MsiCap) bool {
	fixed := ^uint16(msiWritable[msiRegMsgCtl])

	return c.MsgCtl&fixed == o.MsgCtl&fixed
}
