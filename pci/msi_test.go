package pci_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/bobuhiro11/msikvm/pci"
)

func le16(v uint16) []byte {
	return binary.LittleEndian.AppendUint16(nil, v)
}

func le32(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

func TestMsiCapNumEnabledVectors(t *testing.T) {
	t.Parallel()

	for mme, expected := range []int{1, 2, 4, 8, 16, 32, 0, 0} {
		c := pci.MsiCap{MsgCtl: uint16(mme) << 4}

		if actual := c.NumEnabledVectors(); actual != expected {
			t.Fatalf("mme %d: expected: %v, actual: %v", mme, expected, actual)
		}
	}
}

func TestMsiCapNumCapableVectors(t *testing.T) {
	t.Parallel()

	for mmc, expected := range []int{1, 2, 4, 8, 16, 32, 0, 0} {
		c := pci.MsiCap{MsgCtl: uint16(mmc) << 1}

		if actual := c.NumCapableVectors(); actual != expected {
			t.Fatalf("mmc %d: expected: %v, actual: %v", mmc, expected, actual)
		}
	}
}

func TestMsiCapSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		msgCtl uint16
		size   uint64
	}{
		{name: "32bit", msgCtl: 0x0, size: 10},
		{name: "64bit", msgCtl: 0x80, size: 14},
		{name: "32bit per-vector mask", msgCtl: 0x100, size: 20},
		{name: "64bit per-vector mask", msgCtl: 0x180, size: 24},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := pci.MsiCap{MsgCtl: tt.msgCtl}

			if actual := c.Size(); actual != tt.size {
				t.Fatalf("expected: %v, actual: %v", tt.size, actual)
			}

			if actual := uint64(len(c.Bytes(0))); actual != tt.size {
				t.Fatalf("rendered: expected: %v, actual: %v", tt.size, actual)
			}
		})
	}
}

func TestMsiCapControlKeepsReadOnlyBits(t *testing.T) {
	t.Parallel()

	// 64bit, per-vector mask, 8 vectors capable
	c := pci.MsiCap{MsgCtl: 0x186}

	if err := c.Update(0x2, le16(0xfe31)); err != nil {
		t.Fatal(err)
	}

	expected := uint16(0x1b7)
	if c.MsgCtl != expected {
		t.Fatalf("expected: %#x, actual: %#x", expected, c.MsgCtl)
	}

	if !c.Enabled() || c.NumEnabledVectors() != 8 {
		t.Fatalf("enabled %v with %d vectors", c.Enabled(), c.NumEnabledVectors())
	}

	// clearing everything only clears enable and MME
	if err := c.Update(0x2, le16(0x0)); err != nil {
		t.Fatal(err)
	}

	if c.MsgCtl != 0x186 {
		t.Fatalf("expected: %#x, actual: %#x", 0x186, c.MsgCtl)
	}
}

func TestMsiCapHeaderDwordWrite(t *testing.T) {
	t.Parallel()

	c := pci.MsiCap{MsgCtl: 0x80}

	// ID and next pointer in the low half are ignored
	if err := c.Update(0x0, le32(0x0011_ffff)); err != nil {
		t.Fatal(err)
	}

	if c.MsgCtl != 0x91 {
		t.Fatalf("expected: %#x, actual: %#x", 0x91, c.MsgCtl)
	}
}

func TestMsiCapAddressLowBitsCleared(t *testing.T) {
	t.Parallel()

	c := pci.MsiCap{}

	if err := c.Update(0x4, le32(0xfee0_100f)); err != nil {
		t.Fatal(err)
	}

	if c.MsgAddrLo != 0xfee0_100c {
		t.Fatalf("expected: %#x, actual: %#x", 0xfee0_100c, c.MsgAddrLo)
	}
}

func TestMsiCapLayout(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		msgCtl   uint16
		data     uint64
		addrHi   uint64 // 0: absent
		maskBits uint64 // 0: absent
	}{
		{name: "32bit", msgCtl: 0x0, data: 0x8},
		{name: "64bit", msgCtl: 0x80, data: 0xc, addrHi: 0x8},
		{name: "32bit per-vector mask", msgCtl: 0x100, data: 0x8, maskBits: 0xc},
		{name: "64bit per-vector mask", msgCtl: 0x180, data: 0xc, addrHi: 0x8, maskBits: 0x10},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := pci.MsiCap{MsgCtl: tt.msgCtl}

			if err := c.Update(tt.data, le16(0x4021)); err != nil {
				t.Fatal(err)
			}

			if c.MsgData != 0x4021 {
				t.Fatalf("data: expected: %#x, actual: %#x", 0x4021, c.MsgData)
			}

			// a dword write at the data offset keeps the low 16 bits
			if err := c.Update(tt.data, le32(0xdead_0031)); err != nil {
				t.Fatal(err)
			}

			if c.MsgData != 0x31 {
				t.Fatalf("data: expected: %#x, actual: %#x", 0x31, c.MsgData)
			}

			err := c.Update(0x8, le32(0x1))
			if tt.addrHi == 0 && tt.data != 0x8 && !errors.Is(err, pci.ErrInvalidOffset) {
				t.Fatalf("addr hi: expected: %v, actual: %v", pci.ErrInvalidOffset, err)
			}

			if tt.addrHi != 0 && (err != nil || c.MsgAddrHi != 0x1) {
				t.Fatalf("addr hi %#x, err %v", c.MsgAddrHi, err)
			}

			maskOff := uint64(0x10)
			if tt.maskBits != 0 {
				maskOff = tt.maskBits
			}

			err = c.Update(maskOff, le32(0x5))
			switch {
			case tt.maskBits == 0 && !errors.Is(err, pci.ErrInvalidOffset):
				t.Fatalf("mask: expected: %v, actual: %v", pci.ErrInvalidOffset, err)
			case tt.maskBits != 0 && (err != nil || c.MaskBits != 0x5):
				t.Fatalf("mask %#x, err %v", c.MaskBits, err)
			}

			rendered := c.Bytes(0x50)
			if rendered[0] != pci.PciCapabilityMSI || rendered[1] != 0x50 {
				t.Fatalf("header: %#v", rendered[:2])
			}

			if d := binary.LittleEndian.Uint16(rendered[tt.data:]); d != c.MsgData {
				t.Fatalf("rendered data: expected: %#x, actual: %#x", c.MsgData, d)
			}
		})
	}
}

func TestMsiCapVectorMasked(t *testing.T) {
	t.Parallel()

	c := pci.MsiCap{MsgCtl: 0x0, MaskBits: 0xffff_ffff}
	if c.VectorMasked(0) {
		t.Fatal("vector masked without per-vector masking")
	}

	c = pci.MsiCap{MsgCtl: 0x100, MaskBits: 0x2}
	if c.VectorMasked(0) || !c.VectorMasked(1) {
		t.Fatalf("mask bits %#x", c.MaskBits)
	}
}

func TestMsiCapInvalidAccess(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		offset uint64
		data   []byte
		err    error
	}{
		{name: "byte", offset: 0x2, data: []byte{0x1}, err: pci.ErrInvalidLength},
		{name: "qword", offset: 0x4, data: make([]byte, 8), err: pci.ErrInvalidLength},
		{name: "word at address", offset: 0x4, data: le16(0x1), err: pci.ErrInvalidOffset},
		{name: "dword past end", offset: 0x20, data: le32(0x1), err: pci.ErrInvalidOffset},
		{name: "word at header", offset: 0x0, data: le16(0x1), err: pci.ErrInvalidOffset},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := pci.MsiCap{MsgCtl: 0x80}
			before := c.Bytes(0)

			if err := c.Update(tt.offset, tt.data); !errors.Is(err, tt.err) {
				t.Fatalf("expected: %v, actual: %v", tt.err, err)
			}

			if !bytes.Equal(before, c.Bytes(0)) {
				t.Fatal("invalid access changed the registers")
			}
		})
	}
}

func TestMsiCapRead(t *testing.T) {
	t.Parallel()

	c := pci.MsiCap{MsgCtl: 0x81, MsgAddrLo: 0xfee0_0000, MsgData: 0x4041}
	data := make([]byte, 4)

	c.Read(0x0, data)

	if !bytes.Equal(data, []byte{pci.PciCapabilityMSI, 0x0, 0x81, 0x0}) {
		t.Fatalf("unexpected header %#v", data)
	}

	c.Read(0xc, data)

	if !bytes.Equal(data, []byte{0x41, 0x40, 0x0, 0x0}) {
		t.Fatalf("unexpected data %#v", data)
	}
}
