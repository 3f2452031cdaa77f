package vmm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/bobuhiro11/msikvm/config"
	"github.com/bobuhiro11/msikvm/device"
	"github.com/bobuhiro11/msikvm/interrupt"
	"github.com/bobuhiro11/msikvm/kvm"
	"github.com/bobuhiro11/msikvm/migration"
	"github.com/bobuhiro11/msikvm/pci"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// legacyGSIs are the IOAPIC pins routed 1:1 to GSIs 0-23.
const legacyGSIs = 24

var (
	errUnknownDevice = errors.New("unknown device")

	vmmLog = logrus.WithField("subsystem", "vmm")
)

// SetLogger sets the logger of the package.
func SetLogger(logger *logrus.Entry) {
	vmmLog = logger
}

type Config struct {
	Dev     string
	Devices *config.Config
}

// VMM owns the interrupt routing state of one virtual machine: the routing
// table and GSI allocator shared by its devices, and the PCI bus they sit on.
type VMM struct {
	Config

	kvmFile *os.File
	vmFd    uintptr

	hv      interrupt.Hypervisor
	table   *interrupt.RoutingTable
	alloc   *interrupt.Allocator
	metrics *interrupt.Metrics
	pci     *pci.PCI
	ports   *device.Bus
	devices map[string]*pci.MsiDevice

	// confMu serializes CONFIG_ADDRESS/CONFIG_DATA pairs like pci_config_lock
	// in linux/arch/x86/pci/direct.c.
	confMu sync.Mutex
}

func New(c Config) *VMM {
	return &VMM{
		Config:  c,
		metrics: interrupt.NewMetrics(),
		devices: map[string]*pci.MsiDevice{},
	}
}

// Init creates the vm with its in-kernel irqchip and attaches the devices.
func (v *VMM) Init() error {
	f, err := os.OpenFile(v.Dev, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}

	v.kvmFile = f
	kvmFd := f.Fd()

	version, err := kvm.GetAPIVersion(kvmFd)
	if err != nil {
		return err
	}

	if !kvm.SupportedAPIVersion(version) {
		return fmt.Errorf("%w: %d", kvm.ErrUnsupportedAPIVersion, version)
	}

	if v.vmFd, err = kvm.CreateVM(kvmFd); err != nil {
		return fmt.Errorf("CreateVM: %w", err)
	}

	for _, c := range kvm.MSIRoutingCapabilities() {
		n, err := kvm.CheckExtension(v.vmFd, c)
		if err != nil {
			return fmt.Errorf("check %s: %w", c, err)
		}

		if n == 0 {
			return fmt.Errorf("%w: %s", kvm.ErrMissingCapability, c)
		}

		if c == kvm.CapIRQRouting {
			v.clampGSIs(uint32(n))
		}
	}

	if err := kvm.CreateIRQChip(v.vmFd); err != nil {
		return fmt.Errorf("CreateIRQChip: %w", err)
	}

	if err := kvm.CreatePIT2(v.vmFd); err != nil {
		return fmt.Errorf("CreatePIT2: %w", err)
	}

	return v.Attach(kvm.NewVM(v.vmFd))
}

// clampGSIs keeps the allocator inside the routing table size of the kernel.
func (v *VMM) clampGSIs(maxRoutes uint32) {
	c := v.Devices
	if c.GSIBase >= maxRoutes {
		return
	}

	if c.GSIBase+c.GSICount > maxRoutes {
		vmmLog.WithFields(logrus.Fields{
			"requested": c.GSICount,
			"limit":     maxRoutes - c.GSIBase,
		}).Warn("limiting gsi range to kernel routing table size")

		c.GSICount = maxRoutes - c.GSIBase
	}
}

// Attach builds the routing state on top of hv and creates every configured
// device. Init calls it with the real vm; tests pass their own hypervisor.
func (v *VMM) Attach(hv interrupt.Hypervisor) error {
	c := v.Devices

	v.hv = hv
	v.table = interrupt.NewRoutingTable(nil)
	v.table.SetMetrics(v.metrics)
	v.alloc = interrupt.NewAllocator(c.GSIBase, c.GSICount, c.ReservedGSIs...)
	v.pci = pci.New(pci.NewBridge())
	v.ports = &device.Bus{}

	if err := v.ports.Register(v.pci); err != nil {
		return err
	}

	// KVM_SET_GSI_ROUTING replaces the default table, so keep the IOAPIC pins.
	if err := v.table.Update(hv, func(routes interrupt.Routes) {
		for gsi := uint32(0); gsi < legacyGSIs; gsi++ {
			routes.Set(kvm.NewIRQChipRoutingEntry(gsi, kvm.IRQChipIOAPIC, gsi))
		}
	}); err != nil {
		return err
	}

	for i := range c.Devices {
		if err := v.AddDevice(&c.Devices[i]); err != nil {
			return err
		}
	}

	return nil
}

// AddDevice creates an MSI device and plugs it into its slot.
func (v *VMM) AddDevice(d *config.Device) error {
	msi, err := pci.NewMsiConfig(d.MsgCtl(), v.alloc, v.hv, v.table)
	if err != nil {
		return fmt.Errorf("device %s: %w", d.Name, err)
	}

	msi.SetLogger(vmmLog.WithFields(logrus.Fields{
		"subsystem": "msi",
		"device":    d.Name,
	}))

	dev := pci.NewMsiDevice(d.Name, msi)

	if err := v.pci.AttachAt(d.Slot, dev); err != nil {
		return multierror.Append(fmt.Errorf("device %s: %w", d.Name, err), msi.Close())
	}

	v.devices[d.Name] = dev

	vmmLog.WithFields(logrus.Fields{
		"device": d.Name,
		"slot":   d.Slot,
		"gsis":   msi.Routes(),
	}).Info("attached msi device")

	return nil
}

// Device returns the device called name, or nil.
func (v *VMM) Device(name string) *pci.MsiDevice {
	return v.devices[name]
}

// Table returns the routing table of the vm.
func (v *VMM) Table() *interrupt.RoutingTable {
	return v.table
}

// Register exposes the routing metrics of the vm through reg.
func (v *VMM) Register(reg prometheus.Registerer) error {
	return v.metrics.Register(reg)
}

// ConfigWrite performs a configuration write the way a guest does with
// mechanism #1: latch the address, then write the data port.
func (v *VMM) ConfigWrite(slot int, w config.Write) error {
	var data []byte

	switch w.Size {
	case 1:
		data = pci.NumToBytes(uint8(w.Value))
	case 2:
		data = pci.NumToBytes(uint16(w.Value))
	default:
		data = pci.NumToBytes(w.Value)
	}

	addr := uint32(1)<<31 | uint32(slot)<<11 | uint32(w.Offset)&0xfc

	v.confMu.Lock()
	defer v.confMu.Unlock()

	if err := v.ports.Write(pci.ConfAddrPort, pci.NumToBytes(addr)); err != nil {
		return err
	}

	return v.ports.Write(pci.ConfDataPort+w.Offset&0x3, data)
}

// ConfigRead is the read counterpart of ConfigWrite.
func (v *VMM) ConfigRead(slot int, offset uint64, data []byte) error {
	addr := uint32(1)<<31 | uint32(slot)<<11 | uint32(offset)&0xfc

	v.confMu.Lock()
	defer v.confMu.Unlock()

	if err := v.ports.Write(pci.ConfAddrPort, pci.NumToBytes(addr)); err != nil {
		return err
	}

	return v.ports.Read(pci.ConfDataPort+offset&0x3, data)
}

// Replay runs the configured writes of every device, one goroutine per
// device as if each was driven from its own vCPU.
func (v *VMM) Replay(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, d := range v.Devices.Devices {
		d := d

		g.Go(func() error {
			for i, w := range d.Writes {
				if err := ctx.Err(); err != nil {
					return err
				}

				if err := v.ConfigWrite(d.Slot, w); err != nil {
					return fmt.Errorf("device %s write %d: %w", d.Name, i, err)
				}
			}

			vmmLog.WithFields(logrus.Fields{
				"device": d.Name,
				"writes": len(d.Writes),
			}).Debug("replayed configuration writes")

			return nil
		})
	}

	return g.Wait()
}

// Trigger raises vector of the device called name.
func (v *VMM) Trigger(name string, vector int) error {
	dev, ok := v.devices[name]
	if !ok {
		return fmt.Errorf("%w: %s", errUnknownDevice, name)
	}

	r := dev.MSI.Route(vector)
	if r == nil {
		return fmt.Errorf("%w: %s has no vector %d", errUnknownDevice, name, vector)
	}

	return r.Trigger()
}

func (v *VMM) names() []string {
	names := make([]string, 0, len(v.devices))
	for name := range v.devices {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Snapshot captures the MSI state of every device.
func (v *VMM) Snapshot() *migration.Snapshot {
	c := v.Devices
	snap := &migration.Snapshot{
		GSIBase:      c.GSIBase,
		GSICount:     c.GSICount,
		ReservedGSIs: c.ReservedGSIs,
	}

	for _, d := range c.Devices {
		dev := v.devices[d.Name]
		if dev == nil {
			continue
		}

		st := dev.MSI.State()

		snap.Devices = append(snap.Devices, migration.DeviceState{
			Name: d.Name,
			Slot: d.Slot,
			MSI: migration.MSIState{
				MsgCtl:      st.MsgCtl,
				MsgAddrLo:   st.MsgAddrLo,
				MsgAddrHi:   st.MsgAddrHi,
				MsgData:     st.MsgData,
				MaskBits:    st.MaskBits,
				PendingBits: st.PendingBits,
			},
			GSIs: dev.MSI.Routes(),
		})
	}

	return snap
}

// Save writes the snapshot and the routing table to w.
func (v *VMM) Save(w io.Writer) error {
	return migration.Save(w, v.Snapshot(), v.table.Snapshot())
}

// Restore applies device states of snap. Devices must already be attached,
// typically from ConfigFromSnapshot.
func (v *VMM) Restore(snap *migration.Snapshot) error {
	var result *multierror.Error

	for _, st := range snap.Devices {
		dev, ok := v.devices[st.Name]
		if !ok {
			result = multierror.Append(result, fmt.Errorf("%w: %s", errUnknownDevice, st.Name))

			continue
		}

		err := dev.MSI.Restore(pci.MsiCap{
			MsgCtl:      st.MSI.MsgCtl,
			MsgAddrLo:   st.MSI.MsgAddrLo,
			MsgAddrHi:   st.MSI.MsgAddrHi,
			MsgData:     st.MSI.MsgData,
			MaskBits:    st.MSI.MaskBits,
			PendingBits: st.MSI.PendingBits,
		})
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("device %s: %w", st.Name, err))
		}
	}

	return result.ErrorOrNil()
}

// Load reads a stream written by Save and restores it. The number of MSI
// routes is compared with the saved table since GSIs are allocated anew.
func (v *VMM) Load(r io.Reader) error {
	snap, routes, err := migration.NewReceiver(r).ReceiveAll()
	if err != nil {
		return err
	}

	if err := v.Restore(snap); err != nil {
		return err
	}

	if saved, now := countMSI(routes), countMSI(v.table.Snapshot()); saved != now {
		vmmLog.WithFields(logrus.Fields{
			"saved":    saved,
			"restored": now,
		}).Warn("msi route count differs from snapshot")
	}

	return nil
}

func countMSI(entries []kvm.IRQRoutingEntry) int {
	n := 0

	for _, e := range entries {
		if e.Type == kvm.IRQRoutingMSI {
			n++
		}
	}

	return n
}

// ConfigFromSnapshot rebuilds the device configuration a snapshot was taken
// with. Replay writes are not part of a snapshot.
func ConfigFromSnapshot(snap *migration.Snapshot) *config.Config {
	c := &config.Config{
		GSIBase:      snap.GSIBase,
		GSICount:     snap.GSICount,
		ReservedGSIs: snap.ReservedGSIs,
	}

	for _, st := range snap.Devices {
		c.Devices = append(c.Devices, config.Device{
			Name:           st.Name,
			Slot:           st.Slot,
			VectorsCapable: (st.MSI.MsgCtl >> 1) & 0x7,
			Addr64:         st.MSI.MsgCtl&0x80 != 0,
			PerVectorMask:  st.MSI.MsgCtl&0x100 != 0,
		})
	}

	return c
}

// Close releases every device and the vm.
func (v *VMM) Close() error {
	var result *multierror.Error

	for _, name := range v.names() {
		if err := v.devices[name].Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("device %s: %w", name, err))
		}

		delete(v.devices, name)
	}

	if v.vmFd != 0 {
		if err := os.NewFile(v.vmFd, "kvm-vm").Close(); err != nil {
			result = multierror.Append(result, err)
		}

		v.vmFd = 0
	}

	if v.kvmFile != nil {
		if err := v.kvmFile.Close(); err != nil {
			result = multierror.Append(result, err)
		}

		v.kvmFile = nil
	}

	return result.ErrorOrNil()
}
