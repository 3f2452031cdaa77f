package pci

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bobuhiro11/msikvm/interrupt"
	"github.com/bobuhiro11/msikvm/kvm"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

var (
	// ErrRouteAllocation is returned when a device cannot get its interrupt routes.
	ErrRouteAllocation = errors.New("msi route allocation failed")

	// ErrCapabilityMismatch is returned when restoring a register block that
	// advertises different features than the device.
	ErrCapabilityMismatch = errors.New("msi capability mismatch")
)

var msiLog = logrus.WithField("subsystem", "msi")

// SetLogger sets the default logger of MSI devices created afterwards.
func SetLogger(logger *logrus.Entry) {
	fields := msiLog.Data
	msiLog = logger.WithFields(fields)
}

// RouteAllocator hands out interrupt routes. *interrupt.Allocator implements it.
type RouteAllocator interface {
	AllocateRoute() (*interrupt.Route, error)
}

var _ RouteAllocator = (*interrupt.Allocator)(nil)

// MsiConfig couples the MSI register block of one device with the interrupt
// routes backing its vectors. Guest writes are applied to the registers and
// then reflected into the shared routing table of the VM.
type MsiConfig struct {
	mu sync.Mutex

	cap    MsiCap
	routes []*interrupt.Route

	allocator RouteAllocator
	hv        interrupt.Hypervisor
	table     *interrupt.RoutingTable
	logger    *logrus.Entry
}

// NewMsiConfig creates a device whose message control register starts as
// msgCtl and allocates one route per enabled vector.
func NewMsiConfig(
	msgCtl uint16,
	allocator RouteAllocator,
	hv interrupt.Hypervisor,
	table *interrupt.RoutingTable,
) (*MsiConfig, error) {
	c := &MsiConfig{
		cap:       MsiCap{MsgCtl: msgCtl},
		allocator: allocator,
		hv:        hv,
		table:     table,
		logger:    msiLog,
	}

	n := c.cap.NumEnabledVectors()
	c.routes = make([]*interrupt.Route, 0, n)

	for i := 0; i < n; i++ {
		r, err := allocator.AllocateRoute()
		if err != nil {
			var result *multierror.Error

			result = multierror.Append(result, err)

			for _, r := range c.routes {
				if cerr := r.Close(); cerr != nil {
					result = multierror.Append(result, cerr)
				}
			}

			return nil, fmt.Errorf("%w: vector %d: %w", ErrRouteAllocation, i, result.ErrorOrNil())
		}

		c.routes = append(c.routes, r)
	}

	return c, nil
}

// SetLogger replaces the logger of this device.
func (c *MsiConfig) SetLogger(logger *logrus.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger = logger
}

func (c *MsiConfig) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cap.Enabled()
}

func (c *MsiConfig) Size() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cap.Size()
}

func (c *MsiConfig) NumEnabledVectors() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cap.NumEnabledVectors()
}

func (c *MsiConfig) VectorMasked(vector int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cap.VectorMasked(vector)
}

// Cap returns a copy of the register block.
func (c *MsiConfig) Cap() MsiCap {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cap
}

// Routes returns the GSIs owned by the device, indexed by vector.
func (c *MsiConfig) Routes() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	gsis := make([]uint32, len(c.routes))
	for i, r := range c.routes {
		gsis[i] = r.GSI()
	}

	return gsis
}

// Route returns the route of vector, or nil if the device owns none.
func (c *MsiConfig) Route(vector int) *interrupt.Route {
	c.mu.Lock()
	defer c.mu.Unlock()

	if vector < 0 || vector >= len(c.routes) {
		return nil
	}

	return c.routes[vector]
}

// ID implements Capability.
func (c *MsiConfig) ID() uint8 {
	return PciCapabilityMSI
}

// Bytes implements Capability.
func (c *MsiConfig) Bytes(next uint8) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cap.Bytes(next)
}

// Write implements Capability.
func (c *MsiConfig) Write(offset uint64, data []byte) {
	c.Update(offset, data)
}

// Update applies a guest write to the capability. Like the hardware it
// emulates it never fails: invalid accesses and hypervisor errors are
// logged and the device keeps going with its in-memory state. The routing
// table is reconciled and installed on every call, rejected writes included.
func (c *MsiConfig) Update(offset uint64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wasEnabled := c.cap.Enabled()

	if err := c.cap.Update(offset, data); err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"offset": fmt.Sprintf("%#x", offset),
			"size":   len(data),
		}).Warn("ignoring msi capability write")
	}

	c.sync(wasEnabled)
}

// State returns the register block for a snapshot.
func (c *MsiConfig) State() MsiCap {
	return c.Cap()
}

// Restore loads a register block taken with State and brings bindings and
// routing entries in line with it.
func (c *MsiConfig) Restore(state MsiCap) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.cap.sameCapabilities(state) {
		return fmt.Errorf("%w: control %#x, device %#x", ErrCapabilityMismatch, state.MsgCtl, c.cap.MsgCtl)
	}

	wasEnabled := c.cap.Enabled()
	state.MsgAddrLo &= msiWritable[msiRegAddrLo]
	c.cap = state

	c.sync(wasEnabled)

	return nil
}

// grow allocates routes until every enabled vector the device is capable of
// has one, and returns the number of routes owned before.
func (c *MsiConfig) grow() int {
	owned := len(c.routes)

	want := c.cap.NumEnabledVectors()
	if capable := c.cap.NumCapableVectors(); want > capable {
		want = capable
	}

	for len(c.routes) < want {
		r, err := c.allocator.AllocateRoute()
		if err != nil {
			c.logger.WithError(err).WithField("vector", len(c.routes)).Warn("cannot grow msi routes")

			break
		}

		c.routes = append(c.routes, r)
	}

	return owned
}

// sync reconciles irqfd bindings and routing entries with the register block.
// c.mu must be held.
func (c *MsiConfig) sync(wasEnabled bool) {
	owned := c.grow()

	enabled := c.cap.Enabled()
	vectors := c.cap.NumEnabledVectors()

	var failed []string

	err := c.table.Update(c.hv, func(routes interrupt.Routes) {
		for i, r := range c.routes {
			if !enabled {
				if wasEnabled && i < owned {
					if err := r.Disable(c.hv); err != nil {
						c.logger.WithError(err).WithField("gsi", r.GSI()).Error("cannot disable msi route")
						failed = append(failed, interrupt.OpDisable)
					}
				}

				routes.Remove(r.GSI())

				continue
			}

			if !wasEnabled || i >= owned {
				if err := r.Enable(c.hv); err != nil {
					c.logger.WithError(err).WithField("gsi", r.GSI()).Error("cannot enable msi route")
					failed = append(failed, interrupt.OpEnable)
				}
			}

			if i >= vectors || c.cap.VectorMasked(i) {
				routes.Remove(r.GSI())

				continue
			}

			routes.Set(kvm.NewMSIRoutingEntry(
				r.GSI(),
				c.cap.MsgAddrLo,
				c.cap.MsgAddrHi,
				uint32(c.cap.MsgData)|uint32(i),
			))
		}
	})
	if err != nil {
		c.logger.WithError(err).Error("cannot install msi routes")
	}

	for _, op := range failed {
		c.table.ReportFailure(op)
	}
}

// Close unbinds the routes of an enabled device, drops its routing entries
// and releases every route.
func (c *MsiConfig) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var result *multierror.Error

	enabled := c.cap.Enabled()

	err := c.table.Update(c.hv, func(routes interrupt.Routes) {
		for _, r := range c.routes {
			if enabled {
				if err := r.Disable(c.hv); err != nil {
					result = multierror.Append(result, err)
				}
			}

			routes.Remove(r.GSI())
		}
	})
	if err != nil {
		result = multierror.Append(result, err)
	}

	for _, r := range c.routes {
		if err := r.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	c.routes = nil
	c.cap.MsgCtl &^= msiCtlEnable

	return result.ErrorOrNil()
}
