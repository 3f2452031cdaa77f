// Package interrupt owns the host side of MSI delivery: GSI allocation,
// eventfd-backed interrupt routes and the GSI routing table shared by all
// devices of a virtual machine.
package interrupt

import (
	"github.com/bobuhiro11/msikvm/kvm"
	"github.com/sirupsen/logrus"
)

var irqLog = logrus.WithField("subsystem", "interrupt")

// SetLogger sets the logger for the interrupt package.
func SetLogger(logger *logrus.Entry) {
	fields := irqLog.Data
	irqLog = logger.WithFields(fields)
}

// Hypervisor is the vm-wide handle used to bind routes and push the routing
// table. *kvm.VM implements it.
type Hypervisor interface {
	RegisterIRQFD(eventFd int, gsi uint32) error
	UnregisterIRQFD(eventFd int, gsi uint32) error
	SetGSIRouting(entries []kvm.IRQRoutingEntry) error
}

var _ Hypervisor = (*kvm.VM)(nil)
