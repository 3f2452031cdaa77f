package interrupt

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/bobuhiro11/msikvm/kvm"
)

// ErrInstallRoutes wraps a failure to push the routing table to the hypervisor.
var ErrInstallRoutes = errors.New("install gsi routes")

// Routes is the in-memory GSI routing table, keyed by GSI.
type Routes map[uint32]kvm.IRQRoutingEntry

// Set inserts or overwrites the entry for e.GSI.
func (r Routes) Set(e kvm.IRQRoutingEntry) {
	r[e.GSI] = e
}

// Remove deletes the entry for gsi, if any.
func (r Routes) Remove(gsi uint32) {
	delete(r, gsi)
}

// Sorted returns the entries ordered by GSI.
func (r Routes) Sorted() []kvm.IRQRoutingEntry {
	entries := make([]kvm.IRQRoutingEntry, 0, len(r))
	for _, e := range r {
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].GSI < entries[j].GSI })

	return entries
}

// Installer pushes a complete routing table to the hypervisor.
type Installer interface {
	Install(hv Hypervisor, routes Routes) error
}

// InstallerFunc adapts a function to the Installer interface.
type InstallerFunc func(hv Hypervisor, routes Routes) error

// Install calls f(hv, routes).
func (f InstallerFunc) Install(hv Hypervisor, routes Routes) error {
	return f(hv, routes)
}

// KVMInstaller replaces the vm routing table with one KVM_SET_GSI_ROUTING.
type KVMInstaller struct{}

// Install implements Installer.
func (KVMInstaller) Install(hv Hypervisor, routes Routes) error {
	return hv.SetGSIRouting(routes.Sorted())
}

// RoutingTable is the GSI routing table of one virtual machine. It is created
// by the VM and handed to every MSI device, which must only mutate it
// through Update.
type RoutingTable struct {
	mu        sync.Mutex
	routes    Routes
	installer Installer
	metrics   *Metrics
}

// NewRoutingTable returns an empty table. A nil installer means KVMInstaller.
func NewRoutingTable(installer Installer) *RoutingTable {
	if installer == nil {
		installer = KVMInstaller{}
	}

	return &RoutingTable{
		routes:    Routes{},
		installer: installer,
	}
}

// SetMetrics attaches collectors updated on every install.
func (t *RoutingTable) SetMetrics(m *Metrics) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics = m
}

// ReportFailure counts a failed hypervisor call made on behalf of the table.
func (t *RoutingTable) ReportFailure(op string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.Failed(op)
}

// Update runs fn with exclusive access to the table and then pushes the
// resulting table to hv before releasing the lock, so the hypervisor only
// ever sees tables produced by complete updates. fn must not call back into
// the table.
func (t *RoutingTable) Update(hv Hypervisor, fn func(routes Routes)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	fn(t.routes)

	err := t.installer.Install(hv, t.routes)

	t.metrics.observeInstall(len(t.routes), err)

	if err != nil {
		return fmt.Errorf("%w (%d entries): %w", ErrInstallRoutes, len(t.routes), err)
	}

	return nil
}

// Lookup returns the entry for gsi.
func (t *RoutingTable) Lookup(gsi uint32) (kvm.IRQRoutingEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.routes[gsi]

	return e, ok
}

// Len returns the number of entries.
func (t *RoutingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.routes)
}

// Snapshot returns a copy of the table ordered by GSI.
func (t *RoutingTable) Snapshot() []kvm.IRQRoutingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.routes.Sorted()
}
