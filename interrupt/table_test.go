package interrupt_test

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/msikvm/interrupt"
	"github.com/bobuhiro11/msikvm/kvm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

func TestTableUpdateInstallsSortedTable(t *testing.T) {
	t.Parallel()

	hv := &fakeHypervisor{}
	table := interrupt.NewRoutingTable(nil)

	err := table.Update(hv, func(r interrupt.Routes) {
		r.Set(kvm.NewMSIRoutingEntry(30, 0xfee00000, 0, 0x41))
		r.Set(kvm.NewMSIRoutingEntry(25, 0xfee00000, 0, 0x40))
		r.Set(kvm.NewIRQChipRoutingEntry(4, kvm.IRQChipIOAPIC, 4))
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(hv.installed) != 1 {
		t.Fatalf("expected: %v, actual: %v", 1, len(hv.installed))
	}

	got := hv.installed[0]
	for i, want := range []uint32{4, 25, 30} {
		if got[i].GSI != want {
			t.Fatalf("entry %d: expected: %v, actual: %v", i, want, got[i].GSI)
		}
	}

	if err := table.Update(hv, func(r interrupt.Routes) { r.Remove(25) }); err != nil {
		t.Fatal(err)
	}

	if _, ok := table.Lookup(25); ok {
		t.Fatal("gsi 25 still routed")
	}

	if table.Len() != 2 || len(hv.installed[1]) != 2 {
		t.Fatalf("expected 2 entries, table has %d, installed %d", table.Len(), len(hv.installed[1]))
	}
}

func TestTableInstallFailure(t *testing.T) {
	t.Parallel()

	hv := &fakeHypervisor{routingErr: unix.EINVAL}
	table := interrupt.NewRoutingTable(nil)
	m := interrupt.NewMetrics()
	table.SetMetrics(m)

	err := table.Update(hv, func(r interrupt.Routes) {
		r.Set(kvm.NewMSIRoutingEntry(24, 0xfee00000, 0, 0))
	})

	if !errors.Is(err, interrupt.ErrInstallRoutes) || !errors.Is(err, unix.EINVAL) {
		t.Fatalf("unexpected error %v", err)
	}

	// the in-memory table keeps the mutation even though the push failed
	if _, ok := table.Lookup(24); !ok {
		t.Fatal("gsi 24 missing from table")
	}

	if v := testutil.ToFloat64(m.Failures.WithLabelValues(interrupt.OpInstall)); v != 1 {
		t.Fatalf("expected: %v, actual: %v", 1, v)
	}
}

func TestTableMetrics(t *testing.T) {
	t.Parallel()

	hv := &fakeHypervisor{}
	table := interrupt.NewRoutingTable(nil)
	m := interrupt.NewMetrics()
	table.SetMetrics(m)

	reg := prometheus.NewPedanticRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatal(err)
	}

	for gsi := uint32(24); gsi < 27; gsi++ {
		gsi := gsi
		if err := table.Update(hv, func(r interrupt.Routes) {
			r.Set(kvm.NewMSIRoutingEntry(gsi, 0xfee00000, 0, 0))
		}); err != nil {
			t.Fatal(err)
		}
	}

	table.ReportFailure(interrupt.OpEnable)

	if v := testutil.ToFloat64(m.Installs); v != 3 {
		t.Fatalf("installs: expected: %v, actual: %v", 3, v)
	}

	if v := testutil.ToFloat64(m.Routes); v != 3 {
		t.Fatalf("routes: expected: %v, actual: %v", 3, v)
	}

	if v := testutil.ToFloat64(m.Failures.WithLabelValues(interrupt.OpEnable)); v != 1 {
		t.Fatalf("failures: expected: %v, actual: %v", 1, v)
	}

	if n := testutil.CollectAndCount(m.Failures); n != 1 {
		t.Fatalf("expected: %v, actual: %v", 1, n)
	}
}

func TestTableInstallerFunc(t *testing.T) {
	t.Parallel()

	var pushed int

	table := interrupt.NewRoutingTable(interrupt.InstallerFunc(
		func(hv interrupt.Hypervisor, r interrupt.Routes) error {
			pushed = len(r)

			return nil
		}))

	if err := table.Update(nil, func(r interrupt.Routes) {
		r.Set(kvm.NewMSIRoutingEntry(24, 0, 0, 0))
		r.Set(kvm.NewMSIRoutingEntry(25, 0, 0, 0))
	}); err != nil {
		t.Fatal(err)
	}

	if pushed != 2 {
		t.Fatalf("expected: %v, actual: %v", 2, pushed)
	}
}

func TestTableConcurrentUpdates(t *testing.T) {
	t.Parallel()

	hv := &fakeHypervisor{}
	table := interrupt.NewRoutingTable(nil)

	var g errgroup.Group

	for w := uint32(0); w < 8; w++ {
		base := 24 + w*16

		g.Go(func() error {
			for i := uint32(0); i < 16; i++ {
				gsi := base + i
				if err := table.Update(hv, func(r interrupt.Routes) {
					r.Set(kvm.NewMSIRoutingEntry(gsi, 0xfee00000, 0, gsi))
				}); err != nil {
					return err
				}
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	snap := table.Snapshot()
	if len(snap) != 8*16 {
		t.Fatalf("expected: %v, actual: %v", 8*16, len(snap))
	}

	for _, e := range snap {
		if e.MSI().Data != e.GSI {
			t.Fatalf("gsi %d carries data %#x", e.GSI, e.MSI().Data)
		}
	}

	// every push saw a table that only grew, never a torn one
	for i := 1; i < len(hv.installed); i++ {
		if len(hv.installed[i]) < len(hv.installed[i-1]) {
			t.Fatalf("install %d shrank from %d to %d entries", i, len(hv.installed[i-1]), len(hv.installed[i]))
		}
	}
}
