package flag

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/msikvm/config"
	"github.com/bobuhiro11/msikvm/kvm"
	"github.com/bobuhiro11/msikvm/migration"
	"github.com/bobuhiro11/msikvm/probe"
	"github.com/bobuhiro11/msikvm/vmm"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func Parse() error {
	c := CLI{}

	programName := "msikvm"
	programDesc := "msikvm emulates PCI MSI capabilities and keeps the KVM GSI routing table in sync with them"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}

	logrus.SetLevel(level)

	return ctx.Run()
}

func (d *ProbeCMD) Run() error {
	if err := probe.KVMCapabilities(d.Dev); err != nil {
		return err
	}

	return nil
}

func (r *ReplayCMD) Run() (err error) {
	cfg, err := config.Load(r.Config)
	if err != nil {
		return err
	}

	if len(r.GSICount) > 0 {
		n, err := ParseSize(r.GSICount, "")
		if err != nil {
			return err
		}

		cfg.GSICount = uint32(n)
	}

	v := vmm.New(vmm.Config{Dev: r.Dev, Devices: cfg})

	defer func() {
		if cerr := v.Close(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
	}()

	if err := v.Init(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := v.Replay(ctx); err != nil {
		return err
	}

	PrintRoutes(os.Stdout, v.Table().Snapshot())

	if len(r.Save) > 0 {
		if err := save(r.Save, v); err != nil {
			return err
		}
	}

	return serveMetrics(ctx, r.Metrics, v)
}

func save(path string, v *vmm.VMM) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if err := v.Save(f); err != nil {
		f.Close()

		return err
	}

	return f.Close()
}

func (r *RestoreCMD) Run() (err error) {
	data, err := os.ReadFile(r.Snapshot)
	if err != nil {
		return err
	}

	// the device layout comes from the snapshot itself
	snap, _, err := migration.NewReceiver(bytes.NewReader(data)).ReceiveAll()
	if err != nil {
		return err
	}

	v := vmm.New(vmm.Config{Dev: r.Dev, Devices: vmm.ConfigFromSnapshot(snap)})

	defer func() {
		if cerr := v.Close(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
	}()

	if err := v.Init(); err != nil {
		return err
	}

	if err := v.Load(bytes.NewReader(data)); err != nil {
		return err
	}

	PrintRoutes(os.Stdout, v.Table().Snapshot())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serveMetrics(ctx, r.Metrics, v)
}

// PrintRoutes writes one line per routing table entry.
func PrintRoutes(w io.Writer, entries []kvm.IRQRoutingEntry) {
	for _, e := range entries {
		switch e.Type {
		case kvm.IRQRoutingMSI:
			msi := e.MSI()
			fmt.Fprintf(w, "gsi %-4d msi     addr=%#08x_%08x data=%#04x\n",
				e.GSI, msi.AddressHi, msi.AddressLo, msi.Data)
		case kvm.IRQRoutingIRQChip:
			chip, pin := e.IRQChip()
			fmt.Fprintf(w, "gsi %-4d irqchip chip=%d pin=%d\n", e.GSI, chip, pin)
		default:
			fmt.Fprintf(w, "gsi %-4d type=%d\n", e.GSI, e.Type)
		}
	}
}

// serveMetrics serves /metrics on addr until ctx is done. An empty addr
// returns at once.
func serveMetrics(ctx context.Context, addr string, v *vmm.VMM) error {
	if len(addr) == 0 {
		return nil
	}

	reg := prometheus.NewRegistry()
	if err := v.Register(reg); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}

	logrus.WithField("subsystem", "cli").Infof("serving prometheus metrics at %s/metrics", addr)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		return srv.Shutdown(context.Background())
	})

	return g.Wait()
}
