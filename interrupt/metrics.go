package interrupt

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespaceMSI = "msikvm"

// Hypervisor operations reported through Metrics.
const (
	OpEnable  = "enable"
	OpDisable = "disable"
	OpInstall = "install"
)

// Metrics are the collectors describing routing activity of one VM.
type Metrics struct {
	Routes   prometheus.Gauge
	Installs prometheus.Counter
	Failures *prometheus.CounterVec
}

// NewMetrics creates unregistered collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		Routes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespaceMSI,
			Name:      "gsi_routes",
			Help:      "Entries in the GSI routing table after the last install.",
		}),
		Installs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceMSI,
			Name:      "route_installs_total",
			Help:      "Routing table pushes to the hypervisor.",
		}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceMSI,
			Name:      "hypervisor_failures_total",
			Help:      "Failed hypervisor calls on the MSI routing path.",
		},
			[]string{"op"},
		),
	}
}

// Register registers every collector with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.Routes, m.Installs, m.Failures} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}

	return nil
}

// Failed counts a failed hypervisor call. A nil receiver is a no-op.
func (m *Metrics) Failed(op string) {
	if m == nil {
		return
	}

	m.Failures.WithLabelValues(op).Inc()
}

func (m *Metrics) observeInstall(entries int, err error) {
	if m == nil {
		return
	}

	m.Installs.Inc()
	m.Routes.Set(float64(entries))

	if err != nil {
		m.Failed(OpInstall)
	}
}
