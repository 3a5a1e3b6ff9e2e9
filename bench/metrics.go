package bench

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nasa-jpl/keithleyctl/trace"
	"github.com/nasa-jpl/keithleyctl/tracking"
)

const subsystem = "smu"

// fields holding the bias, current and power of each run kind's samples
var (
	voltageFields = []string{"V", "Voc", "Vmpp", "V0"}
	currentFields = []string{"I", "Ioc", "Impp", "I0"}
	powerFields   = []string{"P", "Pmpp", "P0"}
)

// Metrics exposes the most recent operating point and tracking state to prometheus
type Metrics struct {
	// Registry holds every metric of the bench
	Registry *prometheus.Registry

	mu        sync.Mutex
	v, i, p   float64
	norm      float64
	converged bool
	samples   prometheus.Counter
}

func firstField(s trace.Sample, names []string) (float64, bool) {
	for _, n := range names {
		if v, ok := s.Value(n); ok {
			return v, true
		}
	}
	return 0, false
}

func (m *Metrics) read(f func() float64) func() float64 {
	return func() float64 {
		m.mu.Lock()
		defer m.mu.Unlock()
		return f()
	}
}

// NewMetrics creates the metrics.  running reports whether a measurement is active
func NewMetrics(running func() bool) *Metrics {
	m := &Metrics{Registry: prometheus.NewRegistry()}
	m.samples = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "samples_total",
		Help:      "Samples recorded by every run.",
	})
	gauges := []struct {
		name, help string
		f          func() float64
	}{
		{"bias_volts", "Voltage of the most recent sample.", m.read(func() float64 { return m.v })},
		{"current_amps", "Current of the most recent sample.", m.read(func() float64 { return m.i })},
		{"power_watts", "Power of the most recent sample.", m.read(func() float64 { return m.p })},
		{"tracking_norm", "Normalization of the running tracker.", m.read(func() float64 { return m.norm })},
		{"tracking_converged", "1 once the running tracker has converged.", m.read(func() float64 {
			if m.converged {
				return 1
			}
			return 0
		})},
		{"running", "1 while a measurement is running.", func() float64 {
			if running() {
				return 1
			}
			return 0
		}},
	}
	m.Registry.MustRegister(m.samples)
	for _, g := range gauges {
		m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      g.name,
			Help:      g.help,
		}, g.f))
	}
	return m
}

// Observe updates the operating point from a sample.
// It is suitable for trace.Store.Subscribe
func (m *Metrics) Observe(s trace.Sample) {
	m.samples.Inc()
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := firstField(s, voltageFields); ok {
		m.v = v
	}
	if i, ok := firstField(s, currentFields); ok {
		m.i = i
	}
	if p, ok := firstField(s, powerFields); ok {
		m.p = p
	}
}

// Track updates the tracking state
func (m *Metrics) Track(st tracking.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.norm = st.Norm
	m.converged = st.Converged
}

// Handler serves the metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
