package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultPort = 2112

// Config contains configuration of the telemetry endpoint.
type Config struct {
	Port int `yaml:"port"` // Port the /metrics endpoint listens on.
}

// Measurements collects measurements for prometheus.
type Measurements struct {
	registry   *prometheus.Registry
	mux        sync.RWMutex
	histograms map[string]prometheus.Observer
	gauge      map[string]prometheus.Gauge
	counters   map[string]prometheus.Counter
}

// New creates Measurements registering collectors in their own registry.
func New() *Measurements {
	return &Measurements{
		registry:   prometheus.NewRegistry(),
		histograms: make(map[string]prometheus.Observer),
		gauge:      make(map[string]prometheus.Gauge),
		counters:   make(map[string]prometheus.Counter),
	}
}

// Handler returns http handler exposing the collected metrics.
func (m *Measurements) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CreateUpdateObservableHistogtram creates or updates observable histogram.
func (m *Measurements) CreateUpdateObservableHistogtram(name, description string) {
	hist := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: name,
		Help: description,
	})
	m.mux.Lock()
	defer m.mux.Unlock()
	if old, ok := m.histograms[name]; ok {
		if c, ok := old.(prometheus.Collector); ok {
			m.registry.Unregister(c)
		}
	}
	m.registry.MustRegister(hist)
	m.histograms[name] = hist
}

// RecordHistogramTime records histogram time in milliseconds if entity with given name exists.
func (m *Measurements) RecordHistogramTime(name string, t time.Duration) bool {
	return m.RecordHistogramValue(name, float64(t.Microseconds())/1000)
}

// RecordHistogramValue records histogram value if entity with given name exists.
func (m *Measurements) RecordHistogramValue(name string, f float64) bool {
	m.mux.RLock()
	defer m.mux.RUnlock()
	if v, ok := m.histograms[name]; ok {
		v.Observe(f)
		return true
	}
	return false
}

// CreateUpdateObservableGauge creates or updates observable gauge.
func (m *Measurements) CreateUpdateObservableGauge(name, description string) {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: name,
		Help: description,
	})
	m.mux.Lock()
	defer m.mux.Unlock()
	if old, ok := m.gauge[name]; ok {
		m.registry.Unregister(old)
	}
	m.registry.MustRegister(gauge)
	m.gauge[name] = gauge
}

func (m *Measurements) withGauge(name string, f func(prometheus.Gauge)) bool {
	m.mux.RLock()
	defer m.mux.RUnlock()
	if v, ok := m.gauge[name]; ok {
		f(v)
		return true
	}
	return false
}

// AddToGauge adds to gauge the value if entity with given name exists.
func (m *Measurements) AddToGauge(name string, f float64) bool {
	return m.withGauge(name, func(g prometheus.Gauge) { g.Add(f) })
}

// RemoveFromGauge subtracts from gauge the value if entity with given name exists.
func (m *Measurements) RemoveFromGauge(name string, f float64) bool {
	return m.withGauge(name, func(g prometheus.Gauge) { g.Sub(f) })
}

// IncrementGauge increments gauge the value if entity with given name exists.
func (m *Measurements) IncrementGauge(name string) bool {
	return m.withGauge(name, func(g prometheus.Gauge) { g.Inc() })
}

// DecrementGauge decrements gauge the value if entity with given name exists.
func (m *Measurements) DecrementGauge(name string) bool {
	return m.withGauge(name, func(g prometheus.Gauge) { g.Dec() })
}

// SetGauge sets the gauge to the value if entity with given name exists.
func (m *Measurements) SetGauge(name string, f float64) bool {
	return m.withGauge(name, func(g prometheus.Gauge) { g.Set(f) })
}

// SetToCurrentTimeGauge sets the gauge to the current time if entity with given name exists.
func (m *Measurements) SetToCurrentTimeGauge(name string) bool {
	return m.withGauge(name, func(g prometheus.Gauge) { g.SetToCurrentTime() })
}

// CreateUpdateObservableCounter creates or updates observable counter.
func (m *Measurements) CreateUpdateObservableCounter(name, description string) {
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: name,
		Help: description,
	})
	m.mux.Lock()
	defer m.mux.Unlock()
	if old, ok := m.counters[name]; ok {
		m.registry.Unregister(old)
	}
	m.registry.MustRegister(counter)
	m.counters[name] = counter
}

// IncrementCounter increments counter if entity with given name exists.
func (m *Measurements) IncrementCounter(name string) bool {
	m.mux.RLock()
	defer m.mux.RUnlock()
	if v, ok := m.counters[name]; ok {
		v.Inc()
		return true
	}
	return false
}

// Run starts server with prometheus telemetry endpoint.
// Returns Measurements structure if successfully started or cancels context otherwise.
// Default port of 2112 is used if port value is set to 0.
func Run(ctx context.Context, cancel context.CancelFunc, port int) (*Measurements, error) {
	if port > 65535 || port < 0 {
		return nil, fmt.Errorf("port range allowed is from 1 to 65535, received %d", port)
	}
	if port == 0 {
		port = defaultPort
	}
	m := New()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		srv := http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				cancel()
			}
		}()

		<-ctx.Done()

		srv.Shutdown(context.Background())
	}()

	return m, nil
}
