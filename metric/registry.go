// Package metric owns the Prometheus registry shared by the data plane.
// Components register their collectors under a component name so duplicate
// registrations surface as invalid errors instead of panics.
package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360/dataplane/errors"
)

// MetricsRegistry wraps a private Prometheus registry holding the core
// transfer metrics, the Go runtime collectors, and any component collectors.
type MetricsRegistry struct {
	prom *prometheus.Registry
	core *Metrics

	mu     sync.Mutex
	byName map[string]prometheus.Collector
}

// NewMetricsRegistry creates a registry with the core metrics pre-registered.
func NewMetricsRegistry() *MetricsRegistry {
	r := &MetricsRegistry{
		prom:   prometheus.NewRegistry(),
		core:   NewMetrics(),
		byName: make(map[string]prometheus.Collector),
	}
	r.prom.MustRegister(r.core.collectors()...)
	r.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// PrometheusRegistry exposes the underlying registry for scraping.
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prom
}

// CoreMetrics returns the transfer metrics shared by every component.
func (r *MetricsRegistry) CoreMetrics() *Metrics {
	return r.core
}

// Register adds a collector owned by component. Registering the same
// component/name pair twice, or a collector whose descriptors clash with an
// existing one, is an invalid error.
func (r *MetricsRegistry) Register(component, name string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := component + "." + name
	if _, ok := r.byName[key]; ok {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered by %s", name, component),
			"MetricsRegistry", "Register", "register "+key)
	}

	if err := r.prom.Register(c); err != nil {
		var dup prometheus.AlreadyRegisteredError
		if stderrors.As(err, &dup) {
			return errors.WrapInvalid(err, "MetricsRegistry", "Register", "register "+key)
		}
		return errors.WrapFatal(err, "MetricsRegistry", "Register", "register "+key)
	}
	r.byName[key] = c
	return nil
}

// Unregister removes a collector added with Register. It reports whether
// anything was removed.
func (r *MetricsRegistry) Unregister(component, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := component + "." + name
	c, ok := r.byName[key]
	if !ok || !r.prom.Unregister(c) {
		return false
	}
	delete(r.byName, key)
	return true
}
