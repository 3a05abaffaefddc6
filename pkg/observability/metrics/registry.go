// Package metrics provides the Prometheus registry shared by all messaging
// components and its export surfaces.
package metrics

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

// Registry manages metric registration and exposure. Producer, consumer,
// dead-letter and monitor collectors all register here so one export surface
// covers the whole process.
type Registry struct {
	registry *prometheus.Registry
}

// NewRegistry creates a registry pre-loaded with Go runtime and process
// collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &Registry{registry: reg}
}

// Register registers a custom collector.
func (r *Registry) Register(c prometheus.Collector) error {
	return r.registry.Register(c)
}

// MustRegister registers collectors and panics on conflict. Use at startup
// only.
func (r *Registry) MustRegister(cs ...prometheus.Collector) {
	r.registry.MustRegister(cs...)
}

// Unregister removes a collector. Primarily useful in tests.
func (r *Registry) Unregister(c prometheus.Collector) bool {
	return r.registry.Unregister(c)
}

// Prometheus exposes the underlying registry for components that register
// their own collectors.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.registry
}

// TextExport renders every registered metric in the Prometheus text
// exposition format.
func (r *Registry) TextExport() ([]byte, error) {
	families, err := r.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics failed: %w", err)
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return nil, fmt.Errorf("encode metric family %s failed: %w", mf.GetName(), err)
		}
	}
	return buf.Bytes(), nil
}

// Handler returns an HTTP handler exposing the registry in Prometheus format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
