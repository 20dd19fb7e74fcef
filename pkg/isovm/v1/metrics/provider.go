// Package metrics defines the interface the runtime uses to publish its
// Prometheus metric registry to a consuming process.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// RegistryProvider exposes the Prometheus registry the runtime publishes its
// counters and histograms to, so a host process can serve /metrics itself.
type RegistryProvider interface {
	Registry() *prometheus.Registry
}
