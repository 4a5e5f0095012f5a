// Package metrics provides Prometheus metrics for codrive.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all codrive metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns an HTTP handler serving Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// Metrics holds the authorization and reconciliation metrics.
// All methods are safe to call on a nil receiver.
type Metrics struct {
	AuthRequests        *prometheus.CounterVec   // codrive_auth_requests_total{outcome}
	AuthRequestDuration prometheus.Histogram     // codrive_auth_request_duration_seconds
	AuthInbound         *prometheus.CounterVec   // codrive_auth_inbound_total{reply}
	ReconcilePasses     *prometheus.CounterVec   // codrive_reconcile_passes_total{result}
	WriterLoads         *prometheus.CounterVec   // codrive_writer_loads_total{op,result}
	LoadedDrives        *prometheus.GaugeVec     // codrive_loaded_drives{primary}
	ReconcileDuration   *prometheus.HistogramVec // codrive_reconcile_duration_seconds{trigger}
}

// Init registers the metrics with registry, or Registry when nil.
// Metrics are only registered once; later calls return the same instance.
func Init(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = Registry
		}
		metricsInstance = &Metrics{
			AuthRequests: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "codrive_auth_requests_total",
				Help: "Outbound authorization requests by outcome",
			}, []string{"outcome"}),

			AuthRequestDuration: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
				Name:    "codrive_auth_request_duration_seconds",
				Help:    "Time from broadcasting an authorization request to its resolution",
				Buckets: prometheus.DefBuckets,
			}),

			AuthInbound: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "codrive_auth_inbound_total",
				Help: "Inbound authorization requests by reply sent",
			}, []string{"reply"}),

			ReconcilePasses: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "codrive_reconcile_passes_total",
				Help: "Drive set reconciliation passes by result",
			}, []string{"result"}),

			WriterLoads: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "codrive_writer_loads_total",
				Help: "Writer drive load and unload operations by result",
			}, []string{"op", "result"}),

			LoadedDrives: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
				Name: "codrive_loaded_drives",
				Help: "Drives currently loaded, including the primary",
			}, []string{"primary"}),

			ReconcileDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
				Name:    "codrive_reconcile_duration_seconds",
				Help:    "Duration of reconciliation passes",
				Buckets: prometheus.DefBuckets,
			}, []string{"trigger"}),
		}
	})

	return metricsInstance
}

// Get returns the registered metrics, or nil if Init has not been called.
func Get() *Metrics {
	return metricsInstance
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordAuthRequest records the outcome of an outbound request.
func (m *Metrics) RecordAuthRequest(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.AuthRequests.WithLabelValues(outcome).Inc()
	m.AuthRequestDuration.Observe(elapsed.Seconds())
}

// RecordInbound records the reply sent to an inbound request.
func (m *Metrics) RecordInbound(reply string) {
	if m == nil {
		return
	}
	m.AuthInbound.WithLabelValues(reply).Inc()
}

// RecordReconcile records a reconciliation pass.
func (m *Metrics) RecordReconcile(trigger string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.ReconcilePasses.WithLabelValues(result(err)).Inc()
	m.ReconcileDuration.WithLabelValues(trigger).Observe(elapsed.Seconds())
}

// RecordWriterOp records a writer load or unload.
func (m *Metrics) RecordWriterOp(op string, err error) {
	if m == nil {
		return
	}
	m.WriterLoads.WithLabelValues(op, result(err)).Inc()
}

// SetLoadedDrives sets the number of drives loaded for a primary.
func (m *Metrics) SetLoadedDrives(primary string, n int) {
	if m == nil {
		return
	}
	m.LoadedDrives.WithLabelValues(primary).Set(float64(n))
}
