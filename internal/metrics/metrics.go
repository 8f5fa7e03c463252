package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "regstack",
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of successful service starts.",
		}, []string{"service"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "regstack",
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of service stops (graceful or kill).",
		}, []string{"service"},
	)
	runningServices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "regstack",
			Subsystem: "service",
			Name:      "running",
			Help:      "Current number of supervised services.",
		},
	)
	downloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "regstack",
			Subsystem: "provision",
			Name:      "downloads_total",
			Help:      "Number of completed binary downloads by result.",
		}, []string{"service", "result"},
	)
	downloadBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "regstack",
			Subsystem: "provision",
			Name:      "download_bytes_total",
			Help:      "Total bytes downloaded per service.",
		}, []string{"service"},
	)
	checksumFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "regstack",
			Subsystem: "provision",
			Name:      "checksum_failures_total",
			Help:      "Number of checksum verification failures.",
		}, []string{"service"},
	)
	resets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "regstack",
			Subsystem: "supervisor",
			Name:      "data_resets_total",
			Help:      "Number of completed data resets.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serviceStarts, serviceStops, runningServices,
		downloads, downloadBytes, checksumFailures, resets,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler serving the default registry.
func Handler() http.Handler { return promhttp.Handler() }

func IncServiceStart(service string) { serviceStarts.WithLabelValues(service).Inc() }
func IncServiceStop(service string)  { serviceStops.WithLabelValues(service).Inc() }
func SetRunningServices(n int)       { runningServices.Set(float64(n)) }
func IncReset()                      { resets.Inc() }

func IncDownload(service, result string) { downloads.WithLabelValues(service, result).Inc() }
func AddDownloadBytes(service string, n int64) {
	downloadBytes.WithLabelValues(service).Add(float64(n))
}
func IncChecksumFailure(service string) { checksumFailures.WithLabelValues(service).Inc() }
