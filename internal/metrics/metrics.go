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

	captureStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "capturd",
			Subsystem: "capture",
			Name:      "starts_total",
			Help:      "Number of successful capture starts.",
		}, []string{"source"},
	)
	captureEnds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "capturd",
			Subsystem: "capture",
			Name:      "ends_total",
			Help:      "Number of captures reaching a terminal status.",
		}, []string{"source", "status"},
	)
	activeCaptures = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "capturd",
			Subsystem: "capture",
			Name:      "active",
			Help:      "Current number of active captures.",
		},
	)
	gateDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "capturd",
			Subsystem: "gate",
			Name:      "denials_total",
			Help:      "Number of capture starts denied by the disk budget gate.",
		}, []string{"reason"},
	)
	probeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "capturd",
			Subsystem: "probe",
			Name:      "failures_total",
			Help:      "Number of probes that failed closed (timeout, spawn error, bad output).",
		},
	)
	scanSkips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "capturd",
			Subsystem: "scanner",
			Name:      "skips_total",
			Help:      "Number of scan ticks skipped because a scan was still running.",
		},
	)
	capturedBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "capturd",
			Subsystem: "capture",
			Name:      "bytes_total",
			Help:      "Bytes written by finished captures.",
		}, []string{"source"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{captureStarts, captureEnds, activeCaptures, gateDenials, probeFailures, scanSkips, capturedBytes}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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

// Handler returns an http.Handler serving Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncCaptureStart(source string) {
	if regOK.Load() {
		captureStarts.WithLabelValues(source).Inc()
	}
}

func IncCaptureEnd(source, status string) {
	if regOK.Load() {
		captureEnds.WithLabelValues(source, status).Inc()
	}
}

func SetActiveCaptures(n int) {
	if regOK.Load() {
		activeCaptures.Set(float64(n))
	}
}

func IncGateDenial(reason string) {
	if regOK.Load() {
		gateDenials.WithLabelValues(reason).Inc()
	}
}

func IncProbeFailure() {
	if regOK.Load() {
		probeFailures.Inc()
	}
}

func IncScanSkip() {
	if regOK.Load() {
		scanSkips.Inc()
	}
}

func AddCapturedBytes(source string, n int64) {
	if regOK.Load() && n > 0 {
		capturedBytes.WithLabelValues(source).Add(float64(n))
	}
}
