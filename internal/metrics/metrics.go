// Package metrics exposes Prometheus collectors for the detection pipeline and the collectors.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// EventsIngested counts events submitted to the pipeline by chain and outcome.
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_events_total",
			Help: "Transfer events submitted to the pipeline",
		},
		[]string{"chain", "outcome"},
	)

	// EventsFiltered counts events rejected per filter.
	EventsFiltered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_events_filtered_total",
			Help: "Transfer events rejected by the filter chain",
		},
		[]string{"filter"},
	)

	// AlertsTotal counts alerts by detector and cooldown outcome.
	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_alerts_total",
			Help: "Alerts produced by detectors",
		},
		[]string{"detector", "outcome"},
	)

	// DetectorErrors counts detector failures, recovered panics included.
	DetectorErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_detector_errors_total",
			Help: "Detector evaluation failures",
		},
		[]string{"detector"},
	)

	// DetectorDuration tracks per-detector evaluation latency.
	DetectorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_detector_duration_seconds",
			Help:    "Duration of a single detector evaluation",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		},
		[]string{"detector"},
	)

	// DispatchTotal counts alert deliveries per executor and result.
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_dispatch_total",
			Help: "Alert deliveries attempted by executors",
		},
		[]string{"executor", "result"},
	)

	// DispatchQueueDepth reports buffered alerts awaiting delivery.
	DispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_dispatch_queue_depth",
			Help: "Alerts waiting in the dispatch buffer",
		},
	)

	// CollectorHead reports the last processed block per chain.
	CollectorHead = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_collector_block",
			Help: "Last block processed by the chain collector",
		},
		[]string{"chain"},
	)

	// CollectorErrors counts failed collector scans per chain.
	CollectorErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_collector_errors_total",
			Help: "Collector scan failures",
		},
		[]string{"chain"},
	)
)

// ObserveDetector records the latency of one detector evaluation.
func ObserveDetector(name string, took time.Duration) {
	DetectorDuration.WithLabelValues(name).Observe(took.Seconds())
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("metrics listener started")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
