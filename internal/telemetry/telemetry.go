// Package telemetry carries the ambient observability stack forward from
// the teacher's internal/app/metrics: a dedicated Prometheus Registry, an
// HTTP instrumentation middleware, and named counters/histograms for the
// mixer's own domain events. Grounded on internal/app/metrics/metrics.go.
package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/R3E-Network/mixer/internal/core"
)

var (
	// Registry holds every mixer-specific Prometheus collector. It is a
	// single package-level registry, separate from
	// prometheus.DefaultRegisterer, so /metrics exposes only what is
	// registered here.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mixer", Subsystem: "http", Name: "inflight_requests",
		Help: "Current number of in-flight HTTP requests.",
	})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mixer", Subsystem: "http", Name: "requests_total",
		Help: "Total number of HTTP requests handled.",
	}, []string{"method", "path", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mixer", Subsystem: "http", Name: "request_duration_seconds",
		Help: "Duration of HTTP requests.", Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"method", "path"})

	mixRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mixer", Subsystem: "engine", Name: "mix_requests_total",
		Help: "Total mix requests by terminal status.",
	}, []string{"currency", "status"})

	mixPhaseDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mixer", Subsystem: "engine", Name: "phase_duration_seconds",
		Help: "Duration of each mixing phase.", Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"strategy", "phase"})

	poolSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mixer", Subsystem: "pool", Name: "size_native_units",
		Help: "Current pool liquidity in native units.",
	}, []string{"currency"})

	schedulerJobsFired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mixer", Subsystem: "scheduler", Name: "jobs_fired_total",
		Help: "Total scheduled payout jobs fired.",
	}, []string{"outcome"})

	recoveryIssues = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mixer", Subsystem: "recovery", Name: "issues_total",
		Help: "Total inconsistencies detected by the recovery manager.",
	}, []string{"category", "severity", "auto_fixed"})

	encryptionOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mixer", Subsystem: "cryptobox", Name: "operations_total",
		Help: "Total encryption-manager operations.",
	}, []string{"operation", "outcome"})
)

func init() {
	Registry.MustRegister(
		httpInFlight, httpRequests, httpDuration,
		mixRequestsTotal, mixPhaseDuration, poolSize,
		schedulerJobsFired, recoveryIssues, encryptionOps,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler exposes the registry in the Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps next with request-count and latency collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		next.ServeHTTP(rec, r)
		duration := time.Since(start)
		httpRequests.WithLabelValues(strings.ToUpper(r.Method), canonicalPath(r.URL.Path), strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(strings.ToUpper(r.Method), canonicalPath(r.URL.Path)).Observe(duration.Seconds())
	})
}

// RecordMixRequestTerminal records a mix request reaching a terminal status.
func RecordMixRequestTerminal(currency, status string) {
	mixRequestsTotal.WithLabelValues(currency, status).Inc()
}

// RecordPhaseDuration records how long a mixing phase took.
func RecordPhaseDuration(strategy, phase string, d time.Duration) {
	mixPhaseDuration.WithLabelValues(strategy, phase).Observe(d.Seconds())
}

// RecordPoolSize sets the current gauge reading for a currency's pool.
func RecordPoolSize(currency string, sizeNativeUnits int64) {
	poolSize.WithLabelValues(currency).Set(float64(sizeNativeUnits))
}

// RecordSchedulerFire records a payout job firing, successfully or not.
func RecordSchedulerFire(success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	schedulerJobsFired.WithLabelValues(outcome).Inc()
}

// RecordRecoveryIssue records one detected inconsistency.
func RecordRecoveryIssue(category, severity string, autoFixed bool) {
	recoveryIssues.WithLabelValues(category, severity, strconv.FormatBool(autoFixed)).Inc()
}

// RecordEncryptionOp records an encrypt/decrypt/rotate outcome.
func RecordEncryptionOp(operation string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	encryptionOps.WithLabelValues(operation, outcome).Inc()
}

// ObservationHooks adapts the registry into core.ObservationHooks for a
// named subsystem, mirroring the teacher's per-subsystem gauge+histogram
// pattern without the global sync.Map cache (the mixer has a small, known
// set of instrumented call sites, fixed at startup).
func ObservationHooks(subsystem, name string) core.ObservationHooks {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mixer", Subsystem: subsystem, Name: name + "_in_flight",
		Help: "Current operations in flight.",
	}, []string{"resource"})
	hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mixer", Subsystem: subsystem, Name: name + "_duration_seconds",
		Help: "Duration of operations.", Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
	}, []string{"resource", "status"})
	Registry.MustRegister(gauge, hist)

	return core.ObservationHooks{
		OnStart: func(ctx context.Context, meta map[string]string) {
			gauge.WithLabelValues(metaLabel(meta)).Inc()
		},
		OnComplete: func(ctx context.Context, meta map[string]string, err error, duration time.Duration) {
			label := metaLabel(meta)
			gauge.WithLabelValues(label).Dec()
			status := "success"
			if err != nil {
				status = "error"
			}
			hist.WithLabelValues(label, status).Observe(duration.Seconds())
		},
	}
}

func metaLabel(meta map[string]string) string {
	if meta == nil {
		return "unknown"
	}
	if id, ok := meta["mix_id"]; ok && id != "" {
		return id
	}
	if id, ok := meta["currency"]; ok && id != "" {
		return id
	}
	return "unknown"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) >= 2 && parts[0] == "status" {
		return "/status/:mix_id"
	}
	return "/" + parts[0]
}
