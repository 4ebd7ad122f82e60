// Package metrics records auth pipeline timings and outcomes as Prometheus series
// and OpenTelemetry spans.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	obserrors "github.com/armazem-sao-joaquim/backoffice/internal/observability/errors"
)

// Result constants for metric labels.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

const (
	defaultNamespace  = "backoffice"
	defaultTracerName = "backoffice/auth"
)

// Options configures a Recorder.
type Options struct {
	// Namespace prefixes every series (default: "backoffice").
	Namespace string
	// Registry receives the collectors. Nil creates a private registry.
	Registry *prometheus.Registry
	// Buckets for operation durations. Default: prometheus.DefBuckets.
	Buckets []float64
	// TracerName names the otel tracer (default: "backoffice/auth").
	TracerName string
}

// Recorder owns the auth collectors and tracer.
type Recorder struct {
	registry      *prometheus.Registry
	durations     *prometheus.HistogramVec
	operations    *prometheus.CounterVec
	verifications *prometheus.CounterVec
	logins        *prometheus.CounterVec
	reaped        *prometheus.CounterVec
	reaperSuccess prometheus.Gauge
	tracer        trace.Tracer
}

// NewRecorder registers the auth collectors on opts.Registry.
func NewRecorder(opts Options) *Recorder {
	if opts.Namespace == "" {
		opts.Namespace = defaultNamespace
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	if len(opts.Buckets) == 0 {
		opts.Buckets = prometheus.DefBuckets
	}
	if opts.TracerName == "" {
		opts.TracerName = defaultTracerName
	}

	factory := promauto.With(opts.Registry)
	return &Recorder{
		registry: opts.Registry,
		durations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: opts.Namespace,
			Subsystem: "auth",
			Name:      "operation_duration_seconds",
			Help:      "Duration of measured auth operations in seconds",
			Buckets:   opts.Buckets,
		}, []string{"operation"}),
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Subsystem: "auth",
			Name:      "operations_total",
			Help:      "Total measured auth operations by result",
		}, []string{"operation", "result", "error_class"}),
		verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Subsystem: "auth",
			Name:      "admin_verifications_total",
			Help:      "Admin verification outcomes by method",
		}, []string{"method", "is_admin"}),
		logins: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Subsystem: "auth",
			Name:      "logins_total",
			Help:      "Login attempts by result",
		}, []string{"result", "error_class"}),
		reaped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Subsystem: "reaper",
			Name:      "admin_sessions_deleted_total",
			Help:      "Admin session records pruned by the reaper",
		}, []string{"result"}),
		reaperSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: opts.Namespace,
			Subsystem: "reaper",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful reaper pass",
		}),
		tracer: otel.Tracer(opts.TracerName),
	}
}

// Handler serves the recorder's registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, e.g. for additional collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ObserveVerification counts an admin verification outcome.
func (r *Recorder) ObserveVerification(method string, isAdmin bool) {
	if r == nil {
		return
	}
	r.verifications.WithLabelValues(method, strconv.FormatBool(isAdmin)).Inc()
}

// ObserveLogin counts a login attempt. A nil err counts as success.
func (r *Recorder) ObserveLogin(err error) {
	if r == nil {
		return
	}
	if err == nil {
		r.logins.WithLabelValues(ResultSuccess, "").Inc()
		return
	}
	r.logins.WithLabelValues(ResultError, obserrors.Classify(err)).Inc()
}

// ObserveReaperPass records one reaper pass that deleted count rows.
func (r *Recorder) ObserveReaperPass(count int64, err error, at time.Time) {
	if r == nil {
		return
	}
	if err != nil {
		r.reaped.WithLabelValues(ResultError).Add(float64(count))
		return
	}
	r.reaped.WithLabelValues(ResultSuccess).Add(float64(count))
	r.reaperSuccess.Set(float64(at.Unix()))
}

// Measure runs fn inside a span named name and records its duration.
// The result and error of fn are returned unchanged. A nil recorder just runs fn.
func Measure[T any](ctx context.Context, r *Recorder, name string, fn func(context.Context) (T, error)) (T, error) {
	if r == nil {
		return fn(ctx)
	}

	ctx, span := r.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("auth.operation", name)))
	defer span.End()

	start := time.Now()
	out, err := fn(ctx)
	r.durations.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if err != nil {
		class := obserrors.Classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, class)
		r.operations.WithLabelValues(name, ResultError, class).Inc()
		return out, err
	}
	r.operations.WithLabelValues(name, ResultSuccess, "").Inc()
	return out, nil
}
