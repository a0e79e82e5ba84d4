package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bridgekit/mcp-bridge/pkg/logging"
)

// Metrics holds the Prometheus collectors for endpoint traffic.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	connectsTotal   *prometheus.CounterVec
}

// NewMetrics registers the endpoint traffic collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "endpoint",
			Name:      "requests_total",
			Help:      "Endpoint requests by method and outcome.",
		}, []string{"method", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bridge",
			Subsystem: "endpoint",
			Name:      "request_duration_seconds",
			Help:      "Endpoint request latency by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		connectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "endpoint",
			Name:      "connects_total",
			Help:      "Connection attempts by transport and outcome.",
		}, []string{"transport", "status"}),
	}
}

// ObserveRequest records one request exchange.
func (m *Metrics) ObserveRequest(method string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.requestsTotal.WithLabelValues(method, status).Inc()
	m.requestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// ObserveConnect records one connection attempt over the named transport.
func (m *Metrics) ObserveConnect(transportName string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.connectsTotal.WithLabelValues(transportName, status).Inc()
}

// ObservabilityMiddleware adds logging, metrics and tracing around every
// request a transport sends. Any of the three may be nil.
type ObservabilityMiddleware struct {
	logger  logging.Logger
	metrics *Metrics
	tracer  trace.Tracer
}

// NewObservabilityMiddleware creates the middleware. A nil logger disables
// logging, a nil metrics disables collection, a nil tracer disables spans.
func NewObservabilityMiddleware(logger logging.Logger, metrics *Metrics, tracer trace.Tracer) *ObservabilityMiddleware {
	if logger == nil {
		logger = logging.Noop()
	}
	return &ObservabilityMiddleware{
		logger:  logger.WithComponent("transport"),
		metrics: metrics,
		tracer:  tracer,
	}
}

// Wrap implements Middleware.
func (m *ObservabilityMiddleware) Wrap(transport Transport) Transport {
	return &obsTransport{wrappedTransport: wrappedTransport{next: transport}, mw: m}
}

type obsTransport struct {
	wrappedTransport
	mw *ObservabilityMiddleware
}

func (t *obsTransport) SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	var span trace.Span
	if t.mw.tracer != nil {
		ctx, span = t.mw.tracer.Start(ctx, "endpoint.request",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(attribute.String("rpc.method", method)),
		)
		defer span.End()
	}

	start := time.Now()
	result, err := t.next.SendRequest(ctx, method, params)
	duration := time.Since(start)

	t.mw.metrics.ObserveRequest(method, duration, err)
	if span != nil {
		if err != nil {
			span.SetStatus(otelcodes.Error, err.Error())
		} else {
			span.SetStatus(otelcodes.Ok, "")
		}
	}

	if err != nil {
		t.mw.logger.Warn("endpoint request failed",
			logging.String("method", method),
			logging.Duration("duration", duration),
			logging.ErrorField(err),
		)
	} else {
		t.mw.logger.Debug("endpoint request",
			logging.String("method", method),
			logging.Duration("duration", duration),
		)
	}
	return result, err
}
