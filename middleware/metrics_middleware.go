package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"ariactl/rpcerr"

	"github.com/prometheus/client_golang/prometheus"
)

// Call outcomes, used as log field and metric label.
const (
	OutcomeOK          = "ok"
	OutcomeRemoteError = "remote_error"
	OutcomeTimeout     = "timeout"
	OutcomeConnection  = "connection"
	OutcomeExhausted   = "retry_exhausted"
	OutcomeCanceled    = "canceled"
	OutcomeError       = "error"
)

// Outcome classifies err into one of the Outcome* labels.
func Outcome(err error) string {
	var (
		rpcErr     *rpcerr.RPCError
		exhausted  *rpcerr.RetryExhaustedError
		timeoutErr *rpcerr.TimeoutError
		connErr    *rpcerr.ConnectionError
	)
	switch {
	case err == nil:
		return OutcomeOK
	case errors.As(err, &rpcErr):
		return OutcomeRemoteError
	case errors.As(err, &exhausted):
		return OutcomeExhausted
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	case errors.As(err, &timeoutErr):
		return OutcomeTimeout
	case errors.As(err, &connErr), errors.Is(err, rpcerr.ErrNotConnected):
		return OutcomeConnection
	default:
		return OutcomeError
	}
}

// Metrics holds the client's prometheus collectors.
type Metrics struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	retries  *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors on reg. pending, if non-nil,
// is exported as a gauge of outstanding requests.
func NewMetrics(reg prometheus.Registerer, pending func() float64) *Metrics {
	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ariactl",
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "Calls issued to the download engine by method and outcome.",
		}, []string{"method", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ariactl",
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "Call latency including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ariactl",
			Subsystem: "rpc",
			Name:      "retries_total",
			Help:      "Attempts re-issued after a transient failure.",
		}, []string{"method"}),
	}
	if reg != nil {
		reg.MustRegister(m.calls, m.duration, m.retries)
		if pending != nil {
			reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "ariactl",
				Subsystem: "rpc",
				Name:      "pending_requests",
				Help:      "Requests waiting for a response.",
			}, pending))
		}
	}
	return m
}

// ObserveRetry counts one retry; suitable as RetryPolicy.OnRetry.
func (m *Metrics) ObserveRetry(call *Call, _ time.Duration, _ error) {
	m.retries.WithLabelValues(call.Method).Inc()
}

// MetricsMiddleware records count, outcome and latency of every call.
func MetricsMiddleware(m *Metrics) Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, call *Call) (json.RawMessage, error) {
			start := time.Now()
			result, err := next(ctx, call)
			m.duration.WithLabelValues(call.Method).Observe(time.Since(start).Seconds())
			m.calls.WithLabelValues(call.Method, Outcome(err)).Inc()
			return result, err
		}
	}
}
