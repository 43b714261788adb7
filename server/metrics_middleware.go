package server

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rfratto/fine"
)

// MetricsMiddleware records the number and duration of requests by op and
// outcome.
type MetricsMiddleware struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetricsMiddleware creates a MetricsMiddleware and registers its metrics
// with reg. reg may be nil.
func NewMetricsMiddleware(reg prometheus.Registerer) (*MetricsMiddleware, error) {
	m := &MetricsMiddleware{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fine",
			Name:      "requests_total",
			Help:      "Total number of handled filesystem requests.",
		}, []string{"op", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fine",
			Name:      "request_duration_seconds",
			Help:      "Time spent handling filesystem requests.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"op"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.requests, m.duration} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *MetricsMiddleware) HandleRequest(ctx context.Context, hdr *fine.RequestHeader, req fine.Request, invoker Invoker) (fine.Response, error) {
	start := time.Now()
	resp, err := invoker(ctx, hdr, req)
	op := hdr.Op.String()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	m.requests.WithLabelValues(op, requestStatus(err)).Inc()
	return resp, err
}

// requestStatus returns the label for the outcome of a request: "ok" or the
// name of the errno.
func requestStatus(err error) string {
	if err == nil {
		return "ok"
	}
	var fe fine.Error
	if !errors.As(err, &fe) {
		fe = errorForResponse(err)
	}
	if fe == 0 {
		return "ok"
	}
	return fe.Name()
}
