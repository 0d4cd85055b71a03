package router

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// Metrics counts proxied requests.
type Metrics struct {
	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewMetrics registers the router collectors with reg.
// Collectors that are already registered are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deployer",
			Subsystem: "router",
			Name:      "http_requests_total",
			Help:      "Count of proxied HTTP requests",
		}, []string{"method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "deployer",
			Subsystem: "router",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of proxied HTTP requests",
			Buckets:   histogramBuckets,
		}, []string{"method", "status"}),
	}

	if err := reg.Register(m.requestTotal); err != nil {
		existing, err := alreadyRegistered[*prometheus.CounterVec](err)
		if err != nil {
			return nil, err
		}
		m.requestTotal = existing
	}
	if err := reg.Register(m.requestDuration); err != nil {
		existing, err := alreadyRegistered[*prometheus.HistogramVec](err)
		if err != nil {
			return nil, err
		}
		m.requestDuration = existing
	}

	return m, nil
}

func alreadyRegistered[C prometheus.Collector](err error) (C, error) {
	var zero C
	already := prometheus.AlreadyRegisteredError{}
	if !errors.As(err, &already) {
		return zero, err
	}
	existing, ok := already.ExistingCollector.(C)
	if !ok {
		return zero, err
	}
	return existing, nil
}

// start returns a func that records a request of method with its final status.
// It is safe to call on a nil Metrics.
func (m *Metrics) start(method string) func(status int) {
	if m == nil {
		return func(int) {}
	}
	begin := time.Now()
	return func(status int) {
		if status == 0 {
			status = http.StatusOK
		}
		labels := prometheus.Labels{"method": methodLabel(method), "status": strconv.Itoa(status)}
		m.requestTotal.With(labels).Inc()
		m.requestDuration.With(labels).Observe(time.Since(begin).Seconds())
	}
}

// methodLabel maps nonstandard methods to "other" to bound label cardinality.
func methodLabel(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodConnect, http.MethodOptions, http.MethodTrace:
		return method
	default:
		return "other"
	}
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (rr *responseRecorder) WriteHeader(code int) {
	if rr.status == 0 {
		rr.status = code
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	return rr.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rr *responseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}
