package nodeaddr

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricNamespace = "nodeaddr"

// Resolve outcomes used as the "result" label
const (
	resultConcrete   = "concrete"
	resultCacheHit   = "cache_hit"
	resultResolved   = "resolved"
	resultNegative   = "negative"
	resultTransport  = "transport_error"
	resultValidation = "validation_error"
	resultCancelled  = "cancelled"
	resultError      = "error"
)

// Metrics holds the resolver counters, a nil *Metrics records nothing
type Metrics struct {
	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
	backendCalls  *prometheus.CounterVec
	joinedWaiters prometheus.Counter
	resolves      *prometheus.CounterVec
	cacheEntries  prometheus.Gauge
}

// NewMetrics creates the resolver metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "cache_hits_total",
			Help:      "Lookups answered from the resolution cache",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "cache_misses_total",
			Help:      "Lookups not found in the resolution cache",
		}),
		backendCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "backend_calls_total",
			Help:      "Calls made to the resolution backend, partitioned by backend",
		}, []string{"backend"}),
		joinedWaiters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "joined_waiters_total",
			Help:      "Resolves that joined an in-flight request instead of calling the backend",
		}),
		resolves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "resolves_total",
			Help:      "Resolve calls, partitioned by result",
		}, []string{"result"}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Name:      "cache_entries",
			Help:      "Entries held in the resolution cache",
		}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{m.cacheHits, m.cacheMisses, m.backendCalls, m.joinedWaiters, m.resolves, m.cacheEntries} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) hit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) miss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

func (m *Metrics) backendCall(name string) {
	if m != nil {
		m.backendCalls.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) joined() {
	if m != nil {
		m.joinedWaiters.Inc()
	}
}

func (m *Metrics) result(err error) {
	if m == nil {
		return
	}
	m.resolves.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) outcome(label string) {
	if m != nil {
		m.resolves.WithLabelValues(label).Inc()
	}
}

func (m *Metrics) entries(n int) {
	if m != nil {
		m.cacheEntries.Set(float64(n))
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return resultResolved
	case errors.Is(err, ErrNegativeResponse):
		return resultNegative
	case errors.Is(err, ErrTransport):
		return resultTransport
	case errors.Is(err, ErrValidationFailed):
		return resultValidation
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return resultCancelled
	}
	return resultError
}
