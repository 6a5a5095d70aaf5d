package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch outcomes.
const (
	FetchHit    = "hit"
	FetchMiss   = "miss"
	FetchBypass = "bypass"
	FetchError  = "error"
)

// Write-back outcomes.
const (
	WriteBackStored  = "stored"
	WriteBackSkipped = "skipped"
	WriteBackFailed  = "failed"
)

// Metrics holds the controller's counters in a private registry.
// All methods are safe on a nil receiver, which records nothing.
type Metrics struct {
	registry   *prometheus.Registry
	fetches    *prometheus.CounterVec
	writeBacks *prometheus.CounterVec
	installs   *prometheus.CounterVec
	deletions  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	fetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_cache_fetch_total",
		Help: "Intercepted requests by outcome",
	}, []string{"cache", "result"})

	writeBacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_cache_write_back_total",
		Help: "Network responses considered for the cache by outcome",
	}, []string{"cache", "result"})

	installs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_cache_install_total",
		Help: "App shell installations by outcome",
	}, []string{"cache", "result"})

	deletions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_cache_stale_cache_deletions_total",
		Help: "Stale cache deletions during activation by outcome",
	}, []string{"result"})

	registry.MustRegister(fetches, writeBacks, installs, deletions)

	return &Metrics{
		registry:   registry,
		fetches:    fetches,
		writeBacks: writeBacks,
		installs:   installs,
		deletions:  deletions,
	}
}

func (m *Metrics) Fetch(cache, result string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(cache, result).Inc()
}

func (m *Metrics) WriteBack(cache, result string) {
	if m == nil {
		return
	}
	m.writeBacks.WithLabelValues(cache, result).Inc()
}

func (m *Metrics) Install(cache string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.installs.WithLabelValues(cache, result).Inc()
}

func (m *Metrics) Deletion(err error) {
	if m == nil {
		return
	}
	result := "deleted"
	if err != nil {
		result = "failed"
	}
	m.deletions.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, e.g. for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
