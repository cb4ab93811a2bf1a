package observ

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type registry struct {
	mu       sync.Mutex
	counters map[string]map[string]int64       // name -> labelsKey -> count
	gauges   map[string]map[string]float64      // name -> labelsKey -> value
	hist     map[string]map[string][]float64    // name -> labelsKey -> samples
}

var reg = &registry{
	counters: map[string]map[string]int64{},
	gauges:   map[string]map[string]float64{},
	hist:     map[string]map[string][]float64{},
}

// canonicalize label map so key order is stable
func canonLabels(lbl map[string]string) string {
	if len(lbl) == 0 {
		return ""
	}
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(lbl[k])
	}
	return b.String()
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.counters[name]
	if !ok {
		m = map[string]int64{}
		reg.counters[name] = m
	}
	k := canonLabels(labels)
	m[k] += int64(value)
}

func SetGauge(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.gauges[name]
	if !ok {
		m = map[string]float64{}
		reg.gauges[name] = m
	}
	k := canonLabels(labels)
	m[k] = value
}

func Observe(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.hist[name]
	if !ok {
		m = map[string][]float64{}
		reg.hist[name] = m
	}
	k := canonLabels(labels)
	m[k] = append(m[k], value)
}

// RecordHistogram records a histogram observation
func RecordHistogram(name string, value float64, labels map[string]string) {
	Observe(name, value, labels)
}

// RecordGauge records a gauge value
func RecordGauge(name string, value float64, labels map[string]string) {
	SetGauge(name, value, labels)
}

// RecordDuration records a duration metric
func RecordDuration(name string, duration time.Duration, labels map[string]string) {
	Observe(name+"_ms", float64(duration.Milliseconds()), labels)
}

// Basic text/JSON dump for quick checks (not Prometheus format on purpose)
func Handler() http.Handler {
	type dump struct {
		Counters map[string]map[string]int64     `json:"counters"`
		Gauges   map[string]map[string]float64   `json:"gauges"`
		Hist     map[string]map[string][]float64 `json:"histograms"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(dump{Counters: reg.counters, Gauges: reg.gauges, Hist: reg.hist})
	})
}

// Metric names this repo's own components populate. Kept as constants so
// the producer (engine/quotecache) and the health consumer below agree on
// spelling.
const (
	MetricOrderManagerTickMs  = "order_manager_tick_duration_ms"
	MetricExitEngineTickMs    = "exit_engine_tick_duration_ms"
	MetricExitTriggersTotal   = "exit_engine_triggers_total"
	MetricBrokerErrorsTotal   = "broker_errors_total"
	MetricQuoteCacheHits      = "quotecache_hits_total"
	MetricQuoteCacheMisses    = "quotecache_misses_total"
	MetricQuoteCacheRESTFallback = "quotecache_rest_fallback_total"
)

// HealthStatus is the wire shape of HealthHandler, scoped to the metrics
// this repo's own components (order manager, exit engine, quote
// cache, broker client) actually populate.
type HealthStatus struct {
	Status    string                 `json:"status"` // "healthy", "degraded", "failed"
	Timestamp string                 `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version"`
	Metrics   HealthMetrics          `json:"metrics"`
	Details   map[string]interface{} `json:"details"`
}

// HealthMetrics summarizes the trade lifecycle engine's periodic tasks
// and quote cache.
type HealthMetrics struct {
	OrderManagerTickP95Ms int64   `json:"order_manager_tick_p95_ms"`
	ExitEngineTickP95Ms   int64   `json:"exit_engine_tick_p95_ms"`
	ExitTriggersTotal     int64   `json:"exit_triggers_total"`
	BrokerErrorsTotal     int64   `json:"broker_errors_total"`
	QuoteCacheHitRate     float64 `json:"quote_cache_hit_rate"`
}

var (
	startTime = time.Now()
	version   = "dev" // Set via build flags
)

// SetVersion sets the version string for health reports
func SetVersion(v string) {
	version = v
}

// HealthHandler reports on the order manager, exit engine, quote cache
// and broker client.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reg.mu.Lock()
		metrics := gatherHealthMetrics()
		reg.mu.Unlock()

		status := "healthy"
		switch {
		case metrics.BrokerErrorsTotal > 20:
			status = "failed"
		case metrics.BrokerErrorsTotal > 5 || metrics.OrderManagerTickP95Ms > 2000 || metrics.ExitEngineTickP95Ms > 2000:
			status = "degraded"
		}

		health := HealthStatus{
			Status:    status,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Uptime:    time.Since(startTime).String(),
			Version:   version,
			Metrics:   metrics,
			Details:   map[string]interface{}{},
		}

		statusCode := http.StatusOK
		switch health.Status {
		case "degraded":
			statusCode = http.StatusPartialContent // 206
		case "failed":
			statusCode = http.StatusServiceUnavailable // 503
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(health)
	})
}

// gatherHealthMetrics must be called with reg.mu held.
func gatherHealthMetrics() HealthMetrics {
	var m HealthMetrics
	m.OrderManagerTickP95Ms = p95Ms(reg.hist[MetricOrderManagerTickMs+"_ms"])
	m.ExitEngineTickP95Ms = p95Ms(reg.hist[MetricExitEngineTickMs+"_ms"])
	m.ExitTriggersTotal = sumCounter(reg.counters[MetricExitTriggersTotal])
	m.BrokerErrorsTotal = sumCounter(reg.counters[MetricBrokerErrorsTotal])

	hits := sumCounter(reg.counters[MetricQuoteCacheHits])
	misses := sumCounter(reg.counters[MetricQuoteCacheMisses])
	if hits+misses > 0 {
		m.QuoteCacheHitRate = float64(hits) / float64(hits+misses)
	}
	return m
}

func sumCounter(byLabel map[string]int64) int64 {
	var total int64
	for _, v := range byLabel {
		total += v
	}
	return total
}

func p95Ms(byLabel map[string][]float64) int64 {
	var all []float64
	for _, samples := range byLabel {
		all = append(all, samples...)
	}
	if len(all) == 0 {
		return 0
	}
	sorted := make([]float64, len(all))
	copy(sorted, all)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return int64(sorted[idx])
}

// Health is a plain liveness probe, independent of HealthHandler's
// component-level detail.
func Health() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}
