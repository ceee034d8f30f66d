package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes scraper metrics that are safe to scrape via Prometheus.
// All methods are no-ops on a nil receiver.
type Metrics struct {
	registry            *prometheus.Registry
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	cyclesTotal         *prometheus.CounterVec
	cycleDuration       prometheus.Histogram
	deviceFetches       *prometheus.CounterVec
	sessionLogins       *prometheus.CounterVec
	mqttPublishes       *prometheus.CounterVec
	plantPower          prometheus.Gauge
	peakPower           prometheus.Gauge
	extendedInterval    prometheus.Gauge
}

// New creates a fresh Metrics registry with HTTP, cycle and session metrics registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "saj",
		Name:      "http_requests_total",
		Help:      "Count of HTTP requests processed by the scraper status API",
	}, []string{"method", "path", "status"})

	httpRequestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "saj",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests served by the scraper status API",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	cyclesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "saj",
		Name:      "cycles_total",
		Help:      "Scheduler cycles by outcome",
	}, []string{"outcome"})

	cycleDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "saj",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of scheduler cycles from start to publish",
		Buckets:   []float64{5, 15, 30, 60, 120, 240, 480, 900},
	})

	deviceFetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "saj",
		Name:      "device_fetch_total",
		Help:      "Per-device fetch attempts by result",
	}, []string{"device", "result"})

	sessionLogins := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "saj",
		Name:      "session_logins_total",
		Help:      "Portal login attempts by result",
	}, []string{"result"})

	mqttPublishes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "saj",
		Name:      "mqtt_publish_total",
		Help:      "MQTT messages by kind (discovery, state, availability) and result",
	}, []string{"kind", "result"})

	plantPower := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "saj",
		Name:      "plant_power_watts",
		Help:      "Aggregated plant power of the last successful cycle",
	})

	peakPower := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "saj",
		Name:      "peak_power_watts",
		Help:      "Peak plant power recorded today",
	})

	extendedInterval := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "saj",
		Name:      "extended_interval",
		Help:      "1 while the scheduler uses the extended interval",
	})

	registry.MustRegister(
		httpRequests,
		httpRequestDuration,
		cyclesTotal,
		cycleDuration,
		deviceFetches,
		sessionLogins,
		mqttPublishes,
		plantPower,
		peakPower,
		extendedInterval,
	)

	return &Metrics{
		registry:            registry,
		httpRequests:        httpRequests,
		httpRequestDuration: httpRequestDuration,
		cyclesTotal:         cyclesTotal,
		cycleDuration:       cycleDuration,
		deviceFetches:       deviceFetches,
		sessionLogins:       sessionLogins,
		mqttPublishes:       mqttPublishes,
		plantPower:          plantPower,
		peakPower:           peakPower,
		extendedInterval:    extendedInterval,
	}
}

// ObserveHTTPRequest records a single HTTP request/response cycle.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpRequestDuration.With(labels).Observe(duration.Seconds())
}

// ObserveCycle counts a finished cycle. outcome is one of ok, empty, skipped,
// setup_failed or panic.
func (m *Metrics) ObserveCycle(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.cyclesTotal.WithLabelValues(outcome).Inc()
	m.cycleDuration.Observe(duration.Seconds())
}

func (m *Metrics) IncDeviceFetch(device, result string) {
	if m == nil {
		return
	}
	m.deviceFetches.WithLabelValues(device, result).Inc()
}

func (m *Metrics) IncLogin(result string) {
	if m == nil {
		return
	}
	m.sessionLogins.WithLabelValues(result).Inc()
}

func (m *Metrics) IncPublish(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.mqttPublishes.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) SetPlantPower(watts float64) {
	if m == nil {
		return
	}
	m.plantPower.Set(watts)
}

func (m *Metrics) SetPeakPower(watts float64) {
	if m == nil {
		return
	}
	m.peakPower.Set(watts)
}

func (m *Metrics) SetExtendedInterval(on bool) {
	if m == nil {
		return
	}
	if on {
		m.extendedInterval.Set(1)
		return
	}
	m.extendedInterval.Set(0)
}

// Handler exposes the Prometheus registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
