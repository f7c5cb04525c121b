package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: длительность запроса телеметрии по исходу (success / класс ошибки)
	FetchDuration *prometheus.HistogramVec

	// Traffic: исходы запросов
	FetchTotal *prometheus.CounterVec

	// Сброшенные триггеры: запрос в полете, опрос выключен, throttling
	DroppedTriggers *prometheus.CounterVec

	// Автомат повторов: номер попытки и фаза (0 - enabled, 1 - backoff, 2 - disabled)
	RetryAttempt prometheus.Gauge
	PollingState prometheus.Gauge

	// Saturation: размер store и набора интереса, текущий интервал опроса
	StoreEntries prometheus.Gauge
	InterestSize prometheus.Gauge
	PollInterval prometheus.Gauge

	// Диагностика бэкенда
	HealthPercentage *prometheus.GaugeVec
	HealthProbes     *prometheus.CounterVec

	// Состояние Circuit Breaker проб здоровья (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		FetchDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "connpulse_fetch_duration_seconds",
			Help:    "Histogram of realtime telemetry fetch latencies.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20},
		}, []string{"outcome"}),

		FetchTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "connpulse_fetch_total",
			Help: "Total number of telemetry fetches by outcome.",
		}, []string{"outcome"}), // success, transient, timeout, not_found, malformed, canceled

		DroppedTriggers: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "connpulse_dropped_triggers_total",
			Help: "Fetch triggers dropped instead of queued.",
		}, []string{"source", "reason"}),

		RetryAttempt: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "connpulse_retry_attempt",
			Help: "Current consecutive failure counter of the retry coordinator.",
		}),

		PollingState: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "connpulse_polling_state",
			Help: "Polling phase (0=enabled, 1=backoff, 2=disabled).",
		}),

		StoreEntries: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "connpulse_store_entries",
			Help: "Number of telemetry records held in the store.",
		}),

		InterestSize: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "connpulse_interest_set_size",
			Help: "Number of connections currently of interest.",
		}),

		PollInterval: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "connpulse_poll_interval_seconds",
			Help: "Current poll interval chosen by the interval policy.",
		}),

		HealthPercentage: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "connpulse_backend_health_percentage",
			Help: "Health percentage reported by the realtime backend.",
		}, []string{"scope"}), // routers, connections

		HealthProbes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "connpulse_health_probes_total",
			Help: "Health probes by result.",
		}, []string{"result"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "connpulse_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"name"}),
	}
}
