package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: длительность одного reconciliation-тика
	TickDuration prometheus.Histogram

	// Traffic: исходы попыток захвата (acquired / busy)
	LockAcquireTotal *prometheus.CounterVec

	// Reclaim: снятые по TTL локи (индикатор зависших агентов)
	LockReclaimedTotal prometheus.Counter

	// Safety: нарушения по типу и серьезности
	ViolationsTotal *prometheus.CounterVec

	// Состояние Emergency Controller (0=normal, 1=warning, 2=quarantine, 3=shutdown)
	EmergencyState prometheus.Gauge

	// Задачи по финальному статусу
	TasksTotal *prometheus.CounterVec

	// Saturation: агенты, исполняющие задачу прямо сейчас
	AgentsRunning prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern — если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		TickDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_tick_duration_seconds",
			Help:    "Histogram of reconciliation tick latencies.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),

		LockAcquireTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "warden_lock_acquire_total",
			Help: "Total lock acquire attempts by outcome.",
		}, []string{"outcome"}), // acquired | busy

		LockReclaimedTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "warden_lock_reclaimed_total",
			Help: "Total expired locks reclaimed by the coordinator.",
		}),

		ViolationsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "warden_violations_total",
			Help: "Total isolation violations by kind and severity.",
		}, []string{"kind", "severity"}),

		EmergencyState: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "warden_emergency_state",
			Help: "Current emergency controller state (0=normal, 1=warning, 2=quarantine, 3=shutdown).",
		}),

		TasksTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "warden_tasks_total",
			Help: "Tasks that reached a terminal or assigned state.",
		}, []string{"status"}), // assigned | done | failed

		AgentsRunning: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "warden_agents_running",
			Help: "Agents currently executing a task.",
		}),
	}
}
