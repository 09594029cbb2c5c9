package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics is the aggregate view returned by GetMetrics. Values are
// snapshots that may be stale by up to one tick interval.
type EngineMetrics struct {
	ActiveSessions  int     `json:"activeSessions"`
	ConcurrentUsers int     `json:"concurrentUsers"`
	CollisionRate   float64 `json:"collisionRate"`
	SyncSuccessRate float64 `json:"syncSuccessRate"`
}

type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// HealthReport is the operational health summary.
type HealthReport struct {
	Status      HealthState            `json:"status"`
	Diagnostics map[string]interface{} `json:"diagnostics"`
	Issues      []string               `json:"issues"`
}

const (
	degradedCollisionRate = 0.10
	degradedCacheSize     = 1000
)

// metricsSet owns the engine's prometheus collectors. Each engine gets its
// own registry so isolated instances in tests never collide.
type metricsSet struct {
	registry *prometheus.Registry

	activeSessions      prometheus.Gauge
	concurrentObservers prometheus.Gauge
	queuedWrites        prometheus.Gauge
	collisionsTotal     prometheus.Counter
	syncWrites          *prometheus.CounterVec
}

func newMetricsSet() *metricsSet {
	m := &metricsSet{
		registry: prometheus.NewRegistry(),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "examsync_active_sessions",
			Help: "Number of exam sessions currently cached",
		}),
		concurrentObservers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "examsync_concurrent_observers",
			Help: "Observers attached across all tracked sessions",
		}),
		queuedWrites: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "examsync_queued_writes",
			Help: "Outbound writes awaiting flush",
		}),
		collisionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "examsync_collisions_total",
			Help: "Total detected snapshot collisions",
		}),
		syncWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "examsync_sync_writes_total",
			Help: "Outbound queue flush results",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.activeSessions,
		m.concurrentObservers,
		m.queuedWrites,
		m.collisionsTotal,
		m.syncWrites,
	)
	return m
}

// Registry exposes this engine's prometheus registry for the /metrics
// endpoint.
func (e *Engine) Registry() *prometheus.Registry {
	return e.metrics.registry
}

// GetMetrics computes the current aggregate metrics.
func (e *Engine) GetMetrics() EngineMetrics {
	active := e.cache.Len()
	divisor := active
	if divisor == 0 {
		divisor = 1
	}

	ok := e.syncOK.Load()
	fail := e.syncFail.Load()
	successRate := 1.0
	if ok+fail > 0 {
		successRate = float64(ok) / float64(ok+fail)
	}

	return EngineMetrics{
		ActiveSessions:  active,
		ConcurrentUsers: e.presence.ConcurrentCount(),
		CollisionRate:   float64(e.detector.Count()) / float64(divisor),
		SyncSuccessRate: successRate,
	}
}

// refreshMetrics pushes the current aggregates into the prometheus gauges.
// Counters are incremented at their event sites.
func (e *Engine) refreshMetrics() {
	m := e.GetMetrics()
	e.metrics.activeSessions.Set(float64(m.ActiveSessions))
	e.metrics.concurrentObservers.Set(float64(m.ConcurrentUsers))
	e.metrics.queuedWrites.Set(float64(e.QueueLen()))
}

// HealthCheck reports operational health. Degraded: collision rate above
// 10% or more than 1000 cached sessions. Unhealthy: offline, or an
// oversized cache on top of a high collision rate.
func (e *Engine) HealthCheck() HealthReport {
	m := e.GetMetrics()
	online := e.online.Load()
	cacheSize := e.cache.Len()

	var issues []string
	highCollisions := m.CollisionRate > degradedCollisionRate
	oversized := cacheSize > degradedCacheSize

	if highCollisions {
		issues = append(issues, "collision rate above 10%")
	}
	if oversized {
		issues = append(issues, "session cache above 1000 entries")
	}
	if !online {
		issues = append(issues, "offline: change notifications and flushes suspended")
	}

	status := HealthHealthy
	if highCollisions || oversized {
		status = HealthDegraded
	}
	if !online || (oversized && highCollisions) {
		status = HealthUnhealthy
	}

	e.mu.Lock()
	subscriptions := len(e.subs)
	e.mu.Unlock()

	return HealthReport{
		Status: status,
		Diagnostics: map[string]interface{}{
			"activeSessions":  m.ActiveSessions,
			"concurrentUsers": m.ConcurrentUsers,
			"collisionRate":   m.CollisionRate,
			"syncSuccessRate": m.SyncSuccessRate,
			"cacheSize":       cacheSize,
			"queuedWrites":    e.QueueLen(),
			"subscriptions":   subscriptions,
			"online":          online,
		},
		Issues: issues,
	}
}
