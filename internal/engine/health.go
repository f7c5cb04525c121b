package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/connpulse/internal/clock"
	"github.com/xela07ax/connpulse/internal/domain"
)

// Prober - источник диагностики бэкенда.
type Prober interface {
	ProbeHealth(ctx context.Context) (domain.HealthReport, error)
}

// HealthMonitor - независимая низкочастотная проба здоровья бэкенда.
// На опрос телеметрии и автомат повторов не влияет: только лог, метрики и отчет в снимок.
type HealthMonitor struct {
	prober   Prober
	clock    clock.Clock
	interval time.Duration
	logger   *zap.Logger
	metrics  *Metrics
	onReport func(domain.HealthReport)
}

func NewHealthMonitor(p Prober, clk clock.Clock, interval time.Duration, logger *zap.Logger, m *Metrics, onReport func(domain.HealthReport)) *HealthMonitor {
	if clk == nil {
		clk = clock.Real()
	}
	if interval <= 0 {
		interval = HealthInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = NewMetrics(nil)
	}
	return &HealthMonitor{
		prober:   p,
		clock:    clk,
		interval: interval,
		logger:   logger.With(zap.String("mod", "health")),
		metrics:  m,
		onReport: onReport,
	}
}

// Run пробует сразу, затем раз в interval, пока не отменен ctx.
func (m *HealthMonitor) Run(ctx context.Context) {
	for {
		m.ProbeOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.interval):
		}
	}
}

// ProbeOnce выполняет одну пробу. Ошибка только логируется.
func (m *HealthMonitor) ProbeOnce(ctx context.Context) (domain.HealthReport, bool) {
	report, err := m.prober.ProbeHealth(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return domain.HealthReport{}, false
		}
		m.metrics.HealthProbes.WithLabelValues("error").Inc()
		m.logger.Warn("realtime health probe failed", zap.Error(err))
		return domain.HealthReport{}, false
	}
	if report.CheckedAt.IsZero() {
		report.CheckedAt = m.clock.Now()
	}

	m.metrics.HealthProbes.WithLabelValues("ok").Inc()
	m.metrics.HealthPercentage.WithLabelValues("routers").Set(report.RoutersHealthPct)
	m.metrics.HealthPercentage.WithLabelValues("connections").Set(report.ConnectionsHealthPct)

	m.logger.Info("realtime health",
		zap.Float64("routers_pct", report.RoutersHealthPct),
		zap.Float64("connections_pct", report.ConnectionsHealthPct),
		zap.Int("problematic_routers", len(report.ProblematicRouters)),
		zap.Strings("recommendations", report.Recommendations))
	for _, r := range report.ProblematicRouters {
		m.logger.Debug("problematic router", zap.Int64("router_id", r.ID), zap.String("name", r.Name))
	}

	if m.onReport != nil {
		m.onReport(report)
	}
	return report, true
}
