package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/sony/gobreaker"

	"github.com/xela07ax/connpulse/internal/clock"
	"github.com/xela07ax/connpulse/internal/connectors"
	"github.com/xela07ax/connpulse/internal/domain"
)

func metricValue(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	if err := m.Write(&out); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if out.Gauge != nil {
		return out.GetGauge().GetValue()
	}
	return out.GetCounter().GetValue()
}

func TestHealthMonitorFailureIsOnlyLogged(t *testing.T) {
	m := NewMetrics(nil)
	p := &stubProber{err: errors.New("backend down")}
	var reports int
	hm := NewHealthMonitor(p, clock.Fake(testEpoch), HealthInterval, nil, m, func(domain.HealthReport) { reports++ })

	if _, ok := hm.ProbeOnce(context.Background()); ok {
		t.Fatalf("failed probe must report !ok")
	}
	if reports != 0 {
		t.Fatalf("failed probe must not be reported")
	}
	if got := metricValue(t, m.HealthProbes.WithLabelValues("error")); got != 1 {
		t.Fatalf("expected error counter 1, got %v", got)
	}
}

func TestHealthMonitorPublishesPercentages(t *testing.T) {
	m := NewMetrics(nil)
	p := &stubProber{report: domain.HealthReport{RoutersHealthPct: 75, ConnectionsHealthPct: 60, Recommendations: []string{"check router 3"}}}
	clk := clock.Fake(testEpoch)
	hm := NewHealthMonitor(p, clk, HealthInterval, nil, m, nil)

	report, ok := hm.ProbeOnce(context.Background())
	if !ok || !report.CheckedAt.Equal(testEpoch) {
		t.Fatalf("unexpected report %+v", report)
	}
	if got := metricValue(t, m.HealthPercentage.WithLabelValues("routers")); got != 75 {
		t.Fatalf("routers gauge = %v", got)
	}
	if got := metricValue(t, m.HealthPercentage.WithLabelValues("connections")); got != 60 {
		t.Fatalf("connections gauge = %v", got)
	}
}

func TestHealthMonitorStopsOnCancel(t *testing.T) {
	clk := clock.Fake(testEpoch)
	p := &stubProber{}
	hm := NewHealthMonitor(p, clk, HealthInterval, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		hm.Run(ctx)
	}()

	clk.WaitForTimers(1)
	cancel()
	wg.Wait()
	if p.Calls() != 1 {
		t.Fatalf("expected a single immediate probe, got %d", p.Calls())
	}
}

func TestReliableProberOpensBreaker(t *testing.T) {
	m := NewMetrics(nil)
	p := &stubProber{err: &connectors.FetchError{Kind: connectors.KindTransient, Cause: errors.New("502")}}
	rp := NewReliableProber(p, nil, m)

	for i := 0; i < probeBreakerTrip; i++ {
		if _, err := rp.ProbeHealth(context.Background()); err == nil {
			t.Fatalf("probe %d should fail", i)
		}
	}
	if rp.State() != gobreaker.StateOpen {
		t.Fatalf("breaker should be open, got %s", rp.State())
	}

	calls := p.Calls()
	if _, err := rp.ProbeHealth(context.Background()); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open-state error, got %v", err)
	}
	if p.Calls() != calls {
		t.Fatalf("open breaker must not reach the backend")
	}
	if got := metricValue(t, m.CircuitBreakerState.WithLabelValues(probeBreakerName)); got != 2 {
		t.Fatalf("breaker gauge = %v, want 2", got)
	}
}

func TestReliableProberDoesNotRetryNotFound(t *testing.T) {
	p := &stubProber{err: &connectors.FetchError{Kind: connectors.KindNotFound, StatusCode: 404, Cause: errors.New("404")}}
	rp := NewReliableProber(p, nil, nil)

	if _, err := rp.ProbeHealth(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if p.Calls() != 1 {
		t.Fatalf("not_found must not be retried, got %d calls", p.Calls())
	}
}

func TestReliableProberPassesReport(t *testing.T) {
	p := &stubProber{report: domain.HealthReport{RoutersHealthPct: 99}}
	rp := NewReliableProber(p, nil, nil)

	got, err := rp.ProbeHealth(context.Background())
	if err != nil || got.RoutersHealthPct != 99 {
		t.Fatalf("unexpected result %+v, %v", got, err)
	}
}
