package engine

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/xela07ax/connpulse/internal/connectors"
	"github.com/xela07ax/connpulse/internal/domain"
)

const (
	probeBreakerName     = "realtime-health"
	probeAttempts        = 2
	probeBreakerTrip     = 3
	probeBreakerCooldown = 15 * time.Minute
)

// ReliableProber оборачивает пробу здоровья в Circuit Breaker и короткий retry.
// К опросу телеметрии не применяется: там своя политика (RetryCoordinator).
type ReliableProber struct {
	next   Prober
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

func NewReliableProber(next Prober, logger *zap.Logger, m *Metrics) *ReliableProber {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = NewMetrics(nil)
	}
	log := logger.With(zap.String("mod", "health-breaker"))

	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        probeBreakerName,
		MaxRequests: 1,
		Timeout:     probeBreakerCooldown, // Через сколько пробуем "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= probeBreakerTrip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
			m.CircuitBreakerState.WithLabelValues(name).Set(breakerValue(to))
		},
	})
	m.CircuitBreakerState.WithLabelValues(probeBreakerName).Set(0)

	return &ReliableProber{next: next, cb: cb, logger: log}
}

func (p *ReliableProber) ProbeHealth(ctx context.Context) (domain.HealthReport, error) {
	res, err := p.cb.Execute(func() (interface{}, error) {
		var report domain.HealthReport
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(probeAttempts),
			// 404 - эндпоинта нет, повтор бессмысленен
			retry.RetryIf(func(err error) bool {
				return connectors.KindOf(err) != connectors.KindNotFound
			}),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				return retry.BackOffDelay(n, err, config)
			}),
		)

		retryErr := r.Do(func() error {
			var callErr error
			report, callErr = p.next.ProbeHealth(ctx)
			return callErr
		})
		return report, retryErr
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			p.logger.Debug("health probe skipped by circuit breaker")
		}
		return domain.HealthReport{}, err
	}
	return res.(domain.HealthReport), nil
}

// State - состояние предохранителя (для /v1/sync/health).
func (p *ReliableProber) State() gobreaker.State { return p.cb.State() }

func breakerValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
