package signals

/*
Bridge - мост между слоем отрисовки и движком через Redis pub/sub:
- viewport: колбэки видимости (JSON) -> Engine.OnViewabilityChanged
- candidates-reload: перечитать список кандидатов из БД -> Engine.SetCandidates
- sync:control: команды оператора refresh / reset
*/

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/connpulse/internal/domain"
	"github.com/xela07ax/connpulse/internal/infra"
)

// Sink - то, чем управляет мост (engine.Engine).
type Sink interface {
	OnViewabilityChanged(items []domain.ViewableItem) error
	SetCandidates(ids []domain.ConnectionID) error
	Refresh() error
	Reset() error
}

// CandidateSource - источник полного списка кандидатов (Postgres).
type CandidateSource interface {
	ListCandidateIDs(ctx context.Context) ([]domain.ConnectionID, error)
}

type Bridge struct {
	rdb        *redis.Client
	sink       Sink
	candidates CandidateSource
	logger     *zap.Logger
}

func NewBridge(rdb *redis.Client, sink Sink, candidates CandidateSource, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		rdb:        rdb,
		sink:       sink,
		candidates: candidates,
		logger:     logger.With(zap.String("mod", "signals")),
	}
}

// Run слушает все каналы до отмены ctx.
func (b *Bridge) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		Listen(ctx, b.rdb, b.logger, infra.RedisChanViewport, nil, b.HandleViewport)
	}()
	go func() {
		defer wg.Done()
		// Каждое переподключение - повод перечитать кандидатов: сигнал мог потеряться
		Listen(ctx, b.rdb, b.logger, infra.RedisChanCandidates, b.ReloadCandidates, func(string) {
			if err := b.ReloadCandidates(ctx); err != nil {
				b.logger.Error("candidate reload failed", zap.Error(err))
			}
		})
	}()
	go func() {
		defer wg.Done()
		Listen(ctx, b.rdb, b.logger, infra.RedisChanSyncControl, nil, b.HandleControl)
	}()
	wg.Wait()
}

func (b *Bridge) HandleViewport(payload string) {
	var upd domain.ViewportUpdate
	if err := json.Unmarshal([]byte(payload), &upd); err != nil {
		b.logger.Error("invalid viewport signal", zap.String("payload", payload), zap.Error(err))
		return
	}
	if err := b.sink.OnViewabilityChanged(upd.ViewableItems()); err != nil {
		b.logger.Debug("viewport signal ignored", zap.Error(err))
	}
}

func (b *Bridge) ReloadCandidates(ctx context.Context) error {
	if b.candidates == nil {
		return nil
	}
	ids, err := b.candidates.ListCandidateIDs(ctx)
	if err != nil {
		return fmt.Errorf("list candidates: %w", err)
	}
	b.logger.Info("candidates reloaded", zap.Int("count", len(ids)))
	return b.sink.SetCandidates(ids)
}

func (b *Bridge) HandleControl(payload string) {
	var err error
	switch cmd := strings.ToLower(strings.TrimSpace(payload)); cmd {
	case "refresh":
		err = b.sink.Refresh()
	case "reset":
		err = b.sink.Reset()
	default:
		b.logger.Error("unknown control command", zap.String("payload", payload))
		return
	}
	if err != nil {
		b.logger.Warn("control command rejected", zap.String("payload", payload), zap.Error(err))
	}
}
