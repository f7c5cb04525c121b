package signals

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/connpulse/internal/engine"
	"github.com/xela07ax/connpulse/internal/infra"
)

const publishTimeout = 5 * time.Second

// SyncState - снимок без записей, который зеркалится в Redis рядом с hash телеметрии.
type SyncState struct {
	Version        uint64            `json:"version"`
	Retry          engine.RetryState `json:"retry"`
	InterestSize   int               `json:"interest_size"`
	CandidateCount int               `json:"candidate_count"`
	PollIntervalMs int64             `json:"poll_interval_ms"`
	InFlight       bool              `json:"in_flight"`
	Idle           bool              `json:"idle"`
	Stopped        bool              `json:"stopped"`
	LastSuccessAt  time.Time         `json:"last_success_at,omitempty"`
}

// SnapshotPublisher зеркалит store движка в Redis для других потребителей.
// Offer не блокирует цикл движка: хранится только последний снимок, промежуточные схлопываются.
type SnapshotPublisher struct {
	rdb     *redis.Client
	logger  *zap.Logger
	pending chan *engine.Snapshot
}

func NewSnapshotPublisher(rdb *redis.Client, logger *zap.Logger) *SnapshotPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotPublisher{
		rdb:     rdb,
		logger:  logger.With(zap.String("mod", "publisher")),
		pending: make(chan *engine.Snapshot, 1),
	}
}

// Offer подходит как engine.Options.OnSnapshot.
func (p *SnapshotPublisher) Offer(s *engine.Snapshot) {
	for {
		select {
		case p.pending <- s:
			return
		default:
		}
		// Слот занят устаревшим снимком - выкидываем его
		select {
		case <-p.pending:
		default:
		}
	}
}

// Run публикует снимки до отмены ctx. Последний снимок (Stopped) дописывается.
func (p *SnapshotPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			select {
			case s := <-p.pending:
				p.publishLogged(s)
			default:
			}
			return
		case s := <-p.pending:
			p.publishLogged(s)
		}
	}
}

func (p *SnapshotPublisher) publishLogged(s *engine.Snapshot) {
	// Background: при остановке родительский контекст уже отменен
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.Publish(ctx, s); err != nil {
		p.logger.Error("snapshot publish failed", zap.Uint64("version", s.Version), zap.Error(err))
	}
}

// Publish атомарно заменяет hash телеметрии и состояние синхронизации.
// Hash перезаливается целиком: store авторитетен, выпавшие ids удаляются.
func (p *SnapshotPublisher) Publish(ctx context.Context, s *engine.Snapshot) error {
	fields := make(map[string]interface{}, len(s.Records))
	for id, rec := range s.Records {
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		fields[strconv.FormatInt(int64(id), 10)] = raw
	}

	state, err := json.Marshal(SyncState{
		Version:        s.Version,
		Retry:          s.Retry,
		InterestSize:   len(s.InterestSet),
		CandidateCount: s.CandidateCount,
		PollIntervalMs: s.PollInterval.Milliseconds(),
		InFlight:       s.InFlight,
		Idle:           s.Idle,
		Stopped:        s.Stopped,
		LastSuccessAt:  s.LastSuccessAt,
	})
	if err != nil {
		return err
	}

	_, err = p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, infra.RedisKeyTelemetry)
		if len(fields) > 0 {
			pipe.HSet(ctx, infra.RedisKeyTelemetry, fields)
		}
		pipe.Set(ctx, infra.RedisKeySyncState, state, 0)
		return nil
	})
	return err
}
