package journal

/*
Журнал синхронизации: неблокирующая запись событий движка (результаты запросов,
переходы автомата повторов) с пакетной выгрузкой в хранилище.

- Цикл движка никогда не ждет БД: Log только кладет событие в буферизованный канал,
  при переполнении событие сбрасывается (Load Shedding) с записью в лог.
- Пакеты уходят в хранилище по таймеру или по достижении batchSize.
- Stop закрывает канал и ждет финальный flush (Drain Pattern).
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultBufferSize    = 4096
	defaultBatchSize     = 100
	defaultFlushInterval = 500 * time.Millisecond
)

// Storage определяет, куда физически сохраняются события.
type Storage interface {
	WriteBatch(ctx context.Context, events []Event) error
}

type Journal struct {
	ch            chan Event
	repo          Storage
	logger        *zap.Logger
	batchSize     int
	flushInterval time.Duration
	wg            sync.WaitGroup
	isClosed      atomic.Bool
	dropped       atomic.Uint64
}

func New(repo Storage, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{
		ch:            make(chan Event, defaultBufferSize),
		repo:          repo,
		logger:        logger.With(zap.String("mod", "journal")),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
	}
}

func (j *Journal) Start() {
	j.wg.Add(1)
	go j.worker()
}

// Stop запирает вход и ждет, пока воркер допишет остатки.
func (j *Journal) Stop() {
	if !j.isClosed.CompareAndSwap(false, true) {
		return
	}
	// Даем текущим Log успеть проскочить
	time.Sleep(10 * time.Millisecond)

	j.logger.Info("stopping journal: closing channel and flushing buffer...")
	close(j.ch)
	j.wg.Wait()
	j.logger.Info("journal stopped gracefully", zap.Uint64("dropped", j.dropped.Load()))
}

func (j *Journal) Log(event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if j.isClosed.Load() {
		j.logger.Debug("journal event dropped: journal is stopping", zap.String("kind", string(event.Kind)))
		return
	}

	select {
	case j.ch <- event:
	default:
		j.dropped.Add(1)
		j.logger.Warn("journal_buffer_overflow", zap.String("kind", string(event.Kind)))
	}
}

// Dropped - сколько событий потеряно из-за переполнения буфера.
func (j *Journal) Dropped() uint64 { return j.dropped.Load() }

func (j *Journal) worker() {
	defer j.wg.Done()

	batch := make([]Event, 0, j.batchSize)
	ticker := time.NewTicker(j.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст к моменту финального сброса уже закрыт
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := j.repo.WriteBatch(ctx, batch); err != nil {
			j.logger.Error("journal flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case event, ok := <-j.ch:
			if !ok {
				// Канал закрыт в Stop: остатки уже вычитаны, финальный сброс
				flush()
				return
			}
			batch = append(batch, event)
			if len(batch) >= j.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
