package engine

/*
Engine - единственный владелец состояния синхронизации.

Все мутации (store, автомат повторов, видимая область, таймеры) выполняются
в одной горутине run(). Публичные методы и колбэки таймеров только кладут
события в канал; результаты запросов приходят туда же. Блокировок на состоянии нет.

Чтение для слоя отрисовки - через неизменяемый Snapshot (atomic.Pointer).
*/

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/connpulse/internal/clock"
	"github.com/xela07ax/connpulse/internal/connectors"
	"github.com/xela07ax/connpulse/internal/domain"
	"github.com/xela07ax/connpulse/internal/journal"
)

var (
	ErrStopped          = errors.New("sync engine stopped")
	ErrRefreshThrottled = errors.New("manual refresh throttled")
)

const (
	SourcePoll     = "poll"
	SourceViewport = "viewport"
	SourceRefresh  = "refresh"

	eventBufferSize = 256
	persistTimeout  = 5 * time.Second
)

// Fetcher - источник телеметрии (RealtimeClient или мок).
type Fetcher interface {
	FetchTelemetry(ctx context.Context, ids []domain.ConnectionID) (map[domain.ConnectionID]domain.TelemetryRecord, error)
}

// JournalSink - неблокирующая запись событий синхронизации.
type JournalSink interface {
	Log(event journal.Event)
}

// DisablementStore хранит флаг постоянного отключения между запусками.
type DisablementStore interface {
	Save(ctx context.Context, reason string) error
	Clear(ctx context.Context) error
}

type Config struct {
	FallbackBatchSize  int
	WarmupDelay        time.Duration
	DebounceWindow     time.Duration
	HealthInterval     time.Duration
	MaxRetries         int
	BackoffSchedule    []time.Duration
	MinVisibleFraction float64
	MinVisibleFor      time.Duration
	RefreshMinInterval time.Duration
	InitiallyDisabled  bool
}

func DefaultConfig() Config {
	return Config{
		FallbackBatchSize:  FallbackBatchSize,
		WarmupDelay:        WarmupDelay,
		DebounceWindow:     DebounceWindow,
		HealthInterval:     HealthInterval,
		MaxRetries:         DefaultMaxRetries,
		BackoffSchedule:    append([]time.Duration(nil), DefaultBackoffSchedule...),
		MinVisibleFraction: DefaultMinVisibleFraction,
		MinVisibleFor:      DefaultMinVisibleFor,
		RefreshMinInterval: 5 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.FallbackBatchSize <= 0 {
		c.FallbackBatchSize = def.FallbackBatchSize
	}
	if c.WarmupDelay <= 0 {
		c.WarmupDelay = def.WarmupDelay
	}
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = def.DebounceWindow
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = def.HealthInterval
	}
	if c.RefreshMinInterval <= 0 {
		c.RefreshMinInterval = def.RefreshMinInterval
	}
}

// Options - внедряемые зависимости. Все поля опциональны.
type Options struct {
	Clock       clock.Clock
	Logger      *zap.Logger
	Metrics     *Metrics
	Journal     JournalSink
	Disablement DisablementStore
	// Prober включает HealthMonitor. nil - диагностики нет.
	Prober Prober
	// OnSnapshot вызывается из цикла после каждой публикации. Не должен блокироваться.
	OnSnapshot func(*Snapshot)
}

type Engine struct {
	cfg         Config
	clock       clock.Clock
	fetcher     Fetcher
	logger      *zap.Logger
	metrics     *Metrics
	journal     JournalSink
	disablement DisablementStore
	onSnapshot  func(*Snapshot)
	health      *HealthMonitor
	limiter     *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	events    chan event
	quit      chan struct{}
	done      chan struct{}
	started   atomic.Bool
	stopOnce  sync.Once
	startOnce sync.Once
	wg        sync.WaitGroup
	snap      atomic.Pointer[Snapshot]

	// Состояние цикла. Трогать только из run().
	viewport      *ViewportTracker
	store         *TelemetryStore
	retry         *RetryCoordinator
	candidates    []domain.ConnectionID
	interest      []domain.ConnectionID
	interval      time.Duration
	pollTimer     *clock.Timer
	debounceTimer *clock.Timer
	backoffTimer  *clock.Timer
	pollGen       uint64
	debounceGen   uint64
	backoffGen    uint64
	fetchSeq      uint64
	inFlight      bool
	cancelFetch   context.CancelFunc
	fetchSource   string
	idle          bool
	stopped       bool
	lastSuccess   time.Time
	lastHealth    *domain.HealthReport
	version       uint64
}

func New(fetcher Fetcher, cfg Config, opts Options) *Engine {
	cfg.applyDefaults()
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:         cfg,
		clock:       opts.Clock,
		fetcher:     fetcher,
		logger:      opts.Logger.Named("engine"),
		metrics:     opts.Metrics,
		journal:     opts.Journal,
		disablement: opts.Disablement,
		onSnapshot:  opts.OnSnapshot,
		limiter:     rate.NewLimiter(rate.Every(cfg.RefreshMinInterval), 1),
		ctx:         ctx,
		cancel:      cancel,
		events:      make(chan event, eventBufferSize),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		viewport:    NewViewportTracker(cfg.MinVisibleFraction, cfg.MinVisibleFor),
		store:       NewTelemetryStore(),
		retry:       NewRetryCoordinator(cfg.MaxRetries, cfg.BackoffSchedule),
		idle:        true,
		interval:    PollInterval(0, 0),
	}

	if cfg.InitiallyDisabled {
		e.retry.Disable(ReasonOperator)
		e.logger.Warn("realtime polling disabled at startup")
	}

	if opts.Prober != nil {
		e.health = NewHealthMonitor(opts.Prober, e.clock, cfg.HealthInterval, opts.Logger, e.metrics, func(r domain.HealthReport) {
			e.post(evHealth{report: r})
		})
	}

	e.publish()
	return e
}

// Start запускает цикл и монитор здоровья. Повторный вызов и вызов после Stop - no-op.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		if e.isStopped() {
			return
		}
		e.started.Store(true)
		go e.run()
		if e.health != nil {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.health.Run(e.ctx)
			}()
		}
	})
}

// Stop отменяет все таймеры и текущий запрос, дожидается выхода цикла.
// После Stop состояние больше не меняется.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.quit)
		if e.started.Load() {
			<-e.done
		} else {
			e.teardown()
			close(e.done)
		}
		e.cancel()
		e.wg.Wait()
	})
}

// Done закрывается после полной остановки.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Snapshot - последнее опубликованное состояние. Никогда не nil.
func (e *Engine) Snapshot() *Snapshot { return e.snap.Load() }

func (e *Engine) OnViewabilityChanged(items []domain.ViewableItem) error {
	cp := append([]domain.ViewableItem(nil), items...)
	if !e.post(evViewport{items: cp}) {
		return ErrStopped
	}
	return nil
}

func (e *Engine) SetCandidates(ids []domain.ConnectionID) error {
	cp := append([]domain.ConnectionID(nil), ids...)
	if !e.post(evCandidates{ids: cp}) {
		return ErrStopped
	}
	return nil
}

// Refresh - внеплановый запрос (pull-to-refresh). Подчиняется тем же правилам,
// что и опрос: при запросе в полете или выключенном опросе сбрасывается.
func (e *Engine) Refresh() error {
	if e.isStopped() {
		return ErrStopped
	}
	if !e.limiter.AllowN(e.clock.Now(), 1) {
		e.metrics.DroppedTriggers.WithLabelValues(SourceRefresh, "throttled").Inc()
		return ErrRefreshThrottled
	}
	if !e.post(evRefresh{}) {
		return ErrStopped
	}
	return nil
}

// Reset - внешний сброс автомата повторов, в том числе из PermanentlyDisabled.
func (e *Engine) Reset() error {
	if !e.post(evReset{}) {
		return ErrStopped
	}
	return nil
}

func (e *Engine) isStopped() bool {
	select {
	case <-e.quit:
		return true
	default:
		return false
	}
}

func (e *Engine) post(ev event) bool {
	select {
	case <-e.quit:
		return false
	default:
	}
	select {
	case e.events <- ev:
		return true
	case <-e.quit:
		return false
	}
}

func (e *Engine) run() {
	defer close(e.done)
	e.logger.Info("sync engine started")
	for {
		select {
		case <-e.quit:
			e.teardown()
			e.logger.Info("sync engine stopped")
			return
		case ev := <-e.events:
			e.handle(ev)
		}
	}
}

func (e *Engine) handle(ev event) {
	if e.stopped {
		return
	}
	switch ev := ev.(type) {
	case evViewport:
		e.onViewport(ev.items)
	case evCandidates:
		e.onCandidates(ev.ids)
	case evPollTick:
		e.onPollTick(ev.gen)
	case evDebounce:
		e.onDebounce(ev.gen)
	case evBackoffExpired:
		e.onBackoffExpired(ev.gen)
	case evFetchDone:
		e.onFetchDone(ev)
	case evRefresh:
		e.tryFetch(SourceRefresh)
	case evReset:
		e.onReset()
	case evHealth:
		report := ev.report
		e.lastHealth = &report
	}
	e.publish()
}

func (e *Engine) onViewport(items []domain.ViewableItem) {
	if _, changed := e.viewport.OnViewabilityChanged(items); !changed {
		return
	}
	if e.recomputeInterest() && e.canTrigger() {
		e.armDebounce()
	}
}

func (e *Engine) onCandidates(ids []domain.ConnectionID) {
	e.candidates = dedupe(ids)
	wasIdle := e.idle
	e.idle = len(e.candidates) == 0

	interestChanged := e.recomputeInterest()

	switch {
	case e.idle && !wasIdle:
		e.enterIdle()
	case !e.idle && wasIdle:
		e.leaveIdle()
	case interestChanged && e.canTrigger():
		e.armDebounce()
	}
}

// recomputeInterest пересчитывает набор интереса и синхронно чистит store.
func (e *Engine) recomputeInterest() bool {
	next := InterestSet(e.viewport.Visible(), e.candidates, e.cfg.FallbackBatchSize)
	changed := !sameMembers(e.interest, next)
	e.interest = next
	if removed := e.store.Prune(next); removed > 0 {
		e.logger.Debug("pruned telemetry outside interest set", zap.Int("removed", removed))
	}
	e.interval = PollInterval(len(e.candidates), e.viewport.Len())
	return changed
}

// canTrigger - есть ли смысл ставить debounce: в Backoff и Disabled таймеры не ставятся.
func (e *Engine) canTrigger() bool { return !e.idle && e.retry.CanFetch() }

// enterIdle - список кандидатов опустел: обрываем запрос и все таймеры синхронизации.
// Состояние автомата повторов сохраняется.
func (e *Engine) enterIdle() {
	e.abortFetch()
	e.cancelSyncTimers()
	e.logger.Info("candidate list is empty, polling suspended")
	e.record(journal.Event{Kind: journal.KindIdle})
}

func (e *Engine) leaveIdle() {
	st := e.retry.State()
	switch st.Phase {
	case PhaseEnabled:
		e.armPoll(e.cfg.WarmupDelay)
	case PhaseBackoff:
		remaining := st.ResumeAt.Sub(e.clock.Now())
		if remaining > 0 {
			e.armBackoff(remaining)
			return
		}
		e.retry.OnBackoffExpired()
		e.armPoll(e.cfg.WarmupDelay)
	case PhaseDisabled:
		e.logger.Debug("candidates arrived while polling is disabled",
			zap.String("reason", string(st.DisabledReason)))
	}
}

func (e *Engine) onPollTick(gen uint64) {
	if gen != e.pollGen {
		return
	}
	e.pollTimer = nil
	if e.idle || !e.retry.CanFetch() {
		return
	}
	e.interval = PollInterval(len(e.candidates), e.viewport.Len())
	e.armPoll(e.interval)
	e.tryFetch(SourcePoll)
}

func (e *Engine) onDebounce(gen uint64) {
	if gen != e.debounceGen {
		return
	}
	e.debounceTimer = nil
	e.tryFetch(SourceViewport)
}

func (e *Engine) onBackoffExpired(gen uint64) {
	if gen != e.backoffGen {
		return
	}
	e.backoffTimer = nil
	if !e.retry.OnBackoffExpired() {
		return
	}
	st := e.retry.State()
	e.logger.Info("backoff expired, polling resumes", zap.Int("attempt", st.Attempt))
	e.record(journal.Event{Kind: journal.KindResumed, Source: "backoff", Attempt: st.Attempt})
	if !e.idle {
		e.armPoll(e.cfg.WarmupDelay)
	}
}

func (e *Engine) onReset() {
	prev := e.retry.State()
	e.retry.Reset()
	e.stopTimer(&e.backoffTimer, &e.backoffGen)
	e.clearPersistedDisablement()

	e.logger.Info("retry state reset by operator",
		zap.String("prev_phase", string(prev.Phase)), zap.Int("prev_attempt", prev.Attempt))
	e.record(journal.Event{Kind: journal.KindReset, Source: "operator", Attempt: prev.Attempt})

	if !e.idle {
		e.armPoll(e.cfg.WarmupDelay)
	}
}

// tryFetch отправляет запрос, если можно. Иначе триггер сбрасывается, не ставится в очередь.
func (e *Engine) tryFetch(source string) {
	switch {
	case e.idle:
		e.dropTrigger(source, "idle")
		return
	case !e.retry.CanFetch():
		e.dropTrigger(source, "disabled")
		return
	case e.inFlight:
		e.dropTrigger(source, "in_flight")
		return
	case len(e.interest) == 0:
		e.dropTrigger(source, "empty_interest")
		return
	}

	ids := append([]domain.ConnectionID(nil), e.interest...)
	ctx, cancel := context.WithCancel(e.ctx)
	e.fetchSeq++
	seq := e.fetchSeq
	e.inFlight = true
	e.cancelFetch = cancel
	e.fetchSource = source

	started := e.clock.Now()
	e.retry.BeginAttempt(started)
	e.logger.Debug("fetching telemetry", zap.String("source", source), zap.Int("ids", len(ids)))

	go func() {
		defer cancel()
		records, err := e.fetcher.FetchTelemetry(ctx, ids)
		e.post(evFetchDone{seq: seq, records: records, err: err, took: e.clock.Now().Sub(started)})
	}()
}

func (e *Engine) onFetchDone(ev evFetchDone) {
	if !e.inFlight || ev.seq != e.fetchSeq {
		// Запрос был оборван (idle, остановка) - результат не применяем
		return
	}
	source := e.fetchSource
	e.inFlight = false
	e.cancelFetch = nil
	e.fetchSource = ""

	if ev.err == nil {
		e.onFetchSuccess(source, ev)
		return
	}
	e.onFetchFailure(source, ev)
}

func (e *Engine) onFetchSuccess(source string, ev evFetchDone) {
	e.metrics.FetchDuration.WithLabelValues("success").Observe(ev.took.Seconds())
	e.metrics.FetchTotal.WithLabelValues("success").Inc()

	prevAttempt := e.retry.State().Attempt
	e.retry.OnSuccess()
	e.store.Merge(ev.records, e.interest)
	e.lastSuccess = e.clock.Now()

	if prevAttempt > 0 {
		e.logger.Info("realtime backend recovered", zap.Int("after_attempts", prevAttempt))
	}
	e.record(journal.Event{
		Kind:         journal.KindFetchOK,
		Source:       source,
		InterestSize: len(e.interest),
		Received:     len(ev.records),
		DurationMs:   ev.took.Milliseconds(),
	})
}

func (e *Engine) onFetchFailure(source string, ev evFetchDone) {
	kind := connectors.KindOf(ev.err)
	e.metrics.FetchDuration.WithLabelValues(kind.String()).Observe(ev.took.Seconds())
	e.metrics.FetchTotal.WithLabelValues(kind.String()).Inc()

	if kind == connectors.KindCanceled {
		e.logger.Debug("telemetry fetch canceled", zap.String("source", source))
		return
	}

	tr := e.retry.OnFailure(ev.err, e.clock.Now())
	st := e.retry.State()

	e.record(journal.Event{
		Kind:         journal.KindFetchFailed,
		Source:       source,
		Attempt:      st.Attempt,
		InterestSize: len(e.interest),
		ErrorKind:    kind.String(),
		Error:        ev.err.Error(),
		DurationMs:   ev.took.Milliseconds(),
	})

	if tr.Permanent {
		e.cancelSyncTimers()
		e.logger.Warn("realtime polling disabled permanently",
			zap.String("reason", string(st.DisabledReason)),
			zap.Int("attempt", st.Attempt),
			zap.Error(ev.err))
		e.record(journal.Event{Kind: journal.KindDisabled, Source: source, Attempt: st.Attempt, ErrorKind: string(st.DisabledReason)})
		if st.DisabledReason == ReasonNotFound {
			e.persistDisablement(st.DisabledReason)
		}
		return
	}

	e.stopTimer(&e.pollTimer, &e.pollGen)
	e.stopTimer(&e.debounceTimer, &e.debounceGen)
	e.armBackoff(tr.Backoff)
	e.logger.Warn("telemetry fetch failed, polling paused",
		zap.String("kind", kind.String()),
		zap.Int("attempt", st.Attempt),
		zap.Duration("resume_in", tr.Backoff),
		zap.Error(ev.err))
	e.record(journal.Event{Kind: journal.KindBackoff, Source: source, Attempt: st.Attempt, DelayMs: tr.Backoff.Milliseconds()})
}

func (e *Engine) dropTrigger(source, reason string) {
	e.metrics.DroppedTriggers.WithLabelValues(source, reason).Inc()
	e.logger.Debug("fetch trigger dropped", zap.String("source", source), zap.String("reason", reason))
}

func (e *Engine) abortFetch() {
	if !e.inFlight {
		return
	}
	if e.cancelFetch != nil {
		e.cancelFetch()
	}
	e.inFlight = false
	e.cancelFetch = nil
	e.fetchSource = ""
}

func (e *Engine) armPoll(d time.Duration) {
	e.stopTimer(&e.pollTimer, &e.pollGen)
	gen := e.pollGen
	e.pollTimer = e.clock.AfterFunc(d, func() { e.post(evPollTick{gen: gen}) })
}

func (e *Engine) armDebounce() {
	e.stopTimer(&e.debounceTimer, &e.debounceGen)
	gen := e.debounceGen
	e.debounceTimer = e.clock.AfterFunc(e.cfg.DebounceWindow, func() { e.post(evDebounce{gen: gen}) })
}

func (e *Engine) armBackoff(d time.Duration) {
	e.stopTimer(&e.backoffTimer, &e.backoffGen)
	gen := e.backoffGen
	e.backoffTimer = e.clock.AfterFunc(d, func() { e.post(evBackoffExpired{gen: gen}) })
}

// stopTimer отменяет хэндл и сдвигает поколение: уже поставленное в канал событие устареет.
func (e *Engine) stopTimer(t **clock.Timer, gen *uint64) {
	(*t).Stop()
	*t = nil
	*gen++
}

func (e *Engine) cancelSyncTimers() {
	e.stopTimer(&e.pollTimer, &e.pollGen)
	e.stopTimer(&e.debounceTimer, &e.debounceGen)
	e.stopTimer(&e.backoffTimer, &e.backoffGen)
}

func (e *Engine) teardown() {
	if e.stopped {
		return
	}
	e.abortFetch()
	e.cancelSyncTimers()
	e.stopped = true
	e.publish()
}

func (e *Engine) persistDisablement(reason DisabledReason) {
	if e.disablement == nil {
		return
	}
	store, logger := e.disablement, e.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := store.Save(ctx, string(reason)); err != nil {
			logger.Error("failed to persist polling disablement", zap.Error(err))
		}
	}()
}

func (e *Engine) clearPersistedDisablement() {
	if e.disablement == nil {
		return
	}
	store, logger := e.disablement, e.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := store.Clear(ctx); err != nil {
			logger.Error("failed to clear polling disablement", zap.Error(err))
		}
	}()
}

func (e *Engine) record(ev journal.Event) {
	if e.journal == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.clock.Now()
	}
	e.journal.Log(ev)
}

func (e *Engine) publish() {
	e.version++
	st := e.retry.State()
	s := &Snapshot{
		Version:        e.version,
		Records:        e.store.Snapshot(),
		InterestSet:    append([]domain.ConnectionID(nil), e.interest...),
		VisibleCount:   e.viewport.Len(),
		CandidateCount: len(e.candidates),
		Retry:          st,
		PollInterval:   e.interval,
		InFlight:       e.inFlight,
		Idle:           e.idle,
		Stopped:        e.stopped,
		LastSuccessAt:  e.lastSuccess,
		LastHealth:     e.lastHealth,
	}
	e.snap.Store(s)

	e.metrics.RetryAttempt.Set(float64(st.Attempt))
	e.metrics.PollingState.Set(phaseValue(st.Phase))
	e.metrics.StoreEntries.Set(float64(len(s.Records)))
	e.metrics.InterestSize.Set(float64(len(s.InterestSet)))
	e.metrics.PollInterval.Set(e.interval.Seconds())

	if e.onSnapshot != nil {
		e.onSnapshot(s)
	}
}

func phaseValue(p Phase) float64 {
	switch p {
	case PhaseBackoff:
		return 1
	case PhaseDisabled:
		return 2
	default:
		return 0
	}
}

func dedupe(ids []domain.ConnectionID) []domain.ConnectionID {
	out := make([]domain.ConnectionID, 0, len(ids))
	seen := make(map[domain.ConnectionID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

type event interface{}

type evViewport struct{ items []domain.ViewableItem }

type evCandidates struct{ ids []domain.ConnectionID }

type evPollTick struct{ gen uint64 }

type evDebounce struct{ gen uint64 }

type evBackoffExpired struct{ gen uint64 }

type evRefresh struct{}

type evReset struct{}

type evHealth struct{ report domain.HealthReport }

type evFetchDone struct {
	seq     uint64
	records map[domain.ConnectionID]domain.TelemetryRecord
	err     error
	took    time.Duration
}
