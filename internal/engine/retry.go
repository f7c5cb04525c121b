package engine

import (
	"time"

	"github.com/xela07ax/connpulse/internal/connectors"
)

const DefaultMaxRetries = 5

// DefaultBackoffSchedule - задержка до повторного включения опроса, индекс = номер попытки с нуля.
var DefaultBackoffSchedule = []time.Duration{
	60 * time.Second,
	120 * time.Second,
	300 * time.Second,
	600 * time.Second,
	900 * time.Second,
}

type Phase string

const (
	PhaseEnabled  Phase = "enabled"
	PhaseBackoff  Phase = "backoff"
	PhaseDisabled Phase = "disabled" // Терминальное состояние сессии
)

type DisabledReason string

const (
	ReasonNone             DisabledReason = ""
	ReasonNotFound         DisabledReason = "not_found"
	ReasonRetriesExhausted DisabledReason = "retries_exhausted"
	ReasonOperator         DisabledReason = "operator" // Выключено конфигурацией при старте
)

// RetryState - публичный снимок автомата повторов.
type RetryState struct {
	Phase               Phase          `json:"phase"`
	Attempt             int            `json:"attempt"`
	Enabled             bool           `json:"enabled"`
	PermanentlyDisabled bool           `json:"permanently_disabled"`
	DisabledReason      DisabledReason `json:"disabled_reason,omitempty"`
	LastAttemptAt       time.Time      `json:"last_attempt_at,omitempty"`
	ResumeAt            time.Time      `json:"resume_at,omitempty"`
}

// Transition - что должен сделать владелец после отказа.
type Transition struct {
	Backoff   time.Duration // > 0: запланировать повторное включение через Backoff
	Permanent bool          // Опрос выключен до внешнего Reset
}

// RetryCoordinator - автомат Enabled(n) / Backoff(n) / PermanentlyDisabled.
// Сам таймеры не ставит: решение возвращается владельцу (циклу Engine).
type RetryCoordinator struct {
	maxRetries int
	schedule   []time.Duration
	state      RetryState
}

func NewRetryCoordinator(maxRetries int, schedule []time.Duration) *RetryCoordinator {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if len(schedule) == 0 {
		schedule = DefaultBackoffSchedule
	}
	return &RetryCoordinator{
		maxRetries: maxRetries,
		schedule:   append([]time.Duration(nil), schedule...),
		state:      RetryState{Phase: PhaseEnabled, Enabled: true},
	}
}

func (c *RetryCoordinator) State() RetryState { return c.state }

// CanFetch - можно ли сейчас отправлять запрос.
func (c *RetryCoordinator) CanFetch() bool { return c.state.Phase == PhaseEnabled }

// BeginAttempt фиксирует время начала запроса.
func (c *RetryCoordinator) BeginAttempt(now time.Time) { c.state.LastAttemptAt = now }

// OnSuccess - один успешный запрос полностью обнуляет счетчик.
func (c *RetryCoordinator) OnSuccess() {
	if c.state.Phase == PhaseDisabled {
		return
	}
	c.state.Phase = PhaseEnabled
	c.state.Enabled = true
	c.state.Attempt = 0
	c.state.ResumeAt = time.Time{}
}

// OnFailure продвигает автомат по классу ошибки.
func (c *RetryCoordinator) OnFailure(err error, now time.Time) Transition {
	if c.state.Phase == PhaseDisabled {
		return Transition{Permanent: true}
	}

	if connectors.KindOf(err) == connectors.KindNotFound {
		c.disable(ReasonNotFound)
		return Transition{Permanent: true}
	}

	n := c.state.Attempt
	if n+1 > c.maxRetries {
		c.disable(ReasonRetriesExhausted)
		return Transition{Permanent: true}
	}

	delay := c.delayFor(n)
	c.state.Phase = PhaseBackoff
	c.state.Enabled = false
	c.state.Attempt = n + 1
	c.state.ResumeAt = now.Add(delay)
	return Transition{Backoff: delay}
}

// OnBackoffExpired - Backoff(n) -> Enabled(n). Счетчик сохраняется до успеха.
// Возвращает false, если автомат не был в Backoff.
func (c *RetryCoordinator) OnBackoffExpired() bool {
	if c.state.Phase != PhaseBackoff {
		return false
	}
	c.state.Phase = PhaseEnabled
	c.state.Enabled = true
	c.state.ResumeAt = time.Time{}
	return true
}

// Disable переводит автомат в терминальное состояние по внешней причине.
func (c *RetryCoordinator) Disable(reason DisabledReason) { c.disable(reason) }

// Reset - явный внешний сброс (оператор). Единственный выход из PermanentlyDisabled.
func (c *RetryCoordinator) Reset() {
	c.state = RetryState{Phase: PhaseEnabled, Enabled: true, LastAttemptAt: c.state.LastAttemptAt}
}

func (c *RetryCoordinator) disable(reason DisabledReason) {
	c.state.Phase = PhaseDisabled
	c.state.Enabled = false
	c.state.PermanentlyDisabled = true
	c.state.DisabledReason = reason
	c.state.ResumeAt = time.Time{}
}

func (c *RetryCoordinator) delayFor(attempt int) time.Duration {
	if attempt < len(c.schedule) {
		return c.schedule[attempt]
	}
	return c.schedule[len(c.schedule)-1]
}
