package journal

import "time"

type Kind string

const (
	KindFetchOK     Kind = "FETCH_OK"
	KindFetchFailed Kind = "FETCH_FAILED"
	KindBackoff     Kind = "BACKOFF"
	KindResumed     Kind = "RESUMED"
	KindDisabled    Kind = "DISABLED"
	KindReset       Kind = "RESET"
	KindIdle        Kind = "IDLE"
)

// Event - запись журнала синхронизации (наблюдаемость, не бизнес-данные).
type Event struct {
	ID           string    `json:"id"`     // UUID события
	Kind         Kind      `json:"kind"`   // Что произошло
	Source       string    `json:"source"` // Кто инициировал: poll, viewport, refresh, backoff, operator
	Attempt      int       `json:"attempt"`
	InterestSize int       `json:"interest_size"`
	Received     int       `json:"received"` // Сколько записей вернул бэкенд
	ErrorKind    string    `json:"error_kind,omitempty"`
	Error        string    `json:"error,omitempty"`
	DelayMs      int64     `json:"delay_ms,omitempty"` // Для BACKOFF - через сколько включимся
	DurationMs   int64     `json:"duration_ms"`
	Timestamp    time.Time `json:"timestamp"`
}
