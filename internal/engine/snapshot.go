package engine

import (
	"time"

	"github.com/xela07ax/connpulse/internal/domain"
)

// Snapshot - неизменяемое представление состояния движка для слоя отрисовки.
// Публикуется циклом после каждой мутации; читатели получают указатель на готовую копию.
type Snapshot struct {
	Version        uint64                                         `json:"version"`
	Records        map[domain.ConnectionID]domain.TelemetryRecord `json:"records"`
	InterestSet    []domain.ConnectionID                          `json:"interest_set"`
	VisibleCount   int                                            `json:"visible_count"`
	CandidateCount int                                            `json:"candidate_count"`
	Retry          RetryState                                     `json:"retry"`
	PollInterval   time.Duration                                  `json:"poll_interval"`
	InFlight       bool                                           `json:"in_flight"`
	Idle           bool                                           `json:"idle"`
	Stopped        bool                                           `json:"stopped"`
	LastSuccessAt  time.Time                                      `json:"last_success_at,omitempty"`
	LastHealth     *domain.HealthReport                           `json:"last_health,omitempty"`
}

// Get возвращает копию записи по id.
func (s *Snapshot) Get(id domain.ConnectionID) (domain.TelemetryRecord, bool) {
	if s == nil {
		return domain.TelemetryRecord{}, false
	}
	rec, ok := s.Records[id]
	if !ok {
		return domain.TelemetryRecord{}, false
	}
	return rec.Clone(), true
}

// RecordsCopy возвращает копию карты записей, которую вызывающий может менять.
func (s *Snapshot) RecordsCopy() map[domain.ConnectionID]domain.TelemetryRecord {
	if s == nil {
		return map[domain.ConnectionID]domain.TelemetryRecord{}
	}
	out := make(map[domain.ConnectionID]domain.TelemetryRecord, len(s.Records))
	for id, rec := range s.Records {
		out[id] = rec.Clone()
	}
	return out
}
