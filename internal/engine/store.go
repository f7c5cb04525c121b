package engine

import "github.com/xela07ax/connpulse/internal/domain"

// TelemetryStore - последние записи телеметрии по подключениям из набора интереса.
// Владелец - цикл Engine, наружу уходят только копии.
type TelemetryStore struct {
	records map[domain.ConnectionID]domain.TelemetryRecord
}

func NewTelemetryStore() *TelemetryStore {
	return &TelemetryStore{records: make(map[domain.ConnectionID]domain.TelemetryRecord)}
}

// Merge заменяет содержимое целиком: успешный ответ авторитетен для своих ids.
// Записи вне набора интереса отбрасываются.
func (s *TelemetryStore) Merge(batch map[domain.ConnectionID]domain.TelemetryRecord, interest []domain.ConnectionID) {
	keep := toSet(interest)
	next := make(map[domain.ConnectionID]domain.TelemetryRecord, len(batch))
	for id, rec := range batch {
		if _, ok := keep[id]; !ok {
			continue
		}
		rec.ConnectionID = id
		next[id] = rec.Clone()
	}
	s.records = next
}

// Prune удаляет записи подключений, выпавших из набора интереса. Возвращает число удаленных.
func (s *TelemetryStore) Prune(keep []domain.ConnectionID) int {
	set := toSet(keep)
	removed := 0
	for id := range s.records {
		if _, ok := set[id]; !ok {
			delete(s.records, id)
			removed++
		}
	}
	return removed
}

func (s *TelemetryStore) Get(id domain.ConnectionID) (domain.TelemetryRecord, bool) {
	rec, ok := s.records[id]
	if !ok {
		return domain.TelemetryRecord{}, false
	}
	return rec.Clone(), true
}

func (s *TelemetryStore) Len() int { return len(s.records) }

// Snapshot возвращает независимую копию содержимого.
func (s *TelemetryStore) Snapshot() map[domain.ConnectionID]domain.TelemetryRecord {
	out := make(map[domain.ConnectionID]domain.TelemetryRecord, len(s.records))
	for id, rec := range s.records {
		out[id] = rec.Clone()
	}
	return out
}
