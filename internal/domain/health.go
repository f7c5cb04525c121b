package domain

import (
	"encoding/json"
	"time"
)

// HealthReport - результат диагностической проверки realtime-бэкенда.
// Только для наблюдаемости: на включение опроса не влияет.
type HealthReport struct {
	RoutersHealthPct     float64             `json:"routers_health_percentage"`
	ConnectionsHealthPct float64             `json:"connections_health_percentage"`
	Recommendations      []string            `json:"recommendations"`
	ProblematicRouters   []ProblematicRouter `json:"problematic_routers"`
	CheckedAt            time.Time           `json:"checked_at"`
}

// ProblematicRouter - роутер, который бэкенд пометил как проблемный.
// Формат на бэкенде не зафиксирован, поэтому сырой объект сохраняется целиком.
type ProblematicRouter struct {
	ID   int64           `json:"id_router,omitempty"`
	Name string          `json:"nombre,omitempty"`
	Raw  json.RawMessage `json:"raw,omitempty"`
}

func (p *ProblematicRouter) UnmarshalJSON(data []byte) error {
	var known struct {
		ID   int64  `json:"id_router"`
		Name string `json:"nombre"`
	}
	// Строка или число вместо объекта - тоже допустимо, просто сохраняем как есть
	if err := json.Unmarshal(data, &known); err == nil {
		p.ID = known.ID
		p.Name = known.Name
	}
	p.Raw = append(json.RawMessage(nil), data...)
	return nil
}
