package domain

import "time"

// ConnectionID - непрозрачный идентификатор подключения (id_conexion на бэкенде).
type ConnectionID int64

type ConnectionStatus string

const (
	StatusOnline      ConnectionStatus = "online"
	StatusOffline     ConnectionStatus = "offline"
	StatusConfigError ConnectionStatus = "config_error" // Подключение не настроено (нет IP/роутера)
	StatusError       ConnectionStatus = "error"        // Сбор метрик упал на стороне роутера
	StatusUnknown     ConnectionStatus = "unknown"
)

// ErrorCode - диагностика сбора метрик. Пустая строка = ошибки нет.
type ErrorCode string

const (
	ErrorNone                   ErrorCode = ""
	ErrorMissingIP              ErrorCode = "missing_ip"
	ErrorMissingRouter          ErrorCode = "missing_router"
	ErrorRouterTimeout          ErrorCode = "router_timeout"
	ErrorRouterConnectionFailed ErrorCode = "router_connection_failed"
	ErrorUnknown                ErrorCode = "unknown"
)

// TelemetryRecord - последний снимок трафика по одному подключению.
type TelemetryRecord struct {
	ConnectionID     ConnectionID     `json:"connection_id"`
	DownloadBps      float64          `json:"download_bps"`
	UploadBps        float64          `json:"upload_bps"`
	Status           ConnectionStatus `json:"status"`
	LastUpdate       time.Time        `json:"last_update"`
	RouterID         *int64           `json:"router_id,omitempty"`
	RouterName       string           `json:"router_name,omitempty"`
	CollectionMethod string           `json:"collection_method"`
	ResponseTimeMs   float64          `json:"response_time_ms"`
	IPAddress        string           `json:"ip_address,omitempty"`
	ErrorCode        ErrorCode        `json:"error_code,omitempty"`
}

// Clone возвращает копию без общих указателей (RouterID).
func (r TelemetryRecord) Clone() TelemetryRecord {
	if r.RouterID != nil {
		id := *r.RouterID
		r.RouterID = &id
	}
	return r
}

// ViewableItem - элемент из колбэка видимости списка на экране.
type ViewableItem struct {
	ID              ConnectionID  `json:"id"`
	VisibleFraction float64       `json:"visible_fraction"`
	VisibleFor      time.Duration `json:"-"`
}

// ViewportUpdate - колбэк видимости в виде, в котором его присылает слой отрисовки
// (HTTP или Redis pub/sub).
type ViewportUpdate struct {
	Items []ViewportEntry `json:"items"`
}

type ViewportEntry struct {
	ID              ConnectionID `json:"id"`
	VisibleFraction float64      `json:"visible_fraction"`
	VisibleMs       int64        `json:"visible_ms"`
}

func (u ViewportUpdate) ViewableItems() []ViewableItem {
	out := make([]ViewableItem, 0, len(u.Items))
	for _, it := range u.Items {
		out = append(out, ViewableItem{
			ID:              it.ID,
			VisibleFraction: it.VisibleFraction,
			VisibleFor:      time.Duration(it.VisibleMs) * time.Millisecond,
		})
	}
	return out
}
