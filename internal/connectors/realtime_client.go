package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/xela07ax/connpulse/internal/domain"
)

const (
	TelemetryPath = "/api/active-connections?realtime=true"
	HealthPath    = "/api/realtime/health"

	// DefaultRequestTimeout - бэкенд медленный, но дольше 20с ждать нет смысла
	DefaultRequestTimeout = 20 * time.Second
	DefaultHealthTimeout  = 10 * time.Second

	maxBodyBytes = 8 << 20
)

// ClientConfig описывает подключение к realtime API бэкенда.
type ClientConfig struct {
	BaseURL        string
	Token          string // Bearer-токен сессии, выдается внешним слоем
	RequestTimeout time.Duration
	HealthTimeout  time.Duration
}

// RealtimeClient реализует TelemetryFetcher и HealthProber поверх HTTP.
type RealtimeClient struct {
	baseURL       string
	token         string
	timeout       time.Duration
	healthTimeout time.Duration
	httpc         *http.Client
	logger        *zap.Logger
	now           func() time.Time
}

func NewRealtimeClient(cfg ClientConfig, httpc *http.Client, logger *zap.Logger) *RealtimeClient {
	if httpc == nil {
		httpc = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = DefaultHealthTimeout
	}
	return &RealtimeClient{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		token:         cfg.Token,
		timeout:       cfg.RequestTimeout,
		healthTimeout: cfg.HealthTimeout,
		httpc:         httpc,
		logger:        logger.With(zap.String("mod", "realtime-client")),
		now:           time.Now,
	}
}

// FetchTelemetry отправляет ОДИН пакетный запрос по всем ids (без дробления).
func (c *RealtimeClient) FetchTelemetry(ctx context.Context, ids []domain.ConnectionID) (map[domain.ConnectionID]domain.TelemetryRecord, error) {
	body, err := json.Marshal(telemetryRequest{ConnectionIDs: ids})
	if err != nil {
		return nil, fmt.Errorf("marshal telemetry request: %w", err)
	}

	var env telemetryEnvelope
	if err := c.do(ctx, http.MethodPost, TelemetryPath, body, c.timeout, &env); err != nil {
		return nil, err
	}
	if env.Success == nil || env.Data == nil {
		return nil, newFetchError(KindMalformed, http.StatusOK, errors.New("response envelope lacks success/data"))
	}
	if !*env.Success {
		return nil, newFetchError(KindMalformed, http.StatusOK, errors.New("backend reported success=false"))
	}

	receivedAt := c.now()
	out := make(map[domain.ConnectionID]domain.TelemetryRecord, len(*env.Data))
	for _, entry := range *env.Data {
		if entry.ID == nil {
			c.logger.Debug("telemetry entry without id_conexion skipped")
			continue
		}
		rec := entry.toRecord(receivedAt)
		out[rec.ConnectionID] = rec
	}
	return out, nil
}

// ProbeHealth опрашивает диагностический эндпоинт. Ошибки классифицируются так же, как у fetch.
func (c *RealtimeClient) ProbeHealth(ctx context.Context) (domain.HealthReport, error) {
	var env healthEnvelope
	if err := c.do(ctx, http.MethodGet, HealthPath, nil, c.healthTimeout, &env); err != nil {
		return domain.HealthReport{}, err
	}
	if env.Success == nil || !*env.Success || env.Data == nil {
		return domain.HealthReport{}, newFetchError(KindMalformed, http.StatusOK, errors.New("health envelope unsuccessful or empty"))
	}

	report := domain.HealthReport{
		RoutersHealthPct:     float64(env.Data.RoutersHealth),
		ConnectionsHealthPct: float64(env.Data.ConnectionsHealth),
		Recommendations:      env.Data.Recommendations,
		ProblematicRouters:   env.Data.ProblematicRouters,
		CheckedAt:            c.now(),
	}
	if report.Recommendations == nil {
		report.Recommendations = []string{}
	}
	if report.ProblematicRouters == nil {
		report.ProblematicRouters = []domain.ProblematicRouter{}
	}
	return report, nil
}

func (c *RealtimeClient) do(ctx context.Context, method, path string, body []byte, timeout time.Duration, dst interface{}) error {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}

	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		return classifyTransport(ctx, reqCtx, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("realtime response",
		zap.String("request_id", requestID),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if resp.StatusCode == http.StatusNotFound {
		return newFetchError(KindNotFound, resp.StatusCode, fmt.Errorf("endpoint %s not found", path))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Тело читаем ограниченно - только для диагностики
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return newFetchError(KindTransient, resp.StatusCode, fmt.Errorf("unexpected status: %s", strings.TrimSpace(string(snippet))))
	}

	reader := io.Reader(resp.Body)
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return newFetchError(KindMalformed, resp.StatusCode, fmt.Errorf("gzip body: %w", err))
		}
		defer gz.Close()
		reader = gz
	}

	raw, err := io.ReadAll(io.LimitReader(reader, maxBodyBytes))
	if err != nil {
		return classifyTransport(ctx, reqCtx, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return newFetchError(KindMalformed, resp.StatusCode, fmt.Errorf("decode %s: %w", path, err))
	}
	return nil
}

// classifyTransport разделяет отмену владельцем, собственный таймаут и прочие сетевые сбои.
func classifyTransport(parent, reqCtx context.Context, err error) error {
	if parent.Err() != nil {
		return newFetchError(KindCanceled, 0, parent.Err())
	}
	if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
		return newFetchError(KindTimeout, 0, err)
	}
	return newFetchError(KindTransient, 0, err)
}

type telemetryRequest struct {
	ConnectionIDs []domain.ConnectionID `json:"connection_ids"`
}

type telemetryEnvelope struct {
	Success   *bool             `json:"success"`
	Data      *[]telemetryEntry `json:"data"`
	DebugInfo json.RawMessage   `json:"debug_info,omitempty"`
}

type routerRef struct {
	ID   *int64 `json:"id_router"`
	Name string `json:"nombre"`
}

type telemetryEntry struct {
	ID               *int64     `json:"id_conexion"`
	DownloadRate     flexFloat  `json:"download_rate"`
	UploadRate       flexFloat  `json:"upload_rate"`
	Status           *string    `json:"status"`
	Router           *routerRef `json:"router"`
	CollectionMethod string     `json:"collection_method"`
	ResponseTime     flexFloat  `json:"response_time"`
	IPAddress        *string    `json:"direccion_ip"`
	ErrorCode        string     `json:"error_code"`
}

func (e telemetryEntry) toRecord(receivedAt time.Time) domain.TelemetryRecord {
	rec := domain.TelemetryRecord{
		ConnectionID:     domain.ConnectionID(*e.ID),
		DownloadBps:      float64(e.DownloadRate),
		UploadBps:        float64(e.UploadRate),
		Status:           domain.StatusUnknown,
		LastUpdate:       receivedAt,
		CollectionMethod: e.CollectionMethod,
		ResponseTimeMs:   float64(e.ResponseTime),
	}
	if e.Status != nil {
		rec.Status = ParseStatus(*e.Status)
	}
	if e.Router != nil {
		rec.RouterID = e.Router.ID
		rec.RouterName = e.Router.Name
	}
	if e.IPAddress != nil {
		rec.IPAddress = strings.TrimSpace(*e.IPAddress)
	}
	rec.ErrorCode = deriveErrorCode(e.ErrorCode, rec)
	return rec
}

// normalizeToken сводит "configError", "CONFIG_ERROR", "config-error" к "configerror".
func normalizeToken(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(s)
}

// ParseStatus переводит статус бэкенда в перечисление. Незнакомое -> unknown.
func ParseStatus(s string) domain.ConnectionStatus {
	switch normalizeToken(s) {
	case "online":
		return domain.StatusOnline
	case "offline":
		return domain.StatusOffline
	case "configerror":
		return domain.StatusConfigError
	case "error":
		return domain.StatusError
	default:
		return domain.StatusUnknown
	}
}

func deriveErrorCode(explicit string, rec domain.TelemetryRecord) domain.ErrorCode {
	switch normalizeToken(explicit) {
	case "":
	case "missingip":
		return domain.ErrorMissingIP
	case "missingrouter":
		return domain.ErrorMissingRouter
	case "routertimeout":
		return domain.ErrorRouterTimeout
	case "routerconnectionfailed":
		return domain.ErrorRouterConnectionFailed
	default:
		return domain.ErrorUnknown
	}

	switch rec.Status {
	case domain.StatusConfigError:
		if rec.IPAddress == "" {
			return domain.ErrorMissingIP
		}
		if rec.RouterID == nil {
			return domain.ErrorMissingRouter
		}
		return domain.ErrorUnknown
	case domain.StatusError:
		return domain.ErrorUnknown
	}
	return domain.ErrorNone
}

// flexFloat принимает число, числовую строку или null (-> 0).
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		*f = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexFloat(v)
	return nil
}

type healthEnvelope struct {
	Success *bool `json:"success"`
	Data    *struct {
		RoutersHealth      flexFloat                  `json:"routers_health_percentage"`
		ConnectionsHealth  flexFloat                  `json:"connections_health_percentage"`
		Recommendations    []string                   `json:"recommendations"`
		ProblematicRouters []domain.ProblematicRouter `json:"problematic_routers"`
	} `json:"data"`
}
