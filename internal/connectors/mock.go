package connectors

import (
	"context"
	"math/rand"
	"time"

	"github.com/xela07ax/connpulse/internal/domain"
)

// MockTelemetrySource - генератор правдоподобной телеметрии для демо-режима (--mock)
// и ручной проверки движка без живого бэкенда.
type MockTelemetrySource struct {
	// MinLatency/MaxLatency имитируют медленный бэкенд
	MinLatency time.Duration
	MaxLatency time.Duration
	// DropRatio - доля подключений, которые бэкенд "забывает" вернуть в ответе
	DropRatio float64
}

func NewMockTelemetrySource() *MockTelemetrySource {
	return &MockTelemetrySource{
		MinLatency: 50 * time.Millisecond,
		MaxLatency: 300 * time.Millisecond,
		DropRatio:  0.05,
	}
}

func (m *MockTelemetrySource) FetchTelemetry(ctx context.Context, ids []domain.ConnectionID) (map[domain.ConnectionID]domain.TelemetryRecord, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}

	now := time.Now()
	out := make(map[domain.ConnectionID]domain.TelemetryRecord, len(ids))
	for _, id := range ids {
		if rand.Float64() < m.DropRatio {
			continue
		}
		out[id] = mockRecord(id, now)
	}
	return out, nil
}

func (m *MockTelemetrySource) ProbeHealth(ctx context.Context) (domain.HealthReport, error) {
	if err := m.wait(ctx); err != nil {
		return domain.HealthReport{}, err
	}
	return domain.HealthReport{
		RoutersHealthPct:     90 + rand.Float64()*10,
		ConnectionsHealthPct: 80 + rand.Float64()*20,
		Recommendations:      []string{},
		ProblematicRouters:   []domain.ProblematicRouter{},
		CheckedAt:            time.Now(),
	}, nil
}

func (m *MockTelemetrySource) wait(ctx context.Context) error {
	latency := m.MinLatency
	if spread := m.MaxLatency - m.MinLatency; spread > 0 {
		latency += time.Duration(rand.Int63n(int64(spread)))
	}
	select {
	case <-time.After(latency):
		return nil
	case <-ctx.Done():
		return newFetchError(KindCanceled, 0, ctx.Err())
	}
}

func mockRecord(id domain.ConnectionID, now time.Time) domain.TelemetryRecord {
	routerID := int64(id%7) + 1
	rec := domain.TelemetryRecord{
		ConnectionID:     id,
		Status:           domain.StatusOnline,
		LastUpdate:       now,
		RouterID:         &routerID,
		RouterName:       "mock-router",
		CollectionMethod: "mock",
		ResponseTimeMs:   float64(20 + rand.Intn(400)),
		IPAddress:        "10.0.0.1",
	}

	// Детерминированно "сломанные" подключения, чтобы было на что смотреть в UI
	switch id % 17 {
	case 0:
		rec.Status = domain.StatusOffline
	case 1:
		rec.Status = domain.StatusConfigError
		rec.IPAddress = ""
		rec.ErrorCode = domain.ErrorMissingIP
	default:
		rec.DownloadBps = float64(rand.Intn(50_000_000))
		rec.UploadBps = float64(rand.Intn(10_000_000))
	}
	return rec
}
