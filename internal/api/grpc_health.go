package api

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/xela07ax/connpulse/internal/engine"
)

// SyncServiceName - имя сервиса в grpc health для оркестратора.
const SyncServiceName = "connpulse.Sync"

// HealthReporter отражает состояние опроса в стандартном grpc health.
// SERVING - опрос не выключен навсегда и движок работает.
type HealthReporter struct {
	srv *health.Server
}

func NewHealthReporter() *HealthReporter {
	srv := health.NewServer()
	srv.SetServingStatus(SyncServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthReporter{srv: srv}
}

// Register вешает health сервис на grpc сервер
func (h *HealthReporter) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

// Observe вызывается на каждый новый снимок (engine.Options.OnSnapshot).
func (h *HealthReporter) Observe(snap *engine.Snapshot) {
	h.srv.SetServingStatus(SyncServiceName, servingStatus(snap))
}

// Shutdown переводит все сервисы в NOT_SERVING перед остановкой.
func (h *HealthReporter) Shutdown() {
	h.srv.Shutdown()
}

func (h *HealthReporter) Server() healthpb.HealthServer { return h.srv }

func servingStatus(snap *engine.Snapshot) healthpb.HealthCheckResponse_ServingStatus {
	if snap == nil || snap.Stopped || snap.Retry.PermanentlyDisabled {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}
