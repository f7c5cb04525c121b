package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/connpulse/internal/domain"
	"github.com/xela07ax/connpulse/internal/engine"
)

type telemetryList struct {
	Version uint64                   `json:"version"`
	Records []domain.TelemetryRecord `json:"records"`
}

type syncStateResponse struct {
	Version        uint64                `json:"version"`
	Retry          engine.RetryState     `json:"retry"`
	PollIntervalMs int64                 `json:"poll_interval_ms"`
	InterestSet    []domain.ConnectionID `json:"interest_set"`
	VisibleCount   int                   `json:"visible_count"`
	CandidateCount int                   `json:"candidate_count"`
	StoreSize      int                   `json:"store_size"`
	InFlight       bool                  `json:"in_flight"`
	Idle           bool                  `json:"idle"`
	Stopped        bool                  `json:"stopped"`
}

type syncHealthResponse struct {
	Report  *domain.HealthReport `json:"report"`
	Breaker string               `json:"breaker,omitempty"`
}

type candidatesRequest struct {
	IDs []domain.ConnectionID `json:"ids"`
}

func (s *Server) listTelemetry(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()
	out := telemetryList{Records: []domain.TelemetryRecord{}}
	if snap != nil {
		out.Version = snap.Version
		for _, rec := range snap.Records {
			out.Records = append(out.Records, rec.Clone())
		}
		slices.SortFunc(out.Records, func(a, b domain.TelemetryRecord) int {
			return compareIDs(a.ConnectionID, b.ConnectionID)
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getTelemetry(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		http.Error(w, "invalid connection id", http.StatusBadRequest)
		return
	}
	rec, ok := s.engine.Snapshot().Get(domain.ConnectionID(id))
	if !ok {
		http.Error(w, "telemetry not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) syncState(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()
	if snap == nil {
		http.Error(w, "engine not started", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, syncStateResponse{
		Version:        snap.Version,
		Retry:          snap.Retry,
		PollIntervalMs: snap.PollInterval.Milliseconds(),
		InterestSet:    snap.InterestSet,
		VisibleCount:   snap.VisibleCount,
		CandidateCount: snap.CandidateCount,
		StoreSize:      len(snap.Records),
		InFlight:       snap.InFlight,
		Idle:           snap.Idle,
		Stopped:        snap.Stopped,
	})
}

func (s *Server) syncHealth(w http.ResponseWriter, r *http.Request) {
	var resp syncHealthResponse
	if snap := s.engine.Snapshot(); snap != nil {
		resp.Report = snap.LastHealth
	}
	if s.breaker != nil {
		resp.Breaker = s.breaker.State().String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) postViewport(w http.ResponseWriter, r *http.Request) {
	var upd domain.ViewportUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		http.Error(w, "invalid viewport payload", http.StatusBadRequest)
		return
	}
	s.respond(w, r, s.engine.OnViewabilityChanged(upd.ViewableItems()))
}

func (s *Server) putCandidates(w http.ResponseWriter, r *http.Request) {
	var req candidatesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid candidates payload", http.StatusBadRequest)
		return
	}
	s.respond(w, r, s.engine.SetCandidates(req.IDs))
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, s.engine.Refresh())
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, s.engine.Reset())
}

// respond переводит ошибки движка в HTTP статусы. Команды асинхронные: 202.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, engine.ErrRefreshThrottled):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	case errors.Is(err, engine.ErrStopped):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		s.logger.Error("engine command failed", zap.String("trace_id", TraceID(r.Context())), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func compareIDs(a, b domain.ConnectionID) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
