package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/xela07ax/connpulse/internal/domain"
	"github.com/xela07ax/connpulse/internal/engine"
)

type fakeEngine struct {
	snap       *engine.Snapshot
	viewport   []domain.ViewableItem
	candidates []domain.ConnectionID
	refreshErr error
	resets     int
}

func (f *fakeEngine) Snapshot() *engine.Snapshot { return f.snap }

func (f *fakeEngine) OnViewabilityChanged(items []domain.ViewableItem) error {
	f.viewport = items
	return nil
}

func (f *fakeEngine) SetCandidates(ids []domain.ConnectionID) error {
	f.candidates = ids
	return nil
}

func (f *fakeEngine) Refresh() error { return f.refreshErr }

func (f *fakeEngine) Reset() error {
	f.resets++
	return nil
}

type fixedBreaker gobreaker.State

func (b fixedBreaker) State() gobreaker.State { return gobreaker.State(b) }

func newSnapshot() *engine.Snapshot {
	return &engine.Snapshot{
		Version: 7,
		Records: map[domain.ConnectionID]domain.TelemetryRecord{
			9: {ConnectionID: 9, Status: domain.StatusOnline, DownloadBps: 10},
			2: {ConnectionID: 2, Status: domain.StatusOffline},
		},
		InterestSet: []domain.ConnectionID{2, 9},
		Retry:       engine.RetryState{Phase: engine.PhaseEnabled, Enabled: true},
	}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestListTelemetrySortedByID(t *testing.T) {
	s := NewServer(&fakeEngine{snap: newSnapshot()}, zap.NewNop())

	rec := do(t, s, http.MethodGet, "/v1/telemetry", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var out telemetryList
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Version != 7 || len(out.Records) != 2 || out.Records[0].ConnectionID != 2 {
		t.Fatalf("unexpected list %+v", out)
	}
	if rec.Header().Get("X-Trace-ID") == "" {
		t.Fatalf("trace id header missing")
	}
}

func TestGetTelemetry(t *testing.T) {
	s := NewServer(&fakeEngine{snap: newSnapshot()}, zap.NewNop())

	if rec := do(t, s, http.MethodGet, "/v1/telemetry/9", ""); rec.Code != http.StatusOK {
		t.Fatalf("known id: %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/v1/telemetry/42", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id: %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/v1/telemetry/abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id: %d", rec.Code)
	}
}

func TestSyncStateAndHealth(t *testing.T) {
	snap := newSnapshot()
	snap.LastHealth = &domain.HealthReport{RoutersHealthPct: 80}
	s := NewServer(&fakeEngine{snap: snap}, zap.NewNop(), WithBreaker(fixedBreaker(gobreaker.StateOpen)))

	rec := do(t, s, http.MethodGet, "/v1/sync/state", "")
	var st syncStateResponse
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.StoreSize != 2 || st.Retry.Phase != engine.PhaseEnabled {
		t.Fatalf("unexpected state %+v", st)
	}

	rec = do(t, s, http.MethodGet, "/v1/sync/health", "")
	var h syncHealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&h); err != nil {
		t.Fatal(err)
	}
	if h.Breaker != "open" || h.Report == nil || h.Report.RoutersHealthPct != 80 {
		t.Fatalf("unexpected health %+v", h)
	}
}

func TestCommands(t *testing.T) {
	fe := &fakeEngine{snap: newSnapshot()}
	s := NewServer(fe, zap.NewNop())

	rec := do(t, s, http.MethodPost, "/v1/viewport", `{"items":[{"id":5,"visible_fraction":0.9,"visible_ms":300}]}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("viewport: %d", rec.Code)
	}
	if len(fe.viewport) != 1 || fe.viewport[0].ID != 5 || fe.viewport[0].VisibleFor.Milliseconds() != 300 {
		t.Fatalf("viewport not forwarded: %+v", fe.viewport)
	}

	if rec := do(t, s, http.MethodPut, "/v1/candidates", `{"ids":[1,2,3]}`); rec.Code != http.StatusAccepted {
		t.Fatalf("candidates: %d", rec.Code)
	}
	if len(fe.candidates) != 3 {
		t.Fatalf("candidates not forwarded: %v", fe.candidates)
	}

	if rec := do(t, s, http.MethodPut, "/v1/candidates", `{`); rec.Code != http.StatusBadRequest {
		t.Fatalf("broken json: %d", rec.Code)
	}

	if rec := do(t, s, http.MethodPost, "/v1/sync/reset", ""); rec.Code != http.StatusAccepted || fe.resets != 1 {
		t.Fatalf("reset: %d, resets %d", rec.Code, fe.resets)
	}

	fe.refreshErr = engine.ErrRefreshThrottled
	if rec := do(t, s, http.MethodPost, "/v1/sync/refresh", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("throttled refresh: %d", rec.Code)
	}
	fe.refreshErr = engine.ErrStopped
	if rec := do(t, s, http.MethodPost, "/v1/sync/refresh", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("stopped refresh: %d", rec.Code)
	}
}

func TestHealthReporter(t *testing.T) {
	h := NewHealthReporter()
	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := h.Server().Check(context.Background(), &healthpb.HealthCheckRequest{Service: SyncServiceName})
		if err != nil {
			t.Fatal(err)
		}
		return resp.GetStatus()
	}

	if got := check(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("before first snapshot: %v", got)
	}

	snap := newSnapshot()
	h.Observe(snap)
	if got := check(); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("enabled: %v", got)
	}

	disabled := newSnapshot()
	disabled.Retry = engine.RetryState{Phase: engine.PhaseDisabled, PermanentlyDisabled: true, DisabledReason: engine.ReasonNotFound}
	h.Observe(disabled)
	if got := check(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("disabled: %v", got)
	}
}

func TestTraceIDPropagation(t *testing.T) {
	var seen string
	h := RequestTracing(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = TraceID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Trace-ID", "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != "abc-123" || rec.Header().Get("X-Trace-ID") != "abc-123" {
		t.Fatalf("trace id not propagated: ctx=%q header=%q", seen, rec.Header().Get("X-Trace-ID"))
	}
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status not passed through: %d", rec.Code)
	}
	if TraceID(context.Background()) != "" {
		t.Fatalf("empty context must give empty trace id")
	}
}
