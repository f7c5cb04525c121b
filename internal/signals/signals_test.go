package signals

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/connpulse/internal/domain"
	"github.com/xela07ax/connpulse/internal/engine"
	"github.com/xela07ax/connpulse/internal/infra"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

type recordingSink struct {
	mu         sync.Mutex
	viewports  [][]domain.ViewableItem
	candidates [][]domain.ConnectionID
	refreshes  int
	resets     int
	err        error
}

func (s *recordingSink) OnViewabilityChanged(items []domain.ViewableItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewports = append(s.viewports, items)
	return s.err
}

func (s *recordingSink) SetCandidates(ids []domain.ConnectionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append(s.candidates, ids)
	return s.err
}

func (s *recordingSink) Refresh() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes++
	return s.err
}

func (s *recordingSink) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	return s.err
}

type staticCandidates struct {
	ids []domain.ConnectionID
	err error
}

func (c staticCandidates) ListCandidateIDs(ctx context.Context) ([]domain.ConnectionID, error) {
	return c.ids, c.err
}

func TestDisablementStoreRoundTrip(t *testing.T) {
	_, rdb := newRedis(t)
	ctx := context.Background()
	store := NewRedisDisablementStore(rdb)

	if _, ok, err := store.Load(ctx); err != nil || ok {
		t.Fatalf("expected no flag, got ok=%v err=%v", ok, err)
	}
	if err := store.Save(ctx, "not_found"); err != nil {
		t.Fatalf("save: %v", err)
	}
	reason, ok, err := store.Load(ctx)
	if err != nil || !ok || reason != "not_found" {
		t.Fatalf("unexpected load: %q %v %v", reason, ok, err)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := store.Load(ctx); ok {
		t.Fatalf("flag must be cleared")
	}
}

func TestPublishReplacesTelemetryHash(t *testing.T) {
	mr, rdb := newRedis(t)
	ctx := context.Background()
	p := NewSnapshotPublisher(rdb, nil)

	first := &engine.Snapshot{
		Version: 1,
		Records: map[domain.ConnectionID]domain.TelemetryRecord{
			1: {ConnectionID: 1, DownloadBps: 10, Status: domain.StatusOnline},
			2: {ConnectionID: 2, DownloadBps: 20, Status: domain.StatusOffline},
		},
		InterestSet:  []domain.ConnectionID{1, 2},
		PollInterval: 8 * time.Second,
	}
	if err := p.Publish(ctx, first); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if keys, _ := mr.HKeys(infra.RedisKeyTelemetry); len(keys) != 2 {
		t.Fatalf("expected 2 fields, got %v", keys)
	}

	second := &engine.Snapshot{
		Version:     2,
		Records:     map[domain.ConnectionID]domain.TelemetryRecord{2: {ConnectionID: 2, DownloadBps: 21}},
		InterestSet: []domain.ConnectionID{2},
	}
	if err := p.Publish(ctx, second); err != nil {
		t.Fatalf("publish: %v", err)
	}
	keys, _ := mr.HKeys(infra.RedisKeyTelemetry)
	if len(keys) != 1 || keys[0] != "2" {
		t.Fatalf("pruned id must disappear from hash, got %v", keys)
	}

	var rec domain.TelemetryRecord
	if err := json.Unmarshal([]byte(mr.HGet(infra.RedisKeyTelemetry, "2")), &rec); err != nil || rec.DownloadBps != 21 {
		t.Fatalf("unexpected record %+v (%v)", rec, err)
	}

	raw, err := mr.Get(infra.RedisKeySyncState)
	if err != nil {
		t.Fatalf("sync state missing: %v", err)
	}
	var st SyncState
	if err := json.Unmarshal([]byte(raw), &st); err != nil || st.Version != 2 || st.InterestSize != 1 {
		t.Fatalf("unexpected sync state %+v (%v)", st, err)
	}
}

func TestPublishEmptyStoreClearsHash(t *testing.T) {
	mr, rdb := newRedis(t)
	ctx := context.Background()
	p := NewSnapshotPublisher(rdb, nil)

	p.Publish(ctx, &engine.Snapshot{Version: 1, Records: map[domain.ConnectionID]domain.TelemetryRecord{5: {ConnectionID: 5}}})
	if err := p.Publish(ctx, &engine.Snapshot{Version: 2, Idle: true}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if mr.Exists(infra.RedisKeyTelemetry) {
		t.Fatalf("empty store must remove the hash")
	}
}

func TestOfferKeepsLatestOnly(t *testing.T) {
	p := NewSnapshotPublisher(nil, nil)
	for v := uint64(1); v <= 5; v++ {
		p.Offer(&engine.Snapshot{Version: v})
	}
	got := <-p.pending
	if got.Version != 5 {
		t.Fatalf("expected latest snapshot, got version %d", got.Version)
	}
}

func TestBridgeHandleViewport(t *testing.T) {
	sink := &recordingSink{}
	b := NewBridge(nil, sink, nil, nil)

	b.HandleViewport(`{"items":[{"id":7,"visible_fraction":0.8,"visible_ms":250}]}`)
	b.HandleViewport(`not json`)

	if len(sink.viewports) != 1 {
		t.Fatalf("expected one forwarded update, got %d", len(sink.viewports))
	}
	it := sink.viewports[0][0]
	if it.ID != 7 || it.VisibleFraction != 0.8 || it.VisibleFor != 250*time.Millisecond {
		t.Fatalf("unexpected item %+v", it)
	}
}

func TestBridgeHandleControl(t *testing.T) {
	sink := &recordingSink{}
	b := NewBridge(nil, sink, nil, nil)

	b.HandleControl("refresh")
	b.HandleControl(" RESET \n")
	b.HandleControl("reboot")

	if sink.refreshes != 1 || sink.resets != 1 {
		t.Fatalf("unexpected calls: refresh=%d reset=%d", sink.refreshes, sink.resets)
	}
}

func TestBridgeReloadCandidates(t *testing.T) {
	sink := &recordingSink{}
	b := NewBridge(nil, sink, staticCandidates{ids: []domain.ConnectionID{3, 1, 2}}, nil)

	if err := b.ReloadCandidates(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(sink.candidates) != 1 || len(sink.candidates[0]) != 3 {
		t.Fatalf("unexpected candidates %v", sink.candidates)
	}

	failing := NewBridge(nil, sink, staticCandidates{err: errors.New("db down")}, nil)
	if err := failing.ReloadCandidates(context.Background()); err == nil {
		t.Fatalf("expected error from candidate source")
	}
}

func TestListenDeliversMessages(t *testing.T) {
	_, rdb := newRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subscribed := make(chan struct{}, 1)
	got := make(chan string, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		Listen(ctx, rdb, zap.NewNop(), infra.RedisChanSyncControl,
			func(context.Context) error {
				subscribed <- struct{}{}
				return nil
			},
			func(payload string) { got <- payload },
		)
	}()

	select {
	case <-subscribed:
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription not established")
	}
	if err := rdb.Publish(ctx, infra.RedisChanSyncControl, "refresh").Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case payload := <-got:
		if payload != "refresh" {
			t.Fatalf("unexpected payload %q", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("message not delivered")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("listener did not stop on cancel")
	}
}
