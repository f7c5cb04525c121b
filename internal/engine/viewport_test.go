package engine

import (
	"testing"
	"time"

	"github.com/xela07ax/connpulse/internal/domain"
)

func TestViewportAdmissionThresholds(t *testing.T) {
	v := NewViewportTracker(0, 0)

	// 1 - ровно на пороге, 2 - мало видно, 3 - мало висит, 4 - дубль
	got, changed := v.OnViewabilityChanged([]domain.ViewableItem{
		{ID: 1, VisibleFraction: 0.5, VisibleFor: 100 * time.Millisecond},
		{ID: 2, VisibleFraction: 0.49, VisibleFor: time.Second},
		{ID: 3, VisibleFraction: 1, VisibleFor: 99 * time.Millisecond},
		{ID: 4, VisibleFraction: 0.9, VisibleFor: 300 * time.Millisecond},
		{ID: 4, VisibleFraction: 0.9, VisibleFor: 300 * time.Millisecond},
	})
	if !changed {
		t.Fatalf("first admission must report a change")
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 4 {
		t.Fatalf("unexpected visible set %v", got)
	}
}

func TestViewportChangeIsSetBased(t *testing.T) {
	v := NewViewportTracker(0, 0)
	v.OnViewabilityChanged(visible(1, 2, 3))

	if _, changed := v.OnViewabilityChanged(visible(3, 1, 2)); changed {
		t.Fatalf("reordering must not count as a change")
	}
	if _, changed := v.OnViewabilityChanged(visible(1, 2)); !changed {
		t.Fatalf("shrink must count as a change")
	}
	if _, changed := v.OnViewabilityChanged(visible(1, 5)); !changed {
		t.Fatalf("same size, different members must count as a change")
	}
	if _, changed := v.OnViewabilityChanged(nil); !changed {
		t.Fatalf("clearing must count as a change")
	}
	if v.Len() != 0 {
		t.Fatalf("expected empty viewport")
	}
}

func TestViewportVisibleReturnsCopy(t *testing.T) {
	v := NewViewportTracker(0, 0)
	v.OnViewabilityChanged(visible(7))

	got := v.Visible()
	got[0] = 99
	if v.Visible()[0] != 7 {
		t.Fatalf("caller mutated tracker state")
	}
}

func TestInterestSetFallback(t *testing.T) {
	candidates := make([]domain.ConnectionID, 0, 100)
	for i := 100; i > 0; i-- {
		candidates = append(candidates, domain.ConnectionID(i))
	}

	got := InterestSet(nil, candidates, 0)
	if len(got) != FallbackBatchSize {
		t.Fatalf("expected head batch of %d, got %d", FallbackBatchSize, len(got))
	}
	// Порядок списка кандидатов сохраняется
	if got[0] != 100 || got[39] != 61 {
		t.Fatalf("fallback must keep candidate order, got %v..%v", got[0], got[39])
	}

	short := InterestSet(nil, []domain.ConnectionID{3, 3, 1}, 40)
	if len(short) != 2 || short[0] != 3 || short[1] != 1 {
		t.Fatalf("unexpected short fallback %v", short)
	}

	vis := InterestSet([]domain.ConnectionID{5}, candidates, 40)
	if len(vis) != 1 || vis[0] != 5 {
		t.Fatalf("visible set must win over fallback, got %v", vis)
	}
}
