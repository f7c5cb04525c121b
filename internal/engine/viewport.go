package engine

import (
	"time"

	"github.com/xela07ax/connpulse/internal/domain"
)

const (
	DefaultMinVisibleFraction = 0.5
	DefaultMinVisibleFor      = 100 * time.Millisecond
)

// ViewportTracker хранит набор подключений, видимых на экране.
// Не потокобезопасен: им владеет цикл Engine.
type ViewportTracker struct {
	minFraction float64
	minDwell    time.Duration
	visible     []domain.ConnectionID
}

func NewViewportTracker(minFraction float64, minDwell time.Duration) *ViewportTracker {
	if minFraction <= 0 {
		minFraction = DefaultMinVisibleFraction
	}
	if minDwell <= 0 {
		minDwell = DefaultMinVisibleFor
	}
	return &ViewportTracker{minFraction: minFraction, minDwell: minDwell}
}

// OnViewabilityChanged пересчитывает видимый набор. changed = true только если
// изменился состав (сравнение как множеств, порядок не важен).
func (v *ViewportTracker) OnViewabilityChanged(items []domain.ViewableItem) ([]domain.ConnectionID, bool) {
	next := make([]domain.ConnectionID, 0, len(items))
	seen := make(map[domain.ConnectionID]struct{}, len(items))
	for _, it := range items {
		if it.VisibleFraction < v.minFraction || it.VisibleFor < v.minDwell {
			continue
		}
		if _, dup := seen[it.ID]; dup {
			continue
		}
		seen[it.ID] = struct{}{}
		next = append(next, it.ID)
	}

	changed := !sameMembers(v.visible, next)
	v.visible = next
	return v.Visible(), changed
}

// Visible возвращает копию текущего видимого набора.
func (v *ViewportTracker) Visible() []domain.ConnectionID {
	return append([]domain.ConnectionID(nil), v.visible...)
}

func (v *ViewportTracker) Len() int { return len(v.visible) }

// InterestSet выбирает, что опрашивать: видимые подключения, а без них - голову списка кандидатов.
func InterestSet(visible, candidates []domain.ConnectionID, fallback int) []domain.ConnectionID {
	if len(visible) > 0 {
		return append([]domain.ConnectionID(nil), visible...)
	}
	if fallback <= 0 {
		fallback = FallbackBatchSize
	}
	out := make([]domain.ConnectionID, 0, min(fallback, len(candidates)))
	seen := make(map[domain.ConnectionID]struct{}, fallback)
	for _, id := range candidates {
		if len(out) == fallback {
			break
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func sameMembers(a, b []domain.ConnectionID) bool {
	sa, sb := toSet(a), toSet(b)
	if len(sa) != len(sb) {
		return false
	}
	for id := range sa {
		if _, ok := sb[id]; !ok {
			return false
		}
	}
	return true
}

func toSet(ids []domain.ConnectionID) map[domain.ConnectionID]struct{} {
	s := make(map[domain.ConnectionID]struct{}, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}
