//go:build property

package engine

import (
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/xela07ax/connpulse/internal/domain"
)

func toIDs(raw []int64) []domain.ConnectionID {
	out := make([]domain.ConnectionID, 0, len(raw))
	for _, v := range raw {
		out = append(out, domain.ConnectionID(v))
	}
	return out
}

func TestViewportPermutationProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("any permutation of the same set is not a change", prop.ForAll(
		func(raw []int64, seed uint64) bool {
			ids := toIDs(raw)
			v := NewViewportTracker(0, 0)
			v.OnViewabilityChanged(visible(ids...))

			shuffled := append([]domain.ConnectionID(nil), ids...)
			r := rand.New(rand.NewSource(int64(seed)))
			r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

			_, changed := v.OnViewabilityChanged(visible(shuffled...))
			return !changed
		},
		gen.SliceOf(gen.Int64Range(1, 500)),
		gen.UInt64(),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestStorePruneProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("store never holds ids outside the kept set", prop.ForAll(
		func(stored, keep []int64) bool {
			s := NewTelemetryStore()
			batch := make(map[domain.ConnectionID]domain.TelemetryRecord, len(stored))
			for _, id := range toIDs(stored) {
				batch[id] = domain.TelemetryRecord{ConnectionID: id}
			}
			s.Merge(batch, toIDs(stored))

			keepIDs := toIDs(keep)
			s.Prune(keepIDs)
			set := toSet(keepIDs)
			for id := range s.Snapshot() {
				if _, ok := set[id]; !ok {
					return false
				}
			}
			// Ничего лишнего не удалено
			for id := range batch {
				if _, ok := set[id]; ok {
					if _, present := s.Get(id); !present {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(1, 100)),
		gen.SliceOf(gen.Int64Range(1, 100)),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
