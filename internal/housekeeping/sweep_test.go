package housekeeping

import (
	"testing"
	"time"

	"github.com/alxayo/quicrq/internal/quicrq"
)

var sweepBase = time.Unix(1700000000, 0)

// TestPurgeRealtimeWithNoReadersUsesFrontier covers the reader-less case:
// with nothing attached, purge_realtime's kept_group collapses to the plain
// frontier (spec.md §4.1), same as before readers were accounted for.
func TestPurgeRealtimeWithNoReadersUsesFrontier(t *testing.T) {
	t.Parallel()

	registry := quicrq.NewRegistry()
	src, _ := registry.GetOrCreate("quicrq://live/test")
	src.Cache.SetRealTime()
	for g := uint64(0); g < 5; g++ {
		nbPrev := uint64(0)
		if g > 0 {
			nbPrev = 1 // each group has exactly one object
		}
		if err := src.Cache.Propose([]byte{byte(g)}, g, 0, 0, 0, 0, nbPrev, true, sweepBase); err != nil {
			t.Fatalf("Propose: %v", err)
		}
	}
	frontierGroup, _, _ := src.Cache.Frontier()
	if frontierGroup != 4 {
		t.Fatalf("frontier group = %d, want 4", frontierGroup)
	}

	s := New(registry, nil, 3*time.Second)
	s.purge(src.URL, src, sweepBase)

	first, _ := src.Cache.First()
	if first != frontierGroup {
		t.Fatalf("first group after purge = %d, want %d (no readers: kept_group collapses to frontier)", first, frontierGroup)
	}
}
