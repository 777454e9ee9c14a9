package quicrq

import (
	"testing"
	"time"

	"github.com/alxayo/quicrq/internal/congestion"
)

var srcTestBase = time.Unix(1700000000, 0)

func TestMinReaderGroupNoReaders(t *testing.T) {
	t.Parallel()

	src := newSource("quicrq://live/test")
	if _, ok := src.MinReaderGroup(); ok {
		t.Fatalf("expected ok=false with no attached readers")
	}
}

// TestMinReaderGroupReflectsSlowestReader covers the housekeeping sweep's
// reader-aware realtime purge (spec.md §4.1 purge_realtime, P9): the
// minimum must track whichever attached reader is furthest behind, not just
// the cache's frontier.
func TestMinReaderGroupReflectsSlowestReader(t *testing.T) {
	t.Parallel()

	src := newSource("quicrq://live/test")
	for g := uint64(0); g < 5; g++ {
		nbPrev := uint64(0)
		if g > 0 {
			nbPrev = 1 // each group has exactly one object
		}
		if err := src.Cache.Propose([]byte{byte(g)}, g, 0, 0, 0, 0, nbPrev, true, srcTestBase); err != nil {
			t.Fatalf("Propose: %v", err)
		}
	}

	slow := newStreamReader(1, src, 1, IntentFromStart)
	fast := newStreamReader(2, src, 2, IntentFromStart)

	// Drain every group's single object; the slow reader never ticks and
	// stays pinned at group 0.
	for i := 0; i < 8; i++ {
		fast.NextStreamChunk(4096)
	}
	wantFastGroup := fast.CursorGroup()
	if wantFastGroup == 0 {
		t.Fatalf("fast reader never advanced past group 0")
	}

	group, ok := src.MinReaderGroup()
	if !ok {
		t.Fatalf("expected ok=true with readers attached")
	}
	if group != 0 {
		t.Fatalf("min reader group = %d, want 0 (slow reader never advanced)", group)
	}

	slow.Close()
	group, ok = src.MinReaderGroup()
	if !ok || group != wantFastGroup {
		t.Fatalf("after detaching slow reader, min reader group = (%d,%v), want (%d,true)", group, ok, wantFastGroup)
	}
}

func TestMinReaderGroupIncludesDatagramReaders(t *testing.T) {
	t.Parallel()

	src := newSource("quicrq://live/test")
	for g := uint64(0); g < 3; g++ {
		if err := src.Cache.Propose([]byte{byte(g)}, g, 0, 0, 0, 0, 0, true, srcTestBase); err != nil {
			t.Fatalf("Propose: %v", err)
		}
	}

	dr := newDatagramReader(1, src, 1, &congestion.State{})
	dr.datagramPub.Tick(srcTestBase, 0) // advances its cursor onto group 0

	group, ok := src.MinReaderGroup()
	if !ok || group != 0 {
		t.Fatalf("min reader group = (%d,%v), want (0,true)", group, ok)
	}
}
