package fragcache

import (
	"testing"
	"time"
)

var baseTime = time.Unix(1700000000, 0)

func TestProposeSimpleSequential(t *testing.T) {
	t.Parallel()

	c := New("quicrq://live/test")
	for o := uint64(0); o < 5; o++ {
		payload := []byte{byte(o), byte(o), byte(o)}
		if err := c.Propose(payload, 0, o, 0, 0, 0, 0, true, baseTime); err != nil {
			t.Fatalf("Propose: %v", err)
		}
	}

	g, ob, off := c.Frontier()
	if g != 0 || ob != 5 || off != 0 {
		t.Fatalf("frontier = (%d,%d,%d), want (0,5,0)", g, ob, off)
	}
	if got := c.NbObjectReceived(); got != 5 {
		t.Fatalf("nb_object_received = %d, want 5", got)
	}
}

// TestProposeOutOfOrderFragments covers reassembly of an object whose
// fragments arrive out of offset order.
func TestProposeOutOfOrderFragments(t *testing.T) {
	t.Parallel()

	c := New("quicrq://live/test")
	full := []byte("abcdefghij")

	if err := c.Propose(full[5:], 0, 0, 5, 0, 0, 0, true, baseTime); err != nil {
		t.Fatalf("Propose suffix: %v", err)
	}
	g, o, off := c.Frontier()
	if g != 0 || o != 0 || off != 0 {
		t.Fatalf("frontier advanced before prefix arrived: (%d,%d,%d)", g, o, off)
	}

	if err := c.Propose(full[:5], 0, 0, 0, 0, 0, 0, false, baseTime); err != nil {
		t.Fatalf("Propose prefix: %v", err)
	}
	g, o, off = c.Frontier()
	if g != 0 || o != 1 || off != 0 {
		t.Fatalf("frontier = (%d,%d,%d), want (0,1,0)", g, o, off)
	}

	frag, ok := c.Get(0, 0, 0)
	if !ok || string(frag.Data) != "abcde" {
		t.Fatalf("prefix fragment mismatch: %+v", frag)
	}
	frag, ok = c.Get(0, 0, 5)
	if !ok || string(frag.Data) != "fghij" || !frag.IsLastFragment {
		t.Fatalf("suffix fragment mismatch: %+v", frag)
	}
}

// TestProposeIdempotentMerge covers P2: re-proposing overlapping or
// identical byte ranges produces the same addressable bytes.
func TestProposeIdempotentMerge(t *testing.T) {
	t.Parallel()

	c := New("quicrq://live/test")
	full := []byte("0123456789")

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("Propose: %v", err)
		}
	}

	must(c.Propose(full[:6], 0, 0, 0, 0, 0, 0, false, baseTime))
	must(c.Propose(full[:6], 0, 0, 0, 0, 0, 0, false, baseTime)) // duplicate
	must(c.Propose(full[4:], 0, 0, 4, 0, 0, 0, true, baseTime))  // overlaps [4,6)
	must(c.Propose(full, 0, 0, 0, 0, 0, 0, true, baseTime))      // fully covered re-send

	g, o, off := c.Frontier()
	if g != 0 || o != 1 || off != 0 {
		t.Fatalf("frontier = (%d,%d,%d), want (0,1,0)", g, o, off)
	}

	// Reassemble by walking key order and confirm no overlap and full coverage.
	var out []byte
	for off := uint64(0); ; {
		frag, ok := c.Get(0, 0, off)
		if !ok {
			t.Fatalf("missing fragment at offset %d", off)
		}
		out = append(out, frag.Data...)
		if frag.IsLastFragment {
			break
		}
		off += uint64(len(frag.Data))
	}
	if string(out) != string(full) {
		t.Fatalf("reassembled = %q, want %q", out, full)
	}
}

// TestCrossGroupBoundary is end-to-end scenario 6 from spec.md §8: the
// frontier stalls at (0,4,*) until group 0 object 4 completes, even though
// group 1 object 0 already arrived.
func TestCrossGroupBoundary(t *testing.T) {
	t.Parallel()

	c := New("quicrq://live/test")
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("Propose: %v", err)
		}
	}

	for o := uint64(0); o < 4; o++ {
		must(c.Propose([]byte{byte(o)}, 0, o, 0, 0, 0, 0, true, baseTime))
	}
	g, o, off := c.Frontier()
	if g != 0 || o != 4 || off != 0 {
		t.Fatalf("frontier = (%d,%d,%d), want (0,4,0)", g, o, off)
	}

	// Group 1 object 0 arrives early, declaring group 0 had 5 objects.
	must(c.Propose([]byte("g1o0"), 1, 0, 0, 0, 0, 5, true, baseTime))

	g, o, off = c.Frontier()
	if g != 0 || o != 4 || off != 0 {
		t.Fatalf("frontier advanced early: (%d,%d,%d), want stalled at (0,4,0)", g, o, off)
	}

	// Now object 4 of group 0 completes; nb_objects_previous_group=5 matches.
	must(c.Propose([]byte("last"), 0, 4, 0, 0, 0, 0, true, baseTime))

	g, o, off = c.Frontier()
	if g != 1 || o != 1 || off != 0 {
		t.Fatalf("frontier = (%d,%d,%d), want (1,1,0) after boundary crossing", g, o, off)
	}
}

// TestLearnStartSnapsFrontierForward covers scenario 4: subscribing after
// the publisher has already moved past the first group.
func TestLearnStartSnapsFrontierForward(t *testing.T) {
	t.Parallel()

	c := New("quicrq://live/test")
	if err := c.Propose([]byte("x"), 5, 0, 0, 0, 0, 0, true, baseTime); err != nil {
		t.Fatalf("Propose: %v", err)
	}

	c.LearnStart(1, 0)
	g, o := c.First()
	if g != 1 || o != 0 {
		t.Fatalf("first = (%d,%d), want (1,0)", g, o)
	}

	// Frontier was behind the new start (0,0,0 < 1,0): snapped forward.
	fg, fo, foff := c.Frontier()
	if fg != 1 || fo != 0 || foff != 0 {
		t.Fatalf("frontier = (%d,%d,%d), want snapped to (1,0,0)", fg, fo, foff)
	}
}

// TestPurgeArchivalRespectsMinKept covers P9 indirectly: archival purge
// never deletes an object at or above min_kept_object.
func TestPurgeArchivalRespectsMinKept(t *testing.T) {
	t.Parallel()

	c := New("quicrq://live/test")
	old := baseTime
	for o := uint64(0); o < 3; o++ {
		if err := c.Propose([]byte{byte(o)}, 0, o, 0, 0, 0, 0, true, old); err != nil {
			t.Fatalf("Propose: %v", err)
		}
	}

	now := old.Add(time.Hour)
	c.PurgeArchival(now, time.Second, 1) // min_kept_object=1: object 0 eligible, 1+ protected

	g, o := c.First()
	if g != 0 || o != 1 {
		t.Fatalf("first = (%d,%d), want (0,1) after purging only object 0", g, o)
	}
	if _, ok := c.Get(0, 0, 0); ok {
		t.Fatalf("object 0 should have been purged")
	}
	if _, ok := c.Get(0, 1, 0); !ok {
		t.Fatalf("object 1 should still be present (protected by min_kept_object)")
	}
}

func TestPurgeArchivalSkipsIncompleteObjectsUnlessClosed(t *testing.T) {
	t.Parallel()

	c := New("quicrq://live/test")
	// Object 0 has only its prefix fragment; not last.
	if err := c.Propose([]byte("ab"), 0, 0, 0, 0, 0, 0, false, baseTime); err != nil {
		t.Fatalf("Propose: %v", err)
	}

	later := baseTime.Add(time.Hour)
	c.PurgeArchival(later, time.Second, 100)
	if _, ok := c.Get(0, 0, 0); !ok {
		t.Fatalf("incomplete object should not be purged while cache is open")
	}

	c.Close()
	c.PurgeArchival(later, time.Second, 100)
	if _, ok := c.Get(0, 0, 0); ok {
		t.Fatalf("incomplete object should be purged once cache is closed")
	}
}

func TestPurgeRealtimeDropsOldGroups(t *testing.T) {
	t.Parallel()

	c := New("quicrq://live/test")
	for gi := uint64(0); gi < 3; gi++ {
		if err := c.Propose([]byte{byte(gi)}, gi, 0, 0, 0, 0, 0, true, baseTime); err != nil {
			t.Fatalf("Propose: %v", err)
		}
	}

	c.PurgeRealtime(2)

	if _, ok := c.Get(0, 0, 0); ok {
		t.Fatalf("group 0 should have been purged")
	}
	if _, ok := c.Get(1, 0, 0); ok {
		t.Fatalf("group 1 should have been purged")
	}
	if _, ok := c.Get(2, 0, 0); !ok {
		t.Fatalf("group 2 should remain")
	}
}

func TestArrivalOrderIndependentOfKeyOrder(t *testing.T) {
	t.Parallel()

	c := New("quicrq://live/test")
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("Propose: %v", err)
		}
	}

	must(c.Propose([]byte("b"), 0, 1, 0, 0, 0, 0, true, baseTime))
	must(c.Propose([]byte("a"), 0, 0, 0, 0, 0, 0, true, baseTime))

	head, ok := c.ArrivalHead()
	if !ok || string(head.Data) != "b" {
		t.Fatalf("arrival head = %+v, want object 1 ('b') first since it arrived first", head)
	}

	next, ok := c.ArrivalNext(head.Key)
	if !ok || string(next.Data) != "a" {
		t.Fatalf("arrival next = %+v, want object 0 ('a')", next)
	}
}

func TestReclaimableAt(t *testing.T) {
	t.Parallel()

	c := New("quicrq://live/test")
	if c.ReclaimableAt(baseTime) {
		t.Fatalf("open cache should not be reclaimable")
	}

	if err := c.Propose([]byte("x"), 0, 0, 0, 0, 0, 0, true, baseTime); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	c.Close()
	c.SetCacheDeleteTime(baseTime.Add(30 * time.Second))

	if c.ReclaimableAt(baseTime) {
		t.Fatalf("non-empty closed cache should not be reclaimable before delete time")
	}
	if !c.ReclaimableAt(baseTime.Add(31 * time.Second)) {
		t.Fatalf("non-empty closed cache should be reclaimable past delete time")
	}
}
