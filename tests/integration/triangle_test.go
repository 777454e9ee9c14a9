// Package integration exercises the publisher→cache→subscriber pipeline
// end to end without a real QUIC socket: a Source's cache is fed directly
// through internal/consumer (standing in for the wire-level POST/datagram
// path, which these tests do not exercise) and drained
// through internal/publisher readers, mirroring the six scenarios of
// spec.md §8. Grounded on the teacher's tests/integration style (one
// scenario per test function, explicit step-by-step assertions).
package integration

import (
	"testing"
	"time"

	"github.com/alxayo/quicrq/internal/congestion"
	"github.com/alxayo/quicrq/internal/consumer"
	"github.com/alxayo/quicrq/internal/fragcache"
	"github.com/alxayo/quicrq/internal/publisher"
)

func publish(t *testing.T, cons *consumer.Consumer, group, object, offset uint64, data string, last bool, now time.Time) {
	t.Helper()
	if err := cons.Fragment([]byte(data), group, object, offset, 0, 0, 0, last, now); err != nil {
		t.Fatalf("publish object %d: %v", object, err)
	}
}

// Scenario 1: stream-mode triangle with no loss — a reader started from
// the beginning sees every object exactly once, strictly in key order.
func TestStreamTriangleNoLoss(t *testing.T) {
	cache := fragcache.New("quicrq://live/no-loss")
	cons := consumer.New(cache)
	now := time.Unix(1700000000, 0)

	for o := uint64(0); o < 5; o++ {
		publish(t, cons, 0, o, 0, "x", true, now)
	}
	cons.LearnedEnd(0, 5)

	sp := publisher.NewStreamPublisher(cache, 1, 0, 0)
	for o := uint64(0); o < 5; o++ {
		chunk := sp.Next(1500)
		if chunk.Repair == nil || chunk.Repair.ObjectID != o {
			t.Fatalf("object %d: expected repair in order, got %+v", o, chunk)
		}
	}
	chunk := sp.Next(1500)
	if chunk.Fin == nil || chunk.Fin.FinalObjectID != 5 {
		t.Fatalf("expected FIN at object 5, got %+v", chunk)
	}
	if !sp.Finished() {
		t.Fatalf("expected stream publisher finished")
	}
}

// Scenario 2: datagram-mode triangle with a 1-in-16 loss pattern — every
// 16th datagram is "lost" (never acked) and the ack tracker must produce
// exactly one repeat request for it once the loss fires.
func TestDatagramTriangleWithPeriodicLoss(t *testing.T) {
	cache := fragcache.New("quicrq://live/lossy")
	cons := consumer.New(cache)
	now := time.Unix(1700000000, 0)

	const total = 64
	for o := uint64(0); o < total; o++ {
		publish(t, cons, 0, o, 0, "payload", true, now)
	}

	dp := publisher.NewDatagramPublisher(cache, 9, &congestion.State{})

	var repeats int
	for o := uint64(0); o < total; o++ {
		chunk, ok := dp.Tick(now, 1500)
		if !ok {
			t.Fatalf("object %d: expected a chunk", o)
		}
		lost := o%16 == 15
		if lost {
			// A transport loss callback reports on a send that happened
			// noticeably in the past; passing the original send time back
			// unchanged would fall inside acktrack's duplicate-suppression
			// window and be ignored.
			reps := dp.LossEvent(chunk.Header.ObjectID, chunk.Header.Offset, now.Add(50*time.Millisecond), 1500)
			if len(reps) != 1 {
				t.Fatalf("object %d: expected exactly one repeat request, got %d", o, len(reps))
			}
			repeats += len(reps)
			continue
		}
		dp.AckEvent(chunk.Header.ObjectID, chunk.Header.Offset)
	}
	if want := total / 16; repeats != want {
		t.Fatalf("expected %d repeats (1-in-16 of %d), got %d", want, total, repeats)
	}
}

// Scenario 3: congestion-induced skip — once the congestion oracle trips
// (backlog beyond the 30fps threshold, max_drops=25), low-priority objects
// are skipped as zero-length sentinels rather than sent in full, and
// skipping stops exactly at max_drops.
func TestCongestionInducedSkipRespectsMaxDrops(t *testing.T) {
	cache := fragcache.New("quicrq://live/congested")
	cons := consumer.New(cache)
	old := time.Unix(1700000000, 0)
	now := old.Add(time.Second) // well past the 33,333us backlog threshold

	const total = 30
	for o := uint64(1); o <= total; o++ {
		if err := cons.Fragment([]byte("frame"), 0, o, 0, 0, 0x90, 0, true, old); err != nil {
			t.Fatalf("publish object %d: %v", o, err)
		}
	}

	cong := &congestion.State{Enabled: true, MinLossClassFlag: 0x80, MaxDrops: 25}
	dp := publisher.NewDatagramPublisher(cache, 3, cong)

	var skipped int
	for o := uint64(1); o <= total; o++ {
		chunk, ok := dp.Tick(now, 1500)
		if !ok {
			t.Fatalf("object %d: expected a chunk", o)
		}
		if len(chunk.Payload) == 0 {
			skipped++
		}
		dp.AckEvent(chunk.Header.ObjectID, chunk.Header.Offset)
	}
	if skipped != 25 {
		t.Fatalf("expected exactly max_drops=25 objects skipped, got %d", skipped)
	}
	if cong.DroppedCount() != 25 {
		t.Fatalf("expected DroppedCount()=25, got %d", cong.DroppedCount())
	}
}

// Scenario 4: start-point subscription — a reader subscribing with
// "current group" intent against a cache already past group 0 starts at
// the next clean group boundary, not at the historical start.
func TestSubscribeAtCurrentGroupSkipsHistory(t *testing.T) {
	cache := fragcache.New("quicrq://live/start-point")
	cons := consumer.New(cache)
	now := time.Unix(1700000000, 0)

	// Groups 0 and 1 fully arrive and complete before the new reader joins.
	for g := uint64(0); g < 2; g++ {
		if err := cons.Fragment([]byte("x"), g, 0, 0, 0, 0, 1, true, now); err != nil {
			t.Fatalf("publish group %d: %v", g, err)
		}
	}
	// Group 2 starts arriving (the "current" group in progress).
	if err := cons.Fragment([]byte("y"), 2, 0, 0, 0, 0, 1, true, now); err != nil {
		t.Fatalf("publish group 2: %v", err)
	}

	firstGroup, _ := cache.First()
	if firstGroup != 0 {
		t.Fatalf("expected cache horizon at group 0, got %d", firstGroup)
	}

	// A reader joining "from start" sees the full history from group 0.
	fromStart := publisher.NewStreamPublisher(cache, 1, firstGroup, 0)
	chunk := fromStart.Next(1500)
	if chunk.Repair == nil || chunk.Repair.ObjectID != 0 {
		t.Fatalf("from-start reader: expected object 0 from group 0, got %+v", chunk)
	}

	// A reader joining at the next clean group boundary after the current
	// in-progress group (group 2) skips straight to group 3, object 0 —
	// it never sees groups 0/1's historical objects.
	nextGroup, _, _ := cache.Frontier()
	startGroup := nextGroup + 1
	current := publisher.NewStreamPublisher(cache, 2, startGroup, 0)
	if _, ok := cache.Get(startGroup, 0, 0); ok {
		t.Fatalf("test setup error: group %d should not have arrived yet", startGroup)
	}
	if chunk := current.Next(1500); chunk.Repair != nil || chunk.Fin != nil {
		t.Fatalf("current-group reader should have nothing pending yet, got %+v", chunk)
	}
}

// Scenario 5: real-time cache eviction — purge_realtime drops every
// fragment below the kept group, independent of age, so the evicted group
// can no longer be retrieved from the cache.
func TestRealTimeCacheEviction(t *testing.T) {
	cache := fragcache.New("quicrq://live/real-time")
	cache.SetRealTime()
	cons := consumer.New(cache)
	now := time.Unix(1700000000, 0)

	for g := uint64(0); g < 4; g++ {
		if err := cons.Fragment([]byte("frame"), g, 0, 0, 0, 0, 1, true, now); err != nil {
			t.Fatalf("publish group %d: %v", g, err)
		}
	}

	if _, ok := cache.Get(0, 0, 0); !ok {
		t.Fatalf("test setup error: group 0 should still be present before purge")
	}

	cache.PurgeRealtime(3) // keep only group 3 and newer
	if _, ok := cache.Get(0, 0, 0); ok {
		t.Fatalf("expected group 0 evicted by real-time purge")
	}
	if _, ok := cache.Get(3, 0, 0); !ok {
		t.Fatalf("expected group 3 retained by real-time purge")
	}
}

// Scenario 6: cross-group boundary — a stream-mode reader that reaches the
// last object of a group advances straight into the next group's object 0
// without any gap or repeated delivery.
func TestStreamCrossesGroupBoundary(t *testing.T) {
	cache := fragcache.New("quicrq://live/cross-group")
	cons := consumer.New(cache)
	now := time.Unix(1700000000, 0)

	if err := cons.Fragment([]byte("g0o0"), 0, 0, 0, 0, 0, 1, true, now); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := cons.Fragment([]byte("g1o0"), 1, 0, 0, 0, 0, 1, true, now); err != nil {
		t.Fatalf("publish: %v", err)
	}

	sp := publisher.NewStreamPublisher(cache, 1, 0, 0)
	first := sp.Next(1500)
	if first.Repair == nil || first.Repair.ObjectID != 0 || string(first.Repair.Data) != "g0o0" {
		t.Fatalf("expected group 0 object 0 first, got %+v", first)
	}
	second := sp.Next(1500)
	if second.Repair == nil || second.Repair.ObjectID != 0 || string(second.Repair.Data) != "g1o0" {
		t.Fatalf("expected group 1 object 0 next with no gap, got %+v", second)
	}
}
