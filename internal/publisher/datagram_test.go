package publisher

import (
	"testing"
	"time"

	"github.com/alxayo/quicrq/internal/congestion"
)

func TestDatagramPublisherDeliversInArrivalOrder(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	now := time.Unix(1700000000, 0)

	// Object 1 arrives before object 0.
	if err := c.Propose([]byte("obj1"), 0, 1, 0, 0, 0, 0, true, now); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if err := c.Propose([]byte("obj0"), 0, 0, 0, 0, 0, 0, true, now); err != nil {
		t.Fatalf("Propose: %v", err)
	}

	dp := NewDatagramPublisher(c, 7, &congestion.State{Enabled: false})

	chunk, ok := dp.Tick(now, 1500)
	if !ok || string(chunk.Payload) != "obj1" {
		t.Fatalf("expected arrival-order delivery of obj1 first, got %+v ok=%v", chunk, ok)
	}
	if chunk.Header.DatagramStreamID != 7 || chunk.Header.ObjectID != 1 {
		t.Fatalf("unexpected header: %+v", chunk.Header)
	}

	chunk, ok = dp.Tick(now, 1500)
	if !ok || string(chunk.Payload) != "obj0" {
		t.Fatalf("expected obj0 second, got %+v ok=%v", chunk, ok)
	}
}

func TestDatagramPublisherNoPendingDataReturnsFalse(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	dp := NewDatagramPublisher(c, 1, &congestion.State{})

	if _, ok := dp.Tick(time.Unix(1700000000, 0), 1500); ok {
		t.Fatalf("expected no chunk from an empty cache")
	}
}

// TestDatagramPublisherSkipEmitsSentinel covers P8: a skipped object is
// represented by exactly one zero-length last-fragment at offset 0.
func TestDatagramPublisherSkipEmitsSentinel(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	now := time.Unix(1700000000, 0)

	old := now.Add(-time.Second)
	if err := c.Propose([]byte("payload-bytes"), 0, 5, 0, 0, 0x90, 0, true, old); err != nil {
		t.Fatalf("Propose: %v", err)
	}

	cong := &congestion.State{Enabled: true, MinLossClassFlag: 0x82, MaxDrops: 10}
	dp := NewDatagramPublisher(c, 1, cong)

	chunk, ok := dp.Tick(now, 1500)
	if !ok {
		t.Fatalf("expected a chunk")
	}
	if len(chunk.Payload) != 0 {
		t.Fatalf("expected zero-length skip sentinel, got %d bytes", len(chunk.Payload))
	}
	if chunk.Header.Flags != 0xff || chunk.Header.Offset != 0 || !chunk.Header.IsLastFragment {
		t.Fatalf("unexpected skip header: %+v", chunk.Header)
	}
	if cong.DroppedCount() != 1 {
		t.Fatalf("expected DroppedCount=1, got %d", cong.DroppedCount())
	}
}

func TestDatagramPublisherAckAndLoss(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	now := time.Unix(1700000000, 0)

	if err := c.Propose([]byte("hello"), 0, 0, 0, 0, 0, 0, true, now); err != nil {
		t.Fatalf("Propose: %v", err)
	}

	dp := NewDatagramPublisher(c, 1, &congestion.State{})
	chunk, ok := dp.Tick(now, 1500)
	if !ok {
		t.Fatalf("expected a chunk")
	}

	reps := dp.LossEvent(chunk.Header.ObjectID, chunk.Header.Offset, now.Add(-5*time.Millisecond), 1500)
	if len(reps) != 1 {
		t.Fatalf("expected one repeat, got %d", len(reps))
	}

	dp.AckEvent(chunk.Header.ObjectID, chunk.Header.Offset)
}

func TestDatagramPublisherFinishesAtLearnedEnd(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	now := time.Unix(1700000000, 0)

	if err := c.Propose([]byte("only"), 0, 0, 0, 0, 0, 0, true, now); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	c.LearnEnd(0, 1)

	dp := NewDatagramPublisher(c, 1, &congestion.State{})
	if _, ok := dp.Tick(now, 1500); !ok {
		t.Fatalf("expected a chunk")
	}

	if !dp.Finished() {
		t.Fatalf("expected Finished() once the last arrival-order fragment is fully sent")
	}
	if dp.FinalObjectID() != 1 {
		t.Fatalf("FinalObjectID = %d, want 1", dp.FinalObjectID())
	}
}
