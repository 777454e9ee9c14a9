package consumer

import (
	"testing"
	"time"

	"github.com/alxayo/quicrq/internal/fragcache"
)

var base = time.Unix(1700000000, 0)

func TestConsumerFragmentMergesIntoCache(t *testing.T) {
	t.Parallel()

	cache := fragcache.New("quicrq://live/test")
	cons := New(cache)

	if err := cons.Fragment([]byte("abc"), 0, 0, 0, 0, 0, 0, true, base); err != nil {
		t.Fatalf("Fragment: %v", err)
	}

	frag, ok := cache.Get(0, 0, 0)
	if !ok || string(frag.Data) != "abc" {
		t.Fatalf("fragment not merged: %+v ok=%v", frag, ok)
	}
}

func TestCloseDerivesFinalFromFrontierWhenOffsetZero(t *testing.T) {
	t.Parallel()

	cache := fragcache.New("quicrq://live/test")
	cons := New(cache)

	for o := uint64(0); o < 3; o++ {
		if err := cons.Fragment([]byte{byte(o)}, 0, o, 0, 0, 0, 0, true, base); err != nil {
			t.Fatalf("Fragment: %v", err)
		}
	}

	cons.Close(base)

	g, o, known := cache.Final()
	if !known || g != 0 || o != 3 {
		t.Fatalf("final = (%d,%d,%v), want (0,3,true)", g, o, known)
	}
	if !cache.IsClosed() {
		t.Fatalf("expected cache closed")
	}
}

func TestCloseDerivesFinalFromPendingObject(t *testing.T) {
	t.Parallel()

	cache := fragcache.New("quicrq://live/test")
	cons := New(cache)

	// Two complete objects, then a partial third (frontier stalls mid-object).
	for o := uint64(0); o < 2; o++ {
		if err := cons.Fragment([]byte{byte(o)}, 0, o, 0, 0, 0, 0, true, base); err != nil {
			t.Fatalf("Fragment: %v", err)
		}
	}
	if err := cons.Fragment([]byte("partial"), 0, 2, 0, 0, 0, 0, false, base); err != nil {
		t.Fatalf("Fragment: %v", err)
	}

	cons.Close(base)

	g, o, known := cache.Final()
	if !known || g != 0 || o != 1 {
		t.Fatalf("final = (%d,%d,%v), want (0,1,true) — object_id-1 since next_object=2 > 1", g, o, known)
	}
}

func TestCloseSetsDeleteTimeDependingOnKnownEnd(t *testing.T) {
	t.Parallel()

	cache := fragcache.New("quicrq://live/test")
	cons := New(cache)
	if err := cons.Fragment([]byte("x"), 0, 0, 0, 0, 0, 0, true, base); err != nil {
		t.Fatalf("Fragment: %v", err)
	}

	cons.LearnedEnd(0, 1)
	cons.Close(base)

	if cache.ReclaimableAt(base.Add(2 * time.Second)) {
		t.Fatalf("should not be reclaimable before the 3s known-end delay")
	}
	if !cache.ReclaimableAt(base.Add(4 * time.Second)) {
		t.Fatalf("should be reclaimable past the 3s known-end delay")
	}
}

func TestIsFinishedTracksFrontierAgainstFinal(t *testing.T) {
	t.Parallel()

	cache := fragcache.New("quicrq://live/test")
	cons := New(cache)

	if cons.IsFinished() {
		t.Fatalf("should not be finished before final is known")
	}

	if err := cons.Fragment([]byte("x"), 0, 0, 0, 0, 0, 0, true, base); err != nil {
		t.Fatalf("Fragment: %v", err)
	}
	cons.LearnedEnd(0, 1)

	if !cons.IsFinished() {
		t.Fatalf("expected IsFinished once frontier reaches learned end")
	}
}
