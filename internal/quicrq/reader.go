package quicrq

import (
	"github.com/alxayo/quicrq/internal/congestion"
	"github.com/alxayo/quicrq/internal/fragcache"
	"github.com/alxayo/quicrq/internal/publisher"
)

// SubscribeIntent selects the start point of a new reader, per spec.md
// scenario 4: a reader may want every byte from the earliest addressable
// point, or only the next clean group boundary.
type SubscribeIntent int

const (
	IntentFromStart SubscribeIntent = iota
	IntentCurrentGroup
)

// startPoint resolves intent against cache's current state (spec.md
// scenario 4: "subscriber's first received object to have group_id = 1,
// object_id = 0 ... not object 12345; first_group_id reported at
// subscriber = 1").
func startPoint(cache *fragcache.Cache, intent SubscribeIntent) (group, object uint64) {
	switch intent {
	case IntentCurrentGroup:
		nextGroup, _, _ := cache.Frontier()
		firstGroup, _ := cache.First()
		if nextGroup <= firstGroup {
			// The frontier hasn't progressed past the group containing the
			// learned start point (publishing can begin mid-group, e.g.
			// group 0 object 12345, so the contiguous frontier stays
			// pinned to that group until it completes). The current group
			// is firstGroup, not the frontier's stalled value, so the next
			// clean boundary is the group after it.
			return firstGroup + 1, 0
		}
		return nextGroup + 1, 0
	default:
		return cache.First()
	}
}

// Reader is one attached reader stream: either stream-mode or datagram-mode
// publisher state over a Source's cache, with a wakeup channel the cache
// drives whenever new data arrives (spec.md §5 "backpressure").
type Reader struct {
	ID     uint64
	Source *Source

	streamPub   *publisher.StreamPublisher
	datagramPub *publisher.DatagramPublisher

	Wake chan struct{}

	// outcomes carries transport ack/loss callbacks for a datagram-mode
	// reader back onto its own serve goroutine, so DatagramPublisher (its
	// acktrack.Tracker and objectTree) is only ever mutated from the one
	// goroutine that also runs Tick. nil for stream-mode readers.
	outcomes chan func()
}

// outcomeQueueDepth bounds how many outstanding ack/loss callbacks a
// datagram reader can have queued before the serve goroutine catches up;
// well above any realistic in-flight-datagram count.
const outcomeQueueDepth = 256

// enqueueOutcome delivers fn to this reader's serve goroutine. Mirrors
// notify's non-blocking, backpressure-tolerant delivery: if the queue is
// full the serve goroutine is badly behind (the connection is likely being
// torn down), so the callback is dropped rather than blocking the
// transport's timer/receive-loop goroutine.
func (r *Reader) enqueueOutcome(fn func()) {
	select {
	case r.outcomes <- fn:
	default:
	}
}

// newStreamReader attaches a stream-mode reader at the resolved start point
// and registers a cache wakeup that signals Wake non-blockingly.
func newStreamReader(id uint64, src *Source, streamID uint64, intent SubscribeIntent) *Reader {
	group, object := startPoint(src.Cache, intent)
	r := &Reader{
		ID:        id,
		Source:    src,
		streamPub: publisher.NewStreamPublisher(src.Cache, streamID, group, object),
		Wake:      make(chan struct{}, 1),
	}
	src.Cache.OnWakeup(r.notify)
	src.attach(id, r)
	return r
}

func newDatagramReader(id uint64, src *Source, datagramStreamID uint64, cong *congestion.State) *Reader {
	r := &Reader{
		ID:          id,
		Source:      src,
		datagramPub: publisher.NewDatagramPublisher(src.Cache, datagramStreamID, cong),
		Wake:        make(chan struct{}, 1),
		outcomes:    make(chan func(), outcomeQueueDepth),
	}
	src.Cache.OnWakeup(r.notify)
	src.attach(id, r)
	return r
}

func (r *Reader) notify() {
	select {
	case r.Wake <- struct{}{}:
	default:
	}
}

// Close detaches the reader from its source; its publisher state and (for
// datagram mode) ack tracker are dropped with it.
func (r *Reader) Close() {
	r.Source.detach(r.ID)
}

// NextStreamChunk produces the reader's next stream-mode output.
func (r *Reader) NextStreamChunk(budget int) publisher.StreamChunk {
	return r.streamPub.Next(budget)
}

// StreamFinished reports stream-mode end of stream.
func (r *Reader) StreamFinished() bool { return r.streamPub.Finished() }

// CursorGroup reports this reader's current group (stream-mode or
// datagram-mode, whichever applies), for the housekeeping sweep's
// reader-aware realtime purge (spec.md §4.1 purge_realtime).
func (r *Reader) CursorGroup() uint64 {
	if r.streamPub != nil {
		return r.streamPub.CursorGroup()
	}
	return r.datagramPub.CursorGroup()
}
