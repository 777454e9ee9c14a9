// Package publisher implements the per-reader publisher state machines:
// stream mode (strict key order, spec.md §4.3) and datagram mode (arrival
// order with congestion-driven skip, spec.md §4.4).
package publisher

import (
	"log/slog"
	"sync/atomic"

	"github.com/alxayo/quicrq/internal/fragcache"
	"github.com/alxayo/quicrq/internal/logger"
	"github.com/alxayo/quicrq/internal/wire"
)

// StreamChunk is one unit of output from a stream-mode tick: either a
// REPAIR message, a FIN, or nothing (caller should mark the stream
// inactive and wait for the cache's wakeup).
type StreamChunk struct {
	Repair  *wire.Repair
	Fin     *wire.FinDatagram
	Pending bool // true when nothing was available this tick
}

// StreamPublisher is one reader stream's stream-mode state (spec.md §4.3).
type StreamPublisher struct {
	cache *fragcache.Cache
	log   *slog.Logger

	currentGroup  uint64
	currentObject uint64
	currentOffset uint64

	// groupCursor mirrors currentGroup for lock-free cross-goroutine reads
	// (the housekeeping sweep's reader-aware realtime purge); currentGroup
	// itself is only ever touched from this reader's serve goroutine.
	groupCursor atomic.Uint64

	isCurrentObjectSkipped bool
	finished               bool
}

// NewStreamPublisher attaches a stream-mode reader at (group, object, 0).
func NewStreamPublisher(cache *fragcache.Cache, streamID, startGroup, startObject uint64) *StreamPublisher {
	p := &StreamPublisher{
		cache:         cache,
		log:           logger.WithStream(logger.WithSource(logger.Logger(), cache.URL), streamID, "stream"),
		currentGroup:  startGroup,
		currentObject: startObject,
	}
	p.groupCursor.Store(startGroup)
	return p
}

// Finished reports whether this reader has reached end of stream.
func (p *StreamPublisher) Finished() bool { return p.finished }

// Next produces the next framed chunk given a byte budget (spec.md §4.3).
func (p *StreamPublisher) Next(budget int) StreamChunk {
	if p.finished {
		return StreamChunk{Pending: true}
	}

	frag, ok := p.locate()
	if !ok {
		if p.atEndOfStream() {
			final := p.finalObjectID()
			p.finished = true
			return StreamChunk{Fin: &wire.FinDatagram{FinalObjectID: final}}
		}
		return StreamChunk{Pending: true}
	}

	data := frag.Data
	isLast := frag.IsLastFragment
	if budget > 0 && len(data) > budget {
		data = data[:budget]
		isLast = false
	}

	if isLast {
		p.currentObject++
		p.currentOffset = 0
	} else {
		p.currentOffset += uint64(len(data))
	}

	return StreamChunk{Repair: &wire.Repair{
		ObjectID:       frag.Key.ObjectID,
		Offset:         frag.Key.Offset,
		IsLastFragment: isLast,
		Data:           data,
	}}
}

// locate implements step 1-2 of spec.md §4.3: find the fragment at the
// cursor, crossing a group boundary or skipping an object as needed.
func (p *StreamPublisher) locate() (fragcache.Fragment, bool) {
	if p.isCurrentObjectSkipped {
		p.advancePastCurrentObject()
		p.isCurrentObjectSkipped = false
	}

	frag, ok := p.cache.Get(p.currentGroup, p.currentObject, p.currentOffset)
	if ok {
		return frag, true
	}

	if p.currentOffset != 0 {
		// The previous call sent only a budget-limited prefix of the
		// fragment covering currentOffset; resume inside it.
		prev, ok := p.cache.FragmentBefore(p.currentGroup, p.currentObject, p.currentOffset)
		if !ok || prev.Key.GroupID != p.currentGroup || prev.Key.ObjectID != p.currentObject ||
			prev.Key.Offset+uint64(len(prev.Data)) <= p.currentOffset {
			return fragcache.Fragment{}, false
		}
		prev.Data = prev.Data[p.currentOffset-prev.Key.Offset:]
		prev.Key.Offset = p.currentOffset
		return prev, true
	}

	// Probe the next group's first object for a boundary crossing.
	next, ok := p.cache.Get(p.currentGroup+1, 0, 0)
	if !ok {
		return fragcache.Fragment{}, false
	}
	if p.currentObject < next.NbObjectsPreviousGroup {
		return fragcache.Fragment{}, false
	}
	p.currentGroup++
	p.currentObject = 0
	p.currentOffset = 0
	p.groupCursor.Store(p.currentGroup)
	return next, true
}

// advancePastCurrentObject moves the cursor to offset 0 of the next object
// in the same group; a following group boundary is crossed by locate's
// next-group probe, not here.
func (p *StreamPublisher) advancePastCurrentObject() {
	p.currentObject++
	p.currentOffset = 0
}

func (p *StreamPublisher) atEndOfStream() bool {
	finalGroup, finalObject, known := p.cache.Final()
	if !known {
		return false
	}
	if p.currentGroup != finalGroup {
		return p.currentGroup > finalGroup
	}
	return p.currentObject >= finalObject
}

func (p *StreamPublisher) finalObjectID() uint64 {
	_, finalObject, _ := p.cache.Final()
	return finalObject
}

// SkipCurrentObject marks the reader's current object to be skipped on the
// next Next call (see spec.md §4.3 step 2). No code in this module calls it.
func (p *StreamPublisher) SkipCurrentObject() {
	p.isCurrentObjectSkipped = true
}

// Cursor reports the reader's current stream-mode position. Only safe to
// call from this reader's own serve goroutine.
func (p *StreamPublisher) Cursor() (group, object, offset uint64) {
	return p.currentGroup, p.currentObject, p.currentOffset
}

// CursorGroup reports the reader's current group, safe to call from any
// goroutine (spec.md §4.1 purge_realtime: "every active reader's current
// group").
func (p *StreamPublisher) CursorGroup() uint64 {
	return p.groupCursor.Load()
}
