package publisher

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alxayo/quicrq/internal/acktrack"
	"github.com/alxayo/quicrq/internal/congestion"
	"github.com/alxayo/quicrq/internal/fragcache"
	"github.com/alxayo/quicrq/internal/logger"
	"github.com/alxayo/quicrq/internal/wire"
)

// skipSentinelFlags marks a synthetic zero-length datagram emitted in place
// of a congestion-skipped object (spec.md §4.4 step 3).
const skipSentinelFlags uint8 = 0xff

// DatagramChunk is one emitted datagram: header plus payload, ready for the
// transport's send buffer.
type DatagramChunk struct {
	Header  wire.DatagramHeader
	Payload []byte
}

// DatagramPublisher is one reader stream's datagram-mode state (spec.md
// §4.4): traverses the cache in arrival order, consults the congestion
// oracle per object, and feeds the ack tracker on every send.
type DatagramPublisher struct {
	cache            *fragcache.Cache
	datagramStreamID uint64
	congestion       *congestion.State
	acks             *acktrack.Tracker
	tree             *objectTree
	log              *slog.Logger

	hasCurrent            bool
	currentKey            fragcache.Key
	lengthSent            uint64
	isCurrentFragmentSent bool

	// groupCursor mirrors currentKey.GroupID for lock-free cross-goroutine
	// reads (the housekeeping sweep's reader-aware realtime purge).
	groupCursor atomic.Uint64

	finished      bool
	finalGroup    uint64
	finalObjectID uint64
}

// NewDatagramPublisher attaches a datagram-mode reader.
func NewDatagramPublisher(cache *fragcache.Cache, datagramStreamID uint64, cong *congestion.State) *DatagramPublisher {
	return &DatagramPublisher{
		cache:            cache,
		datagramStreamID: datagramStreamID,
		congestion:       cong,
		acks:             acktrack.New(),
		tree:             newObjectTree(),
		log:              logger.WithStream(logger.WithSource(logger.Logger(), cache.URL), datagramStreamID, "datagram"),
	}
}

// Finished reports whether this reader has sent the final fragment in
// arrival order for a cache that has learned its end of stream.
func (p *DatagramPublisher) Finished() bool { return p.finished }

// FinalObjectID returns the learned final object id, valid once Finished.
func (p *DatagramPublisher) FinalObjectID() uint64 { return p.finalObjectID }

func objKeyOf(k fragcache.Key) objectKey { return objectKey{GroupID: k.GroupID, ObjectID: k.ObjectID} }

func objectBefore(a, b objectKey) bool {
	if a.GroupID != b.GroupID {
		return a.GroupID < b.GroupID
	}
	return a.ObjectID < b.ObjectID
}

// Tick produces the next datagram, if any, respecting maxPayload as the
// transport's maximum queued-datagram size minus header overhead.
func (p *DatagramPublisher) Tick(now time.Time, maxPayload int) (DatagramChunk, bool) {
	if p.finished {
		return DatagramChunk{}, false
	}

	if !p.advanceCursor() {
		return DatagramChunk{}, false
	}

	frag, ok := p.cache.Get(p.currentKey.GroupID, p.currentKey.ObjectID, p.currentKey.Offset)
	if !ok {
		// The fragment was purged out from under us; drop the cursor and
		// let the next tick re-derive it from the cache's arrival list.
		p.hasCurrent = false
		return DatagramChunk{}, false
	}

	state := p.tree.getOrCreate(objKeyOf(p.currentKey))

	if p.lengthSent == 0 && state.bytesSent == 0 && !state.isDropped {
		if p.congestion != nil {
			backlog := congestion.IsBacklogged(frag.CacheTime, now)
			if p.congestion.Skip(frag.Key.ObjectID, frag.Flags, backlog, now) {
				p.congestion.RecordDrop()
				state.isDropped = true
				p.isCurrentFragmentSent = true
				chunk := DatagramChunk{
					Header: wire.DatagramHeader{
						DatagramStreamID:       p.datagramStreamID,
						GroupID:                frag.Key.GroupID,
						ObjectID:               frag.Key.ObjectID,
						Offset:                 0,
						QueueDelay:             0,
						Flags:                  skipSentinelFlags,
						NbObjectsPreviousGroup: frag.NbObjectsPreviousGroup,
						IsLastFragment:         true,
					},
				}
				p.tree.pruneSent()
				p.checkEndOfStream(frag.Key)
				return chunk, true
			}
		}
	}

	remaining := frag.Data[p.lengthSent:]
	payload := remaining
	isLast := frag.IsLastFragment
	truncated := maxPayload > 0 && len(payload) > maxPayload
	if truncated {
		payload = payload[:maxPayload]
		isLast = false
	}

	offset := frag.Key.Offset + p.lengthSent
	p.lengthSent += uint64(len(payload))
	p.isCurrentFragmentSent = !truncated

	nbPrev := uint64(0)
	if offset == 0 {
		nbPrev = frag.NbObjectsPreviousGroup
	}

	chunk := DatagramChunk{
		Header: wire.DatagramHeader{
			DatagramStreamID:       p.datagramStreamID,
			GroupID:                frag.Key.GroupID,
			ObjectID:               frag.Key.ObjectID,
			Offset:                 offset,
			QueueDelay:             frag.QueueDelay,
			Flags:                  frag.Flags,
			NbObjectsPreviousGroup: nbPrev,
			IsLastFragment:         isLast,
		},
		Payload: append([]byte(nil), payload...),
	}

	p.acks.Init(acktrack.Key{ObjectID: frag.Key.ObjectID, Offset: offset}, uint64(len(payload)), isLast, now)

	state.bytesSent += uint64(len(payload))
	if isLast {
		state.finalOffset = offset + uint64(len(payload))
		state.hasFinalOffset = true
	}
	if (state.hasFinalOffset && state.bytesSent >= state.finalOffset) || (isLast && offset == 0 && len(payload) == 0) {
		state.isSent = true
		p.tree.pruneSent()
	}

	if isLast {
		p.checkEndOfStream(frag.Key)
	}

	return chunk, true
}

// advanceCursor implements spec.md §4.4 step 1.
func (p *DatagramPublisher) advanceCursor() bool {
	if !p.hasCurrent {
		frag, ok := p.cache.ArrivalHead()
		if !ok {
			return false
		}
		p.setCurrent(frag.Key)
		return true
	}

	if !p.isCurrentFragmentSent {
		return true
	}

	for {
		next, ok := p.cache.ArrivalNext(p.currentKey)
		if !ok {
			p.hasCurrent = false
			return false
		}
		nk := objKeyOf(next.Key)

		if s, ok := p.tree.get(nk); ok && s.isDropped {
			p.setCurrent(next.Key)
			p.isCurrentFragmentSent = true
			continue
		}

		if first, hasFirst := p.tree.first(); hasFirst && objectBefore(nk, first) {
			p.setCurrent(next.Key)
			p.isCurrentFragmentSent = true
			continue
		}

		p.setCurrent(next.Key)
		p.isCurrentFragmentSent = false
		return true
	}
}

func (p *DatagramPublisher) setCurrent(k fragcache.Key) {
	p.currentKey = k
	p.hasCurrent = true
	p.lengthSent = 0
	p.groupCursor.Store(k.GroupID)
}

// CursorGroup reports the reader's current group, safe to call from any
// goroutine (spec.md §4.1 purge_realtime: "every active reader's current
// group").
func (p *DatagramPublisher) CursorGroup() uint64 {
	return p.groupCursor.Load()
}

// checkEndOfStream implements spec.md §4.4 "End of stream": fires once the
// just-sent fragment is both final in the cache's arrival order and the
// cache has learned its end.
func (p *DatagramPublisher) checkEndOfStream(sentKey fragcache.Key) {
	finalGroup, finalObject, known := p.cache.Final()
	if !known {
		return
	}
	if _, hasNext := p.cache.ArrivalNext(sentKey); hasNext {
		return
	}
	p.finished = true
	p.finalGroup = finalGroup
	p.finalObjectID = finalObject
}

// AckEvent feeds a transport ack callback to this reader's ack tracker.
func (p *DatagramPublisher) AckEvent(objectID, offset uint64) {
	p.acks.Ack(acktrack.Key{ObjectID: objectID, Offset: offset})
}

// SpuriousLossEvent feeds a transport spurious-loss callback.
func (p *DatagramPublisher) SpuriousLossEvent(objectID, offset uint64) {
	p.acks.SpuriousLoss(acktrack.Key{ObjectID: objectID, Offset: offset})
}

// LossEvent feeds a transport probably-lost callback and returns any
// repeats the caller should transmit.
func (p *DatagramPublisher) LossEvent(objectID, offset uint64, sentTime time.Time, maxDatagramSize uint64) []acktrack.RepeatRequest {
	return p.acks.Loss(acktrack.Key{ObjectID: objectID, Offset: offset}, sentTime, maxDatagramSize)
}
