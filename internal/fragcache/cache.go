package fragcache

import (
	"log/slog"
	"math"
	"time"

	"github.com/alxayo/quicrq/internal/logger"
)

const maxOffset = math.MaxUint64

// Fragment is the read-only view of a cache entry returned to callers.
type Fragment struct {
	Key                    Key
	Data                   []byte
	Flags                  uint8
	QueueDelay             uint64
	IsLastFragment         bool
	NbObjectsPreviousGroup uint64
	CacheTime              time.Time
}

func fragmentOf(r *record) Fragment {
	return Fragment{
		Key:                    r.key,
		Data:                   r.data,
		Flags:                  r.flags,
		QueueDelay:             r.queueDelay,
		IsLastFragment:         r.isLastFragment,
		NbObjectsPreviousGroup: r.nbObjectsPreviousGroup,
		CacheTime:              r.cacheTime,
	}
}

// Cache is the per-URL fragment store (spec.md §4.1). It is not safe for
// concurrent use: per §5, a single cooperative thread owns a connection
// context and every cache it touches.
type Cache struct {
	URL string
	log *slog.Logger

	arena *arena
	index *keyIndex

	arrivalHead, arrivalTail int32

	firstGroupID, firstObjectID uint64
	nextGroupID, nextObjectID, nextOffset uint64
	finalGroupID, finalObjectID uint64
	hasFinal bool

	isClosed        bool
	isCacheRealTime bool
	cacheDeleteTime time.Time
	hasDeleteTime   bool
	nbObjectReceived uint64

	wakeups []func()
}

// New creates an empty cache for url.
func New(url string) *Cache {
	a := newArena()
	return &Cache{
		URL:         url,
		log:         logger.WithSource(logger.Logger(), url),
		arena:       a,
		index:       newKeyIndex(a),
		arrivalHead: noIndex,
		arrivalTail: noIndex,
	}
}

// OnWakeup registers a callback invoked whenever the cache gains data or
// changes its first/final boundary. Callers (reader streams) append their
// own closures; there is no removal list here, detach is the reader's
// responsibility to stop acting on stale wakeups.
func (c *Cache) OnWakeup(fn func()) {
	c.wakeups = append(c.wakeups, fn)
}

func (c *Cache) wake() {
	for _, fn := range c.wakeups {
		fn()
	}
}

// Frontier returns the contiguous-receive frontier (next_group, next_object,
// next_offset).
func (c *Cache) Frontier() (group, object, offset uint64) {
	return c.nextGroupID, c.nextObjectID, c.nextOffset
}

// First returns the earliest addressable point.
func (c *Cache) First() (group, object uint64) {
	return c.firstGroupID, c.firstObjectID
}

// Final returns the learned end of stream, if any.
func (c *Cache) Final() (group, object uint64, known bool) {
	return c.finalGroupID, c.finalObjectID, c.hasFinal
}

// IsClosed reports whether the consumer side has finished.
func (c *Cache) IsClosed() bool { return c.isClosed }

// NbObjectReceived reports the count of objects known complete.
func (c *Cache) NbObjectReceived() uint64 { return c.nbObjectReceived }

// Len reports the number of fragments currently held, for metrics (spec.md
// §4.1 cache depth).
func (c *Cache) Len() int { return c.index.len() }

// SetRealTime switches the cache to real-time eviction mode.
func (c *Cache) SetRealTime() { c.isCacheRealTime = true }

// IsRealTime reports the eviction mode.
func (c *Cache) IsRealTime() bool { return c.isCacheRealTime }

func objInf(g, o uint64) Key { return Key{GroupID: g, ObjectID: o, Offset: maxOffset} }

// Get performs a point query for the fragment at (g, o, off).
func (c *Cache) Get(g, o, off uint64) (Fragment, bool) {
	idx := c.index.get(Key{GroupID: g, ObjectID: o, Offset: off})
	if idx == noIndex {
		return Fragment{}, false
	}
	return fragmentOf(c.arena.get(idx)), true
}

// GetPrevious returns the largest fragment whose key is <= (g, o, +inf).
func (c *Cache) GetPrevious(g, o uint64) (Fragment, bool) {
	idx := c.index.floor(objInf(g, o))
	if idx == noIndex {
		return Fragment{}, false
	}
	return fragmentOf(c.arena.get(idx)), true
}

// FragmentBefore returns the largest fragment whose key is strictly less
// than (g, o, off) — used to derive an implicit final object on close
// (spec.md §4.2) when no fragment exists in the current group below (o,off).
func (c *Cache) FragmentBefore(g, o, off uint64) (Fragment, bool) {
	idx := c.index.strictFloor(Key{GroupID: g, ObjectID: o, Offset: off})
	if idx == noIndex {
		return Fragment{}, false
	}
	return fragmentOf(c.arena.get(idx)), true
}

// before reports whether (g1,o1) < (g2,o2).
func before(g1, o1, g2, o2 uint64) bool {
	if g1 != g2 {
		return g1 < g2
	}
	return o1 < o2
}

// Propose merges an arriving fragment into the cache (spec.md §4.1 step 2-5).
// It is idempotent: re-proposing already-covered byte ranges is a no-op.
func (c *Cache) Propose(data []byte, g, o, off, queueDelay uint64, flags uint8, nbPrev uint64, isLast bool, now time.Time) error {
	// 1. drop fragments behind the learned start.
	if before(g, o, c.firstGroupID, c.firstObjectID) {
		return nil
	}

	inserted := c.mergeObjectRange(data, g, o, off, queueDelay, flags, nbPrev, isLast, now)

	if len(inserted) > 0 {
		c.advanceFrontier()
		c.checkCompletion(g, o)
		c.wake()
	}
	return nil
}

// mergeObjectRange inserts the byte ranges of [off, off+len(data)) not
// already present for (g,o), splitting at existing fragment boundaries, and
// returns the arena indices of newly inserted records in key order.
func (c *Cache) mergeObjectRange(data []byte, g, o, off, queueDelay uint64, flags uint8, nbPrev uint64, isLast bool, now time.Time) []int32 {
	end := off + uint64(len(data))
	if len(data) == 0 {
		// Zero-length fragments (e.g. the skip sentinel) still establish
		// is_last_fragment at the given offset.
		if c.index.get(Key{GroupID: g, ObjectID: o, Offset: off}) != noIndex {
			return nil
		}
		idx := c.insertRecord(nil, g, o, off, queueDelay, flags, nbPrev, isLast, now)
		return []int32{idx}
	}

	// Gather existing fragments covering [off, end) by walking the floor of
	// (g,o,+inf) backward while offsets overlap the requested range, then
	// scanning forward from the first candidate.
	type interval struct{ start, end uint64 }
	var covered []interval

	startIdx := c.index.ceil(Key{GroupID: g, ObjectID: o, Offset: 0})
	for startIdx != noIndex {
		r := c.arena.get(startIdx)
		if r.key.GroupID != g || r.key.ObjectID != o {
			break
		}
		if r.key.Offset >= end {
			break
		}
		rEnd := r.key.Offset + uint64(len(r.data))
		if rEnd > off {
			covered = append(covered, interval{r.key.Offset, rEnd})
		}
		nextKey := Key{GroupID: g, ObjectID: o, Offset: r.key.Offset + 1}
		startIdx = c.index.ceil(nextKey)
	}

	var inserted []int32
	cursor := off
	for _, iv := range covered {
		if iv.start > cursor {
			idx := c.insertGap(data, off, cursor, iv.start, g, o, queueDelay, flags, nbPrev, isLast, end, now)
			inserted = append(inserted, idx)
		}
		if iv.end > cursor {
			cursor = iv.end
		}
	}
	if cursor < end {
		idx := c.insertGap(data, off, cursor, end, g, o, queueDelay, flags, nbPrev, isLast, end, now)
		inserted = append(inserted, idx)
	}

	return inserted
}

func (c *Cache) insertGap(data []byte, origOff, gapStart, gapEnd, g, o, queueDelay uint64, flags uint8, nbPrev uint64, isLast bool, origEnd uint64, now time.Time) int32 {
	payload := append([]byte(nil), data[gapStart-origOff:gapEnd-origOff]...)
	gapIsLast := isLast && gapEnd == origEnd
	gapNbPrev := uint64(0)
	if gapStart == 0 {
		gapNbPrev = nbPrev
	}
	return c.insertRecord(payload, g, o, gapStart, queueDelay, flags, gapNbPrev, gapIsLast, now)
}

func (c *Cache) insertRecord(data []byte, g, o, off, queueDelay uint64, flags uint8, nbPrev uint64, isLast bool, now time.Time) int32 {
	r := record{
		key:                    Key{GroupID: g, ObjectID: o, Offset: off},
		data:                   data,
		flags:                  flags,
		queueDelay:             queueDelay,
		isLastFragment:         isLast,
		nbObjectsPreviousGroup: nbPrev,
		cacheTime:              now,
		arrivalPrev:            noIndex,
		arrivalNext:            noIndex,
	}
	idx := c.arena.alloc(r)
	c.index.insert(idx)
	c.pushArrival(idx)
	return idx
}

func (c *Cache) pushArrival(idx int32) {
	rec := c.arena.get(idx)
	rec.arrivalPrev = c.arrivalTail
	rec.arrivalNext = noIndex
	if c.arrivalTail != noIndex {
		c.arena.get(c.arrivalTail).arrivalNext = idx
	} else {
		c.arrivalHead = idx
	}
	c.arrivalTail = idx
}

func (c *Cache) unlinkArrival(idx int32) {
	rec := c.arena.get(idx)
	if rec.arrivalPrev != noIndex {
		c.arena.get(rec.arrivalPrev).arrivalNext = rec.arrivalNext
	} else {
		c.arrivalHead = rec.arrivalNext
	}
	if rec.arrivalNext != noIndex {
		c.arena.get(rec.arrivalNext).arrivalPrev = rec.arrivalPrev
	} else {
		c.arrivalTail = rec.arrivalPrev
	}
}

// ArrivalHead returns the oldest fragment still cached, in arrival order.
func (c *Cache) ArrivalHead() (Fragment, bool) {
	if c.arrivalHead == noIndex {
		return Fragment{}, false
	}
	return fragmentOf(c.arena.get(c.arrivalHead)), true
}

// ArrivalNext returns the fragment that arrived immediately after the one
// keyed by after, in arrival order.
func (c *Cache) ArrivalNext(after Key) (Fragment, bool) {
	idx := c.index.get(after)
	if idx == noIndex {
		return Fragment{}, false
	}
	next := c.arena.get(idx).arrivalNext
	if next == noIndex {
		return Fragment{}, false
	}
	return fragmentOf(c.arena.get(next)), true
}

// advanceFrontier implements spec.md §4.1's advance_frontier operation.
func (c *Cache) advanceFrontier() {
	for {
		k := Key{GroupID: c.nextGroupID, ObjectID: c.nextObjectID, Offset: c.nextOffset}
		idx := c.index.get(k)
		if idx != noIndex {
			r := c.arena.get(idx)
			if r.isLastFragment {
				c.nextObjectID++
				c.nextOffset = 0
			} else {
				c.nextOffset += uint64(len(r.data))
			}
			continue
		}

		boundary := Key{GroupID: c.nextGroupID + 1, ObjectID: 0, Offset: 0}
		bidx := c.index.get(boundary)
		if bidx != noIndex {
			br := c.arena.get(bidx)
			if c.nextObjectID == br.nbObjectsPreviousGroup && c.nextOffset == 0 && c.nextObjectID > 0 {
				c.nextGroupID++
				c.nextObjectID = 0
				c.nextOffset = 0
				continue
			}
		}
		break
	}
}

// checkCompletion walks backward from (g,o,+inf) verifying a contiguous
// last-fragment-terminated run from offset 0, and bumps nb_object_received
// when so.
func (c *Cache) checkCompletion(g, o uint64) {
	idx := c.index.floor(objInf(g, o))
	if idx == noIndex {
		return
	}
	r := c.arena.get(idx)
	if r.key.GroupID != g || r.key.ObjectID != o || !r.isLastFragment {
		return
	}

	cur := r
	for cur.key.Offset > 0 {
		pidx := c.index.floor(Key{GroupID: g, ObjectID: o, Offset: cur.key.Offset - 1})
		if pidx == noIndex {
			return
		}
		prev := c.arena.get(pidx)
		if prev.key.GroupID != g || prev.key.ObjectID != o {
			return
		}
		if prev.key.Offset+uint64(len(prev.data)) != cur.key.Offset {
			return
		}
		cur = prev
	}
	c.nbObjectReceived++
}

// LearnStart implements spec.md §4.1's learn_start: snaps first_* (and the
// frontier, if behind) forward and discards everything before it.
func (c *Cache) LearnStart(g, o uint64) {
	c.firstGroupID, c.firstObjectID = g, o
	if before(c.nextGroupID, c.nextObjectID, g, o) {
		c.nextGroupID, c.nextObjectID, c.nextOffset = g, o, 0
	}
	c.deleteBefore(Key{GroupID: g, ObjectID: o, Offset: 0})
	c.wake()
}

// LearnEnd implements learn_end: records the learned end of stream.
func (c *Cache) LearnEnd(g, o uint64) {
	c.finalGroupID, c.finalObjectID = g, o
	c.hasFinal = true
	c.wake()
}

// Close marks the consumer side finished.
func (c *Cache) Close() {
	c.isClosed = true
	c.wake()
}

// SetCacheDeleteTime schedules reclamation eligibility at t.
func (c *Cache) SetCacheDeleteTime(t time.Time) {
	c.cacheDeleteTime = t
	c.hasDeleteTime = true
}

// ReclaimableAt reports whether the cache may be reclaimed at now: closed,
// and either empty or past its scheduled delete time.
func (c *Cache) ReclaimableAt(now time.Time) bool {
	if !c.isClosed {
		return false
	}
	if c.index.len() == 0 {
		return true
	}
	return c.hasDeleteTime && !now.Before(c.cacheDeleteTime)
}

func (c *Cache) deleteBefore(k Key) {
	removed := c.index.removeBefore(k)
	for _, idx := range removed {
		c.unlinkArrival(idx)
		c.arena.release(idx)
	}
}

// PurgeArchival implements spec.md §4.1's purge_archival: deletes complete
// (or cache-closed) objects at the front of the cache whose fragments are
// all older than maxAge, never touching object ids >= minKeptObject.
func (c *Cache) PurgeArchival(now time.Time, maxAge time.Duration, minKeptObject uint64) {
	for {
		g, o := c.firstGroupID, c.firstObjectID
		if o >= minKeptObject {
			return
		}
		idx := c.index.ceil(Key{GroupID: g, ObjectID: o, Offset: 0})
		if idx == noIndex {
			return
		}
		first := c.arena.get(idx)
		if first.key.GroupID != g || first.key.ObjectID != o {
			return
		}

		complete := c.objectComplete(g, o)
		if !complete && !c.isClosed {
			return
		}

		allOld := true
		cursor := idx
		for cursor != noIndex {
			r := c.arena.get(cursor)
			if r.key.GroupID != g || r.key.ObjectID != o {
				break
			}
			if now.Sub(r.cacheTime) < maxAge {
				allOld = false
				break
			}
			last := r.isLastFragment
			cursor = c.index.ceil(Key{GroupID: g, ObjectID: o, Offset: r.key.Offset + 1})
			if last {
				break
			}
		}
		if !allOld {
			return
		}

		c.deleteObject(g, o)
		c.firstObjectID++
	}
}

func (c *Cache) objectComplete(g, o uint64) bool {
	idx := c.index.floor(objInf(g, o))
	if idx == noIndex {
		return false
	}
	r := c.arena.get(idx)
	return r.key.GroupID == g && r.key.ObjectID == o && r.isLastFragment
}

func (c *Cache) deleteObject(g, o uint64) {
	idx := c.index.ceil(Key{GroupID: g, ObjectID: o, Offset: 0})
	for idx != noIndex {
		r := c.arena.get(idx)
		if r.key.GroupID != g || r.key.ObjectID != o {
			break
		}
		next := c.index.ceil(Key{GroupID: g, ObjectID: o, Offset: r.key.Offset + 1})
		c.index.remove(r.key)
		c.unlinkArrival(idx)
		c.arena.release(idx)
		idx = next
	}
}

// PurgeRealtime implements purge_realtime: drops every fragment whose
// group_id is below keptGroup.
func (c *Cache) PurgeRealtime(keptGroup uint64) {
	if keptGroup <= c.firstGroupID {
		return
	}
	c.deleteBefore(Key{GroupID: keptGroup, ObjectID: 0, Offset: 0})
	c.firstGroupID = keptGroup
	c.firstObjectID = 0
}
