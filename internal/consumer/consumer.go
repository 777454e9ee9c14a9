// Package consumer implements the cache-writer side of a source: merging
// arriving fragments into a fragcache.Cache, deriving the final object id
// on close when it was never explicitly learned, and signalling FINISHED to
// the transport once the frontier reaches the learned end (spec.md §4.2).
package consumer

import (
	"log/slog"
	"time"

	"github.com/alxayo/quicrq/internal/fragcache"
	"github.com/alxayo/quicrq/internal/logger"
)

// closedDeleteDelay and closedDeleteDelayKnownEnd are the archival
// cache_delete_time offsets applied on close (spec.md §4.2; the exact
// constants are a calibration choice per spec.md §9).
const (
	closedDeleteDelay         = 30 * time.Second
	closedDeleteDelayKnownEnd = 3 * time.Second
)

// Consumer writes decoded fragments and end-markers into a cache.
type Consumer struct {
	cache *fragcache.Cache
	log   *slog.Logger
}

// New attaches a consumer to cache.
func New(cache *fragcache.Cache) *Consumer {
	return &Consumer{
		cache: cache,
		log:   logger.WithSource(logger.Logger(), cache.URL),
	}
}

// Fragment merges one decoded fragment into the cache.
func (c *Consumer) Fragment(data []byte, g, o, off, queueDelay uint64, flags uint8, nbPrev uint64, isLast bool, now time.Time) error {
	return c.cache.Propose(data, g, o, off, queueDelay, flags, nbPrev, isLast, now)
}

// LearnedStart records a learned start-of-stream point.
func (c *Consumer) LearnedStart(g, o uint64) {
	c.cache.LearnStart(g, o)
}

// LearnedEnd records an explicitly learned end-of-stream point (e.g. a
// FIN_DATAGRAM message carrying final_object_id in the current group).
func (c *Consumer) LearnedEnd(g, o uint64) {
	c.cache.LearnEnd(g, o)
}

// Close implements spec.md §4.2's close behavior: derive final_* if it was
// never learned, schedule cache_delete_time, mark the cache closed.
func (c *Consumer) Close(now time.Time) {
	if _, _, known := c.cache.Final(); !known {
		g, o := c.deriveFinal()
		c.cache.LearnEnd(g, o)
		c.cache.SetCacheDeleteTime(now.Add(closedDeleteDelay))
	} else {
		c.cache.SetCacheDeleteTime(now.Add(closedDeleteDelayKnownEnd))
	}
	c.cache.Close()
}

// deriveFinal implements spec.md §4.2's final-object derivation when no
// explicit end was learned: prefer the frontier itself; else fall back to
// the object before it; else the newest fragment before the current group;
// else the learned start.
func (c *Consumer) deriveFinal() (uint64, uint64) {
	group, object, offset := c.cache.Frontier()
	if offset == 0 {
		return group, object
	}
	if object > 1 {
		return group, object - 1
	}
	if frag, ok := c.cache.FragmentBefore(group, 0, 0); ok {
		return frag.Key.GroupID, frag.Key.ObjectID
	}
	g, o := c.cache.First()
	return g, o
}

// IsFinished reports whether the frontier has caught up to the learned end
// (the FINISHED signal of spec.md §4.2).
func (c *Consumer) IsFinished() bool {
	finalGroup, finalObject, known := c.cache.Final()
	if !known {
		return false
	}
	nextGroup, nextObject, _ := c.cache.Frontier()
	return nextGroup == finalGroup && nextObject == finalObject
}
