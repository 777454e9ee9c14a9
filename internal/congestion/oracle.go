// Package congestion implements the skip-on-backlog decision for datagram
// mode publishing (spec.md §4.4, §9 "Congestion oracle"). The oracle is a
// pure function of flags, backlog state, and time — all per-connection
// policy lives here, never in the fragment cache or publisher state.
package congestion

import "time"

// backlogAge is the cache-age threshold (one 30fps frame interval) above
// which an object is considered backlogged (spec.md §4.4 step 2).
const backlogAge = 33333 * time.Microsecond

// State holds the per-connection congestion policy inputs.
type State struct {
	// Enabled activates skip-on-backlog; when false the oracle never skips.
	Enabled bool
	// MinLossClassFlag is the minimum priority-class byte eligible for
	// skipping; objects with flags below this class are never skipped.
	MinLossClassFlag uint8
	// MaxDrops caps the number of objects this connection may skip; once
	// reached the oracle stops skipping regardless of backlog.
	MaxDrops int

	dropped int
}

// IsBacklogged reports whether cacheTime is old enough (relative to now) to
// be considered backlogged, per the 30fps-frame-interval threshold.
func IsBacklogged(cacheTime, now time.Time) bool {
	return now.Sub(cacheTime) > backlogAge
}

// Skip is the congestion oracle: a pure function of (flags, has_backlog,
// now) returning whether to skip an object. It never skips object_id==0 and
// is monotone in backlog (once true for given flags/state it stays true
// until backlog clears).
func (s *State) Skip(objectID uint64, flags uint8, hasBacklog bool, now time.Time) bool {
	if objectID == 0 {
		return false
	}
	if !s.Enabled || !hasBacklog {
		return false
	}
	if flags < s.MinLossClassFlag {
		return false
	}
	if s.MaxDrops > 0 && s.dropped >= s.MaxDrops {
		return false
	}
	return true
}

// RecordDrop accounts for a skip decision having been acted upon.
func (s *State) RecordDrop() {
	s.dropped++
}

// DroppedCount reports how many objects this connection has skipped.
func (s *State) DroppedCount() int { return s.dropped }
