// Package acktrack implements the per-datagram-stream ack tracker and
// repeat logic (spec.md §4.5): outstanding fragments keyed by
// (object_id, object_offset), a collapsing acknowledged horizon, and
// loss-driven repeat scheduling with duplicate-suppression and
// maximum-datagram-size splitting.
package acktrack

import (
	"sort"
	"time"

	quicrqerrors "github.com/alxayo/quicrq/internal/errors"
)

// duplicateSuppressionWindow is the interval within which a second loss
// event for the same send is treated as already handled (spec.md §4.5).
const duplicateSuppressionWindow = time.Millisecond

// Key identifies an outstanding fragment send.
type Key struct {
	ObjectID uint64
	Offset   uint64
}

func (k Key) less(other Key) bool {
	if k.ObjectID != other.ObjectID {
		return k.ObjectID < other.ObjectID
	}
	return k.Offset < other.Offset
}

type entry struct {
	key            Key
	length         uint64
	isLastFragment bool
	isAcked        bool
	fecNeeded      bool
	lastSentTime   time.Time
}

// Horizon is the highest (object_id, offset) below which every sent
// fragment has been acknowledged.
type Horizon struct {
	ObjectID       uint64
	Offset         uint64
	IsLastFragment bool
}

// RepeatRequest is a fragment the tracker wants retransmitted, possibly
// split to respect a maximum datagram size.
type RepeatRequest struct {
	Key
	Length         uint64
	IsLastFragment bool
}

// Tracker is one sender stream's outstanding-fragment tracker.
type Tracker struct {
	entries       []*entry // sorted by key, so horizon collapse can scan forward
	horizon       Horizon
	horizonSeeded bool // horizon has been pinned to the first tracked key
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{}
}

// Horizon returns the current acknowledged horizon.
func (t *Tracker) Horizon() Horizon { return t.horizon }

func (t *Tracker) search(k Key) (int, bool) {
	pos := sort.Search(len(t.entries), func(i int) bool {
		return !t.entries[i].key.less(k)
	})
	return pos, pos < len(t.entries) && t.entries[pos].key == k
}

// Init records a fragment as sent: ack_init((o, off, len, is_last)). A
// duplicate insert, or one already below the horizon, is a pure no-op
// reported via the inserted return value.
func (t *Tracker) Init(k Key, length uint64, isLastFragment bool, now time.Time) (inserted bool) {
	if !t.horizonSeeded {
		// A fresh tracker's horizon is the zero value (object 0, offset 0),
		// which never matches a stream whose first tracked key starts
		// elsewhere (e.g. a reader joining mid-group). Pin it to the first
		// key actually seen so collapseHorizon has a starting point to
		// advance from instead of never matching anything.
		t.horizon = Horizon{ObjectID: k.ObjectID, Offset: k.Offset}
		t.horizonSeeded = true
	}
	horizonKey := Key{ObjectID: t.horizon.ObjectID, Offset: t.horizon.Offset}
	if k.less(horizonKey) {
		// k is strictly behind the horizon: already advanced past, counted only.
		return false
	}
	pos, exact := t.search(k)
	if exact {
		return false
	}
	e := &entry{key: k, length: length, isLastFragment: isLastFragment, lastSentTime: now}
	t.entries = append(t.entries, nil)
	copy(t.entries[pos+1:], t.entries[pos:])
	t.entries[pos] = e
	return true
}

// Ack marks the fragment at k acknowledged and collapses the horizon
// forward through any now-contiguous acknowledged prefix.
func (t *Tracker) Ack(k Key) {
	pos, exact := t.search(k)
	if !exact {
		return
	}
	t.entries[pos].isAcked = true
	t.collapseHorizon()
}

// collapseHorizon advances the horizon through a contiguous run of acked
// entries starting at the current horizon boundary, deleting them as it
// goes (spec.md §4.5, §P4: the horizon never decreases and a collapsed
// fragment is never re-created).
func (t *Tracker) collapseHorizon() {
	for len(t.entries) > 0 {
		e := t.entries[0]
		if !matchesHorizon(t.horizon, e.key) || !e.isAcked {
			return
		}
		if e.isLastFragment {
			t.horizon = Horizon{ObjectID: e.key.ObjectID + 1, Offset: 0, IsLastFragment: false}
		} else {
			t.horizon = Horizon{ObjectID: e.key.ObjectID, Offset: e.key.Offset + e.length, IsLastFragment: false}
		}
		t.entries = t.entries[1:]
	}
}

func matchesHorizon(h Horizon, k Key) bool {
	return h.ObjectID == k.ObjectID && h.Offset == k.Offset
}

// SpuriousLoss is treated as an ack (spec.md §4.5).
func (t *Tracker) SpuriousLoss(k Key) { t.Ack(k) }

// Loss processes a probably-lost callback for the fragment sent at
// sentTime, carrying bytes bytes. It returns a (possibly split) repeat list;
// an empty list means the loss event was ignored (already acked, already
// below horizon, or suppressed as a duplicate within 1ms).
func (t *Tracker) Loss(k Key, sentTime time.Time, maxDatagramSize uint64) []RepeatRequest {
	pos, exact := t.search(k)
	if !exact {
		return nil
	}
	e := t.entries[pos]
	if e.isAcked {
		return nil
	}
	diff := e.lastSentTime.Sub(sentTime)
	if diff < 0 {
		diff = -diff
	}
	if diff < duplicateSuppressionWindow {
		return nil
	}

	e.fecNeeded = true
	return t.repeatsFor(e, maxDatagramSize)
}

// repeatsFor builds the retransmit list for e, splitting it (and its ack
// record) if it exceeds maxDatagramSize.
func (t *Tracker) repeatsFor(e *entry, maxDatagramSize uint64) []RepeatRequest {
	if maxDatagramSize == 0 || e.length <= maxDatagramSize {
		return []RepeatRequest{{Key: e.key, Length: e.length, IsLastFragment: e.isLastFragment}}
	}

	firstLen := maxDatagramSize
	secondLen := e.length - firstLen
	secondKey := Key{ObjectID: e.key.ObjectID, Offset: e.key.Offset + firstLen}

	origIsLast := e.isLastFragment

	e.length = firstLen
	e.isLastFragment = false

	pos, _ := t.search(secondKey)
	second := &entry{key: secondKey, length: secondLen, isLastFragment: origIsLast, fecNeeded: true}
	t.entries = append(t.entries, nil)
	copy(t.entries[pos+1:], t.entries[pos:])
	t.entries[pos] = second

	return []RepeatRequest{
		{Key: e.key, Length: firstLen, IsLastFragment: false},
		{Key: secondKey, Length: secondLen, IsLastFragment: origIsLast},
	}
}

// MarkSent refreshes the last-sent time for k after a repeat is actually
// transmitted.
func (t *Tracker) MarkSent(k Key, now time.Time) error {
	pos, exact := t.search(k)
	if !exact {
		return quicrqerrors.NewInternalError("acktrack.mark_sent", errNotTracked(k))
	}
	t.entries[pos].lastSentTime = now
	return nil
}

type errNotTracked Key

func (e errNotTracked) Error() string { return "acktrack: fragment not tracked" }
