// Package quicrq implements the per-process QUICRQ context (spec.md §2):
// the media source registry and the connection/stream orchestrator that
// dispatches transport callbacks into the fragment cache, consumer,
// publisher and ack-tracker components.
package quicrq

import (
	"sync"

	"github.com/alxayo/quicrq/internal/consumer"
	"github.com/alxayo/quicrq/internal/fragcache"
)

// Source is one published URL: its fragment cache, the consumer writing
// into it (newSource gives every Source one), and the readers currently
// attached. Exactly one of {local publish, relay upstream consumer} ever
// owns Consumer for a given Source.
type Source struct {
	URL      string
	Cache    *fragcache.Cache
	Consumer *consumer.Consumer

	mu      sync.Mutex
	readers map[uint64]*Reader
}

func newSource(url string) *Source {
	c := fragcache.New(url)
	return &Source{
		URL:      url,
		Cache:    c,
		Consumer: consumer.New(c),
		readers:  make(map[uint64]*Reader),
	}
}

// attach registers a reader under id, for later lookup on stream close.
func (s *Source) attach(id uint64, r *Reader) {
	s.mu.Lock()
	s.readers[id] = r
	s.mu.Unlock()
}

// detach removes a reader (stream/connection teardown, spec.md §5
// "cancellation"); its publisher state and ack tracker are dropped with it.
func (s *Source) detach(id uint64) {
	s.mu.Lock()
	delete(s.readers, id)
	s.mu.Unlock()
}

// ReaderCount reports currently-attached readers (used by the reclamation
// check of spec.md §5: "closed ∧ no attached reader").
func (s *Source) ReaderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.readers)
}

// MinReaderGroup returns the lowest current group among attached readers,
// for purge_realtime's "minimum of next_group and every active reader's
// current group" (spec.md §4.1, P9: no fragment evicted while any reader's
// cursor is at or before its (group, object)). ok is false with no readers
// attached.
func (s *Source) MinReaderGroup() (group uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.readers {
		g := r.CursorGroup()
		if !ok || g < group {
			group = g
			ok = true
		}
	}
	return group, ok
}

// Registry tracks one Source per published URL (spec.md §2), grounded on
// the teacher's internal/rtmp/server.Registry create-or-get pattern.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]*Source
}

// NewRegistry creates an empty source registry.
func NewRegistry() *Registry { return &Registry{sources: make(map[string]*Source)} }

// GetOrCreate returns the existing source for url or creates a new one. The
// boolean reports whether a new source was created.
func (r *Registry) GetOrCreate(url string) (*Source, bool) {
	r.mu.RLock()
	if s, ok := r.sources[url]; ok {
		r.mu.RUnlock()
		return s, false
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sources[url]; ok {
		return s, false
	}
	s := newSource(url)
	r.sources[url] = s
	return s, true
}

// Get returns the source for url, if any.
func (r *Registry) Get(url string) (*Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[url]
	return s, ok
}

// Delete removes url from the registry (spec.md §5 reclamation).
func (r *Registry) Delete(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sources, url)
}

// List returns the currently-registered source URLs (used by scenario 5's
// "origin source list becomes empty" check and by the housekeeping sweep).
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sources))
	for url := range r.sources {
		out = append(out, url)
	}
	return out
}

// Reclaimable reports sources eligible for deletion at now's evaluation
// (spec.md §5: closed, no attached reader, and either empty or past
// cache_delete_time), for the housekeeping sweep to act on.
func (r *Registry) Reclaimable(isReclaimable func(*fragcache.Cache) bool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for url, s := range r.sources {
		if s.ReaderCount() > 0 {
			continue
		}
		if isReclaimable(s.Cache) {
			out = append(out, url)
		}
	}
	return out
}
