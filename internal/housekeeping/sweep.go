// Package housekeeping runs the periodic purge_archival/purge_realtime
// sweep and source reclamation of spec.md §4.1/§5, on a cron schedule
// grounded on nishisan-dev-n-backup's internal/agent.Scheduler (one
// cron.Cron instance, AddFunc per job, guarded against overlapping runs).
package housekeeping

import (
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alxayo/quicrq/internal/fragcache"
	"github.com/alxayo/quicrq/internal/logger"
	"github.com/alxayo/quicrq/internal/metrics"
	"github.com/alxayo/quicrq/internal/quicrq"
)

// Sweeper periodically purges every registered source's cache and deletes
// sources that have become fully reclaimable.
type Sweeper struct {
	registry *quicrq.Registry
	metrics  *metrics.Registry
	maxAge   time.Duration

	cron    *cron.Cron
	log     *slog.Logger
	running sync.Mutex
}

// New creates a Sweeper that purges at maxAge retention (spec.md §4.1: 30s
// archival or 3s real-time, set by internal/config).
func New(registry *quicrq.Registry, m *metrics.Registry, maxAge time.Duration) *Sweeper {
	return &Sweeper{
		registry: registry,
		metrics:  m,
		maxAge:   maxAge,
		log:      logger.Logger().With("component", "housekeeping"),
	}
}

// Start schedules the sweep on schedule (a robfig/cron expression, e.g.
// "@every 1s") and begins running it in the background.
func (s *Sweeper) Start(schedule string) error {
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(s.log.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(schedule, s.runOnce); err != nil {
		return err
	}
	s.cron = c
	c.Start()
	s.log.Info("housekeeping sweep scheduled", "schedule", schedule)
	return nil
}

// Stop ends the cron schedule and waits for any in-flight sweep.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// runOnce purges every registered source once and reclaims any source that
// is closed, reader-less, and past its cache_delete_time or empty.
func (s *Sweeper) runOnce() {
	if !s.running.TryLock() {
		s.log.Warn("sweep already running, skipping this tick")
		return
	}
	defer s.running.Unlock()

	now := time.Now()
	for _, url := range s.registry.List() {
		src, ok := s.registry.Get(url)
		if !ok {
			continue
		}
		s.purge(url, src, now)
	}

	reclaimable := s.registry.Reclaimable(func(c *fragcache.Cache) bool { return c.ReclaimableAt(now) })
	for _, url := range reclaimable {
		s.registry.Delete(url)
		s.log.Info("source reclaimed", "url", url)
	}
}

func (s *Sweeper) purge(url string, src *quicrq.Source, now time.Time) {
	cache := src.Cache
	before := cache.Len()
	frontierGroup, frontierObject, _ := cache.Frontier()
	if cache.IsRealTime() {
		// spec.md §4.1: kept_group is the minimum of next_group and every
		// active reader's current group, so a reader parked behind the
		// frontier is never evicted out from under it (P9).
		kept := frontierGroup
		if minGroup, ok := src.MinReaderGroup(); ok && minGroup < kept {
			kept = minGroup
		}
		cache.PurgeRealtime(kept)
	} else {
		cache.PurgeArchival(now, s.maxAge, frontierObject)
	}
	after := cache.Len()

	if s.metrics == nil {
		return
	}
	if dropped := before - after; dropped > 0 {
		s.metrics.ObjectsDropped.WithLabelValues(url).Add(float64(dropped))
	}
	first, firstObj := cache.First()
	s.metrics.CacheDepth.WithLabelValues(url).Set(float64(after))
	s.metrics.FrontierGroup.WithLabelValues(url).Set(float64(frontierGroup))
	s.metrics.FrontierObject.WithLabelValues(url).Set(float64(frontierObject))
	s.metrics.HorizonGroup.WithLabelValues(url).Set(float64(first))
	s.metrics.HorizonObject.WithLabelValues(url).Set(float64(firstObj))
}
