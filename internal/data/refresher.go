package data

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/savid/iptv-gateway/internal/catalog"
	"github.com/savid/iptv-gateway/internal/epg"
	"github.com/savid/iptv-gateway/internal/m3u"
	"github.com/savid/iptv-gateway/internal/metrics"
	"github.com/savid/iptv-gateway/internal/sources"
	"github.com/sirupsen/logrus"
)

var (
	// ErrRefreshCancelled is returned when a refresh cycle is cancelled before
	// its snapshot is published.
	ErrRefreshCancelled = errors.New("refresh cancelled")
	// ErrNotRunning is returned by Trigger before Start or after Stop.
	ErrNotRunning = errors.New("refresher not running")
)

// Options configures a Refresher.
type Options struct {
	// PlaylistURL is the upstream M3U playlist; empty builds a guide-only
	// catalog.
	PlaylistURL string
	// Schedule is a cron spec such as "@every 30m".
	Schedule string
	// Persister, when set, is the source of truth for EPG sources. It is
	// reloaded every cycle and receives corrections and fetch statuses.
	Persister sources.Persister
	// Mappings pins playlist channel IDs to guide channel IDs ahead of
	// automatic linking.
	Mappings map[string]string
}

// Refresher runs the catalog refresh pipeline: correct the EPG sources,
// aggregate their guides, rebuild the catalog and publish it. Cycles never
// overlap and a cancelled cycle publishes nothing.
type Refresher struct {
	log        logrus.FieldLogger
	opts       Options
	registry   *sources.Registry
	aggregator *epg.Aggregator
	fetcher    epg.Fetcher
	store      *catalog.Store
	metrics    *metrics.Metrics

	// runMu serializes cycles.
	runMu sync.Mutex

	mu         sync.Mutex
	cron       *cron.Cron
	runCtx     context.Context
	cancel     context.CancelFunc
	cycleStop  context.CancelFunc
	background sync.WaitGroup
}

// NewRefresher creates a refresher. The registry holds the initial sources
// when no persister is configured.
func NewRefresher(
	log logrus.FieldLogger,
	opts Options,
	registry *sources.Registry,
	aggregator *epg.Aggregator,
	fetcher epg.Fetcher,
	store *catalog.Store,
	m *metrics.Metrics,
) *Refresher {
	return &Refresher{
		log:        log.WithField("component", "refresher"),
		opts:       opts,
		registry:   registry,
		aggregator: aggregator,
		fetcher:    fetcher,
		store:      store,
		metrics:    m,
	}
}

// Start schedules periodic refreshes. It does not run an initial cycle.
func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cron != nil {
		return nil // Already running
	}

	runCtx, cancel := context.WithCancel(ctx)

	c := cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(r.log)),
		cron.SkipIfStillRunning(cron.PrintfLogger(r.log)),
	))

	if _, err := c.AddFunc(r.opts.Schedule, func() { r.runScheduled(runCtx) }); err != nil {
		cancel()

		return fmt.Errorf("invalid refresh schedule %q: %w", r.opts.Schedule, err)
	}

	c.Start()

	r.cron = c
	r.runCtx = runCtx
	r.cancel = cancel

	r.log.WithField("schedule", r.opts.Schedule).Info("Data refresher started")

	return nil
}

// Stop cancels any running cycle and waits for scheduled and triggered
// work to finish.
func (r *Refresher) Stop() error {
	r.mu.Lock()
	c := r.cron
	cancel := r.cancel
	cycleStop := r.cycleStop
	r.cron = nil
	r.runCtx = nil
	r.cancel = nil
	r.mu.Unlock()

	// Cancel scheduled and triggered cycles
	if cancel != nil {
		cancel()
	}

	// Cancel a cycle started directly through Refresh
	if cycleStop != nil {
		cycleStop()
	}

	if c != nil {
		<-c.Stop().Done()
	}

	r.background.Wait()

	r.log.Info("Data refresher stopped")

	return nil
}

// Trigger cancels the running cycle, if any, and starts a new one in the
// background. The new cycle ends when the refresher stops.
func (r *Refresher) Trigger() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.runCtx == nil {
		return ErrNotRunning
	}

	if r.cycleStop != nil {
		r.cycleStop()
	}

	ctx := r.runCtx

	r.background.Add(1)

	go func() {
		defer r.background.Done()

		r.runScheduled(ctx)
	}()

	r.log.Info("Refresh triggered")

	return nil
}

func (r *Refresher) runScheduled(ctx context.Context) {
	if err := r.Refresh(ctx); err != nil {
		r.log.WithError(err).Error("Failed to refresh data")
	}
}

// Refresh runs one cycle. On any error the previously published snapshot
// stays current.
func (r *Refresher) Refresh(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	r.cycleStop = cancel
	r.mu.Unlock()

	start := time.Now()

	snap, err := r.refresh(cycleCtx)
	took := time.Since(start)

	switch {
	case err == nil:
		r.metrics.ObserveRefresh("ok", took)
		r.metrics.ObserveSnapshot(len(snap.Channels), len(snap.VOD), snap.BuiltAt)

		r.log.WithFields(logrus.Fields{
			"channels": len(snap.Channels),
			"vod":      len(snap.VOD),
			"guides":   len(snap.Timelines),
			"took":     took.Round(time.Millisecond),
		}).Info("Data refreshed successfully")

		return nil
	case errors.Is(err, ErrRefreshCancelled):
		r.metrics.ObserveRefresh("cancelled", took)

		return err
	default:
		r.metrics.ObserveRefresh("error", took)

		return err
	}
}

func (r *Refresher) refresh(ctx context.Context) (*catalog.Snapshot, error) {
	r.log.Info("Refreshing data")

	// Corrections and statuses stay in a scratch registry until the
	// snapshot is published.
	staged, err := r.correctedSources(ctx)
	if err != nil {
		return nil, err
	}

	result, err := r.aggregator.Aggregate(ctx, staged.All())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRefreshCancelled, err)
	}

	r.recordStatuses(staged, result.Sources)

	channels, vod, err := r.fetchCatalog(ctx)
	if err != nil {
		return nil, err
	}

	channels, linked := catalog.LinkGuide(channels, result.Channels, r.opts.Mappings)

	r.log.WithFields(logrus.Fields{
		"channels": len(channels),
		"linked":   linked,
	}).Debug("Linked channels to guide")

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRefreshCancelled, err)
	}

	current := staged.All()

	snap, err := r.store.Replace(channels, vod, catalog.Guide{
		Channels:  result.Channels,
		Timelines: result.Timelines,
		Sources:   current,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to publish catalog: %w", err)
	}

	if err := r.registry.Replace(current); err != nil {
		r.log.WithError(err).Warn("Failed to update source registry")
	}

	r.persist(ctx, current)

	return snap, nil
}

// correctedSources loads the EPG sources and runs the corrector over them.
// The result is returned in a new registry; the live one is not touched.
func (r *Refresher) correctedSources(ctx context.Context) (*sources.Registry, error) {
	srcs := r.registry.All()

	if r.opts.Persister != nil {
		loaded, err := r.opts.Persister.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load EPG sources: %w", err)
		}

		srcs = loaded
	}

	corrected, report := sources.Correct(srcs)

	for _, c := range report.Corrections {
		r.log.WithFields(logrus.Fields{
			"source": c.ID,
			"old":    c.Old,
			"new":    c.New,
			"rule":   c.Rule,
		}).Info("Corrected EPG source URL")
	}

	for _, f := range report.Unmatched {
		r.log.WithError(f.Err).WithField("source", f.ID).Warn("EPG source URL is malformed")
	}

	r.metrics.Corrections.Add(float64(len(report.Corrections)))

	staged, err := sources.NewRegistry()
	if err != nil {
		return nil, err
	}

	if err := staged.Replace(corrected); err != nil {
		return nil, fmt.Errorf("failed to load EPG sources: %w", err)
	}

	return staged, nil
}

func (r *Refresher) recordStatuses(staged *sources.Registry, results []epg.SourceResult) {
	for _, res := range results {
		if err := staged.SetStatus(res.ID, res.Status, res.FetchedAt); err != nil {
			r.log.WithError(err).WithField("source", res.ID).Warn("Failed to record source status")
		}

		result := "ok"
		if res.Err != nil {
			result = "error"
		}

		r.metrics.SourceFetches.WithLabelValues(res.ID, result).Inc()
		r.metrics.SourceEntries.WithLabelValues(res.ID).Set(float64(res.Entries))
	}
}

func (r *Refresher) fetchCatalog(ctx context.Context) ([]catalog.Channel, []catalog.VodItem, error) {
	if r.opts.PlaylistURL == "" {
		return nil, nil, nil
	}

	r.log.WithField("url", r.opts.PlaylistURL).Info("Fetching M3U playlist")

	body, err := r.fetcher.Fetch(ctx, r.opts.PlaylistURL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrRefreshCancelled, ctx.Err())
		}

		return nil, nil, fmt.Errorf("failed to fetch M3U: %w", err)
	}

	entries, err := m3u.Parse(body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse M3U: %w", err)
	}

	channels, vod, dropped := catalog.Build(entries)

	r.log.WithFields(logrus.Fields{
		"channels": len(channels),
		"vod":      len(vod),
		"dropped":  dropped,
	}).Info("M3U playlist loaded")

	return channels, vod, nil
}

func (r *Refresher) persist(ctx context.Context, srcs []sources.Source) {
	if r.opts.Persister == nil {
		return
	}

	if err := r.opts.Persister.Save(ctx, srcs); err != nil {
		r.log.WithError(err).Warn("Failed to persist EPG sources")
	}
}
