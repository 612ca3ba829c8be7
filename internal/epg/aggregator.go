package epg

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/savid/iptv-gateway/internal/sources"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency   = 4
	defaultSourceTimeout = 2 * time.Minute
)

// Fetcher retrieves a remote document.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// FetchError is the failure of a single source: network, timeout or parse.
type FetchError struct {
	SourceID string
	URL      string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("source %s (%s): %v", e.SourceID, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// SourceResult is the outcome of fetching one source.
type SourceResult struct {
	ID        string
	Status    string
	Entries   int
	FetchedAt time.Time
	Duration  time.Duration
	Err       error
}

// Result is a merged guide built from every source that succeeded.
type Result struct {
	Timelines map[string][]ProgramEntry
	Channels  []Channel
	Sources   []SourceResult
}

// Aggregator fetches sources concurrently and merges them by priority.
type Aggregator struct {
	log         logrus.FieldLogger
	fetcher     Fetcher
	concurrency int
	timeout     time.Duration
}

// NewAggregator creates an aggregator. Non-positive concurrency or timeout
// fall back to defaults.
func NewAggregator(log logrus.FieldLogger, fetcher Fetcher, concurrency int, timeout time.Duration) *Aggregator {
	if concurrency < 1 {
		concurrency = defaultConcurrency
	}

	if timeout <= 0 {
		timeout = defaultSourceTimeout
	}

	return &Aggregator{
		log:         log.WithField("component", "aggregator"),
		fetcher:     fetcher,
		concurrency: concurrency,
		timeout:     timeout,
	}
}

type fetched struct {
	entries  []ProgramEntry
	channels []Channel
	result   SourceResult
}

// Aggregate fetches every enabled source, each under its own timeout, and
// merges the results in priority order. A failing source is recorded in
// Result.Sources and never fails the call; only cancellation of ctx does.
// Disabled sources are neither fetched nor reported.
func (a *Aggregator) Aggregate(ctx context.Context, srcs []sources.Source) (*Result, error) {
	ordered := make([]sources.Source, 0, len(srcs))

	for _, src := range srcs {
		if src.IsEnabled() {
			ordered = append(ordered, src)
		}
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	out := make([]fetched, len(ordered))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)

	for i, src := range ordered {
		g.Go(func() error {
			out[i] = a.fetchSource(gctx, src)

			return nil
		})
	}

	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("aggregation cancelled: %w", err)
	}

	result := &Result{
		Channels: make([]Channel, 0, 100),
		Sources:  make([]SourceResult, 0, len(out)),
	}

	bySource := make([][]ProgramEntry, 0, len(out))
	seen := make(map[string]bool, 100)

	for _, f := range out {
		result.Sources = append(result.Sources, f.result)

		if f.result.Err != nil {
			continue
		}

		bySource = append(bySource, f.entries)

		// Higher priority sources own channel metadata.
		for _, ch := range f.channels {
			if ch.ID == "" || seen[ch.ID] {
				continue
			}

			seen[ch.ID] = true
			result.Channels = append(result.Channels, ch)
		}
	}

	result.Timelines = Merge(bySource)

	a.log.WithFields(logrus.Fields{
		"sources":  len(ordered),
		"disabled": len(srcs) - len(ordered),
		"merged":   len(bySource),
		"channels": len(result.Timelines),
	}).Info("Aggregated EPG sources")

	return result, nil
}

func (a *Aggregator) fetchSource(ctx context.Context, src sources.Source) fetched {
	start := time.Now()
	log := a.log.WithFields(logrus.Fields{"source": src.ID, "url": src.URL})

	fail := func(err error) fetched {
		ferr := &FetchError{SourceID: src.ID, URL: src.URL, Err: err}
		log.WithError(err).Warn("EPG source failed")

		return fetched{result: SourceResult{
			ID:        src.ID,
			Status:    "error: " + err.Error(),
			FetchedAt: start,
			Duration:  time.Since(start),
			Err:       ferr,
		}}
	}

	fctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	data, err := a.fetcher.Fetch(fctx, src.URL)
	if err != nil {
		return fail(err)
	}

	tv, err := Parse(data)
	if err != nil {
		return fail(err)
	}

	entries := Entries(tv, src.ID)

	log.WithFields(logrus.Fields{
		"channels":   len(tv.Channels),
		"programmes": len(entries),
	}).Debug("Fetched EPG source")

	return fetched{
		entries:  entries,
		channels: tv.Channels,
		result: SourceResult{
			ID:        src.ID,
			Status:    sources.StatusOK,
			Entries:   len(entries),
			FetchedAt: start,
			Duration:  time.Since(start),
		},
	}
}
