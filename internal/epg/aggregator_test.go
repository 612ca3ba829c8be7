package epg

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/savid/iptv-gateway/internal/sources"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newTestLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	return logger
}

// fakeFetcher serves canned documents by URL. A missing URL fails; a URL in
// slow blocks until its context is done.
type fakeFetcher struct {
	docs     map[string]string
	slow     map[string]bool
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)

	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	if f.slow[url] {
		<-ctx.Done()

		return nil, ctx.Err()
	}

	doc, ok := f.docs[url]
	if !ok {
		return nil, errors.New("connection refused")
	}

	// Give concurrent fetches a chance to overlap.
	time.Sleep(5 * time.Millisecond)

	return []byte(doc), nil
}

const guideA = `<tv>
  <channel id="C1"><display-name>Channel One A</display-name></channel>
  <programme channel="C1" start="20260104200000 +0000" stop="20260104210000 +0000"><title>A Title</title></programme>
</tv>`

const guideB = `<tv>
  <channel id="C1"><display-name>Channel One B</display-name></channel>
  <channel id="C2"><display-name>Channel Two</display-name></channel>
  <programme channel="C1" start="20260104200000 +0000" stop="20260104210000 +0000"><title>B Title</title></programme>
  <programme channel="C2" start="20260104200000 +0000" stop="20260104210000 +0000"><title>B Two</title></programme>
</tv>`

func TestAggregate_PriorityMerge(t *testing.T) {
	fetcher := &fakeFetcher{docs: map[string]string{
		"http://a/a.xml": guideA,
		"http://b/b.xml": guideB,
	}}
	agg := NewAggregator(newTestLogger(), fetcher, 2, time.Second)

	// List order puts B first; priority puts A first.
	result, err := agg.Aggregate(context.Background(), []sources.Source{
		{ID: "b", URL: "http://b/b.xml", Priority: 2},
		{ID: "a", URL: "http://a/a.xml", Priority: 1},
	})
	require.NoError(t, err)

	require.Len(t, result.Timelines["C1"], 1)
	require.Equal(t, "A Title", result.Timelines["C1"][0].Title)
	require.Len(t, result.Timelines["C2"], 1)

	require.Len(t, result.Channels, 2)
	require.Equal(t, "Channel One A", result.Channels[0].DisplayName)

	require.Equal(t, "a", result.Sources[0].ID)
	require.Equal(t, sources.StatusOK, result.Sources[0].Status)
	require.Equal(t, 1, result.Sources[0].Entries)
}

func TestAggregate_FailingSourcesIsolated(t *testing.T) {
	fetcher := &fakeFetcher{
		docs: map[string]string{
			"http://a/a.xml":   guideA,
			"http://bad/x.xml": "<tv><channel",
		},
		slow: map[string]bool{"http://slow/s.xml": true},
	}
	agg := NewAggregator(newTestLogger(), fetcher, 4, 50*time.Millisecond)

	start := time.Now()
	result, err := agg.Aggregate(context.Background(), []sources.Source{
		{ID: "down", URL: "http://down/d.xml"},
		{ID: "bad", URL: "http://bad/x.xml"},
		{ID: "slow", URL: "http://slow/s.xml"},
		{ID: "a", URL: "http://a/a.xml"},
	})
	require.NoError(t, err)
	require.True(t, time.Since(start) < 2*time.Second)

	require.Len(t, result.Timelines["C1"], 1)
	require.Equal(t, "A Title", result.Timelines["C1"][0].Title)

	byID := make(map[string]SourceResult, len(result.Sources))
	for _, s := range result.Sources {
		byID[s.ID] = s
	}

	for _, id := range []string{"down", "bad", "slow"} {
		require.Error(t, byID[id].Err, id)
		require.Contains(t, byID[id].Status, "error: ", id)

		var fetchErr *FetchError
		require.ErrorAs(t, byID[id].Err, &fetchErr)
		require.Equal(t, id, fetchErr.SourceID)
	}

	require.ErrorIs(t, byID["slow"].Err, context.DeadlineExceeded)
	require.NoError(t, byID["a"].Err)
}

func TestAggregate_BoundedConcurrency(t *testing.T) {
	docs := make(map[string]string, 10)
	srcs := make([]sources.Source, 0, 10)

	for i := 0; i < 10; i++ {
		url := "http://x/" + string(rune('a'+i)) + ".xml"
		docs[url] = guideA
		srcs = append(srcs, sources.Source{ID: url, URL: url})
	}

	fetcher := &fakeFetcher{docs: docs}
	agg := NewAggregator(newTestLogger(), fetcher, 3, time.Second)

	_, err := agg.Aggregate(context.Background(), srcs)
	require.NoError(t, err)
	require.LessOrEqual(t, fetcher.maxSeen.Load(), int32(3))
}

func TestAggregate_Cancelled(t *testing.T) {
	fetcher := &fakeFetcher{slow: map[string]bool{"http://slow/s.xml": true}}
	agg := NewAggregator(newTestLogger(), fetcher, 1, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	result, err := agg.Aggregate(ctx, []sources.Source{{ID: "slow", URL: "http://slow/s.xml"}})
	require.ErrorIs(t, err, context.Canceled)
	require.Nil(t, result)
}

func TestAggregate_NoSources(t *testing.T) {
	agg := NewAggregator(newTestLogger(), &fakeFetcher{}, 0, 0)

	result, err := agg.Aggregate(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, result.Timelines)
	require.Empty(t, result.Sources)
}

func TestAggregate_SkipsDisabled(t *testing.T) {
	fetcher := &fakeFetcher{docs: map[string]string{
		"http://a/a.xml": guideA,
		"http://b/b.xml": guideB,
	}}
	agg := NewAggregator(newTestLogger(), fetcher, 2, time.Second)

	off, on := false, true

	result, err := agg.Aggregate(context.Background(), []sources.Source{
		{ID: "a", URL: "http://a/a.xml", Priority: 1, Enabled: &off},
		{ID: "b", URL: "http://b/b.xml", Priority: 2, Enabled: &on},
	})
	require.NoError(t, err)

	require.Len(t, result.Sources, 1)
	require.Equal(t, "b", result.Sources[0].ID)
	require.Equal(t, "B Title", result.Timelines["C1"][0].Title)
}
