// Package data fetches upstream playlists and EPG documents and runs the
// catalog refresh pipeline.
package data

import (
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/savid/iptv-gateway/internal/epg"
	"github.com/sirupsen/logrus"
)

const (
	defaultTimeout = 5 * time.Minute
	maxBodySize    = 500 * 1024 * 1024 // 500MB for large EPG files
	userAgent      = "iptv-gateway/1.0"
)

// ErrBodyTooLarge is returned when a response exceeds the size limit.
var ErrBodyTooLarge = errors.New("response body too large")

// HTTPFetcher downloads documents over HTTP, decoding gzip and brotli
// transfer encodings and gzip-compressed payloads.
type HTTPFetcher struct {
	log         logrus.FieldLogger
	httpClient  *http.Client
	maxBodySize int64
}

var _ epg.Fetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher creates a fetcher. A zero timeout selects the default;
// callers usually bound each fetch with their context instead.
func NewHTTPFetcher(log logrus.FieldLogger, timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &HTTPFetcher{
		log: log.WithField("component", "fetcher"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		maxBodySize: maxBodySize,
	}
}

// Fetch returns the decoded body of url.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept-Encoding", "gzip, br")
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var reader io.Reader = resp.Body

	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gzReader, gzErr := gzip.NewReader(resp.Body)
		if gzErr != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", gzErr)
		}
		defer gzReader.Close()

		reader = gzReader
	case "br":
		reader = brotli.NewReader(resp.Body)
	}

	// .xml.gz guides are usually served as plain application/gzip.
	buffered := bufio.NewReader(reader)
	if magic, peekErr := buffered.Peek(2); peekErr == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gzReader, gzErr := gzip.NewReader(buffered)
		if gzErr != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", gzErr)
		}
		defer gzReader.Close()

		reader = gzReader
	} else {
		reader = buffered
	}

	data, err := io.ReadAll(io.LimitReader(reader, f.maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if int64(len(data)) > f.maxBodySize {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrBodyTooLarge, f.maxBodySize)
	}

	f.log.WithFields(logrus.Fields{
		"url":  url,
		"size": len(data),
	}).Debug("Fetched data")

	return data, nil
}
