// Package sources holds the EPG source catalog: records, URL repair, country
// derivation, the in-memory registry and on-disk persistence.
package sources

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StatusOK is the fetch status of a source whose last fetch succeeded.
const StatusOK = "ok"

var (
	// ErrUnsupportedScheme is returned for URLs that are not http or https.
	ErrUnsupportedScheme = errors.New("url scheme must be http or https")
	// ErrMissingHost is returned for URLs without a host.
	ErrMissingHost = errors.New("url has no host")
	// ErrUnknownExtension is returned when the URL does not name a schedule file.
	ErrUnknownExtension = errors.New("url does not end in a schedule file extension")
)

// Schedule file extensions, longest first so ".xml.gz" wins over ".gz".
var extensions = []string{".xml.gz", ".xmltv", ".xml", ".gz"}

// namespace seeds deterministic source IDs.
var namespace = uuid.MustParse("5b0f6a1e-2c1d-4f8e-9a53-3e7c2d8b9f10")

// Source is one EPG source record of the catalog.
type Source struct {
	ID              string    `json:"id" yaml:"id"`
	Name            string    `json:"name" yaml:"name"`
	URL             string    `json:"url" yaml:"url"`
	CountryCode     string    `json:"country_code,omitempty" yaml:"country_code"`
	Priority        int       `json:"priority,omitempty" yaml:"priority"`
	// Enabled is nil for sources that never set it; those are enabled.
	Enabled         *bool     `json:"enabled,omitempty" yaml:"enabled"`
	LastFetchStatus string    `json:"last_fetch_status,omitempty" yaml:"-"`
	LastFetchAt     time.Time `json:"last_fetch_at,omitzero" yaml:"-"`
}

// IsEnabled reports whether the source takes part in aggregation.
func (s Source) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Failed reports whether the last fetch of the source failed.
func (s Source) Failed() bool {
	return strings.HasPrefix(s.LastFetchStatus, "error")
}

// Validate checks that the source URL is an http(s) URL naming a schedule file.
func Validate(src Source) error {
	u, err := url.Parse(src.URL)
	if err != nil {
		return fmt.Errorf("source %q: %w", src.Name, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("source %q: %w", src.Name, ErrUnsupportedScheme)
	}

	if u.Host == "" {
		return fmt.Errorf("source %q: %w", src.Name, ErrMissingHost)
	}

	if extensionOf(u.Path) == "" {
		return fmt.Errorf("source %q: %w", src.Name, ErrUnknownExtension)
	}

	return nil
}

// EnsureIDs fills empty IDs with a UUIDv5 derived from the URL.
// The input slice is not modified.
func EnsureIDs(srcs []Source) []Source {
	out := make([]Source, len(srcs))
	copy(out, srcs)

	for i := range out {
		if out[i].ID == "" {
			out[i].ID = uuid.NewSHA1(namespace, []byte(out[i].URL)).String()
		}
	}

	return out
}

func extensionOf(path string) string {
	lower := strings.ToLower(path)

	for _, ext := range extensions {
		if strings.HasSuffix(lower, ext) && len(lower) > len(ext) {
			return path[len(path)-len(ext):]
		}
	}

	return ""
}
