// Package config provides configuration for the IPTV gateway.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/savid/iptv-gateway/internal/auth"
	"github.com/savid/iptv-gateway/internal/sources"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration. Flags override values read
// from the YAML file.
type Config struct {
	// Upstream
	PlaylistURL string `yaml:"playlist_url"`
	EPGURL      string `yaml:"epg_url"`
	BaseURL     string `yaml:"base_url"`

	// EPG source catalog: inline sources, or a JSON/SQLite catalog file that
	// takes precedence and is rewritten with corrections and fetch statuses.
	Sources     []sources.Source `yaml:"epg_sources"`
	SourcesFile string           `yaml:"sources_file"`

	// ChannelMappings pins playlist channel IDs to guide channel IDs.
	ChannelMappings map[string]string `yaml:"channel_mappings"`

	// Server
	BindAddr string `yaml:"bind"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	// HDHomeRun
	TunerCount int    `yaml:"tuner_count"`
	DeviceUUID string `yaml:"device_uuid"`
	DeviceName string `yaml:"device_name"`

	// SSDPAddr is the UDP address answering discovery searches; empty
	// disables SSDP.
	SSDPAddr string `yaml:"ssdp_addr"`

	// Data refresh
	RefreshInterval  time.Duration `yaml:"refresh_interval"`
	RefreshCron      string        `yaml:"refresh_cron"`
	FetchConcurrency int           `yaml:"fetch_concurrency"`
	SourceTimeout    time.Duration `yaml:"source_timeout"`

	// Per-user stream rate limit, requests per second; zero disables it.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	Users []auth.Entitlement `yaml:"users"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BindAddr:         "0.0.0.0",
		Port:             8080,
		LogLevel:         "info",
		TunerCount:       2,
		DeviceName:       "IPTV Manager",
		SSDPAddr:         ":1900",
		RefreshInterval:  30 * time.Minute,
		FetchConcurrency: 4,
		SourceTimeout:    2 * time.Minute,
		RateLimit:        5,
		RateBurst:        10,
	}
}

// LoadFile merges the YAML file at path into c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("--base is required")
	}

	if err := validateHTTPURL(c.BaseURL); err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}

	if c.PlaylistURL != "" {
		if err := validateHTTPURL(c.PlaylistURL); err != nil {
			return fmt.Errorf("invalid M3U URL: %w", err)
		}
	}

	for i, epgURL := range c.EPGURLs() {
		if _, err := url.Parse(epgURL); err != nil {
			return fmt.Errorf("invalid EPG URL at position %d: %w", i+1, err)
		}
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}

	if c.TunerCount < 1 {
		return errors.New("tuner count must be at least 1")
	}

	if c.DeviceUUID != "" {
		if _, err := uuid.Parse(c.DeviceUUID); err != nil {
			return fmt.Errorf("invalid device UUID: %w", err)
		}
	}

	if c.RefreshCron == "" && c.RefreshInterval <= 0 {
		return errors.New("refresh interval must be positive")
	}

	if c.FetchConcurrency < 1 {
		return errors.New("fetch concurrency must be at least 1")
	}

	if c.SourceTimeout <= 0 {
		return errors.New("source timeout must be positive")
	}

	if c.RateLimit < 0 || (c.RateLimit > 0 && c.RateBurst < 1) {
		return errors.New("rate limit must be zero or positive with a burst of at least 1")
	}

	for channelID, guideID := range c.ChannelMappings {
		if channelID == "" || guideID == "" {
			return fmt.Errorf("invalid channel mapping %q=%q", channelID, guideID)
		}
	}

	if len(c.Users) == 0 {
		return errors.New("at least one user is required")
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("missing host")
	}

	return nil
}

// ListenAddr returns the full listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddr, c.Port)
}

// EPGURLs returns the list of EPG URLs (comma-separated in EPGURL).
func (c *Config) EPGURLs() []string {
	if c.EPGURL == "" {
		return nil
	}

	urls := strings.Split(c.EPGURL, ",")
	result := make([]string, 0, len(urls))

	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u != "" {
			result = append(result, u)
		}
	}

	return result
}

// EPGSources returns the inline sources followed by the --epg URLs, which
// rank after them in list order.
func (c *Config) EPGSources() []sources.Source {
	srcs := append(make([]sources.Source, 0, len(c.Sources)), c.Sources...)

	next := 0
	for _, src := range srcs {
		if src.Priority >= next {
			next = src.Priority + 1
		}
	}

	for i, u := range c.EPGURLs() {
		srcs = append(srcs, sources.Source{Name: u, URL: u, Priority: next + i})
	}

	return srcs
}

// RefreshSchedule returns the cron spec of the refresh job.
func (c *Config) RefreshSchedule() string {
	if c.RefreshCron != "" {
		return c.RefreshCron
	}

	return "@every " + c.RefreshInterval.String()
}

// DeviceIdentity returns the configured device UUID, or one derived from
// the base URL so it stays stable for a deployment.
func (c *Config) DeviceIdentity() uuid.UUID {
	if id, err := uuid.Parse(c.DeviceUUID); err == nil {
		return id
	}

	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(c.BaseURL))
}

// ParseUser parses a --user flag value of the form
// username:password[:options], where options is a comma-separated list of
// hdhr and admin.
func ParseUser(s string) (auth.Entitlement, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return auth.Entitlement{}, fmt.Errorf("invalid user %q, want username:password[:hdhr]", s)
	}

	user := auth.Entitlement{Username: parts[0], Password: parts[1]}

	if len(parts) == 3 {
		for _, opt := range strings.Split(parts[2], ",") {
			switch opt {
			case "hdhr":
				user.HDHREnabled = true
			case "admin":
				user.Admin = true
			default:
				return auth.Entitlement{}, fmt.Errorf("invalid user option %q", opt)
			}
		}
	}

	return user, nil
}
