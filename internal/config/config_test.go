package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/savid/iptv-gateway/internal/auth"
	"github.com/stretchr/testify/require"
)

const (
	testM3UURL     = "http://example.com/get.php?username=u&password=p&type=m3u_plus"
	testEPGURL     = "http://example.com/epg.xml"
	testBaseURL    = "http://localhost:8080"
	testInvalidURL = "://invalid-url"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.PlaylistURL = testM3UURL
	cfg.EPGURL = testEPGURL
	cfg.BaseURL = testBaseURL
	cfg.Users = []auth.Entitlement{{Username: "alice", Password: "secret"}}

	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.Equal(t, "0.0.0.0", cfg.BindAddr)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, 2, cfg.TunerCount)
	require.Equal(t, "IPTV Manager", cfg.DeviceName)
	require.Equal(t, 30*time.Minute, cfg.RefreshInterval)
	require.Equal(t, 4, cfg.FetchConcurrency)
	require.Equal(t, ":1900", cfg.SSDPAddr)

	require.Empty(t, cfg.PlaylistURL)
	require.Empty(t, cfg.EPGURL)
	require.Empty(t, cfg.BaseURL)
	require.Empty(t, cfg.Users)
}

func TestValidate_ValidConfig(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		contains string
	}{
		{"missing base", func(c *Config) { c.BaseURL = "" }, "--base is required"},
		{"invalid base", func(c *Config) { c.BaseURL = testInvalidURL }, "invalid base URL"},
		{"base without scheme", func(c *Config) { c.BaseURL = "localhost:8080" }, "invalid base URL"},
		{"invalid m3u", func(c *Config) { c.PlaylistURL = "ftp://example.com/list.m3u" }, "invalid M3U URL"},
		{"invalid epg", func(c *Config) { c.EPGURL = testEPGURL + "," + testInvalidURL }, "invalid EPG URL at position 2"},
		{"port zero", func(c *Config) { c.Port = 0 }, "port must be between"},
		{"port too high", func(c *Config) { c.Port = 65536 }, "port must be between"},
		{"no tuners", func(c *Config) { c.TunerCount = 0 }, "tuner count"},
		{"bad device uuid", func(c *Config) { c.DeviceUUID = "not-a-uuid" }, "invalid device UUID"},
		{"no refresh", func(c *Config) { c.RefreshInterval = 0 }, "refresh interval"},
		{"no concurrency", func(c *Config) { c.FetchConcurrency = 0 }, "fetch concurrency"},
		{"no source timeout", func(c *Config) { c.SourceTimeout = 0 }, "source timeout"},
		{"negative rate", func(c *Config) { c.RateLimit = -1 }, "rate limit"},
		{"rate without burst", func(c *Config) { c.RateBurst = 0 }, "rate limit"},
		{"empty mapping", func(c *Config) { c.ChannelMappings = map[string]string{"101": ""} }, "invalid channel mapping"},
		{"no users", func(c *Config) { c.Users = nil }, "at least one user"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestValidate_OptionalPlaylist(t *testing.T) {
	cfg := validConfig()
	cfg.PlaylistURL = ""
	cfg.EPGURL = ""

	require.NoError(t, cfg.Validate())
}

func TestValidate_CronReplacesInterval(t *testing.T) {
	cfg := validConfig()
	cfg.RefreshInterval = 0
	cfg.RefreshCron = "0 */6 * * *"

	require.NoError(t, cfg.Validate())
	require.Equal(t, "0 */6 * * *", cfg.RefreshSchedule())
}

func TestListenAddr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BindAddr = "127.0.0.1"
	cfg.Port = 9090

	require.Equal(t, "127.0.0.1:9090", cfg.ListenAddr())
}

func TestEPGURLs(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{"empty", "", nil},
		{"single", testEPGURL, []string{testEPGURL}},
		{"multiple with spaces", " http://a/1.xml , http://b/2.xml ,", []string{"http://a/1.xml", "http://b/2.xml"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.EPGURL = tt.input

			require.Equal(t, tt.expected, cfg.EPGURLs())
		})
	}
}

func TestRefreshSchedule(t *testing.T) {
	cfg := DefaultConfig()

	require.Equal(t, "@every 30m0s", cfg.RefreshSchedule())
}

func TestDeviceIdentity(t *testing.T) {
	cfg := validConfig()

	derived := cfg.DeviceIdentity()
	require.Equal(t, derived, cfg.DeviceIdentity())

	cfg.DeviceUUID = "3b2f6c0e-55a4-4c51-9a8e-2d7f1b6c9e01"
	require.Equal(t, "3b2f6c0e-55a4-4c51-9a8e-2d7f1b6c9e01", cfg.DeviceIdentity().String())
	require.NotEqual(t, derived, cfg.DeviceIdentity())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
base_url: http://gw.example.com
playlist_url: http://up.example.com/get.php?username=a&password=b
refresh_interval: 15m
source_timeout: 45s
tuner_count: 4
ssdp_addr: ""
users:
  - username: alice
    password: secret
    hdhr_enabled: true
  - username: bob
    password: hunter2
    admin: true
    allowed_categories: [News, Sports]
epg_sources:
  - name: Argentina S5
    url: http://x/arS5.xml
    priority: 1
  - id: uk
    name: United Kingdom
    url: http://x/uk.xml
    priority: 2
    enabled: false
channel_mappings:
  "101": c1.ar
`), 0o600))

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFile(path))

	require.Equal(t, "http://gw.example.com", cfg.BaseURL)
	require.Equal(t, 15*time.Minute, cfg.RefreshInterval)
	require.Equal(t, 45*time.Second, cfg.SourceTimeout)
	require.Equal(t, 4, cfg.TunerCount)
	require.Equal(t, 8080, cfg.Port, "unset keys keep their defaults")

	require.Len(t, cfg.Users, 2)
	require.True(t, cfg.Users[0].HDHREnabled)
	require.Equal(t, []string{"News", "Sports"}, cfg.Users[1].AllowedCategories)
	require.True(t, cfg.Users[1].Admin)
	require.Empty(t, cfg.SSDPAddr, "an empty address disables discovery")

	require.Len(t, cfg.Sources, 2)
	require.Equal(t, "http://x/arS5.xml", cfg.Sources[0].URL)
	require.Equal(t, "uk", cfg.Sources[1].ID)
	require.True(t, cfg.Sources[0].IsEnabled())
	require.False(t, cfg.Sources[1].IsEnabled())

	require.Equal(t, map[string]string{"101": "c1.ar"}, cfg.ChannelMappings)

	require.NoError(t, cfg.Validate())
}

func TestLoadFile_Errors(t *testing.T) {
	cfg := DefaultConfig()
	require.Error(t, cfg.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")))

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("users: [unterminated"), 0o600))
	require.Error(t, cfg.LoadFile(path))
}

func TestEPGSources(t *testing.T) {
	cfg := validConfig()
	cfg.EPGURL = "http://a/1.xml,http://b/2.xml"
	cfg.Sources = nil

	srcs := cfg.EPGSources()
	require.Len(t, srcs, 2)
	require.Equal(t, 0, srcs[0].Priority)
	require.Equal(t, 1, srcs[1].Priority)

	cfg.Sources = append(cfg.Sources, srcs[0])
	cfg.Sources[0].Priority = 5
	cfg.EPGURL = "http://c/3.xml"

	srcs = cfg.EPGSources()
	require.Len(t, srcs, 2)
	require.Equal(t, 6, srcs[1].Priority)
	require.Equal(t, "http://c/3.xml", srcs[1].Name)
}

func TestParseUser(t *testing.T) {
	user, err := ParseUser("alice:secret")
	require.NoError(t, err)
	require.Equal(t, auth.Entitlement{Username: "alice", Password: "secret"}, user)

	user, err = ParseUser("bob:pw:hdhr")
	require.NoError(t, err)
	require.True(t, user.HDHREnabled)
	require.False(t, user.Admin)

	user, err = ParseUser("root:pw:admin,hdhr")
	require.NoError(t, err)
	require.True(t, user.HDHREnabled)
	require.True(t, user.Admin)

	for _, bad := range []string{"alice", ":pw", "alice:", "a:b:c", "a:b:hdhr:x", "a:b:hdhr,"} {
		_, err := ParseUser(bad)
		require.Error(t, err, bad)
	}
}
