package server

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/savid/iptv-gateway/internal/auth"
	"github.com/savid/iptv-gateway/internal/config"
	"github.com/savid/iptv-gateway/internal/data"
	"github.com/savid/iptv-gateway/internal/sources"
	"github.com/stretchr/testify/require"
)

const upstreamPlaylist = `#EXTM3U
#EXTINF:-1 tvg-id="c1.ar" group-title="News",Canal Uno
http://upstream.example.com/live/u/p/101.ts
`

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/get.php":
			_, _ = w.Write([]byte(upstreamPlaylist))
		case "/guides/ar5.xml":
			_, _ = w.Write([]byte(`<tv><channel id="c1.ar"><display-name>Canal Uno</display-name></channel></tv>`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	return srv
}

func testConfig(upstream string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.BaseURL = testBase
	cfg.PlaylistURL = upstream + "/get.php"
	cfg.Sources = []sources.Source{{ID: "ar", Name: "Argentina", URL: upstream + "/guides/arS.xml"}}
	cfg.Users = []auth.Entitlement{{Username: "alice", Password: "s3cret"}}

	return cfg
}

func TestNewServer_RefreshAndServe(t *testing.T) {
	upstream := newUpstream(t)

	cfg := testConfig(upstream.URL)
	cfg.SourcesFile = filepath.Join(t.TempDir(), "epg_sources.json")
	cfg.ChannelMappings = map[string]string{"101": "manual.ar"}

	persister := &sources.JSONFile{Path: cfg.SourcesFile}
	require.NoError(t, persister.Save(context.Background(), cfg.Sources))

	authenticator, err := auth.NewStatic(cfg.Users)
	require.NoError(t, err)

	s, err := NewServer(newTestLogger(), cfg, authenticator)
	require.NoError(t, err)

	require.NoError(t, s.refresher.Refresh(context.Background()))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/get.php?username=alice&password=s3cret", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), testBase+"/live/alice/s3cret/101.ts")

	saved, err := persister.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, upstream.URL+"/guides/ar5.xml", saved[0].URL)
	require.Equal(t, sources.StatusOK, saved[0].LastFetchStatus)

	ch, ok := s.store.Snapshot().Channel("101")
	require.True(t, ok)
	require.Equal(t, "manual.ar", ch.EPGChannelID)
}

func TestNewServer_DuplicateSources(t *testing.T) {
	cfg := testConfig("http://upstream.example.com")
	cfg.Sources = append(cfg.Sources, cfg.Sources[0])

	_, err := NewServer(newTestLogger(), cfg, nil)
	require.ErrorIs(t, err, sources.ErrDuplicateSource)
}

func TestStop_NotStarted(t *testing.T) {
	cfg := testConfig("http://upstream.example.com")

	s, err := NewServer(newTestLogger(), cfg, nil)
	require.NoError(t, err)
	require.NoError(t, s.Stop())
}

func freePort(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	return port
}

func TestServer_StartStop(t *testing.T) {
	upstream := newUpstream(t)

	cfg := testConfig(upstream.URL)
	cfg.BindAddr = "127.0.0.1"
	cfg.Port = freePort(t)
	cfg.SSDPAddr = "127.0.0.1:0"
	cfg.Users[0].HDHREnabled = true

	authenticator, err := auth.NewStatic(cfg.Users)
	require.NoError(t, err)

	s, err := NewServer(newTestLogger(), cfg, authenticator)
	require.NoError(t, err)
	require.NotNil(t, s.ssdp)

	require.NoError(t, s.Start(context.Background()))
	require.NotNil(t, s.ssdp.Addr(), "SSDP responder listening")
	require.False(t, s.store.Snapshot().Empty(), "initial refresh published")

	require.NoError(t, s.TriggerRefresh())

	require.NoError(t, s.Stop())
	require.Nil(t, s.ssdp.Addr())
	require.ErrorIs(t, s.TriggerRefresh(), data.ErrNotRunning)
}

func TestNewServer_SSDPDisabled(t *testing.T) {
	cfg := testConfig("http://upstream.example.com")
	cfg.SSDPAddr = ""

	authenticator, err := auth.NewStatic(cfg.Users)
	require.NoError(t, err)

	s, err := NewServer(newTestLogger(), cfg, authenticator)
	require.NoError(t, err)
	require.Nil(t, s.ssdp)
}
