package hdhr

import (
	"encoding/json"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/savid/iptv-gateway/internal/auth"
	"github.com/savid/iptv-gateway/internal/catalog"
	"github.com/savid/iptv-gateway/internal/playlist"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newTestLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	return logger
}

var testDevice = Device{
	UUID:       uuid.MustParse("3b2f6c0e-55a4-4c51-9a8e-2d7f1b6c9e01"),
	Name:       "IPTV Manager",
	TunerCount: 2,
	BaseURL:    "http://localhost:8080",
}

type testEnv struct {
	responder *Responder
	auth      *auth.Static
	store     *catalog.Store
	mux       *http.ServeMux
}

func newTestEnv(t *testing.T, channels []catalog.Channel) *testEnv {
	t.Helper()

	authenticator, err := auth.NewStatic([]auth.Entitlement{
		{Username: "alice", Password: "pw", Token: "tok-alice", HDHREnabled: true},
		{Username: "bob", Password: "pw", Token: "tok-bob", HDHREnabled: false},
		{Username: "carol", Password: "pw", Token: "tok-carol", HDHREnabled: true, AllowedCategories: []string{"News"}},
	})
	require.NoError(t, err)

	store := catalog.NewStore()
	_, err = store.Replace(channels, []catalog.VodItem{{ID: "900", Title: "A Movie"}}, catalog.Guide{})
	require.NoError(t, err)

	responder := NewResponder(newTestLogger(), testDevice, store, authenticator)
	mux := http.NewServeMux()
	responder.Register(mux)

	return &testEnv{responder: responder, auth: authenticator, store: store, mux: mux}
}

func (e *testEnv) get(path string) *http.Response {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()

	e.mux.ServeHTTP(w, req)

	return w.Result()
}

var testChannels = []catalog.Channel{
	{ID: "101", DisplayName: "ESPN", GroupTitle: "Sports"},
	{ID: "102", DisplayName: "CNN", GroupTitle: "News"},
	{ID: "103", DisplayName: "ESPN", GroupTitle: "Sports"},
}

func TestDiscover_Disabled(t *testing.T) {
	env := newTestEnv(t, testChannels)

	_, err := env.responder.Discover(auth.Entitlement{Username: "bob"})
	require.ErrorIs(t, err, ErrCapabilityAbsent)

	_, err = env.responder.Lineup(env.store.Snapshot(), auth.Entitlement{Username: "bob"}, playlist.TokenLinks{})
	require.ErrorIs(t, err, ErrCapabilityAbsent)
}

func TestDiscovery_HTTP(t *testing.T) {
	env := newTestEnv(t, testChannels)

	resp := env.get("/hdhr/tok-alice/discover.json")
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var discovery Discovery

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&discovery))
	require.Equal(t, "IPTV Manager (alice)", discovery.FriendlyName)
	require.Equal(t, 2, discovery.TunerCount)
	require.Equal(t, "http://localhost:8080/hdhr/tok-alice", discovery.BaseURL)
	require.Equal(t, "http://localhost:8080/hdhr/tok-alice/lineup.json", discovery.LineupURL)
	require.Len(t, discovery.DeviceID, 8)
	require.Equal(t, env.responder.DeviceID("alice"), discovery.DeviceID)
	require.NotEqual(t, env.responder.DeviceID("bob"), discovery.DeviceID)
}

func TestDiscovery_DisabledHTTP(t *testing.T) {
	env := newTestEnv(t, testChannels)

	for _, path := range []string{
		"/hdhr/tok-bob/discover.json",
		"/hdhr/tok-bob/lineup.json",
		"/hdhr/tok-bob/lineup_status.json",
		"/hdhr/tok-bob/device.xml",
		"/hdhr/tok-bob/auto/v1",
	} {
		t.Run(path, func(t *testing.T) {
			resp := env.get(path)
			defer resp.Body.Close()

			require.Equal(t, http.StatusForbidden, resp.StatusCode)

			var body map[string]string

			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			require.Equal(t, "HDHomeRun emulation is disabled for this user", body["error"])
		})
	}
}

func TestDiscovery_InvalidToken(t *testing.T) {
	env := newTestEnv(t, testChannels)

	resp := env.get("/hdhr/nope/discover.json")
	defer resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDeviceXML(t *testing.T) {
	env := newTestEnv(t, testChannels)

	resp := env.get("/hdhr/tok-alice/device.xml")
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/xml", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `<?xml version="1.0" encoding="UTF-8"?>`)

	var device DeviceXML

	require.NoError(t, xml.Unmarshal(body, &device))
	require.Equal(t, "http://localhost:8080/hdhr/tok-alice", device.URLBase)
	require.Equal(t, 1, device.SpecVersion.Major)
	require.Equal(t, "IPTV Manager (alice)", device.Device.FriendlyName)
	require.Equal(t, env.responder.DeviceID("alice"), device.Device.SerialNumber)
}

func TestLineup_HTTP(t *testing.T) {
	env := newTestEnv(t, testChannels)

	resp := env.get("/hdhr/tok-alice/lineup.json")
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var lineup []LineupItem

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&lineup))
	require.Equal(t, []LineupItem{
		{GuideNumber: "1", GuideName: "ESPN", URL: "http://localhost:8080/play/tok-alice/live/101"},
		{GuideNumber: "2", GuideName: "CNN", URL: "http://localhost:8080/play/tok-alice/live/102"},
		{GuideNumber: "3", GuideName: "ESPN (2)", URL: "http://localhost:8080/play/tok-alice/live/103"},
	}, lineup, "live channels only, duplicates suffixed")
}

func TestLineup_UniqueGuideNames(t *testing.T) {
	env := newTestEnv(t, []catalog.Channel{
		{ID: "1", DisplayName: "ESPN"},
		{ID: "2", DisplayName: "ESPN (2)"},
		{ID: "3", DisplayName: "ESPN"},
		{ID: "4", DisplayName: "ESPN"},
		{ID: "5", DisplayName: "ESPN (2)"},
	})

	lineup, err := env.responder.Lineup(env.store.Snapshot(), auth.Entitlement{Username: "alice", HDHREnabled: true}, playlist.TokenLinks{})
	require.NoError(t, err)

	names := make([]string, len(lineup))
	for i, item := range lineup {
		names[i] = item.GuideName
	}

	require.Equal(t, []string{"ESPN", "ESPN (2)", "ESPN (3)", "ESPN (4)", "ESPN (2) (2)"}, names)
}

func TestLineup_Entitlement(t *testing.T) {
	env := newTestEnv(t, testChannels)

	resp := env.get("/hdhr/tok-carol/lineup.json")
	defer resp.Body.Close()

	var lineup []LineupItem

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&lineup))
	require.Len(t, lineup, 1)
	require.Equal(t, "CNN", lineup[0].GuideName)
}

func TestLineup_Empty(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.get("/hdhr/tok-alice/lineup.json")
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var lineup []LineupItem

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&lineup))
	require.NotNil(t, lineup)
	require.Empty(t, lineup)
}

func TestLineupStatus(t *testing.T) {
	env := newTestEnv(t, testChannels)

	resp := env.get("/hdhr/tok-alice/lineup_status.json")
	defer resp.Body.Close()

	var status LineupStatus

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.Equal(t, 0, status.ScanInProgress)
	require.Equal(t, 1, status.ScanPossible)
	require.Equal(t, []string{"Cable"}, status.SourceList)
}

func TestAutoTune(t *testing.T) {
	env := newTestEnv(t, testChannels)

	tests := []struct {
		name         string
		path         string
		expectedCode int
		location     string
	}{
		{"channel 1", "/hdhr/tok-alice/auto/v1", http.StatusTemporaryRedirect, "http://localhost:8080/play/tok-alice/live/101"},
		{"channel 3", "/hdhr/tok-alice/auto/v3", http.StatusTemporaryRedirect, "http://localhost:8080/play/tok-alice/live/103"},
		{"entitled numbering", "/hdhr/tok-carol/auto/v1", http.StatusTemporaryRedirect, "http://localhost:8080/play/tok-carol/live/102"},
		{"no number", "/hdhr/tok-alice/auto/v", http.StatusBadRequest, ""},
		{"non-numeric", "/hdhr/tok-alice/auto/vabc", http.StatusBadRequest, ""},
		{"missing prefix", "/hdhr/tok-alice/auto/12", http.StatusBadRequest, ""},
		{"channel 0", "/hdhr/tok-alice/auto/v0", http.StatusNotFound, ""},
		{"out of range", "/hdhr/tok-carol/auto/v2", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.get(tt.path)
			defer resp.Body.Close()

			require.Equal(t, tt.expectedCode, resp.StatusCode)

			if tt.location != "" {
				require.Equal(t, tt.location, resp.Header.Get("Location"))
			}
		})
	}
}
