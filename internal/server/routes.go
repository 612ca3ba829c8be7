// Package server provides the HTTP server and routing.
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/savid/iptv-gateway/internal/auth"
	"github.com/savid/iptv-gateway/internal/catalog"
	"github.com/savid/iptv-gateway/internal/epg"
	"github.com/savid/iptv-gateway/internal/hdhr"
	"github.com/savid/iptv-gateway/internal/metrics"
	"github.com/savid/iptv-gateway/internal/playlist"
	"github.com/sirupsen/logrus"
)

const (
	scheduleLookBehind = 2 * time.Hour
	scheduleLookAhead  = 24 * time.Hour
)

// Trigger starts an out-of-schedule data refresh.
type Trigger interface {
	Trigger() error
}

// Routes sets up all HTTP routes.
type Routes struct {
	log     logrus.FieldLogger
	baseURL string
	store   *catalog.Store
	auth    auth.Authenticator
	hdhr    *hdhr.Responder
	metrics *metrics.Metrics
	limiter *userLimiter
	trigger Trigger
	now     func() time.Time
}

// NewRoutes creates a new routes instance.
func NewRoutes(
	log logrus.FieldLogger,
	baseURL string,
	store *catalog.Store,
	authenticator auth.Authenticator,
	responder *hdhr.Responder,
	m *metrics.Metrics,
	limiter *userLimiter,
	trigger Trigger,
) *Routes {
	return &Routes{
		log:     log.WithField("component", "routes"),
		baseURL: strings.TrimRight(baseURL, "/"),
		store:   store,
		auth:    authenticator,
		hdhr:    responder,
		metrics: m,
		limiter: limiter,
		trigger: trigger,
		now:     time.Now,
	}
}

// Handler returns the main HTTP handler with all routes.
func (r *Routes) Handler() http.Handler {
	mux := http.NewServeMux()

	// Xtream Codes compatible endpoints
	mux.HandleFunc("GET /get.php", r.handleGetPlaylist)
	mux.HandleFunc("GET /xmltv.php", r.handleXMLTV)
	mux.HandleFunc("GET /live/{username}/{password}/{stream}", r.handleXtreamStream(playlist.KindLive))
	mux.HandleFunc("GET /movie/{username}/{password}/{stream}", r.handleXtreamStream(playlist.KindVOD))

	// Player front-end
	mux.HandleFunc("GET /api/player/playlist", r.handlePlayerPlaylist)
	mux.HandleFunc("GET /api/epg/schedule", r.handleSchedule)
	mux.HandleFunc("GET /api/epg/now", r.handleNowPlaying)
	mux.HandleFunc("POST /api/epg/refresh", r.handleRefresh)
	mux.HandleFunc("GET /play/{token}/live/{id}", r.handleTokenStream(playlist.KindLive))
	mux.HandleFunc("GET /play/{token}/movie/{id}", r.handleTokenStream(playlist.KindVOD))

	// HDHomeRun emulation
	r.hdhr.Register(mux)

	// Health check and metrics
	mux.HandleFunc("GET /health", r.handleHealth)
	mux.Handle("GET /metrics", r.metrics.Handler())

	// Wrap with logging middleware
	return r.loggingMiddleware(mux)
}

func (r *Routes) xtreamLinks(user auth.Entitlement, output string) playlist.Links {
	return playlist.XtreamLinks{
		Base:     r.baseURL,
		Username: user.Username,
		Password: user.Password,
		Output:   output,
	}
}

func (r *Routes) tokenLinks(user auth.Entitlement) playlist.Links {
	return playlist.TokenLinks{Base: r.baseURL, Token: user.Token}
}

// credentials resolves a username/password pair or a token from the query.
func (r *Routes) credentials(req *http.Request) (auth.Entitlement, error) {
	q := req.URL.Query()

	if token := q.Get("token"); token != "" {
		return r.auth.ValidateToken(token)
	}

	return r.auth.ValidatePlaylistCredentials(q.Get("username"), q.Get("password"))
}

func (r *Routes) handleGetPlaylist(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()

	user, err := r.auth.ValidatePlaylistCredentials(q.Get("username"), q.Get("password"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())

		return
	}

	format, err := playlist.ParseFormat(q.Get("type"))
	if err != nil {
		r.metrics.PlaylistRenders.WithLabelValues(q.Get("type"), "error").Inc()
		writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	r.writePlaylist(w, playlist.Request{
		User:   user,
		Format: format,
		Links:  r.xtreamLinks(user, q.Get("output")),
	})
}

func (r *Routes) handlePlayerPlaylist(w http.ResponseWriter, req *http.Request) {
	user, err := r.auth.ValidateToken(req.URL.Query().Get("token"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")

		return
	}

	r.writePlaylist(w, playlist.Request{
		User:   user,
		Format: playlist.FormatM3UPlus,
		Links:  r.tokenLinks(user),
	})
}

func (r *Routes) writePlaylist(w http.ResponseWriter, preq playlist.Request) {
	var buf bytes.Buffer

	if err := playlist.Render(&buf, r.store.Snapshot(), preq); err != nil {
		r.metrics.PlaylistRenders.WithLabelValues(string(preq.Format), "error").Inc()
		r.log.WithError(err).WithField("user", preq.User.Username).Error("Failed to render playlist")

		status := http.StatusInternalServerError
		if errors.Is(err, playlist.ErrUnsupportedFormat) {
			status = http.StatusBadRequest
		}

		writeError(w, status, err.Error())

		return
	}

	r.metrics.PlaylistRenders.WithLabelValues(string(preq.Format), "ok").Inc()

	w.Header().Set("Content-Type", "audio/x-mpegurl")
	w.Header().Set("Content-Disposition", `attachment; filename="playlist.m3u"`)
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(buf.Bytes()); err != nil {
		r.log.WithError(err).Error("Failed to write M3U response")
	}
}

// guideFor returns the guide channels the user may see. Restricted users
// only get guides linked to their eligible channels.
func guideFor(snap *catalog.Snapshot, user auth.Entitlement) ([]epg.Channel, []string) {
	if user.Unrestricted() {
		ids := make([]string, len(snap.GuideChannels))
		for i, ch := range snap.GuideChannels {
			ids[i] = ch.ID
		}

		return snap.GuideChannels, ids
	}

	ids := catalog.GuideIDs(snap.EligibleChannels(user.AllowedCategories))

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	channels := make([]epg.Channel, 0, len(ids))

	for _, ch := range snap.GuideChannels {
		if wanted[ch.ID] {
			channels = append(channels, ch)
		}
	}

	return channels, ids
}

func (r *Routes) handleXMLTV(w http.ResponseWriter, req *http.Request) {
	user, err := r.credentials(req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())

		return
	}

	snap := r.store.Snapshot()
	channels, _ := guideFor(snap, user)

	xmlData, err := epg.Marshal(epg.ToTV(channels, snap.Timelines))
	if err != nil {
		r.log.WithError(err).Error("Failed to marshal EPG")
		http.Error(w, "Failed to generate EPG", http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(xmlData); err != nil {
		r.log.WithError(err).Error("Failed to write EPG response")
	}
}

// handleSchedule serves the programmes between the start and end query
// parameters (unix seconds), two hours back to a day ahead by default.
func (r *Routes) handleSchedule(w http.ResponseWriter, req *http.Request) {
	user, err := r.credentials(req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())

		return
	}

	q := req.URL.Query()
	now := r.now()

	window := epg.Window{
		Start: unixParam(q.Get("start"), now.Add(-scheduleLookBehind)),
		End:   unixParam(q.Get("end"), now.Add(scheduleLookAhead)),
	}

	snap := r.store.Snapshot()
	_, ids := guideFor(snap, user)

	r.writeJSON(w, epg.Schedule(snap.Timelines, ids, window))
}

func (r *Routes) handleNowPlaying(w http.ResponseWriter, req *http.Request) {
	user, err := r.credentials(req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())

		return
	}

	snap := r.store.Snapshot()
	_, ids := guideFor(snap, user)

	r.writeJSON(w, epg.NowPlaying(snap.Timelines, ids, r.now()))
}

// handleRefresh lets an admin start a refresh outside the schedule.
func (r *Routes) handleRefresh(w http.ResponseWriter, req *http.Request) {
	user, err := r.credentials(req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())

		return
	}

	if !user.Admin {
		writeError(w, http.StatusForbidden, "admin access required")

		return
	}

	if r.trigger == nil {
		writeError(w, http.StatusServiceUnavailable, "refresh unavailable")

		return
	}

	if err := r.trigger.Trigger(); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())

		return
	}

	r.log.WithField("user", user.Username).Info("Refresh requested")

	r.writeJSONStatus(w, http.StatusAccepted, map[string]string{"status": "refresh started"})
}

// unixParam parses a unix timestamp, falling back to def when the value is
// empty, zero or malformed.
func unixParam(raw string, def time.Time) time.Time {
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || secs == 0 {
		return def
	}

	return time.Unix(secs, 0)
}

// handleXtreamStream serves /live and /movie stream URLs authenticated by
// the credentials embedded in the path.
func (r *Routes) handleXtreamStream(kind playlist.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		user, err := r.auth.ValidatePlaylistCredentials(req.PathValue("username"), req.PathValue("password"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())

			return
		}

		stream := req.PathValue("stream")
		id := strings.TrimSuffix(stream, path.Ext(stream))

		r.redirectStream(w, req, user, kind, id)
	}
}

func (r *Routes) handleTokenStream(kind playlist.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		user, err := r.auth.ValidateToken(req.PathValue("token"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")

			return
		}

		r.redirectStream(w, req, user, kind, req.PathValue("id"))
	}
}

// redirectStream sends the client to the upstream URL of an item the user
// is entitled to.
func (r *Routes) redirectStream(w http.ResponseWriter, req *http.Request, user auth.Entitlement, kind playlist.Kind, id string) {
	snap := r.store.Snapshot()

	var (
		group, target string
		found         bool
	)

	switch kind {
	case playlist.KindLive:
		ch, ok := snap.Channel(id)
		group, target, found = ch.GroupTitle, ch.StreamURL, ok
	case playlist.KindVOD:
		v, ok := snap.Vod(id)
		group, target, found = v.GroupTitle, v.StreamURL, ok
	}

	if !found || !allowed(user, group) {
		http.Error(w, "Stream not found", http.StatusNotFound)

		return
	}

	if !r.limiter.Allow(user.Username) {
		r.metrics.RateLimited.Inc()
		r.log.WithField("user", user.Username).Warn("Stream request rate limited")
		w.Header().Set("Retry-After", "1")
		http.Error(w, "Too many requests", http.StatusTooManyRequests)

		return
	}

	r.log.WithFields(logrus.Fields{
		"user": user.Username,
		"id":   id,
	}).Debug("Stream redirect")

	http.Redirect(w, req, target, http.StatusTemporaryRedirect)
}

func allowed(user auth.Entitlement, group string) bool {
	if user.Unrestricted() {
		return true
	}

	for _, g := range user.AllowedCategories {
		if g == group {
			return true
		}
	}

	return false
}

func (r *Routes) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := r.store.Snapshot()

	status := struct {
		Status   string `json:"status"`
		HasData  bool   `json:"hasData"`
		LastSync string `json:"lastSync,omitempty"`
		Channels int    `json:"channels"`
		VOD      int    `json:"vod"`
		Guides   int    `json:"guides"`
		Sources  int    `json:"sources"`
	}{
		Status:   "ok",
		HasData:  !snap.Empty(),
		Channels: len(snap.Channels),
		VOD:      len(snap.VOD),
		Guides:   len(snap.Timelines),
		Sources:  len(snap.Sources),
	}

	if !snap.BuiltAt.IsZero() {
		status.LastSync = snap.BuiltAt.UTC().Format(time.RFC3339)
	}

	r.writeJSON(w, status)
}

func (r *Routes) writeJSON(w http.ResponseWriter, v any) {
	r.writeJSONStatus(w, http.StatusOK, v)
}

func (r *Routes) writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		r.log.WithError(err).Error("Failed to encode JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (r *Routes) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, req)

		r.log.WithFields(logrus.Fields{
			"method": req.Method,
			"path":   redactPath(req.URL.Path),
			"remote": req.RemoteAddr,
			"status": rec.status,
			"took":   time.Since(start).Round(time.Millisecond),
		}).Info("HTTP request")
	})
}

// redactPath hides passwords and tokens carried in request paths.
func redactPath(p string) string {
	parts := strings.Split(p, "/")
	if len(parts) < 3 {
		return p
	}

	switch parts[1] {
	case "live", "movie":
		if len(parts) > 3 {
			parts[3] = "***"
		}
	case "play", "hdhr":
		parts[2] = "***"
	default:
		return p
	}

	return strings.Join(parts, "/")
}
