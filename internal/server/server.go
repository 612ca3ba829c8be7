package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/savid/iptv-gateway/internal/auth"
	"github.com/savid/iptv-gateway/internal/catalog"
	"github.com/savid/iptv-gateway/internal/config"
	"github.com/savid/iptv-gateway/internal/data"
	"github.com/savid/iptv-gateway/internal/epg"
	"github.com/savid/iptv-gateway/internal/hdhr"
	"github.com/savid/iptv-gateway/internal/metrics"
	"github.com/savid/iptv-gateway/internal/sources"
	"github.com/sirupsen/logrus"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 2 * time.Minute
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 30 * time.Second
	statusInterval  = time.Minute
)

// Server provides the HTTP server with lifecycle management.
type Server struct {
	log       logrus.FieldLogger
	cfg       *config.Config
	store     *catalog.Store
	registry  *sources.Registry
	persister sources.Persister
	refresher *data.Refresher
	ssdp      *hdhr.SSDP
	routes    *Routes
	server    *http.Server

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewServer wires the catalog pipeline and the HTTP routes.
func NewServer(log logrus.FieldLogger, cfg *config.Config, authenticator auth.Authenticator) (*Server, error) {
	registry, err := sources.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("failed to create source registry: %w", err)
	}

	if err := registry.Replace(cfg.EPGSources()); err != nil {
		return nil, fmt.Errorf("failed to load EPG sources: %w", err)
	}

	var persister sources.Persister

	if cfg.SourcesFile != "" {
		persister, err = sources.Open(cfg.SourcesFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open source catalog: %w", err)
		}
	}

	m := metrics.New()
	store := catalog.NewStore()
	fetcher := data.NewHTTPFetcher(log, cfg.SourceTimeout)
	aggregator := epg.NewAggregator(log, fetcher, cfg.FetchConcurrency, cfg.SourceTimeout)

	refresher := data.NewRefresher(log, data.Options{
		PlaylistURL: cfg.PlaylistURL,
		Schedule:    cfg.RefreshSchedule(),
		Persister:   persister,
		Mappings:    cfg.ChannelMappings,
	}, registry, aggregator, fetcher, store, m)

	responder := hdhr.NewResponder(log, hdhr.Device{
		UUID:       cfg.DeviceIdentity(),
		Name:       cfg.DeviceName,
		TunerCount: cfg.TunerCount,
		BaseURL:    cfg.BaseURL,
	}, store, authenticator)

	routes := NewRoutes(log, cfg.BaseURL, store, authenticator, responder, m,
		newUserLimiter(cfg.RateLimit, cfg.RateBurst), refresher)

	var ssdp *hdhr.SSDP

	if dir, ok := authenticator.(hdhr.Directory); ok && cfg.SSDPAddr != "" {
		ssdp = hdhr.NewSSDP(log, responder, dir, cfg.SSDPAddr)
	}

	return &Server{
		log:       log.WithField("component", "server"),
		cfg:       cfg,
		store:     store,
		registry:  registry,
		persister: persister,
		refresher: refresher,
		ssdp:      ssdp,
		routes:    routes,
	}, nil
}

// TriggerRefresh cancels the running refresh cycle and starts a new one.
func (s *Server) TriggerRefresh() error {
	return s.refresher.Trigger()
}

// Handler returns the HTTP handler serving all routes.
func (s *Server) Handler() http.Handler {
	return s.routes.Handler()
}

// Start runs the initial refresh, schedules the next ones and starts
// listening.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return errors.New("server already running")
	}

	// Create cancellable context
	serverCtx, cancel := context.WithCancel(ctx)

	// Fetch initial data
	s.log.Info("Fetching initial data")

	if err := s.refresher.Refresh(serverCtx); err != nil {
		if errors.Is(err, data.ErrRefreshCancelled) {
			cancel()

			return fmt.Errorf("failed to fetch initial data: %w", err)
		}

		// Serve the empty catalog until the next scheduled cycle succeeds.
		s.log.WithError(err).Warn("Initial data refresh failed")
	}

	// Start data refresher
	if err := s.refresher.Start(serverCtx); err != nil {
		cancel()

		return fmt.Errorf("failed to start refresher: %w", err)
	}

	s.cancel = cancel
	s.done = make(chan struct{})

	// Start status logger
	go s.startStatusLogger(serverCtx)

	// Start SSDP discovery; tuners stay reachable by URL without it
	if s.ssdp != nil {
		if err := s.ssdp.Start(serverCtx); err != nil {
			s.log.WithError(err).Warn("SSDP discovery disabled")
		}
	}

	// Create HTTP server
	s.server = &http.Server{
		Addr:         s.cfg.ListenAddr(),
		Handler:      s.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	// Start HTTP server
	go s.run(serverCtx)

	s.log.WithField("addr", s.cfg.ListenAddr()).Info("Server started")

	return nil
}

// Stop stops the server.
func (s *Server) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}

	// Cancel context
	cancel()

	// Wait for server to stop
	if done != nil {
		<-done
	}

	// Stop SSDP responder
	if s.ssdp != nil {
		if err := s.ssdp.Stop(); err != nil {
			s.log.WithError(err).Warn("Failed to stop SSDP responder")
		}
	}

	// Stop refresher
	if err := s.refresher.Stop(); err != nil {
		s.log.WithError(err).Warn("Failed to stop refresher")
	}

	if closer, ok := s.persister.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			s.log.WithError(err).Warn("Failed to close source catalog")
		}
	}

	s.log.Info("Server stopped")

	return nil
}

func (s *Server) run(ctx context.Context) {
	defer close(s.done)

	errCh := make(chan error, 1)

	// Start HTTP server in goroutine
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}

		close(errCh)
	}()

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		s.log.Info("Shutting down server")
	case err := <-errCh:
		if err != nil {
			s.log.WithError(err).Error("Server error")
		}

		return
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.log.WithError(err).Warn("Server shutdown error")
	}
}

// startStatusLogger logs the catalog and source state every minute.
func (s *Server) startStatusLogger(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	// Log immediately on start
	s.logStatus()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logStatus()
		}
	}
}

func (s *Server) logStatus() {
	snap := s.store.Snapshot()
	if snap.Empty() {
		s.log.Warn("No catalog data available for status")

		return
	}

	s.log.WithFields(logrus.Fields{
		"channels": len(snap.Channels),
		"vod":      len(snap.VOD),
		"groups":   len(snap.Groups()),
		"guides":   len(snap.Timelines),
		"built":    snap.BuiltAt.Format(time.RFC3339),
	}).Info("Catalog status")

	for _, src := range s.registry.All() {
		if !src.Failed() {
			continue
		}

		s.log.WithFields(logrus.Fields{
			"source": src.ID,
			"url":    src.URL,
			"status": src.LastFetchStatus,
		}).Warn("  EPG source failing")
	}
}
