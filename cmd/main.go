// Package main is the entry point for the IPTV gateway.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/savid/iptv-gateway/internal/auth"
	"github.com/savid/iptv-gateway/internal/config"
	"github.com/savid/iptv-gateway/internal/server"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	cfg        = config.DefaultConfig()
	log        = logrus.New()
	configPath string
	userFlags  []string
	mapFlags   map[string]string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "iptv-gateway",
		Short: "IPTV gateway with per-user playlists, merged EPG and HDHomeRun emulation",
		Long: `An IPTV gateway that serves Xtream Codes compatible playlists and guides
per user, repairs and merges EPG sources, and emulates an HDHomeRun tuner
for Plex Live TV.

Flags override values from the --config file.`,
		RunE: run,
	}

	// Upstream flags
	rootCmd.Flags().StringVar(&configPath, "config", "", "YAML config file with users and EPG sources")
	rootCmd.Flags().StringVar(&cfg.PlaylistURL, "m3u", "", "Upstream M3U playlist URL")
	rootCmd.Flags().StringVar(&cfg.EPGURL, "epg", "", "Comma-separated EPG XML URLs, lowest priority last")
	rootCmd.Flags().StringVar(&cfg.BaseURL, "base", "", "Public base URL for playlist and stream URLs (required)")
	rootCmd.Flags().StringVar(&cfg.SourcesFile, "sources-file", "", "EPG source catalog (.json, or .db/.sqlite for SQLite)")
	rootCmd.Flags().StringArrayVar(&userFlags, "user", nil, "User as username:password[:hdhr,admin], repeatable")
	rootCmd.Flags().StringToStringVar(&mapFlags, "map", nil, "Pin channel IDs to guide channel IDs, as id=guide-id pairs")

	// Server flags
	rootCmd.Flags().StringVar(&cfg.BindAddr, "bind", cfg.BindAddr, "Bind address")
	rootCmd.Flags().IntVar(&cfg.Port, "port", cfg.Port, "Port number")
	rootCmd.Flags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	rootCmd.Flags().Float64Var(&cfg.RateLimit, "rate-limit", cfg.RateLimit, "Stream requests per second per user (0 disables)")
	rootCmd.Flags().IntVar(&cfg.RateBurst, "rate-burst", cfg.RateBurst, "Stream request burst per user")

	// HDHomeRun flags
	rootCmd.Flags().IntVar(&cfg.TunerCount, "tuner-count", cfg.TunerCount, "Number of tuners to advertise")
	rootCmd.Flags().StringVar(&cfg.DeviceUUID, "device-uuid", cfg.DeviceUUID, "Device UUID (derived from --base when empty)")
	rootCmd.Flags().StringVar(&cfg.DeviceName, "device-name", cfg.DeviceName, "Device name prefix shown in Plex")
	rootCmd.Flags().StringVar(&cfg.SSDPAddr, "ssdp", cfg.SSDPAddr, "UDP address for SSDP discovery (empty disables)")

	// Data flags
	rootCmd.Flags().DurationVar(&cfg.RefreshInterval, "refresh", cfg.RefreshInterval, "Data refresh interval")
	rootCmd.Flags().StringVar(&cfg.RefreshCron, "refresh-cron", cfg.RefreshCron, "Cron spec for data refresh, overrides --refresh")
	rootCmd.Flags().IntVar(&cfg.FetchConcurrency, "fetch-concurrency", cfg.FetchConcurrency, "EPG sources fetched in parallel")
	rootCmd.Flags().DurationVar(&cfg.SourceTimeout, "source-timeout", cfg.SourceTimeout, "Timeout per EPG source")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfigFile merges the config file under the flags set on the command
// line.
func loadConfigFile(flags *pflag.FlagSet) error {
	if configPath == "" {
		return nil
	}

	changed := make(map[*pflag.Flag]string)

	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "user", "config", "map":
			// Merged after loading
		default:
			changed[f] = f.Value.String()
		}
	})

	if err := cfg.LoadFile(configPath); err != nil {
		return err
	}

	for f, value := range changed {
		if err := f.Value.Set(value); err != nil {
			return fmt.Errorf("failed to apply --%s: %w", f.Name, err)
		}
	}

	return nil
}

func run(cmd *cobra.Command, _ []string) error {
	// Load config file
	if err := loadConfigFile(cmd.Flags()); err != nil {
		return err
	}

	// Merge repeatable flags
	if len(mapFlags) > 0 && cfg.ChannelMappings == nil {
		cfg.ChannelMappings = make(map[string]string, len(mapFlags))
	}

	for channelID, guideID := range mapFlags {
		cfg.ChannelMappings[channelID] = guideID
	}

	for _, raw := range userFlags {
		user, err := config.ParseUser(raw)
		if err != nil {
			return err
		}

		cfg.Users = append(cfg.Users, user)
	}

	// Configure logger
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	// Validate config
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Create authenticator
	authenticator, err := auth.NewStatic(cfg.Users)
	if err != nil {
		return fmt.Errorf("invalid users: %w", err)
	}

	log.WithFields(logrus.Fields{
		"m3u":     cfg.PlaylistURL,
		"epg":     len(cfg.EPGSources()),
		"catalog": cfg.SourcesFile,
		"base":    cfg.BaseURL,
		"users":   authenticator.Users(),
	}).Info("Starting IPTV gateway")

	// Create and start server
	srv, err := server.NewServer(log, cfg, authenticator)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		return err
	}

	// Wait for interrupt signal, refreshing on SIGHUP
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigCh {
		if sig != syscall.SIGHUP {
			break
		}

		log.Info("Received SIGHUP, refreshing data")

		if err := srv.TriggerRefresh(); err != nil {
			log.WithError(err).Warn("Failed to trigger refresh")
		}
	}

	log.Info("Received shutdown signal")

	return srv.Stop()
}
