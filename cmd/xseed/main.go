// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autobrr/xseed/internal/api"
	"github.com/autobrr/xseed/internal/buildinfo"
	"github.com/autobrr/xseed/internal/config"
	"github.com/autobrr/xseed/internal/database"
	"github.com/autobrr/xseed/internal/domain"
	"github.com/autobrr/xseed/internal/metrics"
	"github.com/autobrr/xseed/internal/models"
	"github.com/autobrr/xseed/internal/qbittorrent"
	"github.com/autobrr/xseed/internal/services/crossseed"
	"github.com/autobrr/xseed/internal/services/scheduler"
	"github.com/autobrr/xseed/internal/torrentfile"
)

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	var rootCmd = &cobra.Command{
		Use:   "xseed",
		Short: "Find cross-seeds for the torrents you already seed",
		Long: `xseed - looks up every torrent in your torrents directory on your Torznab
indexers and injects the matching releases into qBittorrent.`,
		SilenceUsage: true,
	}

	rootCmd.Version = buildinfo.String()

	rootCmd.AddCommand(RunCommand())
	rootCmd.AddCommand(RunVersionCommand(buildinfo.String()))
	rootCmd.AddCommand(RunGenerateConfigCommand())
	rootCmd.AddCommand(RunRunsCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunCommand() *cobra.Command {
	app := &Application{}

	var command = &cobra.Command{
		Use:   "run",
		Short: "Run cross-seed reconciliation once, or on an interval in daemon mode",
	}

	command.Flags().StringVar(&app.configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/xseed/ or %APPDATA%\\xseed\\). Can also be a direct path to a .toml file")
	command.Flags().StringVar(&app.dataDir, "data-dir", "", "data directory for the run history database (default is next to config file)")
	command.Flags().StringVar(&app.logPath, "log-path", "", "log file path (default is stderr)")
	command.Flags().BoolVar(&app.dryRun, "dry-run", false, "decide actions without touching qBittorrent or the output directory")
	command.Flags().StringVar(&app.mode, "mode", "", "override torrentMode: inject_trackers, inject_file or filesystem")

	command.RunE = func(cmd *cobra.Command, args []string) error {
		app.dryRunSet = cmd.Flags().Changed("dry-run")
		return app.run()
	}

	return command
}

func RunVersionCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of xseed",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/xseed/config.toml
- Windows: %APPDATA%\xseed\config.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var configPath string
			switch {
			case configDir == "":
				configPath = filepath.Join(config.GetDefaultConfigDir(), "config.toml")
			case strings.HasSuffix(strings.ToLower(configDir), ".toml"):
				configPath = configDir
			default:
				if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
					configPath = configDir
				} else {
					configPath = filepath.Join(configDir, "config.toml")
				}
			}

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory or file path (defaults to OS-specific location)")

	return command
}

func RunRunsCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		limit     int
	)

	command := &cobra.Command{
		Use:   "runs",
		Short: "List recent cross-seed runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New(configDir, buildinfo.Version)
			if err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}
			if dataDir != "" {
				cfg.SetDataDir(dataDir)
			}

			db, err := database.New(cfg.GetDatabasePath())
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()

			runs, err := models.NewRunStore(db).List(cmd.Context(), limit, 0)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				cmd.Println("No runs recorded yet.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTARTED\tTRIGGER\tMODE\tSTATUS\tUNITS\tMATCHES\tACTIONS\tSKIPPED\tFAILED\tDURATION")
			for _, run := range runs {
				duration := "-"
				if run.CompletedAt != nil {
					duration = run.CompletedAt.Sub(run.StartedAt).Round(time.Second).String()
				}
				mode := run.Mode
				if run.DryRun {
					mode += " (dry)"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
					run.ID,
					run.StartedAt.Local().Format(time.DateTime),
					run.TriggeredBy,
					mode,
					run.Status,
					run.Units,
					run.Matches,
					run.Actions,
					run.Skipped,
					run.Failed,
					duration,
				)
			}
			return w.Flush()
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory or file path (defaults to OS-specific location)")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory holding the run history database")
	command.Flags().IntVar(&limit, "limit", 20, "number of runs to show")

	return command
}

type Application struct {
	configDir string
	dataDir   string
	logPath   string
	mode      string
	dryRun    bool
	dryRunSet bool
}

var errAllUnitsFailed = errors.New("every cross-seed unit failed")

func (app *Application) run() error {
	cfg, err := config.New(app.configDir, buildinfo.Version)
	if err != nil {
		return fmt.Errorf("failed to initialize configuration: %w", err)
	}

	// Override with CLI flags if provided
	if app.dataDir != "" {
		cfg.SetDataDir(app.dataDir)
	}
	if app.logPath != "" {
		cfg.Config.LogPath = app.logPath
	}
	if app.dryRunSet {
		cfg.Config.DryRun = app.dryRun
	}
	if app.mode != "" {
		if _, ok := domain.ParseTorrentMode(app.mode); !ok {
			return fmt.Errorf("invalid --mode %q", app.mode)
		}
		cfg.Config.TorrentMode = app.mode
	}

	cfg.ApplyLogConfig()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log.Info().
		Str("version", buildinfo.Version).
		Str("mode", string(cfg.Config.Mode())).
		Str("runMode", string(cfg.Config.Run())).
		Bool("dryRun", cfg.Config.DryRun).
		Msg("Starting xseed")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()
	runStore := models.NewRunStore(db)

	var metricsManager *metrics.Manager
	var engineMetrics *crossseed.ServiceMetrics
	if cfg.Config.MetricsEnabled {
		metricsManager = metrics.NewManager()
		engineMetrics = metricsManager.Engine
	}

	// Filesystem mode works without a client; keep the interface nil rather
	// than wrapping a nil *qbittorrent.Client.
	var downloadClient crossseed.DownloadClient
	if cfg.Config.Qbittorrent.URL != "" {
		qb, err := qbittorrent.NewClient(ctx, cfg.Config.Qbittorrent)
		if err != nil {
			return err
		}
		downloadClient = qb
	}

	indexers := crossseed.IndexersFromConfig(cfg.Config)
	crossseed.DiscoverCapabilities(ctx, indexers)

	engine := crossseed.NewService(downloadClient, crossseed.OptionsFromConfig(cfg.Config), engineMetrics)
	defer engine.Close()

	torrentsPath := cfg.Config.TorrentsPath
	load := func(context.Context) ([]*crossseed.LocalTorrent, error) {
		files, err := torrentfile.LoadDir(torrentsPath)
		if err != nil {
			return nil, err
		}
		return crossseed.LocalTorrentsFromFiles(files), nil
	}

	sched := scheduler.NewService(scheduler.Config{
		Interval:  cfg.Config.RunInterval,
		Mode:      string(cfg.Config.Mode()),
		DryRun:    cfg.Config.DryRun,
		Retention: cfg.Config.RunRetention,
	}, engine, indexers, load, runStore)

	var httpServer *api.Server
	if metricsManager != nil {
		httpServer = api.NewServer(&api.Dependencies{
			Host:      cfg.Config.MetricsHost,
			Port:      cfg.Config.MetricsPort,
			Version:   buildinfo.Version,
			Metrics:   metricsManager.Handler(),
			RunStore:  runStore,
			Scheduler: sched,
		})
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Status server failed")
			}
		}()
	}

	var runErr error
	switch cfg.Config.Run() {
	case domain.RunModeDaemon:
		sched.Loop(ctx)
	default:
		report, err := sched.RunOnce(ctx, models.RunTriggerStartup)
		switch {
		case err != nil:
			runErr = err
		case report.AllFailed():
			runErr = errAllUnitsFailed
		}
	}

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("got error during graceful http shutdown")
		}
	}

	if ctx.Err() != nil {
		log.Info().Msg("Shutdown complete")
	}
	return runErr
}
