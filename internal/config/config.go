// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/autobrr/xseed/internal/domain"
)

var envPrefix = "XSEED__"

// ConfigPathEnv points at a config file or directory when --config-dir is not given.
const ConfigPathEnv = "XSEED__CONFIG"

const (
	defaultRunInterval = 6 * time.Hour
	defaultCacheTTL    = 30 * time.Minute
	defaultRetention   = 30 * 24 * time.Hour
	databaseFileName   = "xseed.db"
)

var (
	ErrTorrentsPathRequired = errors.New("torrentsPath is required")
	ErrOutputPathRequired   = errors.New("outputPath is required in filesystem mode")
	ErrQbittorrentRequired  = errors.New("qbittorrent.url is required unless torrentMode is filesystem")
	ErrNoIndexers           = errors.New("at least one enabled indexer is required")
)

type AppConfig struct {
	Config  *domain.Config
	viper   *viper.Viper
	dataDir string
	version string

	listenersMu sync.RWMutex
	listeners   []func(*domain.Config)
}

func New(configDirOrPath string, versions ...string) (*AppConfig, error) {
	version := "dev"
	if len(versions) > 0 && strings.TrimSpace(versions[0]) != "" {
		version = versions[0]
	}

	if configDirOrPath == "" {
		configDirOrPath = os.Getenv(ConfigPathEnv)
	}

	c := &AppConfig{
		viper:   viper.New(),
		Config:  &domain.Config{},
		version: version,
	}

	c.defaults()

	if err := c.load(configDirOrPath); err != nil {
		return nil, err
	}

	c.loadFromEnv()

	if err := c.viper.Unmarshal(c.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	c.Config.Version = c.version

	c.resolveDataDir()

	c.watchConfig()

	return c, nil
}

func (c *AppConfig) defaults() {
	c.viper.SetDefault("torrentsPath", "")
	c.viper.SetDefault("outputPath", "")
	c.viper.SetDefault("runMode", string(domain.RunModeScript))
	c.viper.SetDefault("runInterval", defaultRunInterval)
	c.viper.SetDefault("runRetention", defaultRetention)
	c.viper.SetDefault("torrentMode", string(domain.TorrentModeInjectTrackers))
	c.viper.SetDefault("torrentCategory", "cross-seed")
	c.viper.SetDefault("torrentTags", []string{"cross-seed"})
	c.viper.SetDefault("concurrency", 8)
	c.viper.SetDefault("useCache", true)
	c.viper.SetDefault("cacheTTL", defaultCacheTTL)
	c.viper.SetDefault("dryRun", false)
	c.viper.SetDefault("addPaused", false)
	c.viper.SetDefault("skipRecheck", false)
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("logPath", "")
	c.viper.SetDefault("logMaxSize", 50)
	c.viper.SetDefault("logMaxBackups", 3)
	c.viper.SetDefault("dataDir", "") // empty means next to the config file
	c.viper.SetDefault("metricsEnabled", false)
	c.viper.SetDefault("metricsHost", "127.0.0.1")
	c.viper.SetDefault("metricsPort", 9075)
	c.viper.SetDefault("qbittorrent.timeout", 60)
}

func (c *AppConfig) load(configDirOrPath string) error {
	c.viper.SetConfigType("toml")

	if configDirOrPath != "" {
		configPath := resolveConfigPath(configDirOrPath)
		c.viper.SetConfigFile(configPath)

		if err := c.viper.ReadInConfig(); err != nil {
			if !isNotFound(err) {
				return fmt.Errorf("failed to read config: %w", err)
			}
			if err := c.writeDefaultConfig(configPath); err != nil {
				return err
			}
			if err := c.viper.ReadInConfig(); err != nil {
				return fmt.Errorf("failed to read newly created config: %w", err)
			}
		}
		return nil
	}

	c.viper.SetConfigName("config")
	c.viper.AddConfigPath(".")
	c.viper.AddConfigPath(GetDefaultConfigDir())

	if err := c.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config: %w", err)
		}

		defaultConfigPath := filepath.Join(GetDefaultConfigDir(), "config.toml")
		if err := c.writeDefaultConfig(defaultConfigPath); err != nil {
			return err
		}
		c.viper.SetConfigFile(defaultConfigPath)
		if err := c.viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read newly created config: %w", err)
		}
		c.dataDir = filepath.Dir(defaultConfigPath)
	}

	return nil
}

// viper reports a missing explicit config file as an fs error rather than ConfigFileNotFoundError.
func isNotFound(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	return errors.Is(err, os.ErrNotExist)
}

func (c *AppConfig) loadFromEnv() {
	// Only bind what we know about; AutomaticEnv picks up unrelated container variables.
	c.viper.BindEnv("torrentsPath", envPrefix+"TORRENTS_PATH")
	c.viper.BindEnv("outputPath", envPrefix+"OUTPUT_PATH")
	c.viper.BindEnv("runMode", envPrefix+"RUN_MODE")
	c.viper.BindEnv("runInterval", envPrefix+"RUN_INTERVAL")
	c.viper.BindEnv("runRetention", envPrefix+"RUN_RETENTION")
	c.viper.BindEnv("torrentMode", envPrefix+"TORRENT_MODE")
	c.viper.BindEnv("torrentCategory", envPrefix+"TORRENT_CATEGORY")
	c.viper.BindEnv("torrentTags", envPrefix+"TORRENT_TAGS")
	c.viper.BindEnv("concurrency", envPrefix+"CONCURRENCY")
	c.viper.BindEnv("useCache", envPrefix+"USE_CACHE")
	c.viper.BindEnv("cacheTTL", envPrefix+"CACHE_TTL")
	c.viper.BindEnv("dryRun", envPrefix+"DRY_RUN")
	c.viper.BindEnv("addPaused", envPrefix+"ADD_PAUSED")
	c.viper.BindEnv("skipRecheck", envPrefix+"SKIP_RECHECK")
	c.viper.BindEnv("logLevel", envPrefix+"LOG_LEVEL")
	c.viper.BindEnv("logPath", envPrefix+"LOG_PATH")
	c.viper.BindEnv("logMaxSize", envPrefix+"LOG_MAX_SIZE")
	c.viper.BindEnv("logMaxBackups", envPrefix+"LOG_MAX_BACKUPS")
	c.viper.BindEnv("dataDir", envPrefix+"DATA_DIR")
	c.viper.BindEnv("metricsEnabled", envPrefix+"METRICS_ENABLED")
	c.viper.BindEnv("metricsHost", envPrefix+"METRICS_HOST")
	c.viper.BindEnv("metricsPort", envPrefix+"METRICS_PORT")

	c.viper.BindEnv("qbittorrent.url", envPrefix+"QBITTORRENT_URL")
	c.viper.BindEnv("qbittorrent.username", envPrefix+"QBITTORRENT_USERNAME")
	c.bindOrReadFromFile("qbittorrent.password", envPrefix+"QBITTORRENT_PASSWORD")
	c.viper.BindEnv("qbittorrent.basicUser", envPrefix+"QBITTORRENT_BASIC_USER")
	c.bindOrReadFromFile("qbittorrent.basicPass", envPrefix+"QBITTORRENT_BASIC_PASS")
	c.viper.BindEnv("qbittorrent.tlsSkipVerify", envPrefix+"QBITTORRENT_TLS_SKIP_VERIFY")
	c.viper.BindEnv("qbittorrent.timeout", envPrefix+"QBITTORRENT_TIMEOUT")

	// Indexer API keys: XSEED__INDEXER_<NAME>_API_KEY, for indexers already declared in the file.
	for name := range c.viper.GetStringMap("indexers") {
		envName := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(name))
		c.bindOrReadFromFile("indexers."+name+".apiKey", envPrefix+"INDEXER_"+envName+"_API_KEY")
	}
}

func (c *AppConfig) watchConfig() {
	c.viper.WatchConfig()
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Msgf("Config file changed: %s", e.Name)

		if err := c.viper.Unmarshal(c.Config); err != nil {
			log.Error().Err(err).Msg("Failed to reload configuration")
			return
		}

		c.applyDynamicChanges()
	})
}

func (c *AppConfig) applyDynamicChanges() {
	c.Config.Version = c.version
	c.ApplyLogConfig()
	c.notifyListeners()
}

// RegisterReloadListener registers a callback that's invoked when the configuration file is reloaded.
func (c *AppConfig) RegisterReloadListener(fn func(*domain.Config)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *AppConfig) notifyListeners() {
	c.listenersMu.RLock()
	listeners := append([]func(*domain.Config){}, c.listeners...)
	c.listenersMu.RUnlock()

	if len(listeners) == 0 {
		return
	}

	copied := *c.Config
	for _, listener := range listeners {
		listener(&copied)
	}
}

// Validate checks that the loaded configuration can drive a run.
func (c *AppConfig) Validate() error {
	return Validate(c.Config)
}

// Validate checks a configuration independently of how it was loaded.
func Validate(cfg *domain.Config) error {
	if strings.TrimSpace(cfg.TorrentsPath) == "" {
		return ErrTorrentsPathRequired
	}

	mode, ok := domain.ParseTorrentMode(cfg.TorrentMode)
	if !ok {
		return fmt.Errorf("invalid torrentMode %q", cfg.TorrentMode)
	}
	if _, ok := domain.ParseRunMode(cfg.RunMode); !ok {
		return fmt.Errorf("invalid runMode %q", cfg.RunMode)
	}

	if mode == domain.TorrentModeFilesystem && strings.TrimSpace(cfg.OutputPath) == "" {
		return ErrOutputPathRequired
	}
	if mode != domain.TorrentModeFilesystem && strings.TrimSpace(cfg.Qbittorrent.URL) == "" {
		return ErrQbittorrentRequired
	}

	if len(cfg.EnabledIndexers()) == 0 {
		return ErrNoIndexers
	}
	for _, name := range cfg.EnabledIndexers() {
		if strings.TrimSpace(cfg.Indexers[name].URL) == "" {
			return fmt.Errorf("indexer %q has no url", name)
		}
	}

	return nil
}

func (c *AppConfig) writeDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		log.Debug().Msgf("Config file already exists at: %s", path)
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	log.Debug().Msgf("Created config directory: %s", dir)

	configTemplate := `# config.toml - Auto-generated on first run

# Directory searched recursively for .torrent files
torrentsPath = "{{ .torrentsPath }}"

# Where found torrents are written in filesystem mode
#outputPath = "/data/cross-seeds"

# Run mode
# Default: "script"
# Options: "script" (one pass, then exit), "daemon" (repeat every runInterval)
runMode = "{{ .runMode }}"
#runInterval = "6h"

# Run history older than this is pruned after each run. "0s" keeps everything
#runRetention = "720h"

# How found cross-seeds are handed to qBittorrent
# Default: "inject_trackers"
# Options: "inject_trackers", "inject_file", "filesystem"
torrentMode = "{{ .torrentMode }}"

# Category and tags for torrents added by inject_file
torrentCategory = "{{ .torrentCategory }}"
#torrentTags = ["cross-seed"]

# Add inject_file torrents paused
#addPaused = false

# Skip the hash check when adding torrents whose data is already on disk
#skipRecheck = false

# Maximum number of torrent/indexer pairs processed at once
# Default: {{ .concurrency }}
#concurrency = {{ .concurrency }}

# Cache resolved torrents in memory between passes
#useCache = true
#cacheTTL = "30m"

# Decide and report actions without changing anything
#dryRun = false

# Log level
# Default: "INFO"
# Options: "ERROR", "DEBUG", "INFO", "WARN", "TRACE"
logLevel = "{{ .logLevel }}"

# Log file path
# If not defined, logs to stdout
#logPath = "log/xseed.log"

# Log rotation
#logMaxSize = {{ .logMaxSize }}
#logMaxBackups = {{ .logMaxBackups }}

# Data directory (default: next to config file)
# Run history (xseed.db) is stored here
#dataDir = "/var/db/xseed"

# Prometheus metrics and run status API
#metricsEnabled = false
#metricsHost = "127.0.0.1"
#metricsPort = 9075

[qbittorrent]
url = "http://localhost:8080"
username = "admin"
password = ""
#basicUser = ""
#basicPass = ""
#tlsSkipVerify = false
#timeout = 60

# One table per Torznab indexer (Jackett, Prowlarr, ...)
#[indexers.example]
#enabled = true
#url = "http://localhost:9117/api/v2.0/indexers/example/results/torznab"
#apiKey = ""
`

	data := map[string]any{
		"torrentsPath":    c.viper.GetString("torrentsPath"),
		"runMode":         c.viper.GetString("runMode"),
		"torrentMode":     c.viper.GetString("torrentMode"),
		"torrentCategory": c.viper.GetString("torrentCategory"),
		"concurrency":     c.viper.GetInt("concurrency"),
		"logLevel":        c.viper.GetString("logLevel"),
		"logMaxSize":      c.viper.GetInt("logMaxSize"),
		"logMaxBackups":   c.viper.GetInt("logMaxBackups"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse config template: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := tmpl.Execute(f, data); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Info().Msgf("Created default config file: %s", path)
	return nil
}

// GetDefaultConfigDir returns the OS-specific config directory
func GetDefaultConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		// Docker images set XDG_CONFIG_HOME=/config
		if xdgConfig == "/config" {
			return xdgConfig
		}
		return filepath.Join(xdgConfig, "xseed")
	}

	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "xseed")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", "xseed")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "xseed")
	}
}

func (c *AppConfig) ApplyLogConfig() {
	zerolog.TimeFieldFormat = time.RFC3339

	setLogLevel(c.Config.LogLevel)

	writer := c.baseLogWriter()

	if c.Config.LogPath != "" {
		multiWriter, err := setupLogFile(c.Config.LogPath, writer, c.Config.LogMaxSize, c.Config.LogMaxBackups)
		if err != nil {
			log.Error().Err(err).Msg("Failed to setup log file")
		} else {
			writer = multiWriter
		}
	}

	log.Logger = log.Logger.Output(writer)
}

func setLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Logger.Level(lvl)
}

func setupLogFile(path string, base io.Writer, maxSize, maxBackups int) (io.Writer, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	if maxSize <= 0 {
		maxSize = 50
	}

	if maxBackups < 0 {
		maxBackups = 0
	}

	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
	}

	return io.MultiWriter(base, rotator), nil
}

func baseLogWriter(version string) io.Writer {
	if isDevBuild(version) {
		writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		writer.PartsOrder = []string{zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName}
		writer.FormatMessage = func(i any) string {
			if i == nil {
				return ""
			}
			return strings.TrimSpace(fmt.Sprint(i))
		}
		return writer
	}
	return os.Stderr
}

func (c *AppConfig) baseLogWriter() io.Writer {
	return baseLogWriter(c.version)
}

// InitDefaultLogger configures zerolog with the default writer for this version.
// Used by CLI entry points before a configuration file is loaded.
func InitDefaultLogger(version string) {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Logger.Output(baseLogWriter(version))
}

func isDevBuild(version string) bool {
	v := strings.ToLower(strings.TrimSpace(version))
	return v == "" || v == "dev" || strings.HasSuffix(v, "-dev")
}

// ResolveConfigPath determines the config file path from a directory or file path.
func ResolveConfigPath(configDirOrPath string) string {
	if configDirOrPath == "" {
		return filepath.Join(GetDefaultConfigDir(), "config.toml")
	}
	return resolveConfigPath(configDirOrPath)
}

func resolveConfigPath(configDirOrPath string) string {
	if strings.HasSuffix(strings.ToLower(configDirOrPath), ".toml") {
		return configDirOrPath
	}

	if info, err := os.Stat(configDirOrPath); err == nil && !info.IsDir() {
		return configDirOrPath
	}

	return filepath.Join(configDirOrPath, "config.toml")
}

func (c *AppConfig) resolveDataDir() {
	switch {
	case c.Config.DataDir != "":
		c.dataDir = c.Config.DataDir
	case c.viper.ConfigFileUsed() != "":
		c.dataDir = filepath.Dir(c.viper.ConfigFileUsed())
	case c.dataDir != "":
	default:
		c.dataDir = "."
	}
}

// GetDatabasePath returns the path to the run history database
func (c *AppConfig) GetDatabasePath() string {
	return filepath.Join(c.dataDir, databaseFileName)
}

// GetDataDir returns the resolved data directory path.
func (c *AppConfig) GetDataDir() string {
	return c.dataDir
}

// SetDataDir sets the data directory (used by CLI flags)
func (c *AppConfig) SetDataDir(dir string) {
	c.dataDir = dir
}

func WriteDefaultConfig(path string) error {
	c := &AppConfig{
		viper: viper.New(),
	}

	c.defaults()

	return c.writeDefaultConfig(path)
}

// bindOrReadFromFile reads the value from the file named by envVar+"_FILE" when set,
// otherwise binds envVar directly.
func (c *AppConfig) bindOrReadFromFile(viperVar string, envVar string) {
	if filePath := os.Getenv(envVar + "_FILE"); filePath != "" {
		content, err := os.ReadFile(filePath)
		if err != nil {
			log.Fatal().Err(err).Str("path", filePath).Msg("Could not read " + envVar + "_FILE")
		}
		c.viper.Set(viperVar, strings.TrimSpace(string(content)))
		return
	}
	c.viper.BindEnv(viperVar, envVar)
}
