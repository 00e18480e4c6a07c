// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"sort"
	"strings"
	"time"
)

// RunMode controls whether a single pass is made or passes repeat on an interval.
type RunMode string

const (
	RunModeScript RunMode = "script"
	RunModeDaemon RunMode = "daemon"
)

// TorrentMode selects how a found cross-seed is handed to the download client.
type TorrentMode string

const (
	// TorrentModeInjectTrackers adds the found trackers to the torrent already in the client.
	TorrentModeInjectTrackers TorrentMode = "inject_trackers"
	// TorrentModeInjectFile uploads the found torrent as a second, independent download.
	TorrentModeInjectFile TorrentMode = "inject_file"
	// TorrentModeFilesystem writes the found torrent to OutputPath.
	TorrentModeFilesystem TorrentMode = "filesystem"
)

// ParseTorrentMode accepts the canonical names plus the short aliases used in older configs.
func ParseTorrentMode(s string) (TorrentMode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "inject_trackers", "injecttrackers":
		return TorrentModeInjectTrackers, true
	case "inject_file", "injectfile":
		return TorrentModeInjectFile, true
	case "filesystem", "search":
		return TorrentModeFilesystem, true
	default:
		return "", false
	}
}

// ParseRunMode accepts "script" and "daemon", case-insensitive. Empty means script.
func ParseRunMode(s string) (RunMode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "script":
		return RunModeScript, true
	case "daemon":
		return RunModeDaemon, true
	default:
		return "", false
	}
}

type QbittorrentConfig struct {
	URL           string `toml:"url" mapstructure:"url"`
	Username      string `toml:"username" mapstructure:"username"`
	Password      string `toml:"password" mapstructure:"password"`
	BasicUser     string `toml:"basicUser" mapstructure:"basicUser"`
	BasicPass     string `toml:"basicPass" mapstructure:"basicPass"`
	TLSSkipVerify bool   `toml:"tlsSkipVerify" mapstructure:"tlsSkipVerify"`
	Timeout       int    `toml:"timeout" mapstructure:"timeout"`
}

type IndexerConfig struct {
	Enabled *bool  `toml:"enabled" mapstructure:"enabled"`
	URL     string `toml:"url" mapstructure:"url"`
	APIKey  string `toml:"apiKey" mapstructure:"apiKey"`
}

// IsEnabled treats a missing flag as enabled.
func (c IndexerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

type Config struct {
	Version string

	TorrentsPath    string        `toml:"torrentsPath" mapstructure:"torrentsPath"`
	OutputPath      string        `toml:"outputPath" mapstructure:"outputPath"`
	RunMode         string        `toml:"runMode" mapstructure:"runMode"`
	RunInterval     time.Duration `toml:"runInterval" mapstructure:"runInterval"`
	RunRetention    time.Duration `toml:"runRetention" mapstructure:"runRetention"`
	TorrentMode     string        `toml:"torrentMode" mapstructure:"torrentMode"`
	TorrentCategory string        `toml:"torrentCategory" mapstructure:"torrentCategory"`
	TorrentTags     []string      `toml:"torrentTags" mapstructure:"torrentTags"`
	Concurrency     int           `toml:"concurrency" mapstructure:"concurrency"`
	UseCache        bool          `toml:"useCache" mapstructure:"useCache"`
	CacheTTL        time.Duration `toml:"cacheTTL" mapstructure:"cacheTTL"`
	DryRun          bool          `toml:"dryRun" mapstructure:"dryRun"`
	AddPaused       bool          `toml:"addPaused" mapstructure:"addPaused"`
	SkipRecheck     bool          `toml:"skipRecheck" mapstructure:"skipRecheck"`

	LogLevel      string `toml:"logLevel" mapstructure:"logLevel"`
	LogPath       string `toml:"logPath" mapstructure:"logPath"`
	LogMaxSize    int    `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups int    `toml:"logMaxBackups" mapstructure:"logMaxBackups"`
	DataDir       string `toml:"dataDir" mapstructure:"dataDir"`

	MetricsEnabled bool   `toml:"metricsEnabled" mapstructure:"metricsEnabled"`
	MetricsHost    string `toml:"metricsHost" mapstructure:"metricsHost"`
	MetricsPort    int    `toml:"metricsPort" mapstructure:"metricsPort"`

	Qbittorrent QbittorrentConfig        `toml:"qbittorrent" mapstructure:"qbittorrent"`
	Indexers    map[string]IndexerConfig `toml:"indexers" mapstructure:"indexers"`
}

// Mode returns the parsed torrent mode, falling back to inject_trackers.
func (c *Config) Mode() TorrentMode {
	if m, ok := ParseTorrentMode(c.TorrentMode); ok {
		return m
	}
	return TorrentModeInjectTrackers
}

// Run returns the parsed run mode, falling back to script.
func (c *Config) Run() RunMode {
	if m, ok := ParseRunMode(c.RunMode); ok {
		return m
	}
	return RunModeScript
}

// EnabledIndexers returns the names of enabled indexers in a stable order.
func (c *Config) EnabledIndexers() []string {
	names := make([]string, 0, len(c.Indexers))
	for name, idx := range c.Indexers {
		if idx.IsEnabled() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
