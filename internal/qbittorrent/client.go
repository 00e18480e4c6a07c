// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package qbittorrent wraps go-qbittorrent with the handful of calls the
// cross-seed engine needs.
package qbittorrent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/avast/retry-go"
	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/xseed/internal/domain"
)

var trackerEditingMinVersion = semver.MustParse("2.2.0")

var ErrTrackerEditingUnsupported = errors.New("qBittorrent WebAPI does not support tracker editing")

const (
	defaultTimeout    = 60 * time.Second
	loginAttempts     = 3
	loginInitialDelay = 2 * time.Second
)

// api is the subset of *qbt.Client used here.
type api interface {
	LoginCtx(ctx context.Context) error
	GetWebAPIVersionCtx(ctx context.Context) (string, error)
	GetTorrentsCtx(ctx context.Context, o qbt.TorrentFilterOptions) ([]qbt.Torrent, error)
	GetTorrentTrackersCtx(ctx context.Context, hash string) ([]qbt.TorrentTracker, error)
	AddTrackersCtx(ctx context.Context, hash string, urls string) error
	DeleteTorrentsCtx(ctx context.Context, hashes []string, deleteFiles bool) error
	AddTorrentFromMemoryCtx(ctx context.Context, buf []byte, options map[string]string) error
}

// TorrentRecord is the client's view of a single torrent.
type TorrentRecord struct {
	Hash     string
	Name     string
	State    qbt.TorrentState
	Category string
	Tags     []string
	SavePath string
	Progress float64
}

// IsSeeding reports whether the torrent is complete and in an upload state.
func (r *TorrentRecord) IsSeeding() bool {
	switch r.State {
	case qbt.TorrentStateUploading, qbt.TorrentStateQueuedUp, qbt.TorrentStateStalledUp, qbt.TorrentStateForcedUp:
		return true
	default:
		return false
	}
}

// AddOptions are the form options sent with torrents/add.
type AddOptions struct {
	Category string
	Tags     []string
	// SavePath pins the content location and turns automatic torrent
	// management off for the added torrent.
	SavePath     string
	Paused       bool
	SkipChecking bool
}

func (o AddOptions) form() map[string]string {
	options := map[string]string{}
	if o.Category != "" {
		options["category"] = o.Category
	}
	if tags := joinTags(o.Tags); tags != "" {
		options["tags"] = tags
	}
	if o.SavePath != "" {
		options["savepath"] = o.SavePath
		options["autoTMM"] = "false"
	}
	if o.Paused {
		// qBittorrent 5.x renamed paused to stopped; send both.
		options["paused"] = "true"
		options["stopped"] = "true"
	}
	if o.SkipChecking {
		options["skip_checking"] = "true"
	}
	return options
}

type Client struct {
	api
	host       string
	loginDelay time.Duration

	mu                     sync.RWMutex
	webAPIVersion          string
	capabilitiesKnown      bool
	supportsTrackerEditing bool
}

// NewClient connects to the configured qBittorrent instance, retrying the
// login a few times before giving up.
func NewClient(ctx context.Context, cfg domain.QbittorrentConfig) (*Client, error) {
	timeout := defaultTimeout
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	qbtCfg := qbt.Config{
		Host:          cfg.URL,
		Username:      cfg.Username,
		Password:      cfg.Password,
		Timeout:       int(timeout.Seconds()),
		TLSSkipVerify: cfg.TLSSkipVerify,
	}
	if cfg.BasicUser != "" {
		qbtCfg.BasicUser = cfg.BasicUser
		qbtCfg.BasicPass = cfg.BasicPass
	}

	client := newClient(qbt.NewClient(qbtCfg), cfg.URL)
	if err := client.connect(ctx, timeout); err != nil {
		return nil, err
	}

	log.Debug().
		Str("host", cfg.URL).
		Str("webAPIVersion", client.GetWebAPIVersion()).
		Bool("supportsTrackerEditing", client.SupportsTrackerEditing()).
		Bool("tlsSkipVerify", cfg.TLSSkipVerify).
		Msg("qBittorrent client created successfully")

	return client, nil
}

func newClient(a api, host string) *Client {
	return &Client{api: a, host: host, loginDelay: loginInitialDelay}
}

func (c *Client) connect(ctx context.Context, timeout time.Duration) error {
	err := retry.Do(
		func() error {
			loginCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return c.api.LoginCtx(loginCtx)
		},
		retry.Context(ctx),
		retry.Attempts(loginAttempts),
		retry.Delay(c.loginDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().
				Err(err).
				Str("host", c.host).
				Uint("attempt", n+1).
				Msg("qBittorrent login failed, retrying")
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to qBittorrent instance: %w", err)
	}

	if err := c.RefreshCapabilities(ctx); err != nil {
		log.Warn().
			Err(err).
			Str("host", c.host).
			Msg("Failed to refresh qBittorrent capabilities during client creation")
	}
	return nil
}

// RefreshCapabilities fetches the WebAPI version and recalculates feature flags.
func (c *Client) RefreshCapabilities(ctx context.Context) error {
	version, err := c.api.GetWebAPIVersionCtx(ctx)
	if err != nil {
		return err
	}

	version = strings.TrimSpace(version)
	if version == "" {
		return fmt.Errorf("web API version is empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.webAPIVersion = version

	v, err := semver.NewVersion(version)
	if err != nil {
		log.Warn().
			Str("webAPIVersion", version).
			Err(err).
			Msg("Failed to parse qBittorrent WebAPI version; leaving capability flags unchanged")
		return nil
	}
	c.capabilitiesKnown = true
	c.supportsTrackerEditing = !v.LessThan(trackerEditingMinVersion)
	return nil
}

func (c *Client) GetWebAPIVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.webAPIVersion
}

func (c *Client) SupportsTrackerEditing() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.supportsTrackerEditing
}

// FindByFingerprint returns the torrent with the given info hash, or nil if
// the client does not have it.
func (c *Client) FindByFingerprint(ctx context.Context, fingerprint string) (*TorrentRecord, error) {
	hash := strings.ToLower(fingerprint)
	torrents, err := c.api.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{Hashes: []string{hash}})
	if err != nil {
		return nil, errors.Wrapf(err, "get torrent %s", hash)
	}

	for _, t := range torrents {
		if strings.EqualFold(t.Hash, hash) {
			return &TorrentRecord{
				Hash:     strings.ToLower(t.Hash),
				Name:     t.Name,
				State:    t.State,
				Category: t.Category,
				Tags:     splitTags(t.Tags),
				SavePath: t.SavePath,
				Progress: t.Progress,
			}, nil
		}
	}
	return nil, nil
}

// GetTrackers returns the torrent's tracker URLs in client order, including
// the DHT/PeX/LSD pseudo entries qBittorrent reports.
func (c *Client) GetTrackers(ctx context.Context, fingerprint string) ([]string, error) {
	trackers, err := c.api.GetTorrentTrackersCtx(ctx, strings.ToLower(fingerprint))
	if err != nil {
		return nil, errors.Wrapf(err, "get trackers for %s", fingerprint)
	}

	urls := make([]string, 0, len(trackers))
	for _, t := range trackers {
		urls = append(urls, t.Url)
	}
	return urls, nil
}

// AddTrackers appends urls to an existing torrent.
func (c *Client) AddTrackers(ctx context.Context, fingerprint string, urls []string) error {
	if len(urls) == 0 {
		return nil
	}

	c.mu.RLock()
	known, supported := c.capabilitiesKnown, c.supportsTrackerEditing
	c.mu.RUnlock()
	if known && !supported {
		return ErrTrackerEditingUnsupported
	}

	if err := c.api.AddTrackersCtx(ctx, strings.ToLower(fingerprint), strings.Join(urls, "\n")); err != nil {
		return fmt.Errorf("failed to add trackers: %w", err)
	}
	return nil
}

// RemoveTorrent removes the torrent from the client. deleteData controls
// whether downloaded content is removed too.
func (c *Client) RemoveTorrent(ctx context.Context, fingerprint string, deleteData bool) error {
	if err := c.api.DeleteTorrentsCtx(ctx, []string{strings.ToLower(fingerprint)}, deleteData); err != nil {
		return fmt.Errorf("failed to remove torrent: %w", err)
	}
	return nil
}

// AddTorrent uploads a .torrent file.
func (c *Client) AddTorrent(ctx context.Context, data []byte, opts AddOptions) error {
	if err := c.api.AddTorrentFromMemoryCtx(ctx, data, opts.form()); err != nil {
		return fmt.Errorf("failed to add torrent: %w", err)
	}
	return nil
}

func splitTags(tags string) []string {
	if strings.TrimSpace(tags) == "" {
		return nil
	}
	parts := strings.Split(tags, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func joinTags(tags []string) string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return strings.Join(out, ",")
}
