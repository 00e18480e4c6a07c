// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package crossseed

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/unicode/norm"

	"github.com/autobrr/xseed/internal/domain"
	"github.com/autobrr/xseed/internal/qbittorrent"
	"github.com/autobrr/xseed/internal/trackers"
)

var errNoDownloadClient = errors.New("no download client configured")

type ExecutorOptions struct {
	Mode       domain.TorrentMode
	Category   string
	Tags       []string
	OutputPath string
	DryRun     bool
	// AddPaused adds inject_file torrents without starting them.
	AddPaused bool
	// SkipRecheck skips the hash check on adds whose data is already on disk.
	SkipRecheck bool
}

// Executor turns a matched candidate into a download client mutation.
type Executor struct {
	client DownloadClient
	opts   ExecutorOptions
}

func NewExecutor(client DownloadClient, opts ExecutorOptions) *Executor {
	return &Executor{client: client, opts: opts}
}

// Decide picks the action for a candidate given the client's view of the
// local torrent. record is nil only when no download client is configured.
// live is the record's current tracker list.
func Decide(mode domain.TorrentMode, record *qbittorrent.TorrentRecord, live []string, candidate *ResolvedCandidate) Action {
	if record != nil && !record.IsSeeding() {
		return Skip(SkipReasonNotFinished)
	}

	switch mode {
	case domain.TorrentModeInjectFile:
		return Action{Kind: ActionUploadSecondary, Data: candidate.Raw}

	case domain.TorrentModeFilesystem:
		return Action{Kind: ActionMaterialize, Data: candidate.Raw}

	default:
		if trackers.IsSubset(candidate.Trackers(), live) {
			return Skip(SkipReasonTrackersPresent)
		}
		if candidate.Private {
			// Private torrents cannot take extra trackers in place; the record is replaced.
			return Action{
				Kind:     ActionInjectTrackers,
				Replace:  true,
				Trackers: trackers.Merge(live, candidate.Trackers()),
			}
		}

		return Action{Kind: ActionInjectTrackers, Trackers: trackers.Missing(candidate.Trackers(), live)}
	}
}

// Execute re-reads the client state, decides and, unless running dry, applies
// the action. The caller holds the fingerprint lock for local, so checks made
// by the matcher before the lock are repeated here.
func (e *Executor) Execute(ctx context.Context, local *LocalTorrent, candidate *ResolvedCandidate) (Action, error) {
	var (
		record *qbittorrent.TorrentRecord
		live   []string
		err    error
	)

	switch {
	case e.client != nil:
		record, err = e.client.FindByFingerprint(ctx, local.Fingerprint)
		if err != nil {
			return Action{}, unitErr(FailureClient, "lookup", err)
		}
		if record == nil {
			return Skip(SkipReasonNotInClient), nil
		}
		if e.opts.Mode != domain.TorrentModeFilesystem {
			existing, err := e.client.FindByFingerprint(ctx, candidate.Fingerprint)
			if err != nil {
				return Action{}, unitErr(FailureClient, "lookup", err)
			}
			if existing != nil {
				return Skip(SkipReasonAlreadyCrossSeeding), nil
			}
		}
		if e.opts.Mode == domain.TorrentModeInjectTrackers && record.IsSeeding() {
			live, err = e.client.GetTrackers(ctx, local.Fingerprint)
			if err != nil {
				return Action{}, unitErr(FailureClient, "get trackers", err)
			}
		}
	case e.opts.Mode != domain.TorrentModeFilesystem:
		return Action{}, unitErr(FailureClient, "lookup", errNoDownloadClient)
	}

	action := Decide(e.opts.Mode, record, live, candidate)
	if action.Kind == ActionSkip {
		log.Debug().
			Str("torrent", local.Name).
			Str("indexer", candidate.Indexer).
			Str("reason", string(action.Reason)).
			Msg("Skipping cross-seed candidate")
		return action, nil
	}

	if e.opts.DryRun {
		log.Info().
			Str("torrent", local.Name).
			Str("indexer", candidate.Indexer).
			Str("action", action.String()).
			Msg("Dry run: would apply cross-seed action")
		return action, nil
	}

	return action, e.apply(ctx, local, record, candidate, action)
}

func (e *Executor) apply(ctx context.Context, local *LocalTorrent, record *qbittorrent.TorrentRecord, candidate *ResolvedCandidate, action Action) error {
	switch action.Kind {
	case ActionInjectTrackers:
		if action.Replace {
			return e.replace(ctx, local, record, action.Trackers)
		}
		if err := e.client.AddTrackers(ctx, local.Fingerprint, action.Trackers); err != nil {
			return unitErr(FailureClient, "add trackers", err)
		}
		log.Info().
			Str("torrent", local.Name).
			Str("indexer", candidate.Indexer).
			Strs("trackers", action.Trackers).
			Msg("Added cross-seed trackers")
		return nil

	case ActionUploadSecondary:
		opts := qbittorrent.AddOptions{
			Category:     e.opts.Category,
			Tags:         e.opts.Tags,
			SavePath:     record.SavePath,
			Paused:       e.opts.AddPaused,
			SkipChecking: e.opts.SkipRecheck,
		}
		if err := e.client.AddTorrent(ctx, action.Data, opts); err != nil {
			return unitErr(FailureClient, "add torrent", err)
		}
		log.Info().
			Str("torrent", local.Name).
			Str("indexer", candidate.Indexer).
			Str("hash", candidate.Fingerprint).
			Msg("Added cross-seed torrent")
		return nil

	case ActionMaterialize:
		path, err := writeTorrentFile(e.opts.OutputPath, candidate.Indexer, local.Name, action.Data)
		if err != nil {
			return unitErr(FailureFilesystem, "write torrent", err)
		}
		log.Info().
			Str("torrent", local.Name).
			Str("indexer", candidate.Indexer).
			Str("path", path).
			Msg("Saved cross-seed torrent")
		return nil
	}

	return errors.Errorf("unknown action %q", action.Kind)
}

// replace swaps the client record for one carrying the merged trackers and the
// private flag. The data on disk is left alone.
func (e *Executor) replace(ctx context.Context, local *LocalTorrent, record *qbittorrent.TorrentRecord, merged []string) error {
	desc, err := local.WithAnnounceGroups([][]string{merged}).WithPrivate()
	if err != nil {
		return unitErr(FailureEncode, "stamp private", err)
	}
	data, err := desc.Encode()
	if err != nil {
		return unitErr(FailureEncode, "encode", err)
	}

	if err := e.client.RemoveTorrent(ctx, local.Fingerprint, false); err != nil {
		return unitErr(FailureClient, "remove torrent", err)
	}

	opts := qbittorrent.AddOptions{
		Category:     record.Category,
		Tags:         record.Tags,
		SavePath:     record.SavePath,
		SkipChecking: e.opts.SkipRecheck,
	}
	if err := e.client.AddTorrent(ctx, data, opts); err != nil {
		log.Error().
			Err(err).
			Str("torrent", local.Name).
			Str("hash", local.Fingerprint).
			Str("category", record.Category).
			Strs("tags", record.Tags).
			Str("savePath", record.SavePath).
			Str("path", local.Path).
			Msg("Torrent was removed from the client but re-adding it failed; re-add it manually")
		return unitErr(FailurePartialMutation, "re-add torrent", err)
	}

	log.Info().
		Str("torrent", local.Name).
		Str("oldHash", local.Fingerprint).
		Str("newHash", desc.Fingerprint).
		Int("trackers", len(merged)).
		Msg("Re-added private torrent with merged trackers")
	return nil
}

func writeTorrentFile(dir, indexer, name string, data []byte) (string, error) {
	if dir == "" {
		return "", errors.New("output path is not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create output directory")
	}

	path := filepath.Join(dir, sanitizeFileName("["+indexer+"] "+name)+".torrent")

	tmp, err := os.CreateTemp(dir, ".xseed-*.tmp")
	if err != nil {
		return "", errors.Wrap(err, "create temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", errors.Wrap(err, "write temp file")
	}
	if err := tmp.Close(); err != nil {
		return "", errors.Wrap(err, "close temp file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", errors.Wrap(err, "rename torrent file")
	}
	return path, nil
}

const maxFileNameBytes = 200

func sanitizeFileName(name string) string {
	name = norm.NFC.String(name)

	var b strings.Builder
	for _, r := range name {
		switch {
		case strings.ContainsRune(`/\:*?"<>|`, r):
			b.WriteRune('_')
		case unicode.IsControl(r):
		default:
			b.WriteRune(r)
		}
	}

	out := strings.TrimSpace(b.String())
	out = strings.Trim(out, ".")
	for len(out) > maxFileNameBytes {
		_, size := utf8.DecodeLastRuneInString(out)
		out = out[:len(out)-size]
	}
	if out == "" {
		return "torrent"
	}
	return out
}
