// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package crossseed

import (
	"context"
	"fmt"
	"time"

	"github.com/autobrr/xseed/internal/qbittorrent"
	"github.com/autobrr/xseed/internal/torrentfile"
	"github.com/autobrr/xseed/internal/torznab"
)

// IndexerClient is the search side of a single indexer.
type IndexerClient interface {
	Search(ctx context.Context, query string) ([]torznab.Result, error)
	Resolve(ctx context.Context, link string) ([]byte, error)
}

// DownloadClient is the subset of a torrent client the engine mutates.
type DownloadClient interface {
	FindByFingerprint(ctx context.Context, fingerprint string) (*qbittorrent.TorrentRecord, error)
	GetTrackers(ctx context.Context, fingerprint string) ([]string, error)
	AddTrackers(ctx context.Context, fingerprint string, urls []string) error
	RemoveTorrent(ctx context.Context, fingerprint string, deleteData bool) error
	AddTorrent(ctx context.Context, data []byte, opts qbittorrent.AddOptions) error
}

// LocalTorrent is a torrent file read from the torrents directory.
type LocalTorrent struct {
	*torrentfile.Descriptor
	Path string
	Raw  []byte
}

// LocalTorrentsFromFiles wraps discovered files.
func LocalTorrentsFromFiles(files []*torrentfile.File) []*LocalTorrent {
	out := make([]*LocalTorrent, 0, len(files))
	for _, f := range files {
		out = append(out, &LocalTorrent{Descriptor: f.Descriptor, Path: f.Path, Raw: f.Raw})
	}
	return out
}

// ResolvedCandidate is a search result whose link has been downloaded and decoded.
type ResolvedCandidate struct {
	*torrentfile.Descriptor
	Raw     []byte
	Indexer string
	Title   string
	Link    string
	// TitleDistance is the edit distance between the query and the result title.
	TitleDistance int
}

type ActionKind string

const (
	ActionSkip            ActionKind = "skip"
	ActionInjectTrackers  ActionKind = "inject_trackers"
	ActionUploadSecondary ActionKind = "upload_secondary"
	ActionMaterialize     ActionKind = "materialize"
)

type SkipReason string

const (
	SkipReasonNotInClient         SkipReason = "not in client"
	SkipReasonNoResults           SkipReason = "no results"
	SkipReasonSameTorrent         SkipReason = "same torrent"
	SkipReasonAlreadyCrossSeeding SkipReason = "already cross-seeding"
	SkipReasonTrackersPresent     SkipReason = "trackers already present"
	SkipReasonNotFinished         SkipReason = "not finished"
	SkipReasonShutdown            SkipReason = "shutdown"
)

// Action is the mutation chosen for one matched candidate.
type Action struct {
	Kind   ActionKind
	Reason SkipReason

	// Trackers holds the trackers to add, or the full merged list when Replace is set.
	Trackers []string
	// Replace removes the client record and re-adds it with Trackers and the private flag.
	Replace bool
	Data    []byte
}

func Skip(reason SkipReason) Action {
	return Action{Kind: ActionSkip, Reason: reason}
}

func (a Action) String() string {
	switch a.Kind {
	case ActionSkip:
		return fmt.Sprintf("skip(%s)", a.Reason)
	case ActionInjectTrackers:
		if a.Replace {
			return fmt.Sprintf("replace(%d trackers)", len(a.Trackers))
		}
		return fmt.Sprintf("add_trackers(%d)", len(a.Trackers))
	default:
		return string(a.Kind)
	}
}

type UnitOutcome string

const (
	OutcomeActed   UnitOutcome = "acted"
	OutcomeSkipped UnitOutcome = "skipped"
	OutcomeFailed  UnitOutcome = "failed"
)

// UnitResult is the outcome of one (torrent, indexer) pair.
type UnitResult struct {
	Torrent     string        `json:"torrent"`
	Fingerprint string        `json:"fingerprint"`
	Indexer     string        `json:"indexer"`
	Outcome     UnitOutcome   `json:"outcome"`
	Action      ActionKind    `json:"action,omitempty"`
	Replace     bool          `json:"replace,omitempty"`
	SkipReason  SkipReason    `json:"skipReason,omitempty"`
	Candidate   string        `json:"candidate,omitempty"`
	Matched     bool          `json:"matched"`
	DryRun      bool          `json:"dryRun,omitempty"`
	FailureKind FailureKind   `json:"failureKind,omitempty"`
	Message     string        `json:"message,omitempty"`
	Duration    time.Duration `json:"duration"`
}
