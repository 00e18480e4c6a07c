// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package crossseed

import (
	"context"
	"fmt"
	"testing"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/xseed/internal/domain"
	"github.com/autobrr/xseed/internal/torrentfile"
	"github.com/autobrr/xseed/internal/torznab"
)

func TestRunPublicCandidateAddsTrackers(t *testing.T) {
	local := makeLocal(t, "Release", 1, false, "http://a/announce")
	client := newFakeClient()
	client.seed(local, qbt.TorrentStateUploading, "tv", nil, "http://a/announce")
	idx := newFakeIndexer().offer("Release", makeTorrent(t, "Release", 2, false, "http://a/announce", "http://b/announce"))

	svc := NewService(client, Options{Mode: domain.TorrentModeInjectTrackers}, nil)
	defer svc.Close()

	report := svc.Run(context.Background(), []*LocalTorrent{local}, []*Indexer{NewIndexerWithClient("alpha", idx)})

	assert.Equal(t, 1, report.Units)
	assert.Equal(t, 1, report.Matches)
	assert.Equal(t, 1, report.Actions)
	assert.Equal(t, RunStatusSuccess, report.Status())
	assert.Equal(t, []string{"addTrackers:" + local.Fingerprint}, client.mutations())
	assert.Equal(t, []string{"http://b/announce"}, client.addedTrackers[local.Fingerprint])

	require.Len(t, report.Results, 1)
	res := report.Results[0]
	assert.Equal(t, OutcomeActed, res.Outcome)
	assert.Equal(t, ActionInjectTrackers, res.Action)
	assert.False(t, res.Replace)
	assert.Equal(t, "alpha", res.Indexer)
}

func TestRunPrivateCandidateReplacesRecord(t *testing.T) {
	local := makeLocal(t, "Release", 1, false, "http://a/announce")
	client := newFakeClient()
	client.seed(local, qbt.TorrentStateStalledUp, "movies", []string{"hd"}, "http://a/announce")
	idx := newFakeIndexer().offer("Release", makeTorrent(t, "Release", 2, true, "http://c/announce"))

	svc := NewService(client, Options{Mode: domain.TorrentModeInjectTrackers, Category: "ignored"}, nil)
	defer svc.Close()

	report := svc.Run(context.Background(), []*LocalTorrent{local}, []*Indexer{NewIndexerWithClient("beta", idx)})
	require.Equal(t, 1, report.Actions)
	assert.True(t, report.Results[0].Replace)

	require.Len(t, client.added, 1)
	readded, err := torrentfile.Decode(client.added[0].data)
	require.NoError(t, err)

	assert.Equal(t, []string{"remove:" + local.Fingerprint, "add:" + readded.Fingerprint}, client.mutations())
	assert.True(t, readded.Private)
	assert.Equal(t, []string{"http://a/announce", "http://c/announce"}, readded.Trackers())
	assert.Equal(t, "movies", client.added[0].opts.Category)
	assert.Equal(t, []string{"hd"}, client.added[0].opts.Tags)
}

func TestRunPrivateCandidateFromTwoIndexersReplacesOnce(t *testing.T) {
	local := makeLocal(t, "Release", 1, true, "http://a/announce")
	client := newFakeClient()
	client.mutationDelay = 20 * time.Millisecond
	client.seed(local, qbt.TorrentStateUploading, "movies", nil, "http://a/announce")

	candidate := makeTorrent(t, "Release", 2, true, "http://a/announce", "http://c/announce")
	indexers := []*Indexer{
		NewIndexerWithClient("alpha", newFakeIndexer().offer("Release", candidate)),
		NewIndexerWithClient("beta", newFakeIndexer().offer("Release", candidate)),
	}

	svc := NewService(client, Options{Mode: domain.TorrentModeInjectTrackers, Concurrency: 2}, nil)
	defer svc.Close()

	report := svc.Run(context.Background(), []*LocalTorrent{local}, indexers)
	assert.Equal(t, 1, report.Actions)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, []string{"remove:" + local.Fingerprint, "add:" + local.Fingerprint}, client.mutations())
}

func TestRunAlreadyCrossSeeding(t *testing.T) {
	local := makeLocal(t, "Release", 1, false, "http://a/announce")
	other := makeLocal(t, "Release", 2, true, "http://c/announce")

	client := newFakeClient()
	client.seed(local, qbt.TorrentStateUploading, "", nil, "http://a/announce")
	client.seed(other, qbt.TorrentStateUploading, "", nil, "http://c/announce")
	idx := newFakeIndexer().offer("Release", other.Raw)

	svc := NewService(client, Options{Mode: domain.TorrentModeInjectTrackers}, nil)
	defer svc.Close()

	report := svc.Run(context.Background(), []*LocalTorrent{local}, []*Indexer{NewIndexerWithClient("alpha", idx)})
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, SkipReasonAlreadyCrossSeeding, report.Results[0].SkipReason)
	assert.Empty(t, client.mutations())
}

func TestRunNotFinishedSkips(t *testing.T) {
	local := makeLocal(t, "Release", 1, false, "http://a/announce")
	client := newFakeClient()
	client.seed(local, qbt.TorrentStateDownloading, "", nil, "http://a/announce")
	idx := newFakeIndexer().offer("Release", makeTorrent(t, "Release", 2, true, "http://c/announce"))

	svc := NewService(client, Options{Mode: domain.TorrentModeInjectTrackers}, nil)
	defer svc.Close()

	report := svc.Run(context.Background(), []*LocalTorrent{local}, []*Indexer{NewIndexerWithClient("alpha", idx)})
	require.Len(t, report.Results, 1)
	assert.True(t, report.Results[0].Matched)
	assert.Equal(t, SkipReasonNotFinished, report.Results[0].SkipReason)
	assert.Empty(t, client.mutations())
}

func TestRunIsolatesFailures(t *testing.T) {
	local := makeLocal(t, "Release", 1, false, "http://a/announce")
	client := newFakeClient()
	client.seed(local, qbt.TorrentStateUploading, "", nil, "http://a/announce")

	broken := newFakeIndexer()
	broken.searchErr = &torznab.StatusError{StatusCode: 500, Op: "torznab search"}
	working := newFakeIndexer().offer("Release", makeTorrent(t, "Release", 2, false, "http://b/announce"))

	reg := prometheus.NewRegistry()
	metrics := NewServiceMetrics(reg)
	svc := NewService(client, Options{Mode: domain.TorrentModeInjectTrackers}, metrics)
	defer svc.Close()

	report := svc.Run(context.Background(), []*LocalTorrent{local}, []*Indexer{
		NewIndexerWithClient("broken", broken),
		NewIndexerWithClient("working", working),
	})

	assert.Equal(t, 2, report.Units)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Actions)
	assert.Equal(t, RunStatusPartial, report.Status())
	assert.False(t, report.AllFailed())

	require.Len(t, report.Failures, 1)
	assert.Equal(t, "broken", report.Failures[0].Indexer)
	assert.Equal(t, FailureSearch, report.Failures[0].Kind)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.UnitsTotal.WithLabelValues(string(OutcomeFailed))))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.UnitsTotal.WithLabelValues(string(OutcomeActed))))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.FailuresTotal.WithLabelValues(string(FailureSearch))))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ActionsTotal.WithLabelValues(string(ActionInjectTrackers))))
}

func TestRunAllFailed(t *testing.T) {
	local := makeLocal(t, "Release", 1, false, "http://a/announce")
	client := newFakeClient()
	client.seed(local, qbt.TorrentStateUploading, "", nil, "http://a/announce")
	idx := newFakeIndexer()
	idx.searchErr = &torznab.StatusError{StatusCode: 503, Op: "torznab search"}

	svc := NewService(client, Options{Mode: domain.TorrentModeInjectTrackers}, nil)
	defer svc.Close()

	report := svc.Run(context.Background(), []*LocalTorrent{local}, []*Indexer{NewIndexerWithClient("alpha", idx)})
	assert.True(t, report.AllFailed())
	assert.Equal(t, RunStatusFailed, report.Status())
}

func TestRunSerializesMutationsPerTorrent(t *testing.T) {
	local := makeLocal(t, "Release", 1, false, "http://a/announce")
	client := newFakeClient()
	client.mutationDelay = 20 * time.Millisecond
	client.seed(local, qbt.TorrentStateUploading, "", nil, "http://a/announce")

	var indexers []*Indexer
	for i := range 4 {
		tracker := fmt.Sprintf("http://t%d/announce", i)
		idx := newFakeIndexer().offer("Release", makeTorrent(t, "Release", int64(10+i), false, tracker))
		indexers = append(indexers, NewIndexerWithClient(fmt.Sprintf("idx%d", i), idx))
	}

	svc := NewService(client, Options{Mode: domain.TorrentModeInjectTrackers, Concurrency: 4}, nil)
	defer svc.Close()

	report := svc.Run(context.Background(), []*LocalTorrent{local}, indexers)
	assert.Equal(t, 4, report.Actions)
	assert.Equal(t, 1, client.maxInFlight)
	assert.ElementsMatch(t, []string{
		"http://t0/announce",
		"http://t1/announce",
		"http://t2/announce",
		"http://t3/announce",
	}, client.addedTrackers[local.Fingerprint])
}

func TestRunKeepsResultOrder(t *testing.T) {
	client := newFakeClient()
	var locals []*LocalTorrent
	for i := range 3 {
		local := makeLocal(t, fmt.Sprintf("Release.%d", i), int64(i), false, "http://a/announce")
		client.seed(local, qbt.TorrentStateUploading, "", nil, "http://a/announce")
		locals = append(locals, local)
	}
	indexers := []*Indexer{
		NewIndexerWithClient("alpha", newFakeIndexer()),
		NewIndexerWithClient("beta", newFakeIndexer()),
	}

	svc := NewService(client, Options{Mode: domain.TorrentModeInjectTrackers, Concurrency: 3}, nil)
	defer svc.Close()

	report := svc.Run(context.Background(), locals, indexers)
	require.Len(t, report.Results, 6)
	for i, res := range report.Results {
		assert.Equal(t, locals[i/2].Name, res.Torrent)
		assert.Equal(t, indexers[i%2].Name, res.Indexer)
		assert.Equal(t, SkipReasonNoResults, res.SkipReason)
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	local := makeLocal(t, "Release", 1, false, "http://a/announce")
	client := newFakeClient()
	client.seed(local, qbt.TorrentStateUploading, "", nil, "http://a/announce")
	idx := newFakeIndexer().offer("Release", makeTorrent(t, "Release", 2, false, "http://b/announce"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	svc := NewService(client, Options{Mode: domain.TorrentModeInjectTrackers}, nil)
	defer svc.Close()

	report := svc.Run(ctx, []*LocalTorrent{local}, []*Indexer{NewIndexerWithClient("alpha", idx)})
	require.Len(t, report.Results, 1)
	assert.Equal(t, SkipReasonShutdown, report.Results[0].SkipReason)
	assert.Equal(t, 0, report.Failed)
	assert.Empty(t, idx.queries)
	assert.Empty(t, client.mutations())
}

func TestRunDryRun(t *testing.T) {
	local := makeLocal(t, "Release", 1, false, "http://a/announce")
	client := newFakeClient()
	client.seed(local, qbt.TorrentStateUploading, "", nil, "http://a/announce")
	idx := newFakeIndexer().offer("Release", makeTorrent(t, "Release", 2, true, "http://c/announce"))

	svc := NewService(client, Options{Mode: domain.TorrentModeInjectTrackers, DryRun: true}, nil)
	defer svc.Close()

	report := svc.Run(context.Background(), []*LocalTorrent{local}, []*Indexer{NewIndexerWithClient("alpha", idx)})
	assert.True(t, report.DryRun)
	require.Len(t, report.Results, 1)
	assert.Equal(t, OutcomeActed, report.Results[0].Outcome)
	assert.True(t, report.Results[0].DryRun)
	assert.Empty(t, client.mutations())
}

func TestRunFilesystemWithoutClient(t *testing.T) {
	out := t.TempDir()
	local := makeLocal(t, "Release", 1, false, "http://a/announce")
	idx := newFakeIndexer().offer("Release", makeTorrent(t, "Release", 2, false, "http://b/announce"))

	svc := NewService(nil, Options{Mode: domain.TorrentModeFilesystem, OutputPath: out}, nil)
	defer svc.Close()

	report := svc.Run(context.Background(), []*LocalTorrent{local}, []*Indexer{NewIndexerWithClient("alpha", idx)})
	require.Equal(t, 1, report.Actions)
	assert.FileExists(t, out+"/[alpha] Release.torrent")
}

func TestOptionsFromConfig(t *testing.T) {
	opts := OptionsFromConfig(&domain.Config{
		TorrentMode:     "inject_file",
		TorrentCategory: "cross-seed",
		TorrentTags:     []string{"cross-seed"},
		AddPaused:       true,
		SkipRecheck:     true,
		Concurrency:     3,
	})

	assert.Equal(t, domain.TorrentModeInjectFile, opts.Mode)
	assert.Equal(t, "cross-seed", opts.Category)
	assert.True(t, opts.AddPaused)
	assert.True(t, opts.SkipRecheck)
	assert.Equal(t, 3, opts.Concurrency)
}
