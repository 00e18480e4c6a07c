// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package crossseed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/xseed/internal/torznab"
)

func TestMatchReturnsCandidate(t *testing.T) {
	local := makeLocal(t, "Some.Show.S01", 1, false, "http://a/announce")
	candidateBytes := makeTorrent(t, "Some.Show.S01", 2, false, "http://a/announce", "http://b/announce")

	client := newFakeClient()
	client.seed(local, qbt.TorrentStateUploading, "tv", nil, "http://a/announce")
	idx := newFakeIndexer().offer("Some Show S01", candidateBytes)

	m := NewMatcher(client, MatcherOptions{})
	candidate, reason, err := m.Match(context.Background(), local, NewIndexerWithClient("alpha", idx))
	require.NoError(t, err)
	require.NotNil(t, candidate)
	assert.Empty(t, reason)

	assert.Equal(t, "alpha", candidate.Indexer)
	assert.Equal(t, "Some Show S01", candidate.Title)
	assert.NotEqual(t, local.Fingerprint, candidate.Fingerprint)
	assert.Equal(t, candidateBytes, candidate.Raw)
	assert.Equal(t, []string{"Some.Show.S01"}, idx.queries)
	assert.Greater(t, candidate.TitleDistance, 0)
	assert.Empty(t, client.mutations())
}

func TestMatchRejections(t *testing.T) {
	local := makeLocal(t, "Release", 1, false, "http://a/announce")

	tests := []struct {
		name    string
		setup   func(t *testing.T, client *fakeClient, idx *fakeIndexer)
		wantNil bool
		reason  SkipReason
	}{
		{
			name: "same_fingerprint",
			setup: func(t *testing.T, client *fakeClient, idx *fakeIndexer) {
				client.seed(local, qbt.TorrentStateUploading, "", nil, "http://a/announce")
				idx.offer("Release", local.Raw)
			},
			reason: SkipReasonSameTorrent,
		},
		{
			name: "candidate_already_in_client",
			setup: func(t *testing.T, client *fakeClient, idx *fakeIndexer) {
				client.seed(local, qbt.TorrentStateUploading, "", nil, "http://a/announce")
				other := makeLocal(t, "Release", 7, true, "http://c/announce")
				client.seed(other, qbt.TorrentStateStalledUp, "", nil, "http://c/announce")
				idx.offer("Release", other.Raw)
			},
			reason: SkipReasonAlreadyCrossSeeding,
		},
		{
			name: "trackers_already_present_after_decoding",
			setup: func(t *testing.T, client *fakeClient, idx *fakeIndexer) {
				client.seed(local, qbt.TorrentStateUploading, "", nil, "** [DHT] **", "http://a/announce", "http://b/announce?k=1")
				idx.offer("Release", makeTorrent(t, "Release", 3, false, "http://b/announce%3Fk%3D1"))
			},
			reason: SkipReasonTrackersPresent,
		},
		{
			name: "no_results",
			setup: func(t *testing.T, client *fakeClient, idx *fakeIndexer) {
				client.seed(local, qbt.TorrentStateUploading, "", nil)
			},
			reason: SkipReasonNoResults,
		},
		{
			name:   "not_in_client",
			setup:  func(t *testing.T, client *fakeClient, idx *fakeIndexer) {},
			reason: SkipReasonNotInClient,
		},
		{
			name: "only_first_result_counts",
			setup: func(t *testing.T, client *fakeClient, idx *fakeIndexer) {
				client.seed(local, qbt.TorrentStateUploading, "", nil, "http://a/announce")
				idx.offer("Release", local.Raw)
				idx.offer("Release.Other", makeTorrent(t, "Release", 4, false, "http://z/announce"))
			},
			reason: SkipReasonSameTorrent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newFakeClient()
			idx := newFakeIndexer()
			tt.setup(t, client, idx)

			m := NewMatcher(client, MatcherOptions{})
			candidate, reason, err := m.Match(context.Background(), local, NewIndexerWithClient("alpha", idx))
			require.NoError(t, err)
			assert.Nil(t, candidate)
			assert.Equal(t, tt.reason, reason)
			assert.Empty(t, client.mutations())
		})
	}
}

func TestMatchNotInClientSkipsSearch(t *testing.T) {
	local := makeLocal(t, "Release", 1, false, "http://a/announce")
	idx := newFakeIndexer()

	_, reason, err := NewMatcher(newFakeClient(), MatcherOptions{}).Match(context.Background(), local, NewIndexerWithClient("alpha", idx))
	require.NoError(t, err)
	assert.Equal(t, SkipReasonNotInClient, reason)
	assert.Empty(t, idx.queries)
}

func TestMatchErrors(t *testing.T) {
	local := makeLocal(t, "Release", 1, false, "http://a/announce")

	tests := []struct {
		name   string
		setup  func(client *fakeClient, idx *fakeIndexer)
		kind   FailureKind
		target error
	}{
		{
			name: "search_failure",
			setup: func(client *fakeClient, idx *fakeIndexer) {
				idx.searchErr = &torznab.StatusError{StatusCode: 502, Op: "torznab search"}
			},
			kind: FailureSearch,
		},
		{
			name: "magnet_candidate",
			setup: func(client *fakeClient, idx *fakeIndexer) {
				idx.results = []torznab.Result{{Title: "Release", Link: "magnet:?xt=urn:btih:abc"}}
			},
			kind:   FailureResolution,
			target: torznab.ErrUnsupportedCandidate,
		},
		{
			name: "redirect_cap",
			setup: func(client *fakeClient, idx *fakeIndexer) {
				idx.results = []torznab.Result{{Title: "Release", Link: "https://indexer.test/loop"}}
				idx.resolveErr = torznab.ErrTooManyRedirects
			},
			kind:   FailureResolution,
			target: torznab.ErrTooManyRedirects,
		},
		{
			name: "undecodable_candidate",
			setup: func(client *fakeClient, idx *fakeIndexer) {
				idx.offer("Release", []byte("<html>login required</html>"))
			},
			kind: FailureResolution,
		},
		{
			name: "client_lookup_failure",
			setup: func(client *fakeClient, idx *fakeIndexer) {
				client.lookupErr = errors.New("connection refused")
			},
			kind: FailureClient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newFakeClient()
			client.seed(local, qbt.TorrentStateUploading, "", nil, "http://a/announce")
			idx := newFakeIndexer()
			tt.setup(client, idx)

			candidate, _, err := NewMatcher(client, MatcherOptions{}).Match(context.Background(), local, NewIndexerWithClient("alpha", idx))
			require.Error(t, err)
			assert.Nil(t, candidate)

			var ue *UnitError
			require.ErrorAs(t, err, &ue)
			assert.Equal(t, tt.kind, ue.Kind)
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			}
		})
	}
}

func TestMatchWithoutClientUsesLocalTrackers(t *testing.T) {
	local := makeLocal(t, "Release", 1, false, "http://a/announce")
	idx := newFakeIndexer().offer("Release", makeTorrent(t, "Release", 2, false, "http://a/announce"))

	candidate, reason, err := NewMatcher(nil, MatcherOptions{}).Match(context.Background(), local, NewIndexerWithClient("alpha", idx))
	require.NoError(t, err)
	assert.Nil(t, candidate)
	assert.Equal(t, SkipReasonTrackersPresent, reason)
}

func TestMatchResolveCache(t *testing.T) {
	local := makeLocal(t, "Release", 1, false, "http://a/announce")
	client := newFakeClient()
	client.seed(local, qbt.TorrentStateUploading, "", nil, "http://a/announce")
	idx := newFakeIndexer().offer("Release", makeTorrent(t, "Release", 2, false, "http://b/announce"))
	indexer := NewIndexerWithClient("alpha", idx)

	metrics := NewServiceMetrics(prometheus.NewRegistry())
	m := NewMatcher(client, MatcherOptions{UseCache: true, CacheTTL: time.Minute, Metrics: metrics})
	defer m.Close()

	for range 3 {
		candidate, _, err := m.Match(context.Background(), local, indexer)
		require.NoError(t, err)
		require.NotNil(t, candidate)
	}

	assert.Equal(t, int32(1), idx.resolves.Load())
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.ResolveCacheHits))
}

func TestMatchSharesConcurrentResolves(t *testing.T) {
	client := newFakeClient()
	idx := newFakeIndexer().offer("Release", makeTorrent(t, "Release", 99, false, "http://z/announce"))
	idx.resolveDelay = 50 * time.Millisecond
	indexer := NewIndexerWithClient("alpha", idx)

	locals := make([]*LocalTorrent, 4)
	for i := range locals {
		locals[i] = makeLocal(t, "Release", int64(i+1), false, "http://a/announce")
		client.seed(locals[i], qbt.TorrentStateUploading, "", nil, "http://a/announce")
	}

	m := NewMatcher(client, MatcherOptions{})

	var wg sync.WaitGroup
	for _, local := range locals {
		wg.Add(1)
		go func() {
			defer wg.Done()
			candidate, _, err := m.Match(context.Background(), local, indexer)
			assert.NoError(t, err)
			assert.NotNil(t, candidate)
		}()
	}
	wg.Wait()

	assert.Less(t, idx.resolves.Load(), int32(len(locals)))
}

func TestMatchSharedResolveOutlivesCancelledCaller(t *testing.T) {
	client := newFakeClient()
	idx := newFakeIndexer().offer("Release", makeTorrent(t, "Release", 99, false, "http://z/announce"))
	idx.resolveDelay = 100 * time.Millisecond
	indexer := NewIndexerWithClient("alpha", idx)

	first := makeLocal(t, "Release", 1, false, "http://a/announce")
	second := makeLocal(t, "Release", 2, false, "http://a/announce")
	client.seed(first, qbt.TorrentStateUploading, "", nil, "http://a/announce")
	client.seed(second, qbt.TorrentStateUploading, "", nil, "http://a/announce")

	m := NewMatcher(client, MatcherOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, _, err := m.Match(ctx, first, indexer)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return idx.resolves.Load() == 1 }, time.Second, time.Millisecond)

	secondDone := make(chan *ResolvedCandidate, 1)
	go func() {
		candidate, _, err := m.Match(context.Background(), second, indexer)
		assert.NoError(t, err)
		secondDone <- candidate
	}()

	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)
	assert.NotNil(t, <-secondDone)
}
