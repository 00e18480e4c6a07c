// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package crossseed

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/cespare/xxhash/v2"
	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/autobrr/xseed/internal/torrentfile"
	"github.com/autobrr/xseed/internal/trackers"
)

// resolveTimeout bounds a shared download. It is detached from any single
// caller's context since other units may be waiting on the same result.
const resolveTimeout = 2 * time.Minute

type MatcherOptions struct {
	UseCache bool
	CacheTTL time.Duration
	Metrics  *ServiceMetrics
}

// Matcher decides whether an indexer offers a genuine cross-seed for a local torrent.
type Matcher struct {
	client  DownloadClient
	metrics *ServiceMetrics

	// resolved torrent bytes keyed by xxhash(indexer, link)
	cache *ttlcache.Cache[uint64, []byte]
	group singleflight.Group
}

// NewMatcher creates a matcher. client may be nil when no download client is
// configured; the client-side checks then fall back to the local descriptor.
func NewMatcher(client DownloadClient, opts MatcherOptions) *Matcher {
	m := &Matcher{client: client, metrics: opts.Metrics}
	if opts.UseCache {
		ttl := opts.CacheTTL
		if ttl <= 0 {
			ttl = 30 * time.Minute
		}
		m.cache = ttlcache.New(ttlcache.Options[uint64, []byte]{}.SetDefaultTTL(ttl))
	}
	return m
}

func (m *Matcher) Close() {
	if m.cache != nil {
		m.cache.Close()
	}
}

// Match searches indexer for local and returns the first result if it is a
// usable cross-seed. A nil candidate comes with the reason it was rejected.
func (m *Matcher) Match(ctx context.Context, local *LocalTorrent, indexer *Indexer) (*ResolvedCandidate, SkipReason, error) {
	if m.client != nil {
		record, err := m.client.FindByFingerprint(ctx, local.Fingerprint)
		if err != nil {
			return nil, "", unitErr(FailureClient, "lookup", err)
		}
		if record == nil {
			return nil, SkipReasonNotInClient, nil
		}
	}

	results, err := indexer.Client().Search(ctx, local.Name)
	if err != nil {
		return nil, "", unitErr(FailureSearch, "search", err)
	}
	if len(results) == 0 {
		return nil, SkipReasonNoResults, nil
	}

	// Indexer ranking is trusted; only the top hit is considered.
	first := results[0]
	data, err := m.resolve(ctx, indexer, first.Link)
	if err != nil {
		return nil, "", unitErr(FailureResolution, "resolve", err)
	}

	desc, err := torrentfile.Decode(data)
	if err != nil {
		return nil, "", unitErr(FailureResolution, "decode", err)
	}

	candidate := &ResolvedCandidate{
		Descriptor:    desc,
		Raw:           data,
		Indexer:       indexer.Name,
		Title:         first.Title,
		Link:          first.Link,
		TitleDistance: fuzzy.LevenshteinDistance(strings.ToLower(local.Name), strings.ToLower(first.Title)),
	}

	log.Debug().
		Str("torrent", local.Name).
		Str("indexer", indexer.Name).
		Str("candidate", first.Title).
		Int("titleDistance", candidate.TitleDistance).
		Bool("private", desc.Private).
		Msg("Resolved cross-seed candidate")

	if desc.Fingerprint == local.Fingerprint {
		return nil, SkipReasonSameTorrent, nil
	}

	live := local.Trackers()
	if m.client != nil {
		existing, err := m.client.FindByFingerprint(ctx, desc.Fingerprint)
		if err != nil {
			return nil, "", unitErr(FailureClient, "lookup", err)
		}
		if existing != nil {
			return nil, SkipReasonAlreadyCrossSeeding, nil
		}

		live, err = m.client.GetTrackers(ctx, local.Fingerprint)
		if err != nil {
			return nil, "", unitErr(FailureClient, "get trackers", err)
		}
	}

	if trackers.IsSubset(desc.Trackers(), live) {
		return nil, SkipReasonTrackersPresent, nil
	}

	return candidate, "", nil
}

func (m *Matcher) resolve(ctx context.Context, indexer *Indexer, link string) ([]byte, error) {
	key := xxhash.Sum64String(indexer.Name + "\x00" + link)

	if m.cache != nil {
		if data, ok := m.cache.Get(key); ok {
			if m.metrics != nil {
				m.metrics.ResolveCacheHits.Inc()
			}
			return data, nil
		}
	}

	ch := m.group.DoChan(strconv.FormatUint(key, 16), func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
		defer cancel()

		data, err := indexer.Client().Resolve(rctx, link)
		if err != nil {
			return nil, err
		}
		if m.cache != nil {
			m.cache.Set(key, data, ttlcache.DefaultTTL)
		}
		return data, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared && m.metrics != nil {
			m.metrics.ResolveSharedHits.Inc()
		}
		return res.Val.([]byte), nil
	}
}
