// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package crossseed

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/autobrr/xseed/internal/domain"
	"github.com/autobrr/xseed/internal/torznab"
)

const capsDiscoveryTimeout = 15 * time.Second

type capsFetcher interface {
	FetchCaps(ctx context.Context) (*torznab.Caps, error)
}

// Indexer is a configured search endpoint. The underlying client is created
// on first use and shared by every unit that targets this indexer.
type Indexer struct {
	Name   string
	URL    string
	APIKey string

	newClient func() IndexerClient
	once      sync.Once
	client    IndexerClient

	capsMu sync.RWMutex
	caps   *torznab.Caps
}

// NewIndexer returns an indexer backed by a torznab client.
func NewIndexer(name, url, apiKey string, opts ...torznab.Option) *Indexer {
	return &Indexer{
		Name:   name,
		URL:    url,
		APIKey: apiKey,
		newClient: func() IndexerClient {
			return torznab.NewClient(name, url, apiKey, opts...)
		},
	}
}

// NewIndexerWithClient wraps an existing client, mostly for tests and embedding.
func NewIndexerWithClient(name string, client IndexerClient) *Indexer {
	return &Indexer{
		Name:      name,
		newClient: func() IndexerClient { return client },
	}
}

// IndexersFromConfig builds the enabled indexers in name order.
func IndexersFromConfig(cfg *domain.Config, opts ...torznab.Option) []*Indexer {
	names := cfg.EnabledIndexers()
	out := make([]*Indexer, 0, len(names))
	for _, name := range names {
		ic := cfg.Indexers[name]
		out = append(out, NewIndexer(name, ic.URL, ic.APIKey, opts...))
	}
	return out
}

func (i *Indexer) Client() IndexerClient {
	i.once.Do(func() {
		i.client = i.newClient()
	})
	return i.client
}

// Caps returns the discovered capabilities, or nil if discovery failed or never ran.
func (i *Indexer) Caps() *torznab.Caps {
	i.capsMu.RLock()
	defer i.capsMu.RUnlock()
	return i.caps
}

func (i *Indexer) discoverCaps(ctx context.Context) error {
	fetcher, ok := i.Client().(capsFetcher)
	if !ok {
		return nil
	}

	caps, err := fetcher.FetchCaps(ctx)
	if err != nil {
		return err
	}

	i.capsMu.Lock()
	i.caps = caps
	i.capsMu.Unlock()
	return nil
}

// DiscoverCapabilities queries t=caps on every indexer in parallel. Failures
// are logged and the indexer stays in use.
func DiscoverCapabilities(ctx context.Context, indexers []*Indexer) {
	g, gctx := errgroup.WithContext(ctx)
	for _, idx := range indexers {
		g.Go(func() error {
			capsCtx, cancel := context.WithTimeout(gctx, capsDiscoveryTimeout)
			defer cancel()

			if err := idx.discoverCaps(capsCtx); err != nil {
				log.Warn().Err(err).Str("indexer", idx.Name).Msg("Failed to discover indexer capabilities")
				return nil
			}

			if caps := idx.Caps(); caps != nil {
				if !caps.Search.Available {
					log.Warn().Str("indexer", idx.Name).Msg("Indexer reports search as unavailable")
				}
				log.Debug().
					Str("indexer", idx.Name).
					Str("server", caps.ServerTitle).
					Strs("searchParams", caps.Search.SupportedParams).
					Int("categories", len(caps.Categories)).
					Msg("Discovered indexer capabilities")
			}
			return nil
		})
	}
	_ = g.Wait()
}
