// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package crossseed

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/xseed/internal/qbittorrent"
	"github.com/autobrr/xseed/internal/torrentfile"
	"github.com/autobrr/xseed/internal/torznab"
)

// makeTorrent builds a single-file torrent. seed varies the info dict so
// torrents with the same name get different fingerprints.
func makeTorrent(t *testing.T, name string, seed int64, private bool, trackers ...string) []byte {
	t.Helper()

	info := metainfo.Info{
		Name:        name,
		PieceLength: 16 << 10,
		Pieces:      bytes.Repeat([]byte{0xcd}, 20),
		Length:      1024 + seed,
	}
	if private {
		p := true
		info.Private = &p
	}

	infoBytes, err := bencode.Marshal(info)
	require.NoError(t, err)

	mi := metainfo.MetaInfo{InfoBytes: infoBytes}
	if len(trackers) > 0 {
		mi.Announce = trackers[0]
		mi.AnnounceList = [][]string{trackers}
	}

	var buf bytes.Buffer
	require.NoError(t, mi.Write(&buf))
	return buf.Bytes()
}

func makeLocal(t *testing.T, name string, seed int64, private bool, trackers ...string) *LocalTorrent {
	t.Helper()
	raw := makeTorrent(t, name, seed, private, trackers...)
	desc, err := torrentfile.Decode(raw)
	require.NoError(t, err)
	return &LocalTorrent{Descriptor: desc, Path: "/torrents/" + name + ".torrent", Raw: raw}
}

type fakeIndexer struct {
	mu           sync.Mutex
	results      []torznab.Result
	searchErr    error
	files        map[string][]byte
	resolveErr   error
	resolveDelay time.Duration
	queries      []string
	resolves     atomic.Int32
}

func newFakeIndexer(results ...torznab.Result) *fakeIndexer {
	return &fakeIndexer{results: results, files: map[string][]byte{}}
}

// offer registers a search result whose link resolves to data.
func (f *fakeIndexer) offer(title string, data []byte) *fakeIndexer {
	link := "https://indexer.test/dl/" + strings.ReplaceAll(title, " ", ".")
	f.results = append(f.results, torznab.Result{Title: title, Link: link})
	f.files[link] = data
	return f
}

func (f *fakeIndexer) Search(_ context.Context, query string) ([]torznab.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return append([]torznab.Result(nil), f.results...), nil
}

func (f *fakeIndexer) Resolve(ctx context.Context, link string) ([]byte, error) {
	f.resolves.Add(1)
	if f.resolveDelay > 0 {
		select {
		case <-time.After(f.resolveDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	if strings.HasPrefix(link, "magnet:") {
		return nil, torznab.ErrUnsupportedCandidate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[link]
	if !ok {
		return nil, &torznab.DownloadError{StatusCode: 404, URL: link}
	}
	return data, nil
}

type addedTorrent struct {
	data []byte
	opts qbittorrent.AddOptions
}

type fakeClient struct {
	mu       sync.Mutex
	records  map[string]*qbittorrent.TorrentRecord
	trackers map[string][]string

	calls         []string
	addedTrackers map[string][]string
	removed       []string
	added         []addedTorrent

	lookupErr      error
	addErr         error
	removeErr      error
	addTrackersErr error

	mutationDelay time.Duration
	inFlight      map[string]int
	maxInFlight   int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		records:       map[string]*qbittorrent.TorrentRecord{},
		trackers:      map[string][]string{},
		addedTrackers: map[string][]string{},
		inFlight:      map[string]int{},
	}
}

// seed registers local as held by the client in the given state.
func (f *fakeClient) seed(local *LocalTorrent, state qbt.TorrentState, category string, tags []string, trackers ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[local.Fingerprint] = &qbittorrent.TorrentRecord{
		Hash:     local.Fingerprint,
		Name:     local.Name,
		State:    state,
		Category: category,
		Tags:     tags,
		SavePath: "/data/" + category,
		Progress: 1,
	}
	f.trackers[local.Fingerprint] = trackers
}

func (f *fakeClient) mutations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if !strings.HasPrefix(c, "find:") && !strings.HasPrefix(c, "trackers:") {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeClient) begin(fp string) {
	f.mu.Lock()
	f.inFlight[fp]++
	if f.inFlight[fp] > f.maxInFlight {
		f.maxInFlight = f.inFlight[fp]
	}
	delay := f.mutationDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
}

func (f *fakeClient) end(fp string) {
	f.mu.Lock()
	f.inFlight[fp]--
	f.mu.Unlock()
}

func (f *fakeClient) FindByFingerprint(_ context.Context, fp string) (*qbittorrent.TorrentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "find:"+fp)
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	r, ok := f.records[fp]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (f *fakeClient) GetTrackers(_ context.Context, fp string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "trackers:"+fp)
	return append([]string(nil), f.trackers[fp]...), nil
}

func (f *fakeClient) AddTrackers(_ context.Context, fp string, urls []string) error {
	f.begin(fp)
	defer f.end(fp)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "addTrackers:"+fp)
	if f.addTrackersErr != nil {
		return f.addTrackersErr
	}
	f.addedTrackers[fp] = append(f.addedTrackers[fp], urls...)
	f.trackers[fp] = append(f.trackers[fp], urls...)
	return nil
}

func (f *fakeClient) RemoveTorrent(_ context.Context, fp string, deleteData bool) error {
	f.begin(fp)
	defer f.end(fp)

	f.mu.Lock()
	defer f.mu.Unlock()
	if deleteData {
		f.calls = append(f.calls, "remove+data:"+fp)
	} else {
		f.calls = append(f.calls, "remove:"+fp)
	}
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, fp)
	delete(f.records, fp)
	delete(f.trackers, fp)
	return nil
}

func (f *fakeClient) AddTorrent(_ context.Context, data []byte, opts qbittorrent.AddOptions) error {
	desc, err := torrentfile.Decode(data)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "add:"+desc.Fingerprint)
	if f.addErr != nil {
		return f.addErr
	}
	f.added = append(f.added, addedTorrent{data: data, opts: opts})
	f.records[desc.Fingerprint] = &qbittorrent.TorrentRecord{
		Hash:     desc.Fingerprint,
		Name:     desc.Name,
		State:    qbt.TorrentStateCheckingUp,
		Category: opts.Category,
		Tags:     opts.Tags,
		SavePath: opts.SavePath,
	}
	f.trackers[desc.Fingerprint] = desc.Trackers()
	return nil
}
