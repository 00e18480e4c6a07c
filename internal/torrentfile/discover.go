// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package torrentfile

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// maxTorrentFileBytes guards against reading something that is clearly not a torrent.
const maxTorrentFileBytes int64 = 16 << 20

// File is a decoded torrent found on disk.
type File struct {
	Path       string
	Raw        []byte
	Descriptor *Descriptor
}

// Discover walks root recursively and returns every *.torrent path, sorted.
func Discover(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrapf(err, "stat torrents path %s", root)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("torrents path %s is not a directory", root)
	}

	var paths []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			// An unreadable subdirectory should not hide the rest of the tree.
			log.Warn().Err(walkErr).Str("path", path).Msg("Skipping unreadable path during torrent discovery")
			if d != nil && d.IsDir() && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if strings.EqualFold(filepath.Ext(d.Name()), ".torrent") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "walk torrents path")
	}

	sort.Strings(paths)
	return paths, nil
}

// LoadFile reads and decodes a single torrent file.
func LoadFile(path string) (*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxTorrentFileBytes {
		return nil, errors.Errorf("torrent file %s exceeds %d bytes", path, maxTorrentFileBytes)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	desc, err := Decode(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}

	return &File{Path: path, Raw: raw, Descriptor: desc}, nil
}

// LoadDir discovers and decodes every torrent under root. Files that fail to
// decode are logged and left out. Duplicate fingerprints keep the first path.
func LoadDir(root string) ([]*File, error) {
	paths, err := Discover(root)
	if err != nil {
		return nil, err
	}

	files := make([]*File, 0, len(paths))
	seen := make(map[string]string, len(paths))
	for _, path := range paths {
		f, err := LoadFile(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Skipping unreadable torrent file")
			continue
		}
		if first, dup := seen[f.Descriptor.Fingerprint]; dup {
			log.Debug().
				Str("path", path).
				Str("firstPath", first).
				Str("hash", f.Descriptor.Fingerprint).
				Msg("Skipping duplicate torrent file")
			continue
		}
		seen[f.Descriptor.Fingerprint] = path
		files = append(files, f)
	}

	return files, nil
}
