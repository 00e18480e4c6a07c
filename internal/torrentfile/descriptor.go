// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package torrentfile decodes and re-encodes .torrent metadata and finds torrent files on disk.
package torrentfile

import (
	"bytes"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/pkg/errors"
)

var (
	ErrInvalidTorrent = errors.New("invalid torrent metadata")
	ErrMissingInfo    = errors.New("descriptor has no info dictionary")
)

// Descriptor is the decoded form of a .torrent file.
//
// Fingerprint is the lowercase hex v1 info-hash. It only changes when the info
// dictionary changes, so tracker edits keep it stable while stamping the private
// flag on a public torrent does not.
type Descriptor struct {
	Fingerprint    string
	Name           string
	AnnounceGroups [][]string
	Private        bool

	infoBytes    []byte
	comment      string
	createdBy    string
	creationDate int64
	urlList      []string
}

// Decode parses torrent bytes.
func Decode(data []byte) (*Descriptor, error) {
	mi, err := metainfo.Load(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(ErrInvalidTorrent, err.Error())
	}
	if len(mi.InfoBytes) == 0 {
		return nil, ErrMissingInfo
	}

	info, err := mi.UnmarshalInfo()
	if err != nil {
		return nil, errors.Wrap(ErrInvalidTorrent, err.Error())
	}

	d := &Descriptor{
		Fingerprint:    mi.HashInfoBytes().HexString(),
		Name:           info.Name,
		AnnounceGroups: announceGroups(mi),
		Private:        info.Private != nil && *info.Private,
		infoBytes:      []byte(mi.InfoBytes),
		comment:        mi.Comment,
		createdBy:      mi.CreatedBy,
		creationDate:   mi.CreationDate,
	}
	if len(mi.UrlList) > 0 {
		d.urlList = append([]string(nil), mi.UrlList...)
	}
	if d.Name == "" {
		d.Name = d.Fingerprint
	}

	return d, nil
}

func announceGroups(mi *metainfo.MetaInfo) [][]string {
	var groups [][]string
	for _, tier := range mi.AnnounceList {
		if len(tier) == 0 {
			continue
		}
		groups = append(groups, append([]string(nil), tier...))
	}
	if len(groups) == 0 && mi.Announce != "" {
		groups = [][]string{{mi.Announce}}
	}
	return groups
}

// Encode writes the descriptor back to torrent bytes. The first URL of the
// first tier doubles as the legacy announce key.
func (d *Descriptor) Encode() ([]byte, error) {
	if len(d.infoBytes) == 0 {
		return nil, ErrMissingInfo
	}

	mi := metainfo.MetaInfo{
		InfoBytes:    d.infoBytes,
		Comment:      d.comment,
		CreatedBy:    d.createdBy,
		CreationDate: d.creationDate,
	}
	if len(d.urlList) > 0 {
		mi.UrlList = append([]string(nil), d.urlList...)
	}

	groups := cloneGroups(d.AnnounceGroups)
	if len(groups) > 0 {
		mi.Announce = groups[0][0]
		mi.AnnounceList = groups
	}

	var buf bytes.Buffer
	if err := mi.Write(&buf); err != nil {
		return nil, errors.Wrap(err, "write metainfo")
	}
	return buf.Bytes(), nil
}

// WithAnnounceGroups returns a copy using groups as the announce list. Empty tiers are dropped.
func (d *Descriptor) WithAnnounceGroups(groups [][]string) *Descriptor {
	out := d.clone()
	out.AnnounceGroups = cloneGroups(groups)
	return out
}

// WithPrivate returns a copy with the private flag set in the info dictionary.
// Unknown info keys are carried over verbatim. The fingerprint is recomputed.
func (d *Descriptor) WithPrivate() (*Descriptor, error) {
	out := d.clone()
	if d.Private {
		return out, nil
	}
	if len(d.infoBytes) == 0 {
		return nil, ErrMissingInfo
	}

	var dict map[string]bencode.Bytes
	if err := bencode.Unmarshal(d.infoBytes, &dict); err != nil {
		return nil, errors.Wrap(err, "decode info dictionary")
	}
	dict["private"] = bencode.Bytes("i1e")

	infoBytes, err := bencode.Marshal(dict)
	if err != nil {
		return nil, errors.Wrap(err, "encode info dictionary")
	}

	out.infoBytes = infoBytes
	out.Private = true
	out.Fingerprint = fingerprint(infoBytes)
	return out, nil
}

// Trackers returns every announce URL across all tiers, in order.
func (d *Descriptor) Trackers() []string {
	var urls []string
	for _, tier := range d.AnnounceGroups {
		urls = append(urls, tier...)
	}
	return urls
}

func (d *Descriptor) clone() *Descriptor {
	out := *d
	out.AnnounceGroups = cloneGroups(d.AnnounceGroups)
	out.infoBytes = append([]byte(nil), d.infoBytes...)
	if d.urlList != nil {
		out.urlList = append([]string(nil), d.urlList...)
	}
	return &out
}

func cloneGroups(groups [][]string) [][]string {
	var out [][]string
	for _, tier := range groups {
		if len(tier) == 0 {
			continue
		}
		out = append(out, append([]string(nil), tier...))
	}
	return out
}

func fingerprint(infoBytes []byte) string {
	mi := metainfo.MetaInfo{InfoBytes: infoBytes}
	return mi.HashInfoBytes().HexString()
}
