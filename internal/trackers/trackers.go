// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package trackers normalizes and compares tracker announce lists.
//
// qBittorrent reports DHT, PeX and LSD as pseudo trackers of the form
// "** [DHT] **". Those are never real endpoints and are dropped everywhere.
package trackers

import (
	"net/url"
	"strings"
)

// Set is a normalized collection of announce URLs.
type Set map[string]struct{}

// Contains reports whether the normalized form of u is in the set.
func (s Set) Contains(u string) bool {
	n, ok := normalizeOne(u)
	if !ok {
		return false
	}
	_, found := s[n]
	return found
}

// IsPseudo reports whether u is a client pseudo tracker marker.
func IsPseudo(u string) bool {
	u = strings.TrimSpace(u)
	return strings.HasPrefix(u, "** [") && strings.HasSuffix(u, "] **")
}

// Decode percent-decodes an announce URL. Indexers sometimes hand out encoded
// announce URLs; anything that fails to decode is kept as-is.
func Decode(u string) string {
	decoded, err := url.PathUnescape(u)
	if err != nil {
		return u
	}
	return decoded
}

func normalizeOne(u string) (string, bool) {
	u = strings.TrimSpace(u)
	if u == "" || IsPseudo(u) {
		return "", false
	}
	u = strings.TrimSpace(Decode(u))
	if u == "" || IsPseudo(u) {
		return "", false
	}
	return u, true
}

// Normalize decodes, trims and filters urls into a set.
func Normalize(urls []string) Set {
	set := make(Set, len(urls))
	for _, u := range urls {
		if n, ok := normalizeOne(u); ok {
			set[n] = struct{}{}
		}
	}
	return set
}

// NormalizeList is Normalize with first-seen order preserved.
func NormalizeList(urls []string) []string {
	out := make([]string, 0, len(urls))
	seen := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		n, ok := normalizeOne(u)
		if !ok {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// Flatten collapses announce tiers into a single normalized list. Tier position
// carries no meaning for membership.
func Flatten(groups [][]string) []string {
	var all []string
	for _, tier := range groups {
		all = append(all, tier...)
	}
	return NormalizeList(all)
}

// Merge appends the normalized candidate list to the existing list, dropping
// pseudo markers and entries whose normalized form was already seen. Existing
// entries are kept verbatim so that Merge(Merge(a, b), b) == Merge(a, b).
func Merge(existing, candidate []string) []string {
	out := make([]string, 0, len(existing)+len(candidate))
	seen := make(map[string]struct{}, len(existing)+len(candidate))
	add := func(u, key string) {
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, u)
	}

	for _, u := range existing {
		if key, ok := normalizeOne(u); ok {
			add(strings.TrimSpace(u), key)
		}
	}
	for _, n := range NormalizeList(candidate) {
		add(n, n)
	}
	return out
}

// IsSubset reports whether every normalized candidate tracker is already among
// the normalized live trackers. An empty candidate set is trivially a subset.
func IsSubset(candidate, live []string) bool {
	liveSet := Normalize(live)
	for n := range Normalize(candidate) {
		if _, ok := liveSet[n]; !ok {
			return false
		}
	}
	return true
}

// Missing returns the normalized candidate trackers not present in live, in candidate order.
func Missing(candidate, live []string) []string {
	liveSet := Normalize(live)
	var out []string
	for _, n := range NormalizeList(candidate) {
		if _, ok := liveSet[n]; !ok {
			out = append(out, n)
		}
	}
	return out
}
