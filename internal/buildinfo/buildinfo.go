// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package buildinfo

import "fmt"

// Set via ldflags at build time.
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// UserAgent is sent with every indexer request.
var UserAgent = fmt.Sprintf("xseed/%s", Version)

// String returns a one-line description of the build.
func String() string {
	if Commit == "" {
		return Version
	}
	return fmt.Sprintf("%s (%s, %s)", Version, Commit, Date)
}
