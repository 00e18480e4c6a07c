// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package crossseed

import (
	"fmt"
)

// FailureKind classifies why a unit failed.
type FailureKind string

const (
	FailureSearch          FailureKind = "search"
	FailureResolution      FailureKind = "resolution"
	FailureClient          FailureKind = "client"
	FailureEncode          FailureKind = "encode"
	FailurePartialMutation FailureKind = "partial_mutation"
	FailureFilesystem      FailureKind = "filesystem"
)

// UnitError is a failure scoped to a single (torrent, indexer) unit.
type UnitError struct {
	Kind FailureKind
	Op   string
	Err  error
}

func (e *UnitError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s failure: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s failure during %s: %v", e.Kind, e.Op, e.Err)
}

func (e *UnitError) Unwrap() error {
	return e.Err
}

func unitErr(kind FailureKind, op string, err error) *UnitError {
	return &UnitError{Kind: kind, Op: op, Err: err}
}
