// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package torznab

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

var (
	// ErrUnsupportedCandidate is returned when a link resolves to a magnet URI.
	ErrUnsupportedCandidate = errors.New("unsupported candidate: magnet links cannot be resolved")
	ErrTooManyRedirects     = errors.New("too many redirects")
	ErrInvalidRedirect      = errors.New("redirect without location header")
	ErrMissingLink          = errors.New("search result has no download link")
)

// DownloadError represents an HTTP error during torrent download.
// It preserves the status code for rate-limit detection.
type DownloadError struct {
	StatusCode int
	URL        string
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("torrent download from %s returned status %d", e.URL, e.StatusCode)
}

func (e *DownloadError) Is(target error) bool {
	_, ok := target.(*DownloadError)
	return ok
}

// IsRateLimited returns true if this error indicates rate limiting (HTTP 429).
func (e *DownloadError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// APIError is a torznab <error code="..." description="..."/> response.
type APIError struct {
	Code        string
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("torznab error %s: %s", e.Code, e.Description)
}

// StatusError is a non-2xx response to a search or caps request.
type StatusError struct {
	StatusCode int
	Op         string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.Op, e.StatusCode)
}
