// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package torznab talks to Torznab indexers (Jackett, Prowlarr, native endpoints).
package torznab

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/xseed/internal/buildinfo"
)

const (
	maxTorrentDownloadBytes int64 = 16 << 20 // 16 MiB safety limit for torrent blobs
	maxResponseBytes        int64 = 8 << 20

	// DefaultMaxRedirects bounds how many hops Resolve follows.
	DefaultMaxRedirects = 5
	defaultTimeout      = 30 * time.Second
)

// Client is a Torznab client bound to a single indexer endpoint.
type Client struct {
	name         string
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	maxRedirects int
}

type Option func(*Client)

// WithHTTPClient overrides the HTTP client. Its CheckRedirect is ignored by Resolve.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient = &http.Client{Timeout: d}
		}
	}
}

// WithMaxRedirects overrides DefaultMaxRedirects.
func WithMaxRedirects(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRedirects = n
		}
	}
}

// NewClient creates a client for the torznab endpoint at baseURL, e.g.
// http://jackett:9117/api/v2.0/indexers/foo/results/torznab/api.
func NewClient(name, baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		name:         name,
		baseURL:      strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:       apiKey,
		httpClient:   &http.Client{Timeout: defaultTimeout},
		maxRedirects: DefaultMaxRedirects,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the configured indexer name.
func (c *Client) Name() string {
	return c.name
}

// Search runs a free-text t=search query and returns results in indexer order.
func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	body, err := c.get(ctx, "search", map[string]string{"t": "search", "q": query})
	if err != nil {
		return nil, err
	}

	var feed rssFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, errors.Wrap(err, "parse torznab search response")
	}

	results := make([]Result, 0, len(feed.Channel.Items))
	for _, item := range feed.Channel.Items {
		results = append(results, item.result(c.name))
	}

	log.Trace().
		Str("indexer", c.name).
		Str("query", query).
		Int("results", len(results)).
		Msg("Torznab search completed")

	return results, nil
}

// FetchCaps retrieves and parses the t=caps document.
func (c *Client) FetchCaps(ctx context.Context) (*Caps, error) {
	body, err := c.get(ctx, "caps", map[string]string{"t": "caps"})
	if err != nil {
		return nil, err
	}

	var doc capsDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, errors.Wrap(err, "parse torznab caps response")
	}
	return doc.caps(), nil
}

func (c *Client) get(ctx context.Context, op string, params map[string]string) ([]byte, error) {
	if c.baseURL == "" {
		return nil, errors.Errorf("indexer %s has no url", c.name)
	}

	endpoint, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse indexer url")
	}
	query := endpoint.Query()
	for k, v := range params {
		query.Set(k, v)
	}
	if c.apiKey != "" {
		query.Set("apikey", c.apiKey)
	}
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "build %s request", op)
	}
	req.Header.Set("Accept", "application/rss+xml, application/xml, text/xml")
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "torznab %s request failed", op)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.Wrapf(err, "read %s response", op)
	}

	if apiErr := parseAPIError(body); apiErr != nil {
		return nil, apiErr
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &StatusError{StatusCode: resp.StatusCode, Op: "torznab " + op}
	}

	return body, nil
}

func parseAPIError(body []byte) *APIError {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}

	var root struct {
		XMLName     xml.Name
		Code        string `xml:"code,attr"`
		Description string `xml:"description,attr"`
	}
	if err := xml.Unmarshal(trimmed, &root); err != nil {
		return nil
	}
	if root.XMLName.Local != "error" {
		return nil
	}
	return &APIError{Code: root.Code, Description: root.Description}
}

// Resolve downloads the torrent behind link, following at most maxRedirects
// redirects. Magnet links, either given directly or reached through a
// redirect, return ErrUnsupportedCandidate.
func (c *Client) Resolve(ctx context.Context, link string) ([]byte, error) {
	link = strings.TrimSpace(link)
	if link == "" {
		return nil, ErrMissingLink
	}
	if isMagnet(link) {
		return nil, ErrUnsupportedCandidate
	}

	current, err := c.absoluteURL(link)
	if err != nil {
		return nil, err
	}

	noRedirect := *c.httpClient
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	for hop := 0; ; hop++ {
		next, data, err := c.fetchOnce(ctx, &noRedirect, current, hop == 0)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return data, nil
		}

		if hop >= c.maxRedirects {
			return nil, errors.Wrapf(ErrTooManyRedirects, "gave up after %d redirects resolving %s", c.maxRedirects, link)
		}
		if next.Scheme == "magnet" {
			return nil, ErrUnsupportedCandidate
		}

		log.Trace().
			Str("indexer", c.name).
			Int("hop", hop+1).
			Str("location", next.Redacted()).
			Msg("Following torrent download redirect")
		current = next
	}
}

// fetchOnce performs a single GET. It returns the redirect target if the
// response is a redirect, otherwise the body.
func (c *Client) fetchOnce(ctx context.Context, hc *http.Client, target *url.URL, first bool) (*url.URL, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, nil, errors.Wrap(err, "build download request")
	}
	req.Header.Set("Accept", "application/x-bittorrent, application/octet-stream")
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	// Only the indexer itself gets the api key, never a redirect target on another host.
	if first && c.apiKey != "" && c.sameHost(target) && req.URL.Query().Get("apikey") == "" {
		query := req.URL.Query()
		query.Set("apikey", c.apiKey)
		req.URL.RawQuery = query.Encode()
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, nil, errors.Wrap(err, "torrent download failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices && resp.StatusCode < http.StatusBadRequest && resp.StatusCode != http.StatusNotModified {
		location := strings.TrimSpace(resp.Header.Get("Location"))
		if location == "" {
			return nil, nil, errors.Wrapf(ErrInvalidRedirect, "status %d from %s", resp.StatusCode, target.Redacted())
		}
		if isMagnet(location) {
			return nil, nil, ErrUnsupportedCandidate
		}
		next, err := target.Parse(location)
		if err != nil {
			return nil, nil, errors.Wrapf(ErrInvalidRedirect, "parse location %q: %v", location, err)
		}
		return next, nil, nil
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, nil, &DownloadError{StatusCode: resp.StatusCode, URL: target.Redacted()}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTorrentDownloadBytes+1))
	if err != nil {
		return nil, nil, errors.Wrap(err, "read torrent body")
	}
	if int64(len(data)) > maxTorrentDownloadBytes {
		return nil, nil, fmt.Errorf("torrent download exceeded %d bytes limit", maxTorrentDownloadBytes)
	}

	return nil, data, nil
}

func (c *Client) absoluteURL(link string) (*url.URL, error) {
	parsed, err := url.Parse(link)
	if err != nil {
		return nil, errors.Wrapf(err, "parse download link %q", link)
	}
	if parsed.IsAbs() {
		return parsed, nil
	}

	// Relative links are resolved against the indexer endpoint.
	base, err := url.Parse(c.baseURL + "/")
	if err != nil {
		return nil, errors.Wrap(err, "parse indexer url")
	}
	return base.ResolveReference(parsed), nil
}

func (c *Client) sameHost(u *url.URL) bool {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(base.Host, u.Host)
}
