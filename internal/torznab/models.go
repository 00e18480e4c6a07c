// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package torznab

import (
	"encoding/xml"
	"strconv"
	"strings"
	"time"
)

// Result is a single search hit. It still has to be resolved into torrent bytes.
type Result struct {
	Indexer     string
	Title       string
	Link        string
	GUID        string
	Size        int64
	PublishDate time.Time
	Category    string
	// Attributes holds torznab:attr entries keyed by lowercase name.
	Attributes map[string]string
}

// IsMagnet reports whether the result only offers a magnet link.
func (r Result) IsMagnet() bool {
	return isMagnet(r.Link)
}

// SearchCapability describes one search function from the caps document.
type SearchCapability struct {
	Available       bool
	SupportedParams []string
}

// Supports reports whether param is listed for this search function.
func (s SearchCapability) Supports(param string) bool {
	for _, p := range s.SupportedParams {
		if strings.EqualFold(p, param) {
			return true
		}
	}
	return false
}

type Category struct {
	ID   int
	Name string
}

// Caps is the parsed t=caps response.
type Caps struct {
	ServerTitle string
	Search      SearchCapability
	TVSearch    SearchCapability
	MovieSearch SearchCapability
	Categories  []Category
}

type rssFeed struct {
	XMLName xml.Name   `xml:"rss"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title string    `xml:"title"`
	Items []rssItem `xml:"item"`
}

type rssItem struct {
	Title     string       `xml:"title"`
	Link      string       `xml:"link"`
	GUID      string       `xml:"guid"`
	PubDate   string       `xml:"pubDate"`
	Size      string       `xml:"size"`
	Category  []string     `xml:"category"`
	Enclosure rssEnclosure `xml:"enclosure"`
	Attrs     []rssAttr    `xml:"attr"`
}

type rssEnclosure struct {
	URL    string `xml:"url,attr"`
	Length string `xml:"length,attr"`
}

type rssAttr struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type capsDocument struct {
	XMLName xml.Name `xml:"caps"`
	Server  struct {
		Title string `xml:"title,attr"`
	} `xml:"server"`
	Searching struct {
		Search      capsSearch `xml:"search"`
		TVSearch    capsSearch `xml:"tv-search"`
		MovieSearch capsSearch `xml:"movie-search"`
	} `xml:"searching"`
	Categories struct {
		Category []struct {
			ID   string `xml:"id,attr"`
			Name string `xml:"name,attr"`
		} `xml:"category"`
	} `xml:"categories"`
}

type capsSearch struct {
	Available       string `xml:"available,attr"`
	SupportedParams string `xml:"supportedParams,attr"`
}

func (s capsSearch) capability() SearchCapability {
	capability := SearchCapability{Available: strings.EqualFold(strings.TrimSpace(s.Available), "yes")}
	for _, p := range strings.Split(s.SupportedParams, ",") {
		if p = strings.TrimSpace(p); p != "" {
			capability.SupportedParams = append(capability.SupportedParams, p)
		}
	}
	return capability
}

func (d capsDocument) caps() *Caps {
	caps := &Caps{
		ServerTitle: d.Server.Title,
		Search:      d.Searching.Search.capability(),
		TVSearch:    d.Searching.TVSearch.capability(),
		MovieSearch: d.Searching.MovieSearch.capability(),
	}
	for _, c := range d.Categories.Category {
		id, err := strconv.Atoi(strings.TrimSpace(c.ID))
		if err != nil {
			continue
		}
		caps.Categories = append(caps.Categories, Category{ID: id, Name: c.Name})
	}
	return caps
}

func (item rssItem) result(indexer string) Result {
	r := Result{
		Indexer:    indexer,
		Title:      strings.TrimSpace(item.Title),
		Link:       strings.TrimSpace(item.Link),
		GUID:       item.GUID,
		Attributes: make(map[string]string, len(item.Attrs)),
	}

	for _, attr := range item.Attrs {
		if attr.Name == "" {
			continue
		}
		r.Attributes[strings.ToLower(attr.Name)] = attr.Value
	}

	if r.Link == "" {
		r.Link = strings.TrimSpace(item.Enclosure.URL)
	}
	if r.Link == "" {
		r.Link = strings.TrimSpace(r.Attributes["magneturl"])
	}

	if size, err := strconv.ParseInt(strings.TrimSpace(item.Size), 10, 64); err == nil {
		r.Size = size
	} else if size, err := strconv.ParseInt(strings.TrimSpace(item.Enclosure.Length), 10, 64); err == nil {
		r.Size = size
	}

	if item.PubDate != "" {
		if t, err := time.Parse(time.RFC1123Z, item.PubDate); err == nil {
			r.PublishDate = t
		} else if t, err := time.Parse(time.RFC1123, item.PubDate); err == nil {
			r.PublishDate = t
		}
	}

	if len(item.Category) > 0 {
		r.Category = item.Category[0]
	}

	return r
}

func isMagnet(link string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(link)), "magnet:")
}
