package extract

import (
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// PageMeta is what the reachability probe learns from a fetched page
type PageMeta struct {
	Title     string     `json:"title,omitempty"`
	Canonical string     `json:"canonical,omitempty"`
	Published *time.Time `json:"published,omitempty"`
}

// publishedSelectors are tried in order; the first parseable value wins
var publishedSelectors = []struct {
	selector string
	attr     string
}{
	{`meta[property="article:published_time"]`, "content"},
	{`meta[name="citation_publication_date"]`, "content"},
	{`meta[name="dc.date"]`, "content"},
	{`meta[name="DC.date"]`, "content"},
	{`meta[name="date"]`, "content"},
	{`meta[name="pubdate"]`, "content"},
	{`meta[itemprop="datePublished"]`, "content"},
	{`time[datetime]`, "datetime"},
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
	"2006.01.02",
	time.RFC1123,
	time.RFC1123Z,
}

// ParsePage extracts title, canonical link and publication time from HTML
func ParsePage(r io.Reader, pageURL string) (PageMeta, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return PageMeta{}, fmt.Errorf("parse html: %w", err)
	}

	var meta PageMeta
	meta.Title = firstNonEmpty(
		attr(doc, `meta[property="og:title"]`, "content"),
		doc.Find("title").First().Text(),
		doc.Find("h1").First().Text(),
	)
	meta.Title = strings.Join(strings.Fields(meta.Title), " ")

	if href, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok {
		base, _ := url.Parse(pageURL)
		meta.Canonical = resolveURL(base, href)
	}

	for _, ps := range publishedSelectors {
		if t, ok := ParseDate(attr(doc, ps.selector, ps.attr)); ok {
			meta.Published = &t
			break
		}
	}
	return meta, nil
}

// ParseDate accepts the date forms collectors and publishers commonly use
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	// "2024-03-05 (Tue)" and similar trailing decoration
	if len(s) > 10 {
		if t, err := time.Parse("2006-01-02", s[:10]); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func attr(doc *goquery.Document, selector, name string) string {
	v, _ := doc.Find(selector).First().Attr(name)
	return strings.TrimSpace(v)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
