package web

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
)

const (
	RequestTimeout = 20 * time.Second
	UserAgent      = "pulse-edge/0.1 (+precache)"
)

// Resource is one fetched precache response.
type Resource struct {
	URL    string
	Status int
	Header http.Header
	Body   []byte
}

// Precacher fetches app shell resources ahead of time.
type Precacher struct {
	base *colly.Collector
}

// NewPrecacher builds a Precacher that sends every request through rt.
// A nil rt uses the default transport.
func NewPrecacher(rt http.RoundTripper) *Precacher {
	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.Async(false),
		colly.UserAgent(UserAgent),
	)
	c.SetRequestTimeout(RequestTimeout)
	// No body size limit: precached assets are stored whole.
	c.MaxBodySize = 0
	if rt != nil {
		c.WithTransport(rt)
	}
	return &Precacher{base: c}
}

// Collect fetches every URL in order. Any failing URL (transport error or a
// non-success status) aborts the whole collection.
func (p *Precacher) Collect(ctx context.Context, urls []string) ([]Resource, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	c := p.base.Clone()
	c.Context = ctx

	var current string
	var out []Resource
	c.OnResponse(func(r *colly.Response) {
		header := http.Header{}
		if r.Headers != nil {
			header = r.Headers.Clone()
		}
		out = append(out, Resource{
			URL:    current,
			Status: r.StatusCode,
			Header: header,
			Body:   append([]byte(nil), r.Body...),
		})
	})

	for _, u := range urls {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		current = u
		if err := c.Visit(u); err != nil {
			return nil, fmt.Errorf("precache %s: %w", u, err)
		}
	}
	return out, nil
}

// DiscoverAssets returns the same-origin stylesheets, scripts, icons and
// manifests referenced by an HTML document, resolved against base.
func DiscoverAssets(doc []byte, base *url.URL) ([]string, error) {
	d, err := goquery.NewDocumentFromReader(bytes.NewReader(doc))
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{})
	add := func(ref string) {
		ref = strings.TrimSpace(ref)
		if ref == "" || strings.HasPrefix(ref, "data:") {
			return
		}
		u, err := url.Parse(ref)
		if err != nil {
			return
		}
		abs := base.ResolveReference(u)
		if abs.Scheme != base.Scheme || abs.Host != base.Host {
			return
		}
		abs.Fragment = ""
		set[abs.String()] = struct{}{}
	}
	d.Find("link[href]").Each(func(_ int, s *goquery.Selection) {
		rel := strings.ToLower(s.AttrOr("rel", ""))
		for _, r := range strings.Fields(rel) {
			switch r {
			case "stylesheet", "icon", "apple-touch-icon", "manifest", "modulepreload", "preload":
				add(s.AttrOr("href", ""))
				return
			}
		}
	})
	d.Find("script[src]").Each(func(_ int, s *goquery.Selection) {
		add(s.AttrOr("src", ""))
	})

	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}
