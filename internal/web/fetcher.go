package web

import (
	"bytes"
	"errors"
	"net/url"
	"sort"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"
)

const MaxSummarySize = 1 * 1024 * 1024 // 1MB

type PageSummary struct {
	URL         string   `json:"url"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Text        string   `json:"text"`
	Links       []string `json:"links"`
}

// Summarize renders a cached response body as readable text. HTML becomes
// Markdown with title, description and up to 50 absolute links; other text
// types are returned as-is.
func Summarize(rawURL, contentType string, body []byte) (*PageSummary, error) {
	if len(body) == 0 {
		return nil, errors.New("empty response body")
	}
	if len(body) > MaxSummarySize {
		body = append(body[:MaxSummarySize:MaxSummarySize], []byte("... [response trimmed due to size]")...)
	}

	lowerCT := strings.ToLower(contentType)
	isHTML := strings.Contains(lowerCT, "text/html")
	isText := strings.HasPrefix(lowerCT, "text/") ||
		strings.Contains(lowerCT, "json") ||
		strings.Contains(lowerCT, "javascript")
	if !isText {
		return nil, errors.New("unsupported content type: binary assets cannot be summarized")
	}
	if !isHTML {
		return &PageSummary{URL: rawURL, Text: string(body)}, nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	// Remove non-visible elements
	doc.Find("script, style, noscript, iframe, object, embed, img, video, picture, svg, canvas, audio, source, track, map, area, form, label, input, button, select, textarea, progress").Remove()

	title := strings.TrimSpace(doc.Find("head > title").First().Text())
	desc := strings.TrimSpace(doc.Find("meta[name=description]").AttrOr("content", ""))
	plainText := strings.Join(strings.Fields(doc.Find("body").Text()), " ")

	base, _ := url.Parse(rawURL)
	linkSet := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "javascript:") {
			return
		}
		u, err := url.Parse(href)
		if err != nil {
			return
		}
		if !u.IsAbs() && base != nil {
			u = base.ResolveReference(u)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return
		}
		u.Fragment = ""
		linkSet[u.String()] = struct{}{}
	})
	links := make([]string, 0, len(linkSet))
	for l := range linkSet {
		links = append(links, l)
	}
	sort.Strings(links)
	if len(links) > 50 {
		links = links[:50]
	}

	doc.Find("a").Remove()
	doc.Find("header, footer, aside").Remove()

	htmlStr, err := doc.Html()
	if err != nil {
		return nil, err
	}
	text := plainText
	if markdown, err := htmltomarkdown.ConvertString(htmlStr); err == nil {
		text = markdown
	}

	return &PageSummary{
		URL:         rawURL,
		Title:       title,
		Description: desc,
		Text:        text,
		Links:       links,
	}, nil
}
