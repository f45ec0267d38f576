// Package extract turns rendered storefront pages into raw records.
//
// Every field is read through an ordered chain of selectors so that a single
// markup change on a storefront degrades one field instead of the whole record.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
)

// Registry maps each source to its extractor.
type Registry struct {
	extractors map[crawler.Source]crawler.Extractor
}

// NewRegistry returns a registry holding the built-in extractors.
func NewRegistry() *Registry {
	r := &Registry{extractors: make(map[crawler.Source]crawler.Extractor)}
	r.Register(NewSteam())
	r.Register(NewMetacritic())
	r.Register(NewEpic())
	return r
}

// Register adds or replaces the extractor for its source.
func (r *Registry) Register(e crawler.Extractor) {
	r.extractors[e.Source()] = e
}

// For returns the extractor for src.
func (r *Registry) For(src crawler.Source) (crawler.Extractor, error) {
	e, ok := r.extractors[src]
	if !ok {
		return nil, fmt.Errorf("no extractor registered for %s", src)
	}
	return e, nil
}

func parse(page crawler.RenderedPage) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.HTML))
	if err != nil {
		return nil, fmt.Errorf("parse html of %s: %w", page.URL, err)
	}
	return doc, nil
}

func clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// firstText returns the first non-empty text matched by the selector chain.
func firstText(sel *goquery.Selection, chain ...string) string {
	for _, css := range chain {
		var out string
		sel.Find(css).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			out = clean(s.Text())
			return out == ""
		})
		if out != "" {
			return out
		}
	}
	return ""
}

// firstAttr returns the first non-empty attribute matched by the selector chain.
func firstAttr(sel *goquery.Selection, attr string, chain ...string) string {
	for _, css := range chain {
		var out string
		sel.Find(css).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			out = strings.TrimSpace(s.AttrOr(attr, ""))
			return out == ""
		})
		if out != "" {
			return out
		}
	}
	return ""
}

// allTexts returns the texts of the first selector in the chain that matches anything.
func allTexts(sel *goquery.Selection, chain ...string) []string {
	for _, css := range chain {
		var out []string
		sel.Find(css).Each(func(_ int, s *goquery.Selection) {
			if t := clean(s.Text()); t != "" {
				out = append(out, t)
			}
		})
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

// allAttrs collects an attribute across every selector in the chain.
func allAttrs(sel *goquery.Selection, attr string, chain ...string) []string {
	var out []string
	for _, css := range chain {
		sel.Find(css).Each(func(_ int, s *goquery.Selection) {
			if v := strings.TrimSpace(s.AttrOr(attr, "")); v != "" {
				out = append(out, v)
			}
		})
	}
	return out
}

// labeledValue finds an element whose own text equals label and returns the
// text of its next sibling, as storefronts render "Developer / Name" pairs.
func labeledValue(doc *goquery.Document, label string) string {
	var out string
	doc.Find("span, div, dt, th, h3").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if !strings.EqualFold(clean(s.Text()), label) {
			return true
		}
		out = clean(s.Next().Text())
		return out == ""
	})
	return out
}

func metaContent(doc *goquery.Document, chain ...string) string {
	return firstAttr(doc.Selection, "content", chain...)
}

// resolve makes href absolute against base and drops the fragment.
func resolve(base, href string) (*url.URL, error) {
	b, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return nil, fmt.Errorf("parse href: %w", err)
	}
	u := b.ResolveReference(ref)
	u.Fragment = ""
	return u, nil
}

// collectDetailURLs canonicalizes hrefs with canon and drops duplicates,
// keeping first-seen order.
func collectDetailURLs(base string, hrefs []string, canon func(*url.URL) (string, bool)) []string {
	seen := make(map[string]struct{}, len(hrefs))
	out := make([]string, 0, len(hrefs))
	for _, href := range hrefs {
		u, err := resolve(base, href)
		if err != nil {
			continue
		}
		c, ok := canon(u)
		if !ok {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

func pageURL(page crawler.RenderedPage) string {
	if page.FinalURL != "" {
		return page.FinalURL
	}
	return page.URL
}

// finish records missing optional fields and fails when a required field is absent.
func finish(rec *crawler.RawRecord) error {
	var required []string
	if rec.Title == "" {
		required = append(required, "title")
	}
	if rec.URL == "" {
		required = append(required, "url")
	}
	if rec.NativeID == "" {
		required = append(required, "native_id")
	}
	if len(required) > 0 {
		return &crawler.ExtractError{Source: rec.Source, URL: rec.URL, MissingFields: required}
	}

	optional := []struct {
		name    string
		missing bool
	}{
		{"description", rec.Description == ""},
		{"developer", rec.Developer == ""},
		{"publisher", rec.Publisher == ""},
		{"release_date", rec.ReleaseDate == ""},
		{"genres", len(rec.Genres) == 0},
		{"platforms", len(rec.Platforms) == 0},
		{"features", len(rec.Features) == 0},
		{"price", rec.Price.Current == "" && rec.Price.Original == ""},
		{"scores", len(rec.Scores) == 0},
		{"review_count", rec.ReviewCount == ""},
		{"media", len(rec.Media) == 0},
	}
	rec.Missing = rec.Missing[:0]
	for _, f := range optional {
		if f.missing {
			rec.Missing = append(rec.Missing, f.name)
		}
	}
	return nil
}

func appendMedia(out []crawler.RawMedia, kind crawler.MediaKind, base string, urls ...string) []crawler.RawMedia {
	for _, raw := range urls {
		if raw == "" || strings.HasPrefix(raw, "data:") {
			continue
		}
		u, err := resolve(base, raw)
		if err != nil {
			continue
		}
		out = append(out, crawler.RawMedia{Kind: kind, URL: u.String()})
	}
	return out
}
