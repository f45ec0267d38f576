package extract

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
)

var epicProductPath = regexp.MustCompile(`^(?:/[a-z]{2}-[a-z]{2})?/p/([a-z0-9][a-z0-9-]*)(?:/|$)`)

// Epic extracts records from store.epicgames.com.
type Epic struct{}

// NewEpic returns the Epic Games Store extractor.
func NewEpic() *Epic { return &Epic{} }

// Source implements crawler.Extractor.
func (*Epic) Source() crawler.Source { return crawler.SourceEpic }

// NativeID returns the product slug from a store URL.
func (*Epic) NativeID(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	return epicNativeID(u)
}

func epicNativeID(u *url.URL) (string, bool) {
	if !strings.HasSuffix(u.Hostname(), "epicgames.com") {
		return "", false
	}
	m := epicProductPath.FindStringSubmatch(strings.ToLower(u.Path))
	if m == nil {
		return "", false
	}
	return m[1], true
}

func epicCanonical(u *url.URL) (string, bool) {
	slug, ok := epicNativeID(u)
	if !ok {
		return "", false
	}
	return "https://store.epicgames.com/en-US/p/" + slug, true
}

// ParseListing reads the browse grid of offer cards.
func (*Epic) ParseListing(page crawler.RenderedPage) (crawler.ListingPage, error) {
	doc, err := parse(page)
	if err != nil {
		return crawler.ListingPage{}, err
	}
	hrefs := allAttrs(doc.Selection, "href", `a[data-testid="offer-card-image-portrait"]`)
	if len(hrefs) == 0 {
		hrefs = allAttrs(doc.Selection, "href", "section[data-testid='offer-card-layout'] a", "a[href*='/p/']")
	}
	urls := collectDetailURLs(pageURL(page), hrefs, epicCanonical)

	hasNext := len(urls) > 0
	if next := doc.Find("button[aria-label='Next page'], a[aria-label='Next page']"); next.Length() > 0 {
		_, disabled := next.Attr("disabled")
		hasNext = !disabled && next.AttrOr("aria-disabled", "false") != "true"
	}
	return crawler.ListingPage{DetailURLs: urls, HasNext: hasNext}, nil
}

// Extract reads a product detail page.
func (*Epic) Extract(page crawler.RenderedPage) (crawler.RawRecord, error) {
	doc, err := parse(page)
	if err != nil {
		return crawler.RawRecord{}, err
	}
	rec := crawler.RawRecord{Source: crawler.SourceEpic, ObservedAt: page.FetchedAt}
	for _, candidate := range []string{pageURL(page), page.URL} {
		u, err := url.Parse(candidate)
		if err != nil {
			continue
		}
		if canon, ok := epicCanonical(u); ok {
			rec.URL = canon
			rec.NativeID, _ = epicNativeID(u)
			break
		}
	}

	root := doc.Selection
	rec.Title = firstText(root, "[data-testid='pdp-title']", "h1")
	rec.Description = firstText(root, "[data-testid='description']", "div.description")
	if rec.Description == "" {
		rec.Description = metaContent(doc, "meta[name='description']", "meta[property='og:description']")
	}
	rec.Developer = firstText(root, "[data-testid='developer']")
	if rec.Developer == "" {
		rec.Developer = labeledValue(doc, "Developer")
	}
	rec.Publisher = firstText(root, "[data-testid='publisher']")
	if rec.Publisher == "" {
		rec.Publisher = labeledValue(doc, "Publisher")
	}
	rec.ReleaseDate = firstAttr(root, "datetime", "time[datetime]")
	if rec.ReleaseDate == "" {
		rec.ReleaseDate = firstText(root, "[data-testid='release-date']")
	}
	if rec.ReleaseDate == "" {
		rec.ReleaseDate = labeledValue(doc, "Release Date")
	}
	rec.Genres = allTexts(root, "[data-testid='genres'] span", "a[href*='browse?tag=']", "a[href*='genre']")
	rec.Features = allTexts(root, "[data-testid='features'] span", "ul[aria-label*='Features'] li")
	rec.Platforms = allTexts(root, "[data-testid='platforms'] span", "[data-testid='platform-icon']")
	if len(rec.Platforms) == 0 {
		rec.Platforms = allAttrs(root, "aria-label", "[data-testid='platform-icon']")
	}
	rec.Price = epicPrice(root)
	if rating := firstText(root, "[data-testid='rating']", "span[aria-label*='rating']"); isScore(rating) {
		rec.Scores = []crawler.RawScore{{Kind: crawler.ScoreOverall, Value: rating, Scale: "5"}}
	}

	var media []crawler.RawMedia
	media = appendMedia(media, crawler.MediaCover, pageURL(page),
		firstAttr(root, "src", "img[data-testid='keyArt']", "img[alt*='Key Art']"))
	if len(media) == 0 {
		media = appendMedia(media, crawler.MediaCover, pageURL(page), metaContent(doc, "meta[property='og:image']"))
	}
	media = appendMedia(media, crawler.MediaScreenshot, pageURL(page),
		allAttrs(root, "src", "[data-testid='gallery'] img", "[data-testid='carousel'] img")...)
	rec.Media = media

	if err := finish(&rec); err != nil {
		return crawler.RawRecord{}, err
	}
	return rec, nil
}

func epicPrice(root *goquery.Selection) crawler.RawPrice {
	read := func(box *goquery.Selection) crawler.RawPrice {
		return crawler.RawPrice{
			Current:  firstText(box, "span[data-testid='price']", "[data-testid='purchase-price']"),
			Original: firstText(box, "span[data-testid='original-price']", "s", "del"),
			Discount: firstText(box, "span[data-testid='discount-percentage']"),
		}
	}
	if box := root.Find("[data-testid='pdp-price'], aside").First(); box.Length() > 0 {
		if price := read(box); price.Current != "" {
			return price
		}
	}
	return read(root)
}
