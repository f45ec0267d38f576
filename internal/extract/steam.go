package extract

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
)

var (
	steamAppPath      = regexp.MustCompile(`^/app/(\d+)(?:/|$)`)
	steamPercent      = regexp.MustCompile(`(\d{1,3})%`)
	steamReviewCount  = regexp.MustCompile(`(?i)of the ([\d,.]+) user reviews`)
	steamThumbSize    = regexp.MustCompile(`\.116x65(\.\w+)`)
	steamScreenSuffix = ".1920x1080$1"
)

// Steam extracts records from store.steampowered.com.
type Steam struct{}

// NewSteam returns the Steam extractor.
func NewSteam() *Steam { return &Steam{} }

// Source implements crawler.Extractor.
func (*Steam) Source() crawler.Source { return crawler.SourceSteam }

// NativeID returns the numeric app id from a store URL.
func (*Steam) NativeID(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	return steamNativeID(u)
}

func steamNativeID(u *url.URL) (string, bool) {
	if !strings.HasSuffix(u.Hostname(), "steampowered.com") {
		return "", false
	}
	m := steamAppPath.FindStringSubmatch(u.Path)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func steamCanonical(u *url.URL) (string, bool) {
	id, ok := steamNativeID(u)
	if !ok {
		return "", false
	}
	return "https://store.steampowered.com/app/" + id + "/", true
}

// ParseListing reads the search results grid.
func (*Steam) ParseListing(page crawler.RenderedPage) (crawler.ListingPage, error) {
	doc, err := parse(page)
	if err != nil {
		return crawler.ListingPage{}, err
	}
	hrefs := allAttrs(doc.Selection, "href", "#search_resultsRows > a")
	if len(hrefs) == 0 {
		hrefs = allAttrs(doc.Selection, "href", "a.search_result_row", "a[href*='/app/']")
	}
	urls := collectDetailURLs(pageURL(page), hrefs, steamCanonical)

	hasNext := len(urls) > 0
	if pager := doc.Find(".search_pagination_right"); pager.Length() > 0 {
		hasNext = pager.Find("a.pagebtn").FilterFunction(func(_ int, s *goquery.Selection) bool {
			return strings.Contains(s.Text(), ">")
		}).Length() > 0
	}
	return crawler.ListingPage{DetailURLs: urls, HasNext: hasNext}, nil
}

// Extract reads an app detail page.
func (s *Steam) Extract(page crawler.RenderedPage) (crawler.RawRecord, error) {
	doc, err := parse(page)
	if err != nil {
		return crawler.RawRecord{}, err
	}
	rec := crawler.RawRecord{Source: crawler.SourceSteam, ObservedAt: page.FetchedAt}
	if u, err := url.Parse(pageURL(page)); err == nil {
		if canon, ok := steamCanonical(u); ok {
			rec.URL = canon
			rec.NativeID, _ = steamNativeID(u)
		}
	}
	if rec.NativeID == "" {
		if u, err := url.Parse(page.URL); err == nil {
			if canon, ok := steamCanonical(u); ok {
				rec.URL = canon
				rec.NativeID, _ = steamNativeID(u)
			}
		}
	}

	root := doc.Selection
	rec.Title = firstText(root, "#appHubAppName", ".apphub_AppName")
	if rec.Title == "" {
		rec.Title = strings.TrimSuffix(metaContent(doc, "meta[property='og:title']"), " on Steam")
	}
	rec.Description = firstText(root, ".game_description_snippet")
	if rec.Description == "" {
		rec.Description = metaContent(doc, "meta[name='description']", "meta[property='og:description']")
	}

	grid := root.Find("#appHeaderGridContainer .grid_content")
	rec.Developer = firstText(root, "#developers_list a", ".dev_row #developers_list")
	if rec.Developer == "" && grid.Length() > 0 {
		rec.Developer = clean(grid.Eq(0).Text())
	}
	if grid.Length() > 1 {
		rec.Publisher = clean(grid.Eq(1).Text())
	}
	if rec.Publisher == "" {
		rows := root.Find(".dev_row")
		if rows.Length() > 1 {
			rec.Publisher = clean(rows.Eq(1).Find(".summary a, a").First().Text())
		}
	}
	rec.ReleaseDate = firstText(root, ".release_date .date", "#appHeaderGridContainer .grid_date")

	rec.Genres = allTexts(root, ".details_block a[href*='genre']", "#genresAndManufacturer a[href*='genre']")
	rec.Features = allTexts(root, ".game_area_features_list_ctn a", ".game_area_details_specs a.name")
	rec.Platforms = steamPlatforms(root)
	rec.Price = steamPrice(doc)
	rec.Scores, rec.ReviewCount = steamReviews(doc)
	rec.Media = steamMedia(root, pageURL(page))

	if err := finish(&rec); err != nil {
		return crawler.RawRecord{}, err
	}
	return rec, nil
}

func steamPlatforms(root *goquery.Selection) []string {
	var out []string
	block := root.Find(".game_area_purchase_platform").First()
	for _, p := range []struct{ class, name string }{
		{"win", "windows"},
		{"mac", "mac"},
		{"linux", "linux"},
	} {
		if block.Find(".platform_img."+p.class).Length() > 0 ||
			root.Find(".sysreq_tab[data-os='"+p.class+"']").Length() > 0 {
			out = append(out, p.name)
		}
	}
	return out
}

func steamPrice(doc *goquery.Document) crawler.RawPrice {
	purchase := doc.Find(".game_area_purchase_game").First()
	if purchase.Length() == 0 {
		purchase = doc.Selection
	}
	price := crawler.RawPrice{
		Current:  firstText(purchase, ".discount_final_price", ".game_purchase_price"),
		Original: firstText(purchase, ".discount_original_price"),
		Discount: firstText(purchase, ".discount_pct"),
		Currency: metaContent(doc, "meta[itemprop='priceCurrency']"),
	}
	if price.Current == "" {
		price.Current = metaContent(doc, "meta[itemprop='price']")
	}
	return price
}

func steamReviews(doc *goquery.Document) ([]crawler.RawScore, string) {
	row := doc.Find("#userReviews .user_reviews_summary_row").Last()
	tooltip := row.AttrOr("data-tooltip-html", "")
	if tooltip == "" {
		tooltip = firstAttr(doc.Selection, "data-tooltip-html", ".search_review_summary", ".user_reviews_summary_row")
	}
	label := clean(row.Find(".game_review_summary").Text())
	if label == "" {
		label = firstText(doc.Selection, ".game_review_summary")
	}

	var count string
	if m := steamReviewCount.FindStringSubmatch(tooltip); m != nil {
		count = m[1]
	} else {
		count = metaContent(doc, "meta[itemprop='reviewCount']")
	}

	switch m := steamPercent.FindStringSubmatch(tooltip); {
	case m != nil:
		return []crawler.RawScore{{Kind: crawler.ScoreOverall, Value: m[1] + "%", Scale: "percent", Label: label}}, count
	case label != "":
		return []crawler.RawScore{{Kind: crawler.ScoreOverall, Scale: "label", Label: label}}, count
	default:
		return nil, count
	}
}

func steamMedia(root *goquery.Selection, base string) []crawler.RawMedia {
	var media []crawler.RawMedia
	media = appendMedia(media, crawler.MediaCover, base,
		firstAttr(root, "src", ".game_header_image_full", "img.game_header_image"))

	shots := allAttrs(root, "href", "a.highlight_screenshot_link")
	if len(shots) == 0 {
		for _, src := range allAttrs(root, "src", ".highlight_screenshot img", ".screenshot_holder img") {
			shots = append(shots, steamThumbSize.ReplaceAllString(src, steamScreenSuffix))
		}
	}
	media = appendMedia(media, crawler.MediaScreenshot, base, shots...)
	media = appendMedia(media, crawler.MediaVideoThumb, base, allAttrs(root, "data-poster", ".highlight_movie")...)
	return media
}
