package extract

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
)

var (
	metacriticGamePath = regexp.MustCompile(`^/game/([a-z0-9][a-z0-9-]*)(?:/|$)`)
	metacriticCount    = regexp.MustCompile(`([\d,]+)\s+(?:Critic|User)?\s*Reviews?`)
)

// Metacritic extracts records from www.metacritic.com.
type Metacritic struct{}

// NewMetacritic returns the Metacritic extractor.
func NewMetacritic() *Metacritic { return &Metacritic{} }

// Source implements crawler.Extractor.
func (*Metacritic) Source() crawler.Source { return crawler.SourceMetacritic }

// NativeID returns the game slug from a Metacritic URL.
func (*Metacritic) NativeID(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	return metacriticNativeID(u)
}

func metacriticNativeID(u *url.URL) (string, bool) {
	if !strings.HasSuffix(u.Hostname(), "metacritic.com") {
		return "", false
	}
	m := metacriticGamePath.FindStringSubmatch(strings.ToLower(u.Path))
	if m == nil {
		return "", false
	}
	return m[1], true
}

func metacriticCanonical(u *url.URL) (string, bool) {
	slug, ok := metacriticNativeID(u)
	if !ok {
		return "", false
	}
	return "https://www.metacritic.com/game/" + slug + "/", true
}

// ParseListing reads the browse grid of product cards.
func (*Metacritic) ParseListing(page crawler.RenderedPage) (crawler.ListingPage, error) {
	doc, err := parse(page)
	if err != nil {
		return crawler.ListingPage{}, err
	}
	hrefs := allAttrs(doc.Selection, "href", ".c-finderProductCard a.c-finderProductCard_container")
	if len(hrefs) == 0 {
		hrefs = allAttrs(doc.Selection, "href", ".c-finderProductCard a", "a[href^='/game/']")
	}
	urls := collectDetailURLs(pageURL(page), hrefs, metacriticCanonical)

	hasNext := len(urls) > 0
	if pager := doc.Find(".c-navigationPagination"); pager.Length() > 0 {
		next := pager.Find(".c-navigationPagination_item--next")
		hasNext = next.Length() > 0 && !next.HasClass("c-navigationPagination_item--disabled")
	}
	return crawler.ListingPage{DetailURLs: urls, HasNext: hasNext}, nil
}

// Extract reads a game detail page.
func (*Metacritic) Extract(page crawler.RenderedPage) (crawler.RawRecord, error) {
	doc, err := parse(page)
	if err != nil {
		return crawler.RawRecord{}, err
	}
	rec := crawler.RawRecord{Source: crawler.SourceMetacritic, ObservedAt: page.FetchedAt}
	for _, candidate := range []string{pageURL(page), page.URL} {
		u, err := url.Parse(candidate)
		if err != nil {
			continue
		}
		if canon, ok := metacriticCanonical(u); ok {
			rec.URL = canon
			rec.NativeID, _ = metacriticNativeID(u)
			break
		}
	}

	root := doc.Selection
	rec.Title = firstText(root, ".c-productHero_title h1", "[data-testid='hero-title'] h1", ".c-productHero_title", "h1")
	rec.Description = firstText(root, ".c-productionDetailsGame_description", "[data-testid='product-description']")
	if rec.Description == "" {
		rec.Description = metaContent(doc, "meta[name='description']")
	}
	rec.Developer = strings.Join(allTexts(root, ".c-gameDetails_Developer li", ".c-gameDetails_Developer a"), ", ")
	rec.Publisher = firstText(root, ".c-gameDetails_Distributor a", ".c-gameDetails_Distributor span.g-outer-spacing-left-medium-fluid")
	rec.ReleaseDate = firstText(root,
		".c-gameDetails_ReleaseDate span.g-outer-spacing-left-medium-fluid",
		".c-gameDetails_ReleaseDate span:last-child",
		".c-productHero_releaseDate span:last-child")
	rec.Genres = allTexts(root, ".c-genreList_item a", ".c-genreList_item", ".c-gameDetails_listItem a[href*='genre']")
	rec.Platforms = allTexts(root, ".c-gameDetails_Platforms li", ".c-platformsList_item", ".c-ProductHeroGamePlatformInfo title")
	rec.Features = allTexts(root, ".c-gameDetails_Features li")
	rec.Scores, rec.ReviewCount = metacriticScores(root)

	var media []crawler.RawMedia
	media = appendMedia(media, crawler.MediaCover, pageURL(page),
		firstAttr(root, "src", ".c-productHero_image img", ".c-productHero_player img"))
	if len(media) == 0 {
		media = appendMedia(media, crawler.MediaCover, pageURL(page), metaContent(doc, "meta[property='og:image']"))
	}
	media = appendMedia(media, crawler.MediaScreenshot, pageURL(page),
		allAttrs(root, "src", ".c-productHeroGallery img", ".c-mediaGallery img")...)
	rec.Media = media

	if err := finish(&rec); err != nil {
		return crawler.RawRecord{}, err
	}
	return rec, nil
}

func metacriticScores(root *goquery.Selection) ([]crawler.RawScore, string) {
	var scores []crawler.RawScore
	critic := firstText(root,
		"[data-testid='critic-score-info'] .c-siteReviewScore span",
		".c-siteReviewScore_background-positive span",
		".c-siteReviewScore_background-mixed span",
		".c-siteReviewScore_background-negative span")
	if isScore(critic) {
		scores = append(scores, crawler.RawScore{Kind: crawler.ScoreCritic, Value: critic, Scale: "100"})
	}
	user := firstText(root,
		"[data-testid='user-score-info'] .c-siteReviewScore span",
		".c-siteReviewScore_user span",
		".c-siteReviewScore_background-user span")
	if isScore(user) {
		scores = append(scores, crawler.RawScore{Kind: crawler.ScoreUser, Value: user, Scale: "10"})
	}

	var count string
	total := firstText(root,
		"[data-testid='critic-score-info'] .c-productScoreInfo_reviewsTotal",
		".c-productScoreInfo_reviewsTotal")
	if m := metacriticCount.FindStringSubmatch(total); m != nil {
		count = m[1]
	}
	return scores, count
}

// isScore rejects placeholders such as "tbd".
func isScore(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return true
}
