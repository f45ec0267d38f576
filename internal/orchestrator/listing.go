package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
)

// ListingURL expands {page} and {offset} in tmpl for a 1-based page number.
func ListingURL(tmpl string, page, pageSize int) string {
	return strings.NewReplacer(
		"{page}", strconv.Itoa(page),
		"{offset}", strconv.Itoa((page-1)*max(pageSize, 0)),
	).Replace(tmpl)
}

// list paginates the source's listing and returns the detail URLs in listing
// order. exhausted reports that listing stopped because the catalog ended
// rather than because of a cap or a failed later page. A failed or empty first
// page is a structural failure wrapping crawler.ErrListingStructure.
func (o *Orchestrator) list(
	ctx context.Context,
	sess crawler.Session,
	ext crawler.Extractor,
	spec SourceSpec,
	logger *zap.Logger,
) (urls []string, exhausted bool, err error) {
	seen := make(map[string]struct{})
	for page := 1; spec.MaxPages <= 0 || page <= spec.MaxPages; page++ {
		pageURL := ListingURL(spec.ListingURL, page, spec.PageSize)
		lp, err := o.listingPage(ctx, sess, ext, spec, pageURL)
		if err != nil {
			if ctx.Err() != nil {
				return nil, false, fmt.Errorf("list %s: %w", spec.Source, ctx.Err())
			}
			if page == 1 {
				if !errors.Is(err, crawler.ErrListingStructure) {
					err = fmt.Errorf("%w: first page: %w", crawler.ErrListingStructure, err)
				}
				return nil, false, err
			}
			logger.Warn("listing page failed, keeping earlier pages",
				zap.Int("page", page), zap.String("url", pageURL), zap.Error(err))
			return urls, false, nil
		}
		if page == 1 && len(lp.DetailURLs) == 0 {
			return nil, false, fmt.Errorf("list %s: %w: first page has no detail links", pageURL, crawler.ErrListingStructure)
		}

		added := 0
		for _, u := range lp.DetailURLs {
			if _, dup := seen[u]; dup {
				continue
			}
			seen[u] = struct{}{}
			urls = append(urls, u)
			added++
			if spec.MaxItems > 0 && len(urls) >= spec.MaxItems {
				logger.Info("listing reached item cap", zap.Int("items", len(urls)))
				return urls, false, nil
			}
		}
		logger.Debug("listing page parsed", zap.Int("page", page), zap.Int("new", added), zap.Bool("has_next", lp.HasNext))
		if added == 0 || !lp.HasNext {
			return urls, true, nil
		}
	}
	logger.Info("listing reached page cap", zap.Int("pages", spec.MaxPages), zap.Int("items", len(urls)))
	return urls, false, nil
}

func (o *Orchestrator) listingPage(
	ctx context.Context,
	sess crawler.Session,
	ext crawler.Extractor,
	spec SourceSpec,
	pageURL string,
) (crawler.ListingPage, error) {
	if o.deps.Limiter != nil {
		if err := o.deps.Limiter.Wait(ctx, pageURL); err != nil {
			return crawler.ListingPage{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}
	req := spec.Listing
	req.URL = pageURL
	req.Source = spec.Source
	page, err := o.deps.Fetcher.Fetch(ctx, sess, req)
	if err != nil {
		return crawler.ListingPage{}, fmt.Errorf("fetch listing %s: %w", pageURL, err)
	}
	lp, err := ext.ParseListing(page)
	if err != nil {
		return crawler.ListingPage{}, fmt.Errorf("parse listing %s: %w", pageURL, err)
	}
	return lp, nil
}
