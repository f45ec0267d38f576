package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
)

func defaultBlockHints() []string {
	return []string{
		"captcha",
		"cloudflare ray id",
		"cf-chl",
		"verify you are human",
		"are you a robot",
		"access denied",
		"just a moment",
		"checking your browser",
		"too many requests",
		"unusual traffic",
		"request blocked",
	}
}

// detectBlock reports the first challenge marker found in the page title or body.
func detectBlock(hints []string, title, html string) (string, bool) {
	haystack := strings.ToLower(title + "\n" + html)
	for _, hint := range hints {
		if hint == "" {
			continue
		}
		if strings.Contains(haystack, strings.ToLower(hint)) {
			return hint, true
		}
	}
	return "", false
}

// checkRendered decides whether a rendered page is usable. Challenge markers
// only count when the readiness selector never matched, since storefronts
// embed captcha widgets on ordinary pages.
func checkRendered(req crawler.FetchRequest, ready bool, hints []string, title, html string) error {
	if ready {
		return nil
	}
	if hint, blocked := detectBlock(hints, title, html); blocked {
		return &crawler.PermanentFetchError{URL: req.URL, Reason: "blocked", Err: fmt.Errorf("page matched %q", hint)}
	}
	return &crawler.TransientFetchError{
		URL:    req.URL,
		Reason: "not_ready",
		Err:    fmt.Errorf("selector %q had no text after %s", req.WaitSelector, req.MaxWait),
	}
}

// classifyStatus maps the document status into retry semantics.
func classifyStatus(url string, status int) error {
	switch {
	case status == 0 || (status >= 200 && status < 400):
		return nil
	case status == http.StatusNotFound || status == http.StatusGone:
		return &crawler.PermanentFetchError{URL: url, Reason: "removed", Err: fmt.Errorf("status %d", status)}
	case status == http.StatusForbidden:
		return &crawler.PermanentFetchError{URL: url, Reason: "blocked", Err: fmt.Errorf("status %d", status)}
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return &crawler.TransientFetchError{URL: url, Reason: fmt.Sprintf("status_%d", status)}
	default:
		return &crawler.PermanentFetchError{URL: url, Reason: fmt.Sprintf("status_%d", status)}
	}
}

var transientNetErrors = []string{
	"net::ERR_CONNECTION_RESET",
	"net::ERR_CONNECTION_CLOSED",
	"net::ERR_CONNECTION_REFUSED",
	"net::ERR_CONNECTION_TIMED_OUT",
	"net::ERR_TIMED_OUT",
	"net::ERR_NETWORK_CHANGED",
	"net::ERR_EMPTY_RESPONSE",
	"net::ERR_HTTP2_PROTOCOL_ERROR",
	"net::ERR_NAME_NOT_RESOLVED",
	"net::ERR_INTERNET_DISCONNECTED",
}

// classifyRunError wraps a chromedp failure. Anything not recognized is
// treated as transient so the session gets rotated and retried.
func classifyRunError(url string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &crawler.TransientFetchError{URL: url, Reason: "timeout", Err: err}
	}
	msg := err.Error()
	for _, marker := range transientNetErrors {
		if strings.Contains(msg, marker) {
			return &crawler.TransientFetchError{URL: url, Reason: "network", Err: err}
		}
	}
	if strings.Contains(msg, "net::ERR_BLOCKED_BY_CLIENT") || strings.Contains(msg, "net::ERR_BLOCKED_BY_RESPONSE") {
		return &crawler.PermanentFetchError{URL: url, Reason: "blocked", Err: err}
	}
	return &crawler.TransientFetchError{URL: url, Reason: "browser", Err: err}
}
