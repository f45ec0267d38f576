package headless

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"

	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
)

func TestNewBrowserLimiterValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewBrowser(Config{MaxParallel: -1}, nil); err == nil {
		t.Fatal("expected error for negative max parallel")
	}
	browser, err := NewBrowser(Config{MaxParallel: 2}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer browser.Close()
	if cap(browser.limiter) != 2 {
		t.Fatalf("expected limiter capacity 2, got %d", cap(browser.limiter))
	}
	if browser.cfg.NavigationTimeout != 45*time.Second {
		t.Fatalf("expected default nav timeout, got %v", browser.cfg.NavigationTimeout)
	}
	if len(browser.hints) != len(defaultBlockHints()) {
		t.Fatalf("expected default hints, got %d", len(browser.hints))
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	browser, err := NewBrowser(Config{MaxParallel: 1}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer browser.Close()

	if err := browser.acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := browser.acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	browser.release()
	if err := browser.acquire(context.Background()); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestUserAgentRotation(t *testing.T) {
	t.Parallel()

	browser, err := NewBrowser(Config{UserAgents: []string{"a", "b", "c"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer browser.Close()
	var got []string
	for range 4 {
		got = append(got, browser.userAgent())
	}
	if strings.Join(got, ",") != "a,b,c,a" {
		t.Fatalf("unexpected rotation: %v", got)
	}
}

func TestSessionClosedCheckout(t *testing.T) {
	t.Parallel()

	s := &Session{browser: &Browser{}}
	if _, err := s.checkout(); err == nil {
		t.Fatal("expected error without a browser generation")
	}

	canceled := false
	gen := &generation{cancel: func() { canceled = true }}
	s.current = gen
	if _, err := s.checkout(); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if canceled {
		t.Fatal("generation canceled while a fetch is in flight")
	}
	s.checkin(gen)
	if !canceled {
		t.Fatal("expected retired generation to be canceled after last checkin")
	}
	if _, err := s.checkout(); err == nil {
		t.Fatal("expected error after close")
	}
}

func TestDetectBlock(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		title string
		html  string
		want  string
	}{
		{name: "cloudflare title", title: "Just a moment...", want: "just a moment"},
		{name: "captcha body", html: "<div class='g-recaptcha'>captcha</div>", want: "captcha"},
		{name: "normal page", title: "Hades on Steam", html: "<h1>Hades</h1>"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			hint, blocked := detectBlock(defaultBlockHints(), tc.title, tc.html)
			if blocked != (tc.want != "") || hint != tc.want {
				t.Fatalf("detectBlock = %q, %v; want %q", hint, blocked, tc.want)
			}
		})
	}

	if _, blocked := detectBlock(append(defaultBlockHints(), "", "Region Locked"), "", "region locked here"); !blocked {
		t.Fatal("expected custom hint to match case-insensitively")
	}
}

func TestCheckRenderedIgnoresWidgetsOnReadyPages(t *testing.T) {
	t.Parallel()

	req := crawler.FetchRequest{URL: "https://store.example/app/1", WaitSelector: ".apphub_AppName"}
	html := `<html><head><script src="https://www.google.com/recaptcha/api.js"></script></head>` +
		`<body><div class="apphub_AppName">Hades</div></body></html>`

	if err := checkRendered(req, true, defaultBlockHints(), "Hades on Steam", html); err != nil {
		t.Fatalf("ready page with an embedded captcha widget should pass: %v", err)
	}
	err := checkRendered(req, false, defaultBlockHints(), "Just a moment...", "<html></html>")
	if !crawler.IsPermanent(err) || fetchReason(err) != "blocked" {
		t.Fatalf("unready challenge page should be blocked, got %v", err)
	}
	err = checkRendered(req, false, defaultBlockHints(), "Hades on Steam", "<html><body></body></html>")
	if !crawler.IsTransient(err) || fetchReason(err) != "not_ready" {
		t.Fatalf("unready page without markers should be transient, got %v", err)
	}
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status    int
		transient bool
		permanent bool
		reason    string
	}{
		{status: 0},
		{status: http.StatusOK},
		{status: http.StatusFound},
		{status: http.StatusNotFound, permanent: true, reason: "removed"},
		{status: http.StatusGone, permanent: true, reason: "removed"},
		{status: http.StatusForbidden, permanent: true, reason: "blocked"},
		{status: http.StatusTooManyRequests, transient: true, reason: "status_429"},
		{status: http.StatusBadGateway, transient: true, reason: "status_502"},
		{status: http.StatusTeapot, permanent: true, reason: "status_418"},
	}
	for _, tc := range cases {
		err := classifyStatus("https://store.example/app/1", tc.status)
		if crawler.IsTransient(err) != tc.transient || crawler.IsPermanent(err) != tc.permanent {
			t.Fatalf("status %d: unexpected classification %v", tc.status, err)
		}
		if tc.reason != "" && fetchReason(err) != tc.reason {
			t.Fatalf("status %d: expected reason %q, got %v", tc.status, tc.reason, err)
		}
	}
}

func fetchReason(err error) string {
	var perm *crawler.PermanentFetchError
	if errors.As(err, &perm) {
		return perm.Reason
	}
	var trans *crawler.TransientFetchError
	if errors.As(err, &trans) {
		return trans.Reason
	}
	return ""
}

func TestClassifyRunError(t *testing.T) {
	t.Parallel()

	const url = "https://store.example/app/1"
	if err := classifyRunError(url, context.DeadlineExceeded); !crawler.IsTransient(err) {
		t.Fatalf("deadline should be transient: %v", err)
	}
	if err := classifyRunError(url, errors.New("page load error net::ERR_CONNECTION_RESET")); !crawler.IsTransient(err) {
		t.Fatalf("connection reset should be transient: %v", err)
	}
	if err := classifyRunError(url, errors.New("page load error net::ERR_BLOCKED_BY_CLIENT")); !crawler.IsPermanent(err) {
		t.Fatalf("blocked by client should be permanent: %v", err)
	}
	if err := classifyRunError(url, errors.New("websocket closed")); !crawler.IsTransient(err) {
		t.Fatalf("unknown browser errors should be transient: %v", err)
	}
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{Type: network.ResourceTypeImage, Response: &network.Response{Status: 500}})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 200, URL: "https://store.example/agecheck"},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 404, URL: "https://store.example/iframe"},
	})
	status, url := meta.snapshotWithFallbacks("https://req", "")
	if status != 200 || url != "https://store.example/agecheck" {
		t.Fatalf("unexpected snapshot: status=%d url=%s", status, url)
	}
	if _, url := meta.snapshotWithFallbacks("https://req", "https://final"); url != "https://final" {
		t.Fatalf("final URL should win, got %s", url)
	}

	empty := newResponseMeta()
	status, url = empty.snapshotWithFallbacks("https://req", "")
	if status != http.StatusOK || url != "https://req" {
		t.Fatalf("unexpected fallback: status=%d url=%s", status, url)
	}
}

func TestScriptsQuoteSelectors(t *testing.T) {
	t.Parallel()

	script := readyScript(`a[href*="/p/"]`)
	if !strings.Contains(script, `"a[href*=\"/p/\"]"`) {
		t.Fatalf("selector not JSON-quoted: %s", script)
	}
	if !strings.Contains(clickScript("#accept"), `document.querySelector("#accept")`) {
		t.Fatal("click script should target the selector")
	}
}
