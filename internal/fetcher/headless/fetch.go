package headless

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
)

// Fetch navigates to req.URL in a new tab, clears overlays and age gates, and
// polls until req.WaitSelector carries text or req.MaxWait elapses.
func (s *Session) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.RenderedPage, error) {
	if err := s.browser.acquire(ctx); err != nil {
		return crawler.RenderedPage{}, err
	}
	defer s.browser.release()

	gen, err := s.checkout()
	if err != nil {
		return crawler.RenderedPage{}, err
	}
	defer s.checkin(gen)

	tabCtx, tabCancel := chromedp.NewContext(gen.ctx)
	defer tabCancel()
	tabCtx, cancel := context.WithTimeout(tabCtx, s.browser.cfg.NavigationTimeout+req.MaxWait)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	start := time.Now()
	if err := chromedp.Run(tabCtx, networkSetupAction(gen.userAgent), chromedp.Navigate(req.URL)); err != nil {
		if ctx.Err() != nil {
			return crawler.RenderedPage{}, ctx.Err()
		}
		return crawler.RenderedPage{}, classifyRunError(req.URL, err)
	}
	status, _ := meta.snapshot()
	if err := classifyStatus(req.URL, status); err != nil {
		return crawler.RenderedPage{}, err
	}

	ready := s.awaitReady(tabCtx, req)

	var (
		html     string
		title    string
		finalURL string
	)
	if err := chromedp.Run(tabCtx,
		chromedp.Location(&finalURL),
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		if ctx.Err() != nil {
			return crawler.RenderedPage{}, ctx.Err()
		}
		return crawler.RenderedPage{}, classifyRunError(req.URL, err)
	}
	if err := checkRendered(req, ready, s.browser.hints, title, html); err != nil {
		if crawler.IsTransient(err) && ctx.Err() != nil {
			return crawler.RenderedPage{}, ctx.Err()
		}
		return crawler.RenderedPage{}, err
	}

	status, url := meta.snapshotWithFallbacks(req.URL, finalURL)
	s.browser.logger.Debug("page rendered",
		zap.String("url", req.URL),
		zap.Int("status", status),
		zap.Duration("duration", time.Since(start)),
	)
	return crawler.RenderedPage{
		URL:        req.URL,
		FinalURL:   url,
		StatusCode: status,
		HTML:       []byte(html),
		Title:      title,
		UserAgent:  gen.userAgent,
		FetchedAt:  start.UTC(),
		Duration:   time.Since(start),
	}, nil
}

// awaitReady dismisses overlays and polls the readiness selector. Evaluation
// errors during in-page navigation count as "not ready yet".
func (s *Session) awaitReady(ctx context.Context, req crawler.FetchRequest) bool {
	if req.WaitSelector == "" {
		return true
	}
	maxWait := req.MaxWait
	if maxWait <= 0 {
		maxWait = 20 * time.Second
	}
	deadline := time.Now().Add(maxWait)
	ticker := time.NewTicker(s.browser.cfg.PollInterval)
	defer ticker.Stop()

	gatePassed := !req.AgeGate
	for {
		for _, sel := range req.Dismiss {
			var clicked bool
			_ = chromedp.Run(ctx, chromedp.Evaluate(clickScript(sel), &clicked))
		}
		if !gatePassed {
			var answered bool
			if err := chromedp.Run(ctx, chromedp.Evaluate(ageGateScript, &answered)); err == nil && answered {
				gatePassed = true
				s.browser.logger.Debug("age gate answered", zap.String("url", req.URL))
			}
		}
		var textLen int
		if err := chromedp.Run(ctx, chromedp.Evaluate(readyScript(req.WaitSelector), &textLen)); err == nil && textLen > 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func networkSetupAction(userAgent string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if userAgent != "" {
			if err := emulation.SetUserAgentOverride(userAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": "en-US,en;q=0.9"}).Do(ctx)
	})
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func readyScript(selector string) string {
	return fmt.Sprintf(`(() => {
  const el = document.querySelector(%s);
  return el ? (el.textContent || "").trim().length : -1;
})()`, jsString(selector))
}

func clickScript(selector string) string {
	return fmt.Sprintf(`(() => {
  const el = document.querySelector(%s);
  if (el && el.offsetParent !== null) { el.click(); return true; }
  return false;
})()`, jsString(selector))
}

const ageGateScript = `(() => {
  if (!document.querySelector('.agegate_birthday_selector')) return false;
  const year = document.querySelector('#ageYear');
  if (year) { year.value = '1990'; year.dispatchEvent(new Event('change', {bubbles: true})); }
  const btn = document.querySelector('#view_product_page_btn') || document.querySelector('#age_gate_btn_continue');
  if (!btn) return false;
  btn.click();
  return true;
})()`

// responseMeta records the main document response seen on the network domain.
type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Keep the first document status; later documents are iframes or gate redirects.
	if m.status != 0 {
		return
	}
	m.status = int(resp.Response.Status)
	m.url = resp.Response.URL
}

func (m *responseMeta) snapshot() (int, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.url
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	status, url := m.snapshot()
	switch {
	case finalURL != "":
		url = finalURL
	case url != "":
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}
