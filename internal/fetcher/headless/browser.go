// Package headless renders storefront pages in Chrome via chromedp.
package headless

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
)

// Config controls the browser process and page readiness polling.
type Config struct {
	MaxParallel       int
	NavigationTimeout time.Duration
	PollInterval      time.Duration
	UserAgents        []string
	ExecPath          string
	Visible           bool
	// BlockHints extends the built-in list of challenge page markers.
	BlockHints []string
}

// Browser owns the Chrome allocator and hands out sessions.
type Browser struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	nextUA      atomic.Uint64
	hints       []string
	logger      *zap.Logger
}

// NewBrowser creates a Browser. Chrome is launched lazily by NewSession.
func NewBrowser(cfg Config, logger *zap.Logger) (*Browser, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1366, 900),
	)
	if cfg.Visible {
		opts = append(opts, chromedp.Flag("headless", false))
	} else {
		opts = append(opts, chromedp.Flag("headless", "new"))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Browser{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		hints:       append(defaultBlockHints(), cfg.BlockHints...),
		logger:      logger,
	}, nil
}

// NewSession starts a browser instance with its own cookie jar and user agent.
func (b *Browser) NewSession(ctx context.Context) (crawler.Session, error) {
	s := &Session{browser: b}
	if err := s.Rotate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close shuts down every browser started by this allocator.
func (b *Browser) Close() {
	b.allocCancel()
}

func (b *Browser) userAgent() string {
	if len(b.cfg.UserAgents) == 0 {
		return ""
	}
	n := b.nextUA.Add(1) - 1
	return b.cfg.UserAgents[n%uint64(len(b.cfg.UserAgents))]
}

func (b *Browser) acquire(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	select {
	case b.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (b *Browser) release() {
	if b.limiter == nil {
		return
	}
	select {
	case <-b.limiter:
	default:
	}
}

// generation is one browser process. Tabs opened against it share cookies.
// A retired generation is closed once its last in-flight fetch returns.
type generation struct {
	ctx       context.Context
	cancel    context.CancelFunc
	userAgent string
	inflight  int
	retired   bool
}

// Session renders pages for one orchestrator run. It is safe for concurrent use.
type Session struct {
	browser *Browser

	mu      sync.Mutex
	current *generation
	closed  bool
}

// Rotate swaps in a fresh browser with the next user agent and an empty cookie
// jar. In-flight fetches finish on the previous browser.
func (s *Session) Rotate(ctx context.Context) error {
	browserCtx, cancel := chromedp.NewContext(s.browser.allocator)
	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("start browser: %w", err)
	}
	gen := &generation{ctx: browserCtx, cancel: cancel, userAgent: s.browser.userAgent()}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		cancel()
		return errors.New("session closed")
	}
	if old := s.current; old != nil {
		old.retired = true
		if old.inflight == 0 {
			old.cancel()
		}
	}
	s.current = gen
	s.browser.logger.Debug("browser session rotated", zap.String("user_agent", gen.userAgent))
	return nil
}

// Close shuts down the session's browser.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.current != nil {
		s.current.retired = true
		if s.current.inflight == 0 {
			s.current.cancel()
		}
	}
	return nil
}

func (s *Session) checkout() (*generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.current == nil {
		return nil, errors.New("session closed")
	}
	s.current.inflight++
	return s.current, nil
}

func (s *Session) checkin(gen *generation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gen.inflight--
	if gen.retired && gen.inflight == 0 {
		gen.cancel()
	}
}
