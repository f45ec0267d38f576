// Package collyfetcher downloads product media with gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
)

// ErrNotImage is returned when a media URL serves something other than an image.
var ErrNotImage = errors.New("response is not an image")

// ErrTooLarge is returned when a media body exceeds Config.MaxBytes.
var ErrTooLarge = errors.New("media exceeds size limit")

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxBytes      int64
}

// Downloader implements crawler.MediaDownloader using a Colly collector.
type Downloader struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Downloader.
func New(cfg Config) *Downloader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 << 20
	}
	c := colly.NewCollector(colly.Async(false))
	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Downloader{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// Download fetches ref.URL and returns the image bytes.
func (d *Downloader) Download(ctx context.Context, ref crawler.MediaRef) (crawler.MediaBlob, error) {
	var (
		blob     crawler.MediaBlob
		fetchErr error
	)
	collector := d.buildCollector(ref, &blob, &fetchErr)
	if err := runCollector(ctx, collector, ref.URL, &fetchErr); err != nil {
		return crawler.MediaBlob{}, err
	}
	if int64(len(blob.Data)) > d.cfg.MaxBytes {
		return crawler.MediaBlob{}, fmt.Errorf("download %s: %w", ref.URL, ErrTooLarge)
	}
	if len(blob.Data) == 0 {
		return crawler.MediaBlob{}, fmt.Errorf("download %s: empty body", ref.URL)
	}
	if blob.ContentType == "" {
		blob.ContentType = http.DetectContentType(blob.Data)
	}
	if !strings.HasPrefix(blob.ContentType, "image/") {
		return crawler.MediaBlob{}, fmt.Errorf("download %s (%s): %w", ref.URL, blob.ContentType, ErrNotImage)
	}
	return blob, nil
}

func (d *Downloader) buildCollector(ref crawler.MediaRef, blob *crawler.MediaBlob, fetchErr *error) *colly.Collector {
	collector := d.baseCollector.Clone()
	collector.AllowURLRevisit = true
	if d.cfg.UserAgent != "" {
		collector.UserAgent = d.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !d.cfg.RespectRobots
	collector.SetRequestTimeout(d.cfg.Timeout)
	// One extra byte lets Download tell a truncated body from an exact fit.
	collector.MaxBodySize = int(d.cfg.MaxBytes) + 1

	if d.cfg.RespectRobots {
		collector.WithTransport(&robotsAwareTransport{base: d.transport, state: newRobotsProbeState()})
	} else {
		collector.WithTransport(d.transport)
	}
	configureCollectorHooks(collector, ref, blob, fetchErr)
	return collector
}

func configureCollectorHooks(hooks collectorHooks, ref crawler.MediaRef, blob *crawler.MediaBlob, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "image/avif,image/webp,image/png,image/jpeg,image/*;q=0.8")
	})

	hooks.OnResponse(func(r *colly.Response) {
		*blob = crawler.MediaBlob{
			Kind:        ref.Kind,
			SourceURL:   ref.URL,
			ContentType: mediaType(r.Headers),
			Data:        append([]byte(nil), r.Body...),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			*fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		*fetchErr = err
	})
}

func mediaType(h *http.Header) string {
	if h == nil {
		return ""
	}
	mt, _, err := mime.ParseMediaType(h.Get("Content-Type"))
	if err != nil {
		return ""
	}
	return mt
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("media download canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("media visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("media response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
	}
}
