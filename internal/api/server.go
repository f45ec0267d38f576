// Package api exposes the HTTP interface for the crawler service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
	"github.com/JakeFAU/game-catalog-crawler/internal/metrics"
	"github.com/JakeFAU/game-catalog-crawler/internal/orchestrator"
	"github.com/JakeFAU/game-catalog-crawler/internal/store"
)

const (
	defaultRequestTimeout = 60 * time.Second
	readyTimeout          = 2 * time.Second
	defaultCandidateLimit = 100
	maxCandidateLimit     = 1000
)

// CrawlController starts, stops, and lists per-source runs.
type CrawlController interface {
	Start(ctx context.Context, source crawler.Source) error
	Stop(source crawler.Source) bool
	Active() []orchestrator.RunInfo
}

// Options tune the HTTP surface.
type Options struct {
	// APIKey guards /v1 routes when non-empty.
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the orchestrator and stores.
type Server struct {
	router      chi.Router
	crawls      CrawlController
	checkpoints crawler.CheckpointStore
	catalog     crawler.CatalogStore
	logger      *zap.Logger
}

// NewServer constructs a Server with middleware and routes. runs may be nil, in
// which case /v1/runs answers 503.
func NewServer(
	crawls CrawlController,
	checkpoints crawler.CheckpointStore,
	catalog crawler.CatalogStore,
	runs store.RunRepository,
	opts Options,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{
		crawls:      crawls,
		checkpoints: checkpoints,
		catalog:     catalog,
		logger:      logger,
	}
	runHandler := NewRunHandler(runs, logger)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Route("/crawls/{source}", func(r chi.Router) {
			r.Post("/", s.startCrawl)
			r.Get("/", s.getCrawl)
			r.Post("/stop", s.stopCrawl)
		})
		r.Get("/crawls", s.listCrawls)
		r.Get("/runs", runHandler.ListRuns)
		r.Get("/runs/{run_id}", runHandler.GetRun)
		r.Get("/link-candidates", s.listLinkCandidates)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeError(w, http.StatusServiceUnavailable, "catalog unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if err := s.catalog.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "catalog unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	src, ok := parseSourceParam(w, r)
	if !ok {
		return
	}
	// The run outlives the request.
	if err := s.crawls.Start(context.WithoutCancel(r.Context()), src); err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrRunActive):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, ErrSourceDisabled):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			s.logger.Error("start crawl failed", zap.String("source", string(src)), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to start crawl")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"source": string(src), "status": "started"})
}

func (s *Server) stopCrawl(w http.ResponseWriter, r *http.Request) {
	src, ok := parseSourceParam(w, r)
	if !ok {
		return
	}
	if !s.crawls.Stop(src) {
		writeError(w, http.StatusNotFound, "no active run")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"source": string(src), "status": "stopping"})
}

func (s *Server) getCrawl(w http.ResponseWriter, r *http.Request) {
	src, ok := parseSourceParam(w, r)
	if !ok {
		return
	}
	resp := crawlDTO{Source: string(src)}
	for _, info := range s.crawls.Active() {
		if info.Source == src {
			resp.Active = &info
			break
		}
	}
	if s.checkpoints != nil {
		cp, found, err := s.checkpoints.Load(r.Context(), src)
		if err != nil {
			s.logger.Error("load checkpoint failed", zap.String("source", string(src)), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load checkpoint")
			return
		}
		if found {
			resp.Checkpoint = toCheckpointDTO(cp)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listCrawls(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"active": s.crawls.Active()})
}

func (s *Server) listLinkCandidates(w http.ResponseWriter, r *http.Request) {
	limit, _, err := parseLimitOffset(r, defaultCandidateLimit, maxCandidateLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	links, err := s.catalog.ListLinkCandidates(r.Context(), limit)
	if err != nil {
		s.logger.Error("list link candidates failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list link candidates")
		return
	}
	out := make([]linkCandidateDTO, 0, len(links))
	for _, l := range links {
		out = append(out, linkCandidateDTO{
			ProductID:       l.ProductID,
			LinkedProductID: l.LinkedProductID,
			Confidence:      l.Confidence,
			CreatedAt:       l.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": out})
}

// ErrSourceDisabled is returned by a CrawlController for a source that is not
// configured.
var ErrSourceDisabled = errors.New("source not enabled")

func parseSourceParam(w http.ResponseWriter, r *http.Request) (crawler.Source, bool) {
	src, err := crawler.ParseSource(chi.URLParam(r, "source"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return src, true
}

type crawlDTO struct {
	Source     string                `json:"source"`
	Active     *orchestrator.RunInfo `json:"active,omitempty"`
	Checkpoint *checkpointDTO        `json:"checkpoint,omitempty"`
}

type checkpointDTO struct {
	RunID            string    `json:"run_id"`
	State            string    `json:"state"`
	Queued           int       `json:"queued"`
	Done             int       `json:"done"`
	Remaining        int       `json:"remaining"`
	ListingExhausted bool      `json:"listing_exhausted"`
	Reason           string    `json:"reason,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func toCheckpointDTO(cp crawler.Checkpoint) *checkpointDTO {
	return &checkpointDTO{
		RunID:            cp.RunID,
		State:            string(cp.State),
		Queued:           len(cp.Queue),
		Done:             len(cp.Done),
		Remaining:        len(cp.Remaining()),
		ListingExhausted: cp.ListingExhausted,
		Reason:           cp.Reason,
		UpdatedAt:        cp.UpdatedAt,
	}
}

type linkCandidateDTO struct {
	ProductID       string    `json:"product_id"`
	LinkedProductID string    `json:"linked_product_id"`
	Confidence      float64   `json:"confidence"`
	CreatedAt       time.Time `json:"created_at"`
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
