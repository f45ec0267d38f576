// Package worker runs the detail-page pipeline for one source run: fetch,
// extract, normalize, resolve, download media and commit.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/game-catalog-crawler/internal/commit"
	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
	"github.com/JakeFAU/game-catalog-crawler/internal/dedup"
	"github.com/JakeFAU/game-catalog-crawler/internal/id/uuid"
	"github.com/JakeFAU/game-catalog-crawler/internal/metrics"
	"github.com/JakeFAU/game-catalog-crawler/internal/progress"
)

const tracerName = "github.com/JakeFAU/game-catalog-crawler/internal/worker"

// Normalizer turns raw extractor output into canonical records.
type Normalizer interface {
	Normalize(raw crawler.RawRecord) (crawler.NormalizedRecord, error)
}

// Committer persists one record and its media.
type Committer interface {
	Commit(ctx context.Context, in commit.Input) (crawler.CommitResult, error)
}

// Limiter blocks until the host of rawURL may be fetched again.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Index is the identity index shared by all workers of the process.
type Index interface {
	dedup.Index
	Add(ref crawler.ProductRef)
	MarkLinked(productID string)
}

// Config controls Worker behavior.
type Config struct {
	RunID  string
	Source crawler.Source
	// Detail is the request template for detail pages; URL and Source are
	// filled per item.
	Detail      crawler.FetchRequest
	ItemTimeout time.Duration
	// MaxMedia caps media downloads per product; zero means no cap.
	MaxMedia    int
	ReviewTopic string
}

// Deps wires the worker's collaborators. Publisher, Media, Limiter, Progress
// and OnResult are optional.
type Deps struct {
	Session     crawler.Session
	Fetcher     crawler.PageFetcher
	Extractor   crawler.Extractor
	Normalizer  Normalizer
	Resolver    *dedup.Resolver
	Index       Index
	Media       crawler.MediaDownloader
	Committer   Committer
	Catalog     crawler.CatalogStore
	Checkpoints crawler.CheckpointStore
	Publisher   crawler.Publisher
	Limiter     Limiter
	Progress    progress.Emitter
	Clock       crawler.Clock
	Logger      *zap.Logger
	// OnResult is called once per processed item, after the checkpoint update.
	OnResult func(Result)
}

// Result summarizes one processed item.
type Result struct {
	URL       string
	ProductID string
	Created   bool
	Outcome   progress.Outcome
	Bytes     int64
	Stage     crawler.Stage
	Err       error
}

// ReviewNotice is published when a record is linked to another product with
// confidence below the auto-link threshold.
type ReviewNotice struct {
	RunID           string  `json:"run_id"`
	Source          string  `json:"source"`
	URL             string  `json:"url"`
	IdentityKey     string  `json:"identity_key"`
	Title           string  `json:"title"`
	ProductID       string  `json:"product_id"`
	LinkedProductID string  `json:"linked_product_id"`
	Confidence      float64 `json:"confidence"`
}

// Worker consumes queue items and executes the detail pipeline.
type Worker struct {
	cfg          Config
	deps         Deps
	tracer       trace.Tracer
	itemDuration metric.Float64Histogram
	logger       *zap.Logger
}

// New validates deps and constructs a Worker.
func New(cfg Config, deps Deps) (*Worker, error) {
	switch {
	case cfg.RunID == "":
		return nil, errors.New("run id is required")
	case deps.Session == nil:
		return nil, errors.New("session is required")
	case deps.Fetcher == nil:
		return nil, errors.New("page fetcher is required")
	case deps.Extractor == nil:
		return nil, errors.New("extractor is required")
	case deps.Normalizer == nil:
		return nil, errors.New("normalizer is required")
	case deps.Resolver == nil || deps.Index == nil:
		return nil, errors.New("resolver and index are required")
	case deps.Committer == nil:
		return nil, errors.New("committer is required")
	case deps.Catalog == nil:
		return nil, errors.New("catalog store is required")
	case deps.Checkpoints == nil:
		return nil, errors.New("checkpoint store is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	}
	if cfg.Source == "" {
		cfg.Source = deps.Extractor.Source()
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = 2 * time.Minute
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	itemDuration, err := otel.Meter(tracerName).Float64Histogram("crawler.item.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Wall time of one detail page through the pipeline."))
	if err != nil {
		return nil, fmt.Errorf("create item duration histogram: %w", err)
	}
	return &Worker{
		cfg:          cfg,
		deps:         deps,
		tracer:       otel.Tracer(tracerName),
		itemDuration: itemDuration,
		logger:       logger.Named("worker"),
	}, nil
}

// Run blocks, consuming queue items until the queue drains or ctx ends.
// Cancelling ctx stops dequeuing; an item already dequeued finishes on a
// context detached from ctx and bounded by the item timeout.
func (w *Worker) Run(ctx context.Context, queue crawler.Queue) {
	for {
		if ctx.Err() != nil {
			return
		}
		item, err := queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued item", zap.String("url", item.URL), zap.Int("index", item.Index))

		itemCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.ItemTimeout)
		w.Process(itemCtx, item)
		cancel()
	}
}

// Process runs the pipeline for one detail page. Failures are recorded and the
// item is marked done either way.
func (w *Worker) Process(ctx context.Context, item crawler.WorkItem) Result {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	ctx, span := w.tracer.Start(ctx, "worker.process",
		trace.WithAttributes(
			attribute.String("crawl.source", string(w.cfg.Source)),
			attribute.String("crawl.run_id", w.cfg.RunID),
			attribute.String("crawl.url", item.URL),
		))
	defer span.End()

	start := w.deps.Clock.Now()
	res := w.pipeline(ctx, item)
	res.URL = item.URL

	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, crawler.FailureReason(res.Err))
		w.recordFailure(ctx, item, res.Stage, res.Err)
	} else {
		span.SetAttributes(attribute.String("catalog.product_id", res.ProductID))
	}

	if err := w.deps.Checkpoints.MarkDone(ctx, w.cfg.Source, item.URL); err != nil {
		w.logger.Warn("checkpoint mark done failed", zap.String("url", item.URL), zap.Error(err))
	}
	dur := w.deps.Clock.Now().Sub(start)
	w.itemDuration.Record(ctx, dur.Seconds(), metric.WithAttributes(
		attribute.String("source", string(w.cfg.Source)),
		attribute.String("outcome", string(res.Outcome)),
	))
	w.emit(item, res, dur)
	if w.deps.OnResult != nil {
		w.deps.OnResult(res)
	}
	return res
}

func (w *Worker) pipeline(ctx context.Context, item crawler.WorkItem) Result {
	fail := func(stage crawler.Stage, err error) Result {
		return Result{Outcome: progress.OutcomeFailed, Stage: stage, Err: err}
	}

	if w.deps.Limiter != nil {
		if err := w.deps.Limiter.Wait(ctx, item.URL); err != nil {
			return fail(crawler.StageFetch, fmt.Errorf("rate limit wait: %w", err))
		}
	}

	req := w.cfg.Detail
	req.URL = item.URL
	req.Source = w.cfg.Source
	page, err := w.deps.Fetcher.Fetch(ctx, w.deps.Session, req)
	if err != nil {
		return fail(crawler.StageFetch, err)
	}
	bytes := int64(len(page.HTML))

	raw, err := w.deps.Extractor.Extract(page)
	if err != nil {
		r := fail(crawler.StageExtract, err)
		r.Bytes = bytes
		return r
	}
	rec, err := w.deps.Normalizer.Normalize(raw)
	if err != nil {
		r := fail(crawler.StageNormalize, err)
		r.Bytes = bytes
		return r
	}

	resolution := w.deps.Resolver.Resolve(rec, w.deps.Index)
	metrics.ObserveResolution(string(resolution.Kind))

	media := w.downloadMedia(ctx, item, rec.Media)
	for _, m := range media {
		bytes += int64(len(m.Data))
	}

	result, err := w.deps.Committer.Commit(ctx, commit.Input{
		RunID:      w.cfg.RunID,
		Record:     rec,
		Resolution: resolution,
		Media:      media,
	})
	if err != nil {
		r := fail(crawler.StageCommit, err)
		r.Bytes = bytes
		return r
	}

	_, linked := crawler.LinkStatusFor(resolution.Kind)
	w.deps.Index.Add(crawler.ProductRef{
		ID:           result.ProductID,
		Source:       rec.Source,
		NativeID:     rec.NativeID,
		TitleKey:     rec.TitleKey,
		DeveloperKey: rec.DeveloperKey,
		Linked:       linked,
	})
	if linked {
		w.deps.Index.MarkLinked(resolution.ProductID)
	}

	outcome := progress.OutcomeSucceeded
	if result.DegradedMedia {
		outcome = progress.OutcomeDegraded
	}
	for _, skipped := range result.Skipped {
		w.record(ctx, crawler.FailureRecord{
			URL:    item.URL,
			Stage:  crawler.StageMedia,
			Reason: skipped.Reason,
			Detail: "media not stored: " + skipped.SourceURL,
		})
	}

	if resolution.Kind == crawler.ResolveCandidate {
		w.publishCandidate(ctx, item, rec, result.ProductID, resolution)
	}

	w.logger.Debug("item committed",
		zap.String("url", item.URL),
		zap.String("product_id", result.ProductID),
		zap.String("resolution", string(resolution.Kind)),
		zap.Bool("created", result.Created),
		zap.Int("assets", len(result.Assets)),
		zap.Int("reused", result.Reused),
	)
	return Result{
		ProductID: result.ProductID,
		Created:   result.Created,
		Outcome:   outcome,
		Bytes:     bytes,
	}
}

// downloadMedia fetches up to MaxMedia assets. A failed download skips that
// asset and is recorded against the item.
func (w *Worker) downloadMedia(ctx context.Context, item crawler.WorkItem, refs []crawler.MediaRef) []crawler.MediaBlob {
	if w.deps.Media == nil || len(refs) == 0 {
		return nil
	}
	if w.cfg.MaxMedia > 0 && len(refs) > w.cfg.MaxMedia {
		refs = refs[:w.cfg.MaxMedia]
	}
	out := make([]crawler.MediaBlob, 0, len(refs))
	for _, ref := range refs {
		blob, err := w.deps.Media.Download(ctx, ref)
		if err != nil {
			w.logger.Warn("media download failed",
				zap.String("url", item.URL),
				zap.String("media_url", ref.URL),
				zap.Error(err))
			w.recordFailure(ctx, item, crawler.StageMedia, err)
			continue
		}
		out = append(out, blob)
	}
	return out
}

func (w *Worker) publishCandidate(
	ctx context.Context,
	item crawler.WorkItem,
	rec crawler.NormalizedRecord,
	productID string,
	res crawler.Resolution,
) {
	conflict := &crawler.IdentityConflict{
		IdentityKey: rec.IdentityKey(),
		MatchID:     res.ProductID,
		Confidence:  res.Confidence,
	}
	w.logger.Info("identity conflict queued for review", zap.String("product_id", productID), zap.Error(conflict))
	if w.deps.Publisher == nil || w.cfg.ReviewTopic == "" {
		return
	}
	notice := ReviewNotice{
		RunID:           w.cfg.RunID,
		Source:          string(rec.Source),
		URL:             item.URL,
		IdentityKey:     conflict.IdentityKey,
		Title:           rec.Title,
		ProductID:       productID,
		LinkedProductID: conflict.MatchID,
		Confidence:      conflict.Confidence,
	}
	if _, err := w.deps.Publisher.Publish(ctx, w.cfg.ReviewTopic, notice); err != nil {
		w.logger.Warn("review notice publish failed", zap.String("product_id", productID), zap.Error(err))
	}
}

func (w *Worker) recordFailure(ctx context.Context, item crawler.WorkItem, stage crawler.Stage, cause error) {
	w.logger.Warn("item failed",
		zap.String("url", item.URL),
		zap.String("stage", string(stage)),
		zap.Error(cause))
	w.record(ctx, crawler.FailureRecord{
		URL:    item.URL,
		Stage:  stage,
		Reason: crawler.FailureReason(cause),
		Detail: cause.Error(),
	})
}

func (w *Worker) record(ctx context.Context, rec crawler.FailureRecord) {
	rec.RunID = w.cfg.RunID
	rec.Source = w.cfg.Source
	rec.At = w.deps.Clock.Now().UTC()
	if err := w.deps.Catalog.RecordFailure(ctx, rec); err != nil {
		w.logger.Error("record failure", zap.String("url", rec.URL), zap.Error(err))
	}
}

func (w *Worker) emit(item crawler.WorkItem, res Result, dur time.Duration) {
	if w.deps.Progress == nil {
		return
	}
	evt := progress.Event{
		RunID:   uuid.RunKey(w.cfg.RunID),
		TS:      w.deps.Clock.Now().UTC(),
		Stage:   progress.StageItemDone,
		Source:  string(w.cfg.Source),
		URL:     item.URL,
		Outcome: res.Outcome,
		Bytes:   res.Bytes,
		Dur:     max(dur, 0),
	}
	if res.Err != nil {
		evt.Note = crawler.FailureReason(res.Err)
	}
	w.deps.Progress.Emit(evt)
}
