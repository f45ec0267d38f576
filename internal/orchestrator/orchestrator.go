// Package orchestrator drives one crawl run per source through the state
// machine Idle -> Listing -> DetailFetch -> Completed | Failed, persisting a
// checkpoint so an interrupted run resumes where it stopped.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
	"github.com/JakeFAU/game-catalog-crawler/internal/dedup"
	"github.com/JakeFAU/game-catalog-crawler/internal/dispatcher"
	"github.com/JakeFAU/game-catalog-crawler/internal/id/uuid"
	"github.com/JakeFAU/game-catalog-crawler/internal/logging"
	"github.com/JakeFAU/game-catalog-crawler/internal/progress"
	qmemory "github.com/JakeFAU/game-catalog-crawler/internal/queue/memory"
	"github.com/JakeFAU/game-catalog-crawler/internal/worker"
)

// ErrRunActive is returned when a source already has a run in progress.
var ErrRunActive = errors.New("a run is already active for this source")

// ExtractorSet resolves the extractor for a source.
type ExtractorSet interface {
	For(src crawler.Source) (crawler.Extractor, error)
}

// SourceSpec is the per-source crawl plan.
type SourceSpec struct {
	Source crawler.Source
	// ListingURL may contain {page} (1-based) and {offset} ((page-1)*PageSize).
	ListingURL string
	PageSize   int
	// MaxPages and MaxItems cap the listing; zero means unlimited.
	MaxPages int
	MaxItems int
	// Listing and Detail are request templates; URL and Source are filled in.
	Listing crawler.FetchRequest
	Detail  crawler.FetchRequest
}

// Config controls run execution.
type Config struct {
	Concurrency int
	ItemTimeout time.Duration
	MaxMedia    int
	ReviewTopic string
	// DelistAfter is the number of consecutive missed runs before a product is
	// soft-delisted.
	DelistAfter int
}

// Deps wires the orchestrator's collaborators. Media, Publisher, Limiter and
// Progress are optional.
type Deps struct {
	Sessions    crawler.SessionFactory
	Fetcher     crawler.PageFetcher
	Extractors  ExtractorSet
	Normalizer  worker.Normalizer
	Resolver    *dedup.Resolver
	Media       crawler.MediaDownloader
	Committer   worker.Committer
	Catalog     crawler.CatalogStore
	Checkpoints crawler.CheckpointStore
	Publisher   crawler.Publisher
	Limiter     worker.Limiter
	Progress    progress.Emitter
	IDs         crawler.IDGenerator
	Clock       crawler.Clock
	Logger      *zap.Logger
}

// Result summarizes a finished, failed or stopped run.
type Result struct {
	RunID    string
	Source   crawler.Source
	State    crawler.RunState
	Resumed  bool
	Stopped  bool
	Counters crawler.RunCounters
}

// RunInfo describes an active run.
type RunInfo struct {
	Source    crawler.Source `json:"source"`
	RunID     string         `json:"run_id"`
	StartedAt time.Time      `json:"started_at"`
}

type activeRun struct {
	mu      sync.Mutex
	runID   string
	started time.Time
	cancel  context.CancelFunc
}

// Orchestrator runs sources. At most one run per source is active at a time.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	// index is shared by every run so concurrent sources resolve against
	// each other's commits.
	index *dedup.MemoryIndex

	mu     sync.Mutex
	active map[crawler.Source]*activeRun
	wg     sync.WaitGroup
}

// New validates deps and constructs an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errors.New("session factory is required")
	case deps.Fetcher == nil:
		return nil, errors.New("page fetcher is required")
	case deps.Extractors == nil:
		return nil, errors.New("extractors are required")
	case deps.Normalizer == nil:
		return nil, errors.New("normalizer is required")
	case deps.Resolver == nil:
		return nil, errors.New("resolver is required")
	case deps.Committer == nil:
		return nil, errors.New("committer is required")
	case deps.Catalog == nil:
		return nil, errors.New("catalog store is required")
	case deps.Checkpoints == nil:
		return nil, errors.New("checkpoint store is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.DelistAfter <= 0 {
		cfg.DelistAfter = 3
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: logger.Named("orchestrator"),
		index:  dedup.NewMemoryIndex(nil),
		active: make(map[crawler.Source]*activeRun),
	}, nil
}

// Run executes one run for spec.Source and blocks until it completes, fails
// or is stopped. Only a structural listing failure returns an error together
// with a Failed result; a stop returns the partial result with Stopped set.
func (o *Orchestrator) Run(ctx context.Context, spec SourceSpec) (Result, error) {
	runCtx, run, err := o.claim(ctx, spec.Source)
	if err != nil {
		return Result{Source: spec.Source, State: crawler.StateIdle}, err
	}
	defer o.release(spec.Source, run)
	return o.execute(runCtx, run, spec)
}

// Start launches a run in the background. ctx bounds the run's lifetime and
// should outlive the caller's request.
func (o *Orchestrator) Start(ctx context.Context, spec SourceSpec) error {
	runCtx, run, err := o.claim(ctx, spec.Source)
	if err != nil {
		return err
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.release(spec.Source, run)
		res, err := o.execute(runCtx, run, spec)
		if err != nil {
			o.logger.Error("background run failed",
				zap.String("source", string(spec.Source)),
				zap.String("run_id", res.RunID),
				zap.Error(err))
		}
	}()
	return nil
}

// Stop requests a cooperative stop of the source's active run. It reports
// whether a run was active.
func (o *Orchestrator) Stop(src crawler.Source) bool {
	o.mu.Lock()
	run, ok := o.active[src]
	o.mu.Unlock()
	if ok {
		run.cancel()
	}
	return ok
}

// Active lists the runs in progress, ordered by source.
func (o *Orchestrator) Active() []RunInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]RunInfo, 0, len(o.active))
	for src, run := range o.active {
		run.mu.Lock()
		out = append(out, RunInfo{Source: src, RunID: run.runID, StartedAt: run.started})
		run.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// Shutdown stops every active run and waits for background runs to return.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, run := range o.active {
		run.cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for runs: %w", ctx.Err())
	}
}

func (o *Orchestrator) claim(ctx context.Context, src crawler.Source) (context.Context, *activeRun, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.active[src]; busy {
		return nil, nil, fmt.Errorf("start %s: %w", src, ErrRunActive)
	}
	runCtx, cancel := context.WithCancel(ctx)
	run := &activeRun{started: o.deps.Clock.Now().UTC(), cancel: cancel}
	o.active[src] = run
	return runCtx, run, nil
}

func (o *Orchestrator) release(src crawler.Source, run *activeRun) {
	run.cancel()
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active[src] == run {
		delete(o.active, src)
	}
}

func (o *Orchestrator) execute(ctx context.Context, run *activeRun, spec SourceSpec) (Result, error) {
	src := spec.Source
	res := Result{Source: src, State: crawler.StateIdle}

	ext, err := o.deps.Extractors.For(src)
	if err != nil {
		return res, fmt.Errorf("run %s: %w", src, err)
	}
	cp, found, err := o.deps.Checkpoints.Load(ctx, src)
	if err != nil {
		return res, fmt.Errorf("load %s checkpoint: %w", src, err)
	}
	if found && cp.Resumable() {
		res.RunID = cp.RunID
		res.Resumed = true
	} else {
		if res.RunID, err = o.deps.IDs.NewID(); err != nil {
			return res, fmt.Errorf("allocate run id: %w", err)
		}
		cp = crawler.Checkpoint{Source: src, RunID: res.RunID}
	}
	run.mu.Lock()
	run.runID = res.RunID
	run.mu.Unlock()

	logger := logging.ForRun(o.logger, string(src), res.RunID)
	start := o.deps.Clock.Now()
	note := "fresh"
	if res.Resumed {
		note = "resumed"
	}
	o.emit(res.RunID, src, progress.StageRunStart, 0, note)
	logger.Info("run started", zap.Bool("resumed", res.Resumed), zap.Int("remaining", len(cp.Remaining())))

	sess, err := o.deps.Sessions.NewSession(ctx)
	if err != nil {
		res.State = crawler.StateFailed
		o.emit(res.RunID, src, progress.StageRunError, o.since(start), "session")
		return res, fmt.Errorf("open session: %w", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Warn("close session", zap.Error(err))
		}
	}()

	if !res.Resumed {
		res.State = crawler.StateListing
		cp.State = crawler.StateListing
		o.saveCheckpoint(ctx, logger, &cp)

		urls, exhausted, err := o.list(ctx, sess, ext, spec, logger)
		if err != nil {
			if ctx.Err() != nil {
				return o.stopped(res, start, logger), nil
			}
			res.State = crawler.StateFailed
			cp.State = crawler.StateFailed
			cp.Reason = crawler.FailureReason(err)
			o.saveCheckpoint(context.WithoutCancel(ctx), logger, &cp)
			o.recordListingFailure(ctx, res.RunID, spec, err, logger)
			o.emit(res.RunID, src, progress.StageRunError, o.since(start), cp.Reason)
			logger.Error("listing failed", zap.Error(err))
			return res, err
		}
		cp.State = crawler.StateDetailFetch
		cp.Queue = urls
		cp.Done = make(map[string]struct{})
		cp.Reason = ""
		cp.ListingExhausted = exhausted
		o.saveCheckpoint(ctx, logger, &cp)
	}

	res.State = crawler.StateDetailFetch
	remaining := cp.Remaining()
	res.Counters.Listed = len(cp.Queue)
	res.Counters.Skipped = len(cp.Queue) - len(remaining)

	tally, err := o.detailFetch(ctx, sess, ext, spec, res.RunID, remaining, logger)
	if err != nil {
		res.State = crawler.StateFailed
		o.emit(res.RunID, src, progress.StageRunError, o.since(start), "detail_fetch")
		return res, err
	}
	tally.addTo(&res.Counters)
	if ctx.Err() != nil {
		return o.stopped(res, start, logger), nil
	}

	// Completion work must not be cut short by a stop that arrives now.
	doneCtx := context.WithoutCancel(ctx)
	if cp.ListingExhausted {
		n, err := o.deps.Catalog.MarkDelisted(doneCtx, src, nativeIDs(ext, cp.Queue), o.cfg.DelistAfter)
		if err != nil {
			logger.Warn("delist pass failed", zap.Error(err))
		}
		res.Counters.Delisted = n
	}
	if err := o.deps.Checkpoints.Clear(doneCtx, src); err != nil {
		logger.Warn("clear checkpoint", zap.Error(err))
	}
	res.State = crawler.StateCompleted
	o.emit(res.RunID, src, progress.StageRunDone, o.since(start), "")
	logger.Info("run completed",
		zap.Int("listed", res.Counters.Listed),
		zap.Int("succeeded", res.Counters.Succeeded),
		zap.Int("failed", res.Counters.Failed),
		zap.Int("degraded", res.Counters.Degraded),
		zap.Int("created", res.Counters.Created),
		zap.Int("delisted", res.Counters.Delisted),
	)
	return res, nil
}

func (o *Orchestrator) detailFetch(
	ctx context.Context,
	sess crawler.Session,
	ext crawler.Extractor,
	spec SourceSpec,
	runID string,
	urls []string,
	logger *zap.Logger,
) (*tally, error) {
	t := &tally{}
	if len(urls) == 0 {
		return t, nil
	}
	refs, err := o.deps.Catalog.ListProductRefs(ctx)
	if err != nil {
		return nil, fmt.Errorf("seed identity index: %w", err)
	}
	o.index.Merge(refs)

	queue := qmemory.NewQueue(len(urls))
	enqueueCtx := context.WithoutCancel(ctx)
	for i, u := range urls {
		if err := queue.Enqueue(enqueueCtx, crawler.WorkItem{RunID: runID, Source: spec.Source, URL: u, Index: i}); err != nil {
			return nil, fmt.Errorf("enqueue %s: %w", u, err)
		}
	}
	queue.Close()

	n := min(o.cfg.Concurrency, len(urls))
	runners := make([]dispatcher.Runner, 0, n)
	for range n {
		w, err := worker.New(worker.Config{
			RunID:       runID,
			Source:      spec.Source,
			Detail:      spec.Detail,
			ItemTimeout: o.cfg.ItemTimeout,
			MaxMedia:    o.cfg.MaxMedia,
			ReviewTopic: o.cfg.ReviewTopic,
		}, worker.Deps{
			Session:     sess,
			Fetcher:     o.deps.Fetcher,
			Extractor:   ext,
			Normalizer:  o.deps.Normalizer,
			Resolver:    o.deps.Resolver,
			Index:       o.index,
			Media:       o.deps.Media,
			Committer:   o.deps.Committer,
			Catalog:     o.deps.Catalog,
			Checkpoints: o.deps.Checkpoints,
			Publisher:   o.deps.Publisher,
			Limiter:     o.deps.Limiter,
			Progress:    o.deps.Progress,
			Clock:       o.deps.Clock,
			Logger:      logger,
			OnResult:    t.add,
		})
		if err != nil {
			return nil, fmt.Errorf("build worker: %w", err)
		}
		runners = append(runners, w)
	}
	logger.Info("detail fetch started", zap.Int("items", len(urls)), zap.Int("workers", n))
	dispatcher.New(queue, runners...).Run(ctx)
	return t, nil
}

func (o *Orchestrator) stopped(res Result, start time.Time, logger *zap.Logger) Result {
	res.Stopped = true
	o.emit(res.RunID, res.Source, progress.StageRunStopped, o.since(start), string(res.State))
	logger.Info("run stopped", zap.String("state", string(res.State)), zap.Int("succeeded", res.Counters.Succeeded))
	return res
}

func (o *Orchestrator) saveCheckpoint(ctx context.Context, logger *zap.Logger, cp *crawler.Checkpoint) {
	cp.UpdatedAt = o.deps.Clock.Now().UTC()
	if err := o.deps.Checkpoints.Save(ctx, *cp); err != nil {
		logger.Warn("save checkpoint", zap.String("state", string(cp.State)), zap.Error(err))
	}
}

func (o *Orchestrator) recordListingFailure(ctx context.Context, runID string, spec SourceSpec, cause error, logger *zap.Logger) {
	err := o.deps.Catalog.RecordFailure(context.WithoutCancel(ctx), crawler.FailureRecord{
		RunID:  runID,
		Source: spec.Source,
		URL:    ListingURL(spec.ListingURL, 1, spec.PageSize),
		Stage:  crawler.StageListing,
		Reason: crawler.FailureReason(cause),
		Detail: cause.Error(),
		At:     o.deps.Clock.Now().UTC(),
	})
	if err != nil {
		logger.Error("record listing failure", zap.Error(err))
	}
}

func (o *Orchestrator) emit(runID string, src crawler.Source, stage progress.Stage, dur time.Duration, note string) {
	if o.deps.Progress == nil {
		return
	}
	o.deps.Progress.Emit(progress.Event{
		RunID:  uuid.RunKey(runID),
		TS:     o.deps.Clock.Now().UTC(),
		Stage:  stage,
		Source: string(src),
		Dur:    dur,
		Note:   note,
	})
}

func (o *Orchestrator) since(start time.Time) time.Duration {
	return max(o.deps.Clock.Now().Sub(start), 0)
}

// nativeIDs maps listed detail URLs to the native ids seen this run.
func nativeIDs(ext crawler.Extractor, urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if id, ok := ext.NativeID(u); ok {
			out = append(out, id)
		}
	}
	return out
}

type tally struct {
	mu sync.Mutex
	c  crawler.RunCounters
}

func (t *tally) add(r worker.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r.Err != nil {
		t.c.Failed++
		return
	}
	t.c.Succeeded++
	if r.Outcome == progress.OutcomeDegraded {
		t.c.Degraded++
	}
	if r.Created {
		t.c.Created++
	}
}

func (t *tally) addTo(c *crawler.RunCounters) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c.Succeeded += t.c.Succeeded
	c.Failed += t.c.Failed
	c.Degraded += t.c.Degraded
	c.Created += t.c.Created
}
