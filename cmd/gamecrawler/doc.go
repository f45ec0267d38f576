// Package main hosts the gamecrawler entrypoint.
//
// Architecture overview:
//   - Orchestrator: internal/orchestrator drives one run per source through Idle -> Listing -> DetailFetch ->
//     Completed | Failed. Listing paginates the storefront's browse pages; DetailFetch fans the detail URLs out to a
//     bounded worker pool sized by crawler.concurrency. A checkpoint is saved after listing and after every item, so
//     a stopped or crashed run resumes with only the remaining URLs.
//   - Fetch pipeline: every page is rendered by a headless Chrome session (internal/fetcher/headless) that waits for
//     the source's readiness selector, dismisses consent overlays and passes age gates. Transient failures are retried
//     with exponential backoff and a rotated browser identity; challenge pages are permanent failures.
//   - Extract, normalize, dedup: per-source goquery extractors produce raw records; the normalizer canonicalizes
//     titles, prices, dates and genres; the resolver matches records to existing products by identity key or by
//     title similarity, auto-linking above dedup.auto_link_threshold and queueing candidates for review below it.
//   - Commit: media bytes go to a replicated blob store (memory/local/GCS) that must reach storage.quorum replicas;
//     products, snapshots, asset rows and identity links are then written in one catalog transaction
//     (SQLite/Postgres). A per-identity-key lock (memory or Redis) serializes writers across workers and processes.
//   - Ops surface: internal/api serves /healthz, /readyz, /metrics and the /v1 crawl control API. Progress events are
//     batched to log, Prometheus and run-history sinks. Traces export over OTLP when telemetry.otlp_endpoint is set.
//
// Quick checklist:
//   - Configure env vars: CRAWLER_CATALOG_DRIVER/CRAWLER_CATALOG_DSN, CRAWLER_REDIS_ADDR for shared checkpoints and
//     locks, CRAWLER_PUBSUB_PROJECT_ID/CRAWLER_PUBSUB_REVIEW_TOPIC for link-candidate notifications, and
//     CRAWLER_HEADLESS_EXEC_PATH when Chrome is not on PATH.
//   - Run once: go run ./cmd/gamecrawler crawl steam --config config.yaml
//   - Run as a service: go run ./cmd/gamecrawler serve, then POST /v1/crawls/{source}.
package main
