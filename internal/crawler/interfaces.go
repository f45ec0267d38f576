package crawler

import (
	"context"
	"io"
	"time"
)

// Session is a browser identity owned by one orchestrator run. It renders
// pages and can rotate its identity (user agent and cookie jar) between retries.
type Session interface {
	Fetch(ctx context.Context, req FetchRequest) (RenderedPage, error)
	Rotate(ctx context.Context) error
	Close() error
}

// SessionFactory opens sessions; Browser implementations own the process.
type SessionFactory interface {
	NewSession(ctx context.Context) (Session, error)
}

// PageFetcher renders a page through a caller-owned session.
type PageFetcher interface {
	Fetch(ctx context.Context, sess Session, req FetchRequest) (RenderedPage, error)
}

// Extractor maps rendered pages of one storefront into raw records.
type Extractor interface {
	Source() Source
	ParseListing(page RenderedPage) (ListingPage, error)
	Extract(page RenderedPage) (RawRecord, error)
	NativeID(rawURL string) (string, bool)
}

// MediaDownloader fetches image bytes for a MediaRef.
type MediaDownloader interface {
	Download(ctx context.Context, ref MediaRef) (MediaBlob, error)
}

// BlobStore writes binary artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// CatalogStore is the relational store behind the storage writer.
type CatalogStore interface {
	CommitProduct(ctx context.Context, req CommitRequest) (CommitOutcome, error)
	FindAsset(ctx context.Context, source Source, nativeID, contentHash string) (MediaAsset, bool, error)
	ListProductRefs(ctx context.Context) ([]ProductRef, error)
	MarkDelisted(ctx context.Context, source Source, seen []string, threshold int) (int, error)
	RecordFailure(ctx context.Context, rec FailureRecord) error
	ListLinkCandidates(ctx context.Context, limit int) ([]LinkCandidate, error)
	Ping(ctx context.Context) error
	Close() error
}

// CheckpointStore persists per-source resume state.
type CheckpointStore interface {
	Load(ctx context.Context, source Source) (Checkpoint, bool, error)
	Save(ctx context.Context, cp Checkpoint) error
	MarkDone(ctx context.Context, source Source, url string) error
	Clear(ctx context.Context, source Source) error
}

// Queue hands detail pages to workers.
type Queue interface {
	Enqueue(ctx context.Context, item WorkItem) error
	Dequeue(ctx context.Context) (WorkItem, error)
	Close()
}

// KeyLocker serializes work on one identity key.
type KeyLocker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Publisher pushes review notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests for media deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces product and run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Sleeper waits between retries; it returns early with an error when ctx ends.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}
