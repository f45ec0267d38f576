// Package commit persists one normalized record: media first, then a single
// catalog transaction.
package commit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
)

// Deps wires the writer's collaborators.
type Deps struct {
	Catalog crawler.CatalogStore
	Blobs   crawler.BlobStore
	Hasher  crawler.Hasher
	Locker  crawler.KeyLocker
	IDs     crawler.IDGenerator
	Logger  *zap.Logger
}

// Config controls blob layout.
type Config struct {
	// Prefix is the first path segment of every blob key.
	Prefix string
}

// Input is one record ready to be stored.
type Input struct {
	RunID      string
	Record     crawler.NormalizedRecord
	Resolution crawler.Resolution
	Media      []crawler.MediaBlob
}

// Writer implements the storage writer.
type Writer struct {
	catalog crawler.CatalogStore
	blobs   crawler.BlobStore
	hasher  crawler.Hasher
	locker  crawler.KeyLocker
	ids     crawler.IDGenerator
	prefix  string
	logger  *zap.Logger
}

// New validates deps and returns a Writer.
func New(cfg Config, deps Deps) (*Writer, error) {
	switch {
	case deps.Catalog == nil:
		return nil, errors.New("catalog store is required")
	case deps.Blobs == nil:
		return nil, errors.New("blob store is required")
	case deps.Hasher == nil:
		return nil, errors.New("hasher is required")
	case deps.Locker == nil:
		return nil, errors.New("key locker is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "games"
	}
	return &Writer{
		catalog: deps.Catalog,
		blobs:   deps.Blobs,
		hasher:  deps.Hasher,
		locker:  deps.Locker,
		ids:     deps.IDs,
		prefix:  prefix,
		logger:  logger.Named("commit"),
	}, nil
}

// Commit stores in.Media and then the record. Work on one identity key is
// serialized. A media error skips that asset without failing the commit; only
// a blob write that misses quorum marks the product degraded.
func (w *Writer) Commit(ctx context.Context, in Input) (crawler.CommitResult, error) {
	rec := in.Record
	key := rec.IdentityKey()
	unlock, err := w.locker.Lock(ctx, key)
	if err != nil {
		return crawler.CommitResult{}, fmt.Errorf("lock %s: %w", key, err)
	}
	defer unlock()

	var result crawler.CommitResult
	for _, blob := range in.Media {
		asset, reused, err := w.storeBlob(ctx, rec, blob)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return crawler.CommitResult{}, fmt.Errorf("store media for %s: %w", key, ctxErr)
			}
			var quorumErr *crawler.StorageQuorumError
			if errors.As(err, &quorumErr) {
				result.DegradedMedia = true
			}
			result.Skipped = append(result.Skipped, crawler.MediaFailure{
				SourceURL: blob.SourceURL,
				Reason:    crawler.FailureReason(err),
			})
			w.logger.Warn("media write skipped",
				zap.String("identity", key),
				zap.String("url", blob.SourceURL),
				zap.Error(err),
			)
			continue
		}
		if reused {
			result.Reused++
		}
		result.Assets = append(result.Assets, asset)
	}

	newID, err := w.ids.NewID()
	if err != nil {
		return crawler.CommitResult{}, fmt.Errorf("allocate product id: %w", err)
	}
	out, err := w.catalog.CommitProduct(ctx, crawler.CommitRequest{
		RunID:         in.RunID,
		NewProductID:  newID,
		Record:        rec,
		Resolution:    in.Resolution,
		Assets:        result.Assets,
		DegradedMedia: result.DegradedMedia,
	})
	if err != nil {
		return crawler.CommitResult{}, err
	}
	result.ProductID = out.ProductID
	result.Created = out.Created
	for i := range result.Assets {
		result.Assets[i].ProductID = out.ProductID
	}
	return result, nil
}

// storeBlob returns the asset row for blob, reusing the stored copy when the
// catalog already has this hash for the product and the blob is still present.
func (w *Writer) storeBlob(ctx context.Context, rec crawler.NormalizedRecord, blob crawler.MediaBlob) (crawler.MediaAsset, bool, error) {
	hash, err := w.hasher.Hash(blob.Data)
	if err != nil {
		return crawler.MediaAsset{}, false, fmt.Errorf("hash %s: %w", blob.SourceURL, err)
	}

	existing, found, err := w.catalog.FindAsset(ctx, rec.Source, rec.NativeID, hash)
	if err != nil {
		return crawler.MediaAsset{}, false, fmt.Errorf("find asset %s: %w", hash, err)
	}
	if found {
		present, err := w.blobs.Exists(ctx, existing.BlobPath)
		if err == nil && present {
			return existing, true, nil
		}
		w.logger.Info("re-uploading missing blob",
			zap.String("path", existing.BlobPath),
			zap.Error(err),
		)
	}

	blobPath := BlobPath(w.prefix, rec.Source, rec.NativeID, hash, Extension(blob.ContentType, blob.SourceURL))
	uri, err := w.blobs.PutObject(ctx, blobPath, blob.ContentType, bytes.NewReader(blob.Data))
	if err != nil {
		return crawler.MediaAsset{}, false, fmt.Errorf("put %s: %w", blobPath, err)
	}
	return crawler.MediaAsset{
		Kind:        blob.Kind,
		SourceURL:   blob.SourceURL,
		BlobPath:    blobPath,
		BlobURI:     uri,
		ByteSize:    int64(len(blob.Data)),
		ContentHash: hash,
	}, false, nil
}

// BlobPath builds <prefix>/<source>/<native_id>/<hash><ext>.
func BlobPath(prefix string, source crawler.Source, nativeID, hash, ext string) string {
	return path.Join(prefix, string(source), sanitizeSegment(nativeID), hash+ext)
}

var contentTypeExt = map[string]string{
	"image/jpeg": ".jpg",
	"image/jpg":  ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
	"image/avif": ".avif",
}

var urlExt = map[string]string{
	".jpg":  ".jpg",
	".jpeg": ".jpg",
	".png":  ".png",
	".webp": ".webp",
	".gif":  ".gif",
	".avif": ".avif",
}

// Extension picks a file extension from the content type, then the URL path,
// falling back to ".bin".
func Extension(contentType, sourceURL string) string {
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	if ext, ok := contentTypeExt[ct]; ok {
		return ext
	}
	if u, err := url.Parse(sourceURL); err == nil {
		if ext, ok := urlExt[strings.ToLower(path.Ext(u.Path))]; ok {
			return ext
		}
	}
	return ".bin"
}

func sanitizeSegment(s string) string {
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', '?', '#', ' ':
			return '_'
		}
		return r
	}, s)
}
