package commit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
	"github.com/JakeFAU/game-catalog-crawler/internal/hash/sha256"
	lockmemory "github.com/JakeFAU/game-catalog-crawler/internal/lock/memory"
	"github.com/JakeFAU/game-catalog-crawler/internal/storage/memory"
	"github.com/JakeFAU/game-catalog-crawler/internal/storage/replicated"
)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("p%d", s.n.Add(1)), nil
}

type harness struct {
	writer   *Writer
	catalog  *memory.CatalogStore
	replicas []*memory.BlobStore
}

func newHarness(t *testing.T, quorum int) harness {
	t.Helper()
	h := harness{catalog: memory.NewCatalogStore()}
	var reps []replicated.Replica
	for _, name := range []string{"a", "b", "c"} {
		bs := memory.NewBlobStore(name)
		h.replicas = append(h.replicas, bs)
		reps = append(reps, replicated.Replica{Name: name, Store: bs})
	}
	blobs, err := replicated.New(replicated.Config{Quorum: quorum, Timeout: time.Second}, nil, reps...)
	require.NoError(t, err)

	h.writer, err = New(Config{Prefix: "games"}, Deps{
		Catalog: h.catalog,
		Blobs:   blobs,
		Hasher:  sha256.New(),
		Locker:  lockmemory.New(),
		IDs:     &seqIDs{},
	})
	require.NoError(t, err)
	return h
}

func input(nativeID string, media ...crawler.MediaBlob) Input {
	return Input{
		RunID: "run-1",
		Record: crawler.NormalizedRecord{
			Source:     crawler.SourceSteam,
			NativeID:   nativeID,
			Title:      "Hades",
			TitleKey:   "hades",
			ObservedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		},
		Resolution: crawler.Resolution{Kind: crawler.ResolveNew},
		Media:      media,
	}
}

func cover(data string) crawler.MediaBlob {
	return crawler.MediaBlob{
		Kind:        crawler.MediaCover,
		SourceURL:   "https://cdn.example/cover.jpg",
		ContentType: "image/jpeg",
		Data:        []byte(data),
	}
}

func TestCommitStoresMediaThenProduct(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	res, err := h.writer.Commit(context.Background(), input("1145360", cover("jpeg-bytes")))
	require.NoError(t, err)

	assert.True(t, res.Created)
	assert.Equal(t, "p1", res.ProductID)
	assert.False(t, res.DegradedMedia)
	require.Len(t, res.Assets, 1)

	digest, err := sha256.New().Hash([]byte("jpeg-bytes"))
	require.NoError(t, err)
	asset := res.Assets[0]
	assert.Equal(t, "games/steam/1145360/"+digest+".jpg", asset.BlobPath)
	assert.Equal(t, "memory://a/"+asset.BlobPath, asset.BlobURI)
	assert.Equal(t, int64(len("jpeg-bytes")), asset.ByteSize)
	assert.Equal(t, "p1", asset.ProductID)

	for _, rep := range h.replicas {
		got, ok := rep.Get(asset.BlobPath)
		require.True(t, ok)
		assert.Equal(t, "jpeg-bytes", string(got))
	}
	assert.Len(t, h.catalog.Assets("p1"), 1)
}

func TestCommitEveryAssetRowHasABlob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	h.replicas[0].SetOffline(errors.New("disk gone"))
	h.replicas[1].SetOffline(errors.New("bucket unreachable"))

	res, err := h.writer.Commit(context.Background(), input("7", cover("one"), cover("two")))
	require.NoError(t, err)
	assert.False(t, res.DegradedMedia)

	for _, a := range h.catalog.Assets(res.ProductID) {
		_, ok := h.replicas[2].Get(a.BlobPath)
		assert.True(t, ok, "dangling asset %s", a.BlobPath)
		assert.Equal(t, "memory://c/"+a.BlobPath, a.BlobURI)
	}
}

func TestCommitQuorumFailureDegradesButCommits(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2)
	h.replicas[0].SetOffline(errors.New("down"))
	h.replicas[1].SetOffline(errors.New("down"))

	res, err := h.writer.Commit(context.Background(), input("9", cover("bytes")))
	require.NoError(t, err)
	assert.True(t, res.DegradedMedia)
	assert.Empty(t, res.Assets)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "quorum", res.Skipped[0].Reason)

	p, ok := h.catalog.Product(crawler.IdentityKey(crawler.SourceSteam, "9"))
	require.True(t, ok)
	assert.True(t, p.DegradedMedia)
	assert.Empty(t, h.catalog.Assets(res.ProductID))
}

type findFailCatalog struct {
	*memory.CatalogStore
}

func (findFailCatalog) FindAsset(context.Context, crawler.Source, string, string) (crawler.MediaAsset, bool, error) {
	return crawler.MediaAsset{}, false, errors.New("catalog unavailable")
}

func TestCommitCatalogLookupFailureSkipsWithoutDegrading(t *testing.T) {
	t.Parallel()

	catalog := memory.NewCatalogStore()
	w, err := New(Config{}, Deps{
		Catalog: findFailCatalog{catalog},
		Blobs:   memory.NewBlobStore("a"),
		Hasher:  sha256.New(),
		Locker:  lockmemory.New(),
		IDs:     &seqIDs{},
	})
	require.NoError(t, err)

	res, err := w.Commit(context.Background(), input("11", cover("bytes")))
	require.NoError(t, err)
	assert.False(t, res.DegradedMedia)
	assert.Empty(t, res.Assets)
	require.Len(t, res.Skipped, 1)

	p, ok := catalog.Product(crawler.IdentityKey(crawler.SourceSteam, "11"))
	require.True(t, ok)
	assert.False(t, p.DegradedMedia)
}

func TestCommitReusesStoredAsset(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, 1)
	_, err := h.writer.Commit(ctx, input("1", cover("same")))
	require.NoError(t, err)
	puts := h.replicas[0].Puts()

	res, err := h.writer.Commit(ctx, input("1", cover("same")))
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, 1, res.Reused)
	assert.Equal(t, puts, h.replicas[0].Puts())
	assert.Len(t, h.catalog.Assets(res.ProductID), 1)
}

func TestCommitReuploadsMissingBlob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, 3)
	first, err := h.writer.Commit(ctx, input("1", cover("same")))
	require.NoError(t, err)
	require.Len(t, first.Assets, 1)

	// A replica that lost the object breaks the 3-replica existence quorum.
	h.replicas[1].Delete(first.Assets[0].BlobPath)

	res, err := h.writer.Commit(ctx, input("1", cover("same")))
	require.NoError(t, err)
	assert.Zero(t, res.Reused)
	require.Len(t, res.Assets, 1)
	_, ok := h.replicas[1].Get(res.Assets[0].BlobPath)
	assert.True(t, ok)
}

func TestCommitSerializesSameIdentity(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.writer.Commit(context.Background(), input("42", cover("c")))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.catalog.ProductCount())
	p, ok := h.catalog.Product(crawler.IdentityKey(crawler.SourceSteam, "42"))
	require.True(t, ok)
	assert.Len(t, h.catalog.Assets(p.ID), 1)
}

func TestCommitCanceledContext(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.writer.Commit(ctx, input("1", cover("x")))
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, h.catalog.ProductCount())
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}

func TestExtension(t *testing.T) {
	t.Parallel()

	tests := []struct {
		contentType string
		url         string
		want        string
	}{
		{"image/jpeg", "https://cdn/x", ".jpg"},
		{"image/png; charset=binary", "", ".png"},
		{"application/octet-stream", "https://cdn/a/b.JPEG?t=1", ".jpg"},
		{"", "https://cdn/a/b.webp", ".webp"},
		{"", "https://cdn/a/b", ".bin"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Extension(tt.contentType, tt.url), "%s %s", tt.contentType, tt.url)
	}
}

func TestBlobPathSanitizesNativeID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "games/epic/hades_ii/abc.png", BlobPath("games", crawler.SourceEpic, "hades/ii", "abc", ".png"))
	assert.Equal(t, "games/epic/_/abc.png", BlobPath("games", crawler.SourceEpic, "..", "abc", ".png"))
}
