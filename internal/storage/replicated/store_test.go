package replicated

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
	"github.com/JakeFAU/game-catalog-crawler/internal/storage/memory"
)

var errOffline = errors.New("replica offline")

// hangingStore blocks until its context ends.
type hangingStore struct{}

func (hangingStore) PutObject(ctx context.Context, _ string, _ string, _ io.Reader) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func (hangingStore) Exists(ctx context.Context, _ string) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func replicas(stores ...*memory.BlobStore) []Replica {
	out := make([]Replica, len(stores))
	for i, s := range stores {
		out[i] = Replica{Name: string(rune('a' + i)), Store: s}
	}
	return out
}

func TestPutObjectTwoOfThreeOfflineQuorumOne(t *testing.T) {
	t.Parallel()

	a, b, c := memory.NewBlobStore("a"), memory.NewBlobStore("b"), memory.NewBlobStore("c")
	a.SetOffline(errOffline)
	b.SetOffline(errOffline)

	store, err := New(Config{Quorum: 1}, nil, replicas(a, b, c)...)
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "steam/1/abc.png", "image/png", bytes.NewReader([]byte("png")))
	require.NoError(t, err)
	assert.Equal(t, "memory://c/steam/1/abc.png", uri)

	stored, ok := c.Get("steam/1/abc.png")
	require.True(t, ok)
	assert.Equal(t, "png", string(stored))
}

func TestPutObjectReturnsFirstAcceptedInReplicaOrder(t *testing.T) {
	t.Parallel()

	a, b := memory.NewBlobStore("a"), memory.NewBlobStore("b")
	store, err := New(Config{Quorum: 2}, nil, replicas(a, b)...)
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "x.png", "image/png", strings.NewReader("data"))
	require.NoError(t, err)
	assert.Equal(t, "memory://a/x.png", uri)
	assert.Equal(t, 1, a.Puts())
	assert.Equal(t, 1, b.Puts())
}

func TestPutObjectBelowQuorum(t *testing.T) {
	t.Parallel()

	a, b, c := memory.NewBlobStore("a"), memory.NewBlobStore("b"), memory.NewBlobStore("c")
	b.SetOffline(errOffline)
	c.SetOffline(errOffline)

	store, err := New(Config{Quorum: 2}, nil, replicas(a, b, c)...)
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "x.png", "image/png", strings.NewReader("data"))
	var quorumErr *crawler.StorageQuorumError
	require.ErrorAs(t, err, &quorumErr)
	assert.Equal(t, 1, quorumErr.Accepted)
	assert.Equal(t, 2, quorumErr.Required)
	assert.Len(t, quorumErr.Errs, 2)
	assert.ErrorIs(t, err, errOffline)
}

func TestPutObjectTimesOutSlowReplica(t *testing.T) {
	t.Parallel()

	fast := memory.NewBlobStore("fast")
	store, err := New(Config{Quorum: 1, Timeout: 20 * time.Millisecond}, nil,
		Replica{Name: "slow", Store: hangingStore{}},
		Replica{Name: "fast", Store: fast},
	)
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "x.png", "image/png", strings.NewReader("data"))
	require.NoError(t, err)
	assert.Equal(t, "memory://fast/x.png", uri)
}

func TestExistsNeedsQuorum(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, b := memory.NewBlobStore("a"), memory.NewBlobStore("b")
	_, err := a.PutObject(ctx, "x.png", "image/png", strings.NewReader("data"))
	require.NoError(t, err)

	one, err := New(Config{Quorum: 1}, nil, replicas(a, b)...)
	require.NoError(t, err)
	ok, err := one.Exists(ctx, "x.png")
	require.NoError(t, err)
	assert.True(t, ok)

	two, err := New(Config{Quorum: 2}, nil, replicas(a, b)...)
	require.NoError(t, err)
	ok, err = two.Exists(ctx, "x.png")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil)
	require.Error(t, err)

	_, err = New(Config{Quorum: 3}, nil, replicas(memory.NewBlobStore("a"))...)
	require.Error(t, err)

	_, err = New(Config{}, nil, Replica{Name: "nil"})
	require.Error(t, err)

	s, err := New(Config{}, nil, replicas(memory.NewBlobStore("a"))...)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Quorum())
}
