//go:build integration

package postgres

import (
	"context"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
	"github.com/JakeFAU/game-catalog-crawler/internal/store"
)

func startPostgres(t *testing.T) *CatalogStore {
	t.Helper()
	ctx := context.Background()
	testcontainers.Logger = log.New(io.Discard, "", 0)

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		Started: true,
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "crawler",
				"POSTGRES_PASSWORD": "crawler",
				"POSTGRES_DB":       "catalog",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	s, err := NewCatalogStore(ctx, Config{
		DSN: fmt.Sprintf("postgres://crawler:crawler@%s:%s/catalog?sslmode=disable", host, port.Port()),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestIntegrationCommitAndDelist(t *testing.T) {
	s := startPostgres(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	rec := crawler.NormalizedRecord{
		Source: crawler.SourceSteam, NativeID: "1145360", URL: "https://store.steampowered.com/app/1145360",
		Title: "Hades", TitleKey: "hades", ReleaseStatus: crawler.ReleaseReleased, ObservedAt: at,
		Features: []crawler.FeatureTag{{Name: "single-player", Category: crawler.FeatureVocabulary}},
	}
	first, err := s.CommitProduct(ctx, crawler.CommitRequest{RunID: "run-1", NewProductID: "p1", Record: rec})
	require.NoError(t, err)
	assert.True(t, first.Created)

	rec.ObservedAt = at.Add(time.Hour)
	second, err := s.CommitProduct(ctx, crawler.CommitRequest{RunID: "run-2", NewProductID: "p9", Record: rec})
	require.NoError(t, err)
	assert.Equal(t, crawler.CommitOutcome{ProductID: "p1"}, second)

	for i := 0; i < 2; i++ {
		n, err := s.MarkDelisted(ctx, crawler.SourceSteam, nil, 3)
		require.NoError(t, err)
		assert.Zero(t, n)
	}
	n, err := s.MarkDelisted(ctx, crawler.SourceSteam, nil, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	runs := s.RunStore()
	id := uuid.New()
	require.NoError(t, runs.StartRun(ctx, id, "steam", at))
	require.NoError(t, runs.AddItemStats(ctx, id, store.ItemDelta{Succeeded: 1}, at.Add(time.Second)))
	require.NoError(t, runs.CompleteRun(ctx, id, at.Add(time.Minute), store.RunCompleted, nil))
	got, err := runs.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, got.Status)
	assert.Equal(t, int64(1), got.Succeeded)
}
