package gcs

import (
	"errors"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesInputs(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "media"})
	require.Error(t, err)

	_, err = New(&storage.Client{}, Config{})
	require.Error(t, err)

	store, err := New(&storage.Client{}, Config{Bucket: "media"})
	require.NoError(t, err)
	assert.Equal(t, "gs://media/steam/1/abc.png", store.uri("steam/1/abc.png"))
}

func TestIsPreconditionFailed(t *testing.T) {
	t.Parallel()

	assert.True(t, isPreconditionFailed(errors.New("googleapi: Error 412: Precondition Failed, conditionNotMet")))
	assert.False(t, isPreconditionFailed(errors.New("googleapi: Error 503: backend error")))
}
