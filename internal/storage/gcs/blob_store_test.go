package gcs

import (
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
)

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "artifacts"})
	require.Error(t, err)

	_, err = New(&storage.Client{}, Config{Bucket: "  "})
	require.Error(t, err)

	store, err := New(&storage.Client{}, Config{Bucket: "artifacts", Metadata: map[string]string{"source": "render-gateway"}})
	require.NoError(t, err)
	require.Equal(t, "artifacts", store.bucket)
}
