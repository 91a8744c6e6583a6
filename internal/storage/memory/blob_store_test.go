package memory

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStore_PutAndGet(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte(`{"ok":true}`)
	uri, err := store.PutObject(context.Background(), "/shoes_20240101/category_shoes.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://shoes_20240101/category_shoes.json", uri)

	payload[0] = 'X'
	obj, ok := store.Get("shoes_20240101/category_shoes.json")
	require.True(t, ok)
	require.Equal(t, "application/json", obj.ContentType)
	require.Equal(t, `{"ok":true}`, string(obj.Data))

	obj.Data[0] = 'Y'
	again, _ := store.Get("shoes_20240101/category_shoes.json")
	require.Equal(t, byte('{'), again.Data[0])
}

func TestBlobStore_OverwriteAndPaths(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()
	_, err := store.PutObject(ctx, "b.xlsx", "", strings.NewReader("one"))
	require.NoError(t, err)
	_, err = store.PutObject(ctx, "a.json", "", strings.NewReader("two"))
	require.NoError(t, err)
	_, err = store.PutObject(ctx, "b.xlsx", "", strings.NewReader("three"))
	require.NoError(t, err)

	require.Equal(t, []string{"a.json", "b.xlsx"}, store.Paths())
	obj, ok := store.Get("b.xlsx")
	require.True(t, ok)
	require.Equal(t, "three", string(obj.Data))

	_, ok = store.Get("missing")
	require.False(t, ok)
}

func TestBlobStore_EmptyPath(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().PutObject(context.Background(), " ", "", strings.NewReader("x"))
	require.Error(t, err)
}
