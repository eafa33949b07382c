package blob

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFSRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewFS(dir)
	ctx := context.Background()
	key := "frozen_reports/2024/01/analytical_2024_01_abcd1234.pdf"

	require.NoError(t, store.Put(ctx, key, []byte("%PDF-1.7")))
	data, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "%PDF-1.7", string(data))
	_, err = os.Stat(filepath.Join(dir, "frozen_reports", "2024", "01", "analytical_2024_01_abcd1234.pdf"))
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, key, []byte("tampered")))
	data, err = store.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "tampered", string(data))

	require.NoError(t, store.Delete(ctx, key))
	require.NoError(t, store.Delete(ctx, key))
	_, err = store.Get(ctx, key)
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestFSRejectsEscapingKeys(t *testing.T) {
	store := NewFS(t.TempDir())
	for _, key := range []string{"", "../outside.pdf", "/etc/passwd", "a/../../b"} {
		err := store.Put(context.Background(), key, []byte("x"))
		require.ErrorIs(t, err, ErrInvalidKey, key)
	}
}
