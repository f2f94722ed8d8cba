package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStoreContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "camera_last_sequence", "4"))
	v, ok, err := s.Get(ctx, "camera_last_sequence")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "4", v)

	// 上書き
	require.NoError(t, s.Set(ctx, "camera_last_sequence", "5"))
	v, _, err = s.Get(ctx, "camera_last_sequence")
	require.NoError(t, err)
	assert.Equal(t, "5", v)

	// 空文字列も値として保持する
	require.NoError(t, s.Set(ctx, "current_item", ""))
	v, ok, err = s.Get(ctx, "current_item")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, v)
}

// TestMemoryStore はメモリストアをテストする
func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	testStoreContract(t, s)
	assert.Equal(t, 2, s.Len())
}

// TestSQLiteStore はSQLiteストアをテストする
func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "renban.db"))
	require.NoError(t, err)
	defer s.Close()

	testStoreContract(t, s)
}

// TestSQLiteStorePersistsAcrossReopen は開き直した後も値が残ることをテストする
func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "renban.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "seqMap", `{"A17":3}`))
	require.NoError(t, s.Close())

	_, err = os.Stat(path)
	require.NoError(t, err)

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	v, ok, err := s.Get(ctx, "seqMap")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"A17":3}`, v)

	var version int
	require.NoError(t, s.db.QueryRow("PRAGMA user_version;").Scan(&version))
	assert.Equal(t, CurrentSchemaVersion, version)
}

// TestSQLiteStoreWriteFailure は書き込み失敗時のエラーをテストする
func TestSQLiteStoreWriteFailure(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "renban.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	err = s.Set(context.Background(), "k", "v")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPersistence))
}
