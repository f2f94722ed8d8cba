package download

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDirSinkSave はディレクトリへの保存をテストする
func TestDirSinkSave(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "shots")
	sink := NewDirSink(dir, nil)

	sink.Save([]byte("jpeg-bytes"), "A17-3.jpg")

	data, err := os.ReadFile(filepath.Join(dir, "A17-3.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))

	// 一時ファイルは残らない
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// TestDirSinkOverwrite は同名ファイルの上書きをテストする
func TestDirSinkOverwrite(t *testing.T) {
	dir := t.TempDir()
	sink := NewDirSink(dir, nil)

	sink.Save([]byte("first"), "1.jpg")
	sink.Save([]byte("second"), "1.jpg")

	data, err := os.ReadFile(filepath.Join(dir, "1.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

// TestDirSinkRejectsTraversal はディレクトリ外への保存の拒否をテストする
func TestDirSinkRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "shots")
	sink := NewDirSink(dir, nil)

	for _, name := range []string{"../escape.jpg", "a/b.jpg", "..", ""} {
		assert.NotPanics(t, func() { sink.Save([]byte("x"), name) })
	}

	_, err := os.Stat(filepath.Join(root, "escape.jpg"))
	assert.True(t, os.IsNotExist(err))
}
