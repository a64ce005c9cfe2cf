package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadWriteEditRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")

	write := &WriteFileTool{AllowedDir: dir}
	out, err := write.Execute(context.Background(), map[string]any{"path": path, "content": "hello world"})
	require.NoError(t, err)
	assert.Contains(t, out, "Successfully wrote")

	read := &ReadFileTool{AllowedDir: dir}
	out, err = read.Execute(context.Background(), map[string]any{"path": path})
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)

	edit := &EditFileTool{AllowedDir: dir}
	out, err = edit.Execute(context.Background(), map[string]any{
		"path": path, "old_text": "world", "new_text": "there",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Successfully edited")

	out, _ = read.Execute(context.Background(), map[string]any{"path": path})
	assert.Equal(t, "hello there", out)
}

func TestEditRejectsAmbiguousAndMissingText(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dup.txt")
	require.NoError(t, os.WriteFile(path, []byte("aa aa"), 0o644))

	edit := &EditFileTool{AllowedDir: dir}
	out, err := edit.Execute(context.Background(), map[string]any{
		"path": path, "old_text": "aa", "new_text": "bb",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "appears 2 times")

	out, _ = edit.Execute(context.Background(), map[string]any{
		"path": path, "old_text": "zz", "new_text": "bb",
	})
	assert.Contains(t, out, "not found")
}

func TestResolvePathEnforcesWorkspace(t *testing.T) {
	dir := t.TempDir()

	_, err := resolvePath(filepath.Join(dir, "inside.txt"), dir)
	require.NoError(t, err)

	_, err = resolvePath(filepath.Join(dir, "..", "escape.txt"), dir)
	require.Error(t, err)

	_, err = resolvePath("/etc/passwd", dir)
	require.Error(t, err)

	// Sibling directory sharing a name prefix is still outside.
	_, err = resolvePath(dir+"2/file.txt", dir)
	require.Error(t, err)
}

func TestListDirSortedWithDirSuffix(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), nil, 0o644))

	ls := &ListDirTool{AllowedDir: dir}
	out, err := ls.Execute(context.Background(), map[string]any{"path": dir})
	require.NoError(t, err)
	assert.Equal(t, "a.txt\nb.txt\nsub/", out)
}

func TestReadMissingFile(t *testing.T) {
	read := &ReadFileTool{AllowedDir: t.TempDir()}
	out, err := read.Execute(context.Background(), map[string]any{"path": filepath.Join(read.AllowedDir, "nope")})
	require.NoError(t, err)
	assert.Contains(t, out, "File not found")
}
