package fsutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSlugify(t *testing.T) {
	require.Equal(t, "login-crash", Slugify("Login Crash!!", 40))
	require.Equal(t, "item", Slugify("???", 40))
	require.Equal(t, "abcde", Slugify("abcdefgh", 5))
}

func TestAtomicWriteFileIsVisibleOnlyAfterRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "msg.md")

	require.NoError(t, AtomicWriteFile(path, []byte("hello")))
	require.True(t, NonEmptyFile(path))
	require.Equal(t, "hello", ReadContentFile(path))

	entries, err := filepath.Glob(filepath.Join(dir, ".tmp-*"))
	require.NoError(t, err)
	require.Empty(t, entries, "temp file should not remain after rename")
}

func TestMessageFilePath(t *testing.T) {
	l := NewLayout(t.TempDir())
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	p, err := l.MessageFilePath("lead", "coder-1", "status", now)
	require.NoError(t, err)
	require.Contains(t, p, filepath.Join("inbox", "lead"))
	require.Contains(t, filepath.Base(p), "20260730T120000-coder-1-status.md")
}

func TestNonEmptyFile(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.txt")
	require.NoError(t, AtomicWriteFile(empty, nil))
	require.False(t, NonEmptyFile(empty))
	require.False(t, NonEmptyFile(filepath.Join(dir, "missing.txt")))
}
