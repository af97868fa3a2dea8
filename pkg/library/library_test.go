package library

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, data string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
}

func TestScanPicksMediaFilesRecursively(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.mp3"), "abc")
	writeFile(t, filepath.Join(dir, "sub", "B.FLAC"), "hello")
	writeFile(t, filepath.Join(dir, "notes.txt"), "skip me")

	lib, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	defer lib.Close()

	songs, err := lib.ListDescriptors()
	require.NoError(t, err)
	require.Len(t, songs, 2)

	a := songs[0]
	assert.Equal(t, "a", a.Title)
	assert.Equal(t, ".mp3", a.Extension)
	assert.Equal(t, int64(3), a.SizeBytes)
	assert.Equal(t, "Unknown", a.Artist)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", a.Hash)
	assert.NotNil(t, a.Featuring)

	assert.Equal(t, "B", songs[1].Title)
	assert.Equal(t, ".FLAC", songs[1].Extension)
}

func TestOpenForReadByNormalizedHash(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.ogg"), "abcdef")

	lib, err := Open(Options{Dir: dir, Extensions: []string{"ogg"}})
	require.NoError(t, err)
	defer lib.Close()

	songs, _ := lib.ListDescriptors()
	require.Len(t, songs, 1)

	r, err := lib.OpenForRead(strings.ToUpper(songs[0].Hash))
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, int64(6), r.Size())
	buf := make([]byte, 3)
	n, err := r.ReadAt(buf, 2)
	require.NoError(t, err)
	assert.Equal(t, "cde", string(buf[:n]))

	_, err = lib.OpenForRead("deadbeef")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRefreshSeesNewFiles(t *testing.T) {
	dir := t.TempDir()
	lib, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	defer lib.Close()

	songs, _ := lib.ListDescriptors()
	assert.Empty(t, songs)

	writeFile(t, filepath.Join(dir, "new.wav"), "data")
	require.NoError(t, lib.Refresh())

	songs, _ = lib.ListDescriptors()
	require.Len(t, songs, 1)
	_, ok := lib.Lookup(songs[0].Hash)
	assert.True(t, ok)
}

func TestOpenRejectsMissingDir(t *testing.T) {
	_, err := Open(Options{Dir: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)
	_, err = Open(Options{})
	assert.Error(t, err)
}

func TestHashCacheReusesAndInvalidates(t *testing.T) {
	cache, err := OpenHashCache(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)
	defer cache.Close()

	mod := time.Unix(1700000000, 42)
	require.NoError(t, cache.Store("/music/a.mp3", 10, mod, "aa"))

	h, ok := cache.Lookup("/music/a.mp3", 10, mod)
	assert.True(t, ok)
	assert.Equal(t, "aa", h)

	_, ok = cache.Lookup("/music/a.mp3", 11, mod)
	assert.False(t, ok)
	_, ok = cache.Lookup("/music/a.mp3", 10, mod.Add(time.Second))
	assert.False(t, ok)
	_, ok = cache.Lookup("/music/b.mp3", 10, mod)
	assert.False(t, ok)

	n, err := cache.Prune(map[string]struct{}{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok = cache.Lookup("/music/a.mp3", 10, mod)
	assert.False(t, ok)
}

func TestLibraryUsesHashCache(t *testing.T) {
	dir := t.TempDir()
	cacheDir := filepath.Join(t.TempDir(), "cache")
	path := filepath.Join(dir, "a.mp3")
	writeFile(t, path, "abc")

	lib, err := Open(Options{Dir: dir, HashCache: cacheDir})
	require.NoError(t, err)
	require.NoError(t, lib.Close())

	// A cached digest is trusted while size and mtime are unchanged.
	cache, err := OpenHashCache(cacheDir)
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, cache.Store(path, info.Size(), info.ModTime(), "cafebabe"))
	require.NoError(t, cache.Close())

	lib, err = Open(Options{Dir: dir, HashCache: cacheDir})
	require.NoError(t, err)
	defer lib.Close()

	songs, _ := lib.ListDescriptors()
	require.Len(t, songs, 1)
	assert.Equal(t, "cafebabe", songs[0].Hash)

	r, err := lib.OpenForRead("CAFEBABE")
	require.NoError(t, err)
	data, err := io.ReadAll(io.NewSectionReader(r, 0, r.Size()))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
	require.NoError(t, r.Close())
}
