package scanner

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/coldkeeper/internal/cache"
	"github.com/dmitrijs2005/coldkeeper/internal/logging"
	"github.com/dmitrijs2005/coldkeeper/internal/metrics"
	"github.com/dmitrijs2005/coldkeeper/internal/treehash"
)

const root = "/data"

type fixture struct {
	fs      afero.Fs
	cache   *cache.Cache
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	c, err := cache.Open(ctx, filepath.Join(t.TempDir(), "glacier.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.InitializeSchema(ctx))

	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll(root, 0o755))

	return &fixture{fs: fsys, cache: c, metrics: metrics.New()}
}

func (f *fixture) write(t *testing.T, rel string, data []byte) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, f.fs.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, afero.WriteFile(f.fs, path, data, 0o644))
}

func (f *fixture) scan(t *testing.T, exclude string) map[string]string {
	t.Helper()
	re, err := CompileExclude(exclude)
	require.NoError(t, err)

	s := New(f.fs, f.cache, re, logging.NewNop(), f.metrics)
	got, err := s.Scan(context.Background(), root)
	require.NoError(t, err)

	out := make(map[string]string, len(got))
	for p, rec := range got {
		require.Equal(t, p, rec.Path)
		out[p] = rec.Digest
	}
	return out
}

func digestOf(t *testing.T, data []byte) string {
	t.Helper()
	d, err := treehash.Sum(data)
	require.NoError(t, err)
	return d
}

func TestScan_NewFiles(t *testing.T) {
	f := newFixture(t)
	f.write(t, "empty.txt", nil)
	f.write(t, "docs/a.txt", []byte("alpha"))
	f.write(t, "tmp/scratch.bin", []byte("scratch"))

	got := f.scan(t, "/data/tmp/")

	assert.Equal(t, map[string]string{"docs/a.txt": digestOf(t, []byte("alpha"))}, got)

	stored, err := f.cache.LoadLocalScan(context.Background())
	require.NoError(t, err)
	require.Contains(t, stored, "docs/a.txt")
	assert.Equal(t, int64(5), stored["docs/a.txt"].Size)
	assert.Empty(t, stored["docs/a.txt"].ArchiveID)
	assert.NotContains(t, stored, "empty.txt")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.FilesHashed))
}

func TestScan_ArchivedFilesAreSkippedWithoutRehash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "a.txt", []byte("alpha"))
	f.scan(t, "")

	stored, err := f.cache.LoadLocalScan(ctx)
	require.NoError(t, err)
	rec := stored["a.txt"]
	rec.ArchiveID = "arch-1"
	require.NoError(t, f.cache.UpsertLocalScan(ctx, rec))

	got := f.scan(t, "")
	assert.Empty(t, got)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.FilesHashed))
}

func TestScan_PendingFilesReuseDigest(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.txt", []byte("alpha"))

	first := f.scan(t, "")
	second := f.scan(t, "")

	assert.Equal(t, first, second)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.FilesHashed))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.FilesScanned))
}

func TestScan_ArchivedFileWithNewContentBecomesCandidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "a.txt", []byte("alpha"))
	f.scan(t, "")

	stored, err := f.cache.LoadLocalScan(ctx)
	require.NoError(t, err)
	rec := stored["a.txt"]
	rec.ArchiveID = "arch-1"
	require.NoError(t, f.cache.UpsertLocalScan(ctx, rec))

	f.write(t, "a.txt", []byte("alpha, revised"))
	require.NoError(t, f.fs.Chtimes(filepath.Join(root, "a.txt"), time.Now(), rec.ModTime.Add(time.Minute)))

	got := f.scan(t, "")
	assert.Equal(t, map[string]string{"a.txt": digestOf(t, []byte("alpha, revised"))}, got)

	stored, err = f.cache.LoadLocalScan(ctx)
	require.NoError(t, err)
	assert.Empty(t, stored["a.txt"].ArchiveID)
}

func TestScan_ArchivedFileTouchedKeepsArchiveID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "a.txt", []byte("alpha"))
	f.scan(t, "")

	stored, err := f.cache.LoadLocalScan(ctx)
	require.NoError(t, err)
	rec := stored["a.txt"]
	rec.ArchiveID = "arch-1"
	require.NoError(t, f.cache.UpsertLocalScan(ctx, rec))

	touched := rec.ModTime.Add(time.Hour)
	require.NoError(t, f.fs.Chtimes(filepath.Join(root, "a.txt"), touched, touched))

	got := f.scan(t, "")
	assert.Empty(t, got)

	stored, err = f.cache.LoadLocalScan(ctx)
	require.NoError(t, err)
	assert.Equal(t, "arch-1", stored["a.txt"].ArchiveID)
	assert.True(t, touched.Equal(stored["a.txt"].ModTime))
}

func TestScan_ManyFilesAreAllCommitted(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 2*cache.ScanBatchSize+7; i++ {
		f.write(t, fmt.Sprintf("dir%d/f%03d.bin", i%3, i), bytes.Repeat([]byte{byte(i)}, i+1))
	}

	got := f.scan(t, "")
	assert.Len(t, got, 2*cache.ScanBatchSize+7)

	stored, err := f.cache.LoadLocalScan(context.Background())
	require.NoError(t, err)
	assert.Len(t, stored, 2*cache.ScanBatchSize+7)
}

func TestScan_MissingRoot(t *testing.T) {
	f := newFixture(t)
	s := New(f.fs, f.cache, nil, logging.NewNop(), f.metrics)

	_, err := s.Scan(context.Background(), "/nowhere")
	require.Error(t, err)
}

// vanishingFs reports a stat failure for one path, as when a file is deleted
// between listing its directory and looking at it.
type vanishingFs struct {
	afero.Fs
	gone string
}

func (v vanishingFs) Stat(name string) (os.FileInfo, error) {
	if name == v.gone {
		return nil, &fs.PathError{Op: "lstat", Path: name, Err: fs.ErrNotExist}
	}
	return v.Fs.Stat(name)
}

func TestScan_VanishedChildIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.txt", []byte("alpha"))
	f.write(t, "b.txt", []byte("beta"))

	view := vanishingFs{Fs: f.fs, gone: filepath.Join(root, "a.txt")}
	s := New(view, f.cache, nil, logging.NewNop(), f.metrics)

	got, err := s.Scan(context.Background(), root)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Contains(t, got, "b.txt")
}

func TestScan_Cancelled(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.txt", []byte("alpha"))
	s := New(f.fs, f.cache, nil, logging.NewNop(), f.metrics)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Scan(ctx, root)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCompileExclude(t *testing.T) {
	re, err := CompileExclude("")
	require.NoError(t, err)
	assert.Nil(t, re)

	re, err = CompileExclude(`.*\.tmp`)
	require.NoError(t, err)
	assert.True(t, re.MatchString("/data/x.tmp"))

	re, err = CompileExclude("cache")
	require.NoError(t, err)
	assert.False(t, re.MatchString("/data/cache/x"), "pattern is anchored at the start")
	assert.True(t, re.MatchString("cache/x"))

	_, err = CompileExclude("(")
	require.Error(t, err)
}
