package backup

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/coldkeeper/internal/archive/archivetest"
	"github.com/dmitrijs2005/coldkeeper/internal/cache"
	"github.com/dmitrijs2005/coldkeeper/internal/common"
	"github.com/dmitrijs2005/coldkeeper/internal/inventory"
	"github.com/dmitrijs2005/coldkeeper/internal/jobstate"
	"github.com/dmitrijs2005/coldkeeper/internal/logging"
	"github.com/dmitrijs2005/coldkeeper/internal/metrics"
	"github.com/dmitrijs2005/coldkeeper/internal/scanner"
	"github.com/dmitrijs2005/coldkeeper/internal/treehash"
	"github.com/dmitrijs2005/coldkeeper/internal/uploader"
)

const root = "/data"

type fixture struct {
	fs      afero.Fs
	vault   *archivetest.Vault
	cache   *cache.Cache
	jobs    *jobstate.FileStore
	metrics *metrics.Metrics
	runner  *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithFs(t, func(fsys afero.Fs) afero.Fs { return fsys })
}

// newFixtureWithFs lets wrap intercept what the scanner and uploader read;
// fixture.write always goes to the underlying filesystem.
func newFixtureWithFs(t *testing.T, wrap func(afero.Fs) afero.Fs) *fixture {
	t.Helper()
	ctx := context.Background()

	c, err := cache.Open(ctx, filepath.Join(t.TempDir(), "glacier.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll(root, 0o755))

	f := &fixture{
		fs:      fsys,
		vault:   archivetest.NewVault(),
		cache:   c,
		jobs:    jobstate.NewFileStore(fsys, "/state/job.txt"),
		metrics: metrics.New(),
	}

	log := logging.NewNop()
	view := wrap(fsys)
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))

	f.runner = NewRunner(root, Deps{
		Cache:    c,
		Sync:     inventory.New(f.vault, "photos", c, f.jobs, clock, time.Minute, log, f.metrics),
		Scanner:  scanner.New(view, c, nil, log, f.metrics),
		Uploader: uploader.New(f.vault, "photos", view, root, c, log, f.metrics, uploader.WithRetryDelay(time.Nanosecond)),
		Clock:    clock,
		Log:      log,
		Metrics:  f.metrics,
	})
	return f
}

func (f *fixture) write(t *testing.T, rel string, data []byte) {
	t.Helper()
	require.NoError(t, afero.WriteFile(f.fs, filepath.Join(root, rel), data, 0o644))
}

func TestRun_EndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	data := bytes.Repeat([]byte("0123456789abcdef"), (2<<20)/16)
	digest, err := treehash.Sum(data)
	require.NoError(t, err)

	f.write(t, "empty.txt", nil)
	f.write(t, "F.bin", data)

	sum, err := f.runner.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Candidates)
	assert.Equal(t, 1, sum.Uploaded)

	local, err := f.cache.LoadLocalScan(ctx)
	require.NoError(t, err)
	require.Contains(t, local, "F.bin")
	assert.NotContains(t, local, "empty.txt")
	assert.NotEmpty(t, local["F.bin"].ArchiveID)
	assert.Equal(t, digest, local["F.bin"].Digest)

	stored, ok := f.vault.Data(local["F.bin"].ArchiveID)
	require.True(t, ok)
	assert.True(t, bytes.Equal(data, stored))
	assert.Equal(t, float64(1717200000), testutil.ToFloat64(f.metrics.LastSuccess))

	// A second pass finds nothing to do and does not contact the inventory.
	calls := f.vault.InitiateJobCalls
	sum, err = f.runner.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Zero(t, sum.Candidates)
	assert.True(t, sum.Inventory.Skipped)
	assert.Equal(t, calls, f.vault.InitiateJobCalls)
}

func TestRun_MirrorMatchIsNotUploaded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.vault.Put("same.txt", []byte("same content"))
	require.NoError(t, err)
	_, err = f.vault.Put("changed.txt", []byte("old content"))
	require.NoError(t, err)

	f.write(t, "same.txt", []byte("same content"))
	f.write(t, "changed.txt", []byte("new content"))
	f.write(t, "fresh.txt", []byte("fresh"))

	sum, err := f.runner.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Inventory.Merged)
	assert.Equal(t, 2, sum.Candidates)
	assert.Equal(t, 4, f.vault.Len())
}

func TestRun_SkipInventoryUsesCachedMirror(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.txt", []byte("alpha"))

	sum, err := f.runner.Run(context.Background(), Options{SkipInventory: true})
	require.NoError(t, err)
	assert.True(t, sum.Inventory.Skipped)
	assert.Equal(t, 1, sum.Uploaded)
	assert.Zero(t, f.vault.InitiateJobCalls)
}

func TestRun_UploadFailureStopsRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.vault.PartFailures = uploader.MaxAttempts

	f.write(t, "a.txt", []byte("alpha"))
	f.write(t, "b.txt", []byte("beta"))

	sum, err := f.runner.Run(ctx, Options{SkipInventory: true})
	require.ErrorIs(t, err, archivetest.ErrInjected)
	assert.Zero(t, sum.Uploaded)

	local, err := f.cache.LoadLocalScan(ctx)
	require.NoError(t, err)
	assert.Empty(t, local["a.txt"].ArchiveID)
	assert.Empty(t, local["b.txt"].ArchiveID)
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.LastSuccess))

	// The next pass resumes and archives both.
	sum, err = f.runner.Run(ctx, Options{SkipInventory: true})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Uploaded)
}

func TestRun_InventoryFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	f.vault.InitiateJobErr = assert.AnError

	_, err := f.runner.Run(context.Background(), Options{})
	require.ErrorIs(t, err, common.ErrNoInventoryJob)
}

// openHookFs calls onOpen with the number of times name has been opened for
// reading, before the open happens.
type openHookFs struct {
	afero.Fs
	mu     sync.Mutex
	opens  map[string]int
	onOpen func(fsys afero.Fs, name string, n int)
}

func (h *openHookFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	h.mu.Lock()
	if h.opens == nil {
		h.opens = make(map[string]int)
	}
	h.opens[name]++
	n := h.opens[name]
	h.mu.Unlock()

	h.onOpen(h.Fs, name, n)
	return h.Fs.OpenFile(name, flag, perm)
}

func TestRun_GrowingFileDoesNotBlockOthers(t *testing.T) {
	live := filepath.Join(root, "a.log")
	f := newFixtureWithFs(t, func(fsys afero.Fs) afero.Fs {
		return &openHookFs{Fs: fsys, onOpen: func(fsys afero.Fs, name string, _ int) {
			if name != live {
				return
			}
			fh, err := fsys.OpenFile(name, os.O_APPEND|os.O_WRONLY, 0)
			require.NoError(t, err)
			_, err = fh.Write([]byte("more log\n"))
			require.NoError(t, err)
			require.NoError(t, fh.Close())
		}}
	})
	ctx := context.Background()

	f.write(t, "a.log", []byte("first line\n"))
	f.write(t, "b.txt", []byte("stable"))

	for pass := 0; pass < 2; pass++ {
		sum, err := f.runner.Run(ctx, Options{SkipInventory: true})
		require.NoError(t, err)
		assert.Equal(t, 1, sum.Skipped, "pass %d", pass)
	}

	local, err := f.cache.LoadLocalScan(ctx)
	require.NoError(t, err)
	assert.Empty(t, local["a.log"].ArchiveID)
	assert.NotEmpty(t, local["b.txt"].ArchiveID)
	assert.Equal(t, 1, f.vault.Len())
	assert.NotZero(t, testutil.ToFloat64(f.metrics.LastSuccess))
}

func TestRun_FileRemovedAfterScanIsSkipped(t *testing.T) {
	gone := filepath.Join(root, "a.txt")
	f := newFixtureWithFs(t, func(fsys afero.Fs) afero.Fs {
		return &openHookFs{Fs: fsys, onOpen: func(fsys afero.Fs, name string, n int) {
			// The first open hashes the file during the scan.
			if name == gone && n == 2 {
				require.NoError(t, fsys.Remove(name))
			}
		}}
	})

	f.write(t, "a.txt", []byte("short lived"))
	f.write(t, "b.txt", []byte("stable"))

	sum, err := f.runner.Run(context.Background(), Options{SkipInventory: true})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 1, sum.Uploaded)
	assert.Equal(t, 1, f.vault.Len())
}
