// Package scanner walks the backup root and records every candidate file in
// the local-scan table of the cache.
package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/spf13/afero"

	"github.com/dmitrijs2005/coldkeeper/internal/cache"
	"github.com/dmitrijs2005/coldkeeper/internal/logging"
	"github.com/dmitrijs2005/coldkeeper/internal/metrics"
	"github.com/dmitrijs2005/coldkeeper/internal/models"
	"github.com/dmitrijs2005/coldkeeper/internal/treehash"
)

// CompileExclude turns a user pattern into a matcher anchored at the start of
// the absolute path. An empty pattern excludes nothing and yields nil.
func CompileExclude(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile("^(?:" + pattern + ")")
	if err != nil {
		return nil, fmt.Errorf("compile file filter: %w", err)
	}
	return re, nil
}

type Scanner struct {
	fs      afero.Fs
	cache   *cache.Cache
	exclude *regexp.Regexp
	log     logging.Logger
	metrics *metrics.Metrics
}

func New(fsys afero.Fs, c *cache.Cache, exclude *regexp.Regexp, log logging.Logger, m *metrics.Metrics) *Scanner {
	return &Scanner{fs: fsys, cache: c, exclude: exclude, log: log, metrics: m}
}

// Scan walks root and returns the files that still need archiving, keyed by
// their slash-separated path relative to root.
//
// Zero-length files and paths matching the exclude pattern are ignored.
// Known files whose size and modification time are unchanged are not
// re-hashed. An archived file is re-hashed when either changed; if its digest
// changed too, its archive id is dropped and it becomes a candidate again.
//
// New and changed records are written in batches of cache.ScanBatchSize, so an
// interrupted scan keeps most of its work.
func (s *Scanner) Scan(ctx context.Context, root string) (map[string]models.FileRecord, error) {
	known, err := s.cache.LoadLocalScan(ctx)
	if err != nil {
		return nil, err
	}

	batch := s.cache.NewScanBatch()
	pending := make(map[string]models.FileRecord)

	walkErr := afero.Walk(s.fs, root, func(path string, info fs.FileInfo, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == root {
				return err
			}
			s.log.Warn(ctx, "skipping unreadable path", "path", path, "error", err)
			if info != nil && info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if info.Size() == 0 {
			return nil
		}
		if s.exclude != nil && s.exclude.MatchString(path) {
			s.log.Debug(ctx, "excluded", "path", path)
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("relative path of %s: %w", path, err)
		}
		rel = filepath.ToSlash(rel)

		s.metrics.FilesScanned.Inc()

		rec, candidate, changed, err := s.examine(ctx, path, rel, info, known)
		if err != nil {
			s.log.Warn(ctx, "skipping file", "path", path, "error", err)
			return nil
		}
		if changed {
			if err := batch.Upsert(ctx, rec); err != nil {
				return err
			}
		}
		if candidate {
			pending[rel] = rec
		}
		return nil
	})
	if walkErr != nil {
		_ = batch.Rollback()
		return nil, fmt.Errorf("scan %s: %w", root, walkErr)
	}

	if err := batch.Commit(); err != nil {
		return nil, err
	}
	return pending, nil
}

// examine decides what to do with one file. It returns the record to keep,
// whether the file needs uploading and whether the record must be written.
func (s *Scanner) examine(ctx context.Context, path, rel string, info fs.FileInfo, known map[string]models.FileRecord) (models.FileRecord, bool, bool, error) {
	prev, seen := known[rel]
	unchanged := seen && prev.Size == info.Size() && prev.ModTime.Equal(info.ModTime())

	if seen && unchanged && prev.Archived() {
		return prev, false, false, nil
	}
	if seen && unchanged && prev.Digest != "" {
		return prev, true, false, nil
	}

	digest, err := s.digest(path)
	if err != nil {
		return models.FileRecord{}, false, false, err
	}
	s.metrics.FilesHashed.Inc()

	rec := models.FileRecord{
		Path:    rel,
		Digest:  digest,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}

	if seen && prev.Archived() {
		if prev.Digest == digest {
			rec.ArchiveID = prev.ArchiveID
			return rec, false, true, nil
		}
		s.log.Info(ctx, "archived file changed", "path", rel)
	}
	return rec, true, true, nil
}

func (s *Scanner) digest(path string) (string, error) {
	f, err := s.fs.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return "", err
	}
	defer f.Close()

	return treehash.Digest(f)
}
