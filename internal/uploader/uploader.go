// Package uploader sends one file to the archive service with the multipart
// protocol and records the resulting archive id in the cache.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/spf13/afero"

	"github.com/dmitrijs2005/coldkeeper/internal/archive"
	"github.com/dmitrijs2005/coldkeeper/internal/common"
	"github.com/dmitrijs2005/coldkeeper/internal/logging"
	"github.com/dmitrijs2005/coldkeeper/internal/metrics"
	"github.com/dmitrijs2005/coldkeeper/internal/models"
	"github.com/dmitrijs2005/coldkeeper/internal/treehash"
)

const (
	// PartSize is the multipart chunk size. The service requires a power of
	// two multiple of 1 MiB.
	PartSize = 16 << 20
	// MaxAttempts bounds the tries of every remote call of an upload.
	MaxAttempts = 10
	// DefaultRetryDelay is the pause between two attempts.
	DefaultRetryDelay = 5 * time.Second
)

// Recorder stores the archived state of a file.
type Recorder interface {
	UpsertLocalScan(ctx context.Context, rec models.FileRecord) error
}

type Uploader struct {
	svc      archive.Service
	vault    string
	fs       afero.Fs
	root     string
	recorder Recorder
	log      logging.Logger
	metrics  *metrics.Metrics

	partSize int64
	delay    time.Duration
}

type Option func(*Uploader)

// WithRetryDelay sets the pause between attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(u *Uploader) {
		if d > 0 {
			u.delay = d
		}
	}
}

func New(svc archive.Service, vault string, fsys afero.Fs, root string, recorder Recorder, log logging.Logger, m *metrics.Metrics, opts ...Option) *Uploader {
	u := &Uploader{
		svc:      svc,
		vault:    vault,
		fs:       fsys,
		root:     root,
		recorder: recorder,
		log:      log,
		metrics:  m,
		partSize: PartSize,
		delay:    DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

func (u *Uploader) backoff() retry.Backoff {
	return retry.WithMaxRetries(MaxAttempts-1, retry.NewConstant(u.delay))
}

// attempt runs fn up to MaxAttempts times. Every error returned by fn is
// treated as transient.
func (u *Uploader) attempt(ctx context.Context, what string, fn func(ctx context.Context) error) error {
	tries := 0
	return retry.Do(ctx, u.backoff(), func(ctx context.Context) error {
		tries++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if tries < MaxAttempts {
			u.metrics.UploadRetries.Inc()
		}
		u.log.Warn(ctx, what+" failed", "attempt", tries, "error", err)
		return retry.RetryableError(err)
	})
}

// Upload archives rec and returns the new archive id. rec.Digest must be the
// tree hash recorded by the scanner; if the file no longer matches it the
// upload is abandoned with common.ErrContentChanged.
//
// Parts are sent in order, each retried on its own; an acknowledged part is
// never sent again. Finalization is retried with the same arguments. On
// success the record is stored with its archive id.
func (u *Uploader) Upload(ctx context.Context, rec models.FileRecord) (string, error) {
	if rec.Digest == "" {
		return "", fmt.Errorf("upload %s: no digest", rec.Path)
	}
	log := u.log.With("path", rec.Path)

	f, err := u.fs.OpenFile(filepath.Join(u.root, filepath.FromSlash(rec.Path)), os.O_RDONLY, 0)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", rec.Path, err)
	}
	defer f.Close()

	var uploadID string
	err = u.attempt(ctx, "initiate upload", func(ctx context.Context) error {
		id, err := u.svc.InitiateMultipartUpload(ctx, u.vault, rec.Path, u.partSize)
		uploadID = id
		return err
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", rec.Path, err)
	}
	log.Debug(ctx, "upload initiated", "upload_id", uploadID)

	total, err := u.sendParts(ctx, log, f, uploadID, rec.Digest)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", rec.Path, err)
	}

	var archiveID string
	err = u.attempt(ctx, "complete upload", func(ctx context.Context) error {
		id, err := u.svc.CompleteMultipartUpload(ctx, u.vault, uploadID, total, rec.Digest)
		archiveID = id
		return err
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", rec.Path, err)
	}

	rec.ArchiveID = archiveID
	if err := u.recorder.UpsertLocalScan(ctx, rec); err != nil {
		return archiveID, fmt.Errorf("record archive of %s: %w", rec.Path, err)
	}

	u.metrics.FilesUploaded.Inc()
	log.Info(ctx, "archived", "archive_id", archiveID, "size", total)
	return archiveID, nil
}

// sendParts streams r in parts and returns the number of bytes sent. The tree
// hash of the sent bytes must equal want.
func (u *Uploader) sendParts(ctx context.Context, log logging.Logger, r io.Reader, uploadID, want string) (int64, error) {
	whole := treehash.New()
	buf := make([]byte, u.partSize)
	var offset int64

	for {
		n, err := io.ReadFull(r, buf)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return offset, fmt.Errorf("read at %d: %w", offset, err)
		}

		body := buf[:n]
		_, _ = whole.Write(body)

		digest, herr := treehash.Sum(body)
		if herr != nil {
			return offset, herr
		}
		rng := archive.ByteRange{Start: offset, End: offset + int64(n) - 1}

		perr := u.attempt(ctx, "upload part", func(ctx context.Context) error {
			ack, err := u.svc.UploadPart(ctx, u.vault, uploadID, rng, body, digest)
			if err != nil {
				return err
			}
			if ack.Digest != digest {
				return fmt.Errorf("part %s: %w", rng, common.ErrChecksumMismatch)
			}
			return nil
		})
		if perr != nil {
			return offset, perr
		}

		offset += int64(n)
		u.metrics.BytesUploaded.Add(float64(n))
		log.Debug(ctx, "part uploaded", "range", rng.String())

		if errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
	}

	if offset == 0 {
		return 0, common.ErrEmptyFile
	}
	got, err := whole.HexSum()
	if err != nil {
		return offset, err
	}
	if got != want {
		return offset, common.ErrContentChanged
	}
	return offset, nil
}
