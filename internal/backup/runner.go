// Package backup sequences one backup pass: schema, inventory, scan, diff and
// upload. Every step commits its durable state as it goes, so an interrupted
// pass resumes where it stopped.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/jonboulle/clockwork"

	"github.com/dmitrijs2005/coldkeeper/internal/cache"
	"github.com/dmitrijs2005/coldkeeper/internal/common"
	"github.com/dmitrijs2005/coldkeeper/internal/diff"
	"github.com/dmitrijs2005/coldkeeper/internal/inventory"
	"github.com/dmitrijs2005/coldkeeper/internal/logging"
	"github.com/dmitrijs2005/coldkeeper/internal/metrics"
	"github.com/dmitrijs2005/coldkeeper/internal/models"
	"github.com/dmitrijs2005/coldkeeper/internal/scanner"
	"github.com/dmitrijs2005/coldkeeper/internal/uploader"
)

// Options select the run mode.
type Options struct {
	// Regenerate starts a new inventory job even if one is on file.
	Regenerate bool
	// SkipInventory uploads against the cached remote mirror.
	SkipInventory bool
}

// Summary reports what a run did.
type Summary struct {
	Inventory  inventory.Result
	Candidates int
	Uploaded   int
	// Skipped counts files that changed or disappeared after the scan. They
	// stay unarchived and are picked up by the next run.
	Skipped int
}

// Deps are the components a Runner drives.
type Deps struct {
	Cache    *cache.Cache
	Sync     *inventory.Synchronizer
	Scanner  *scanner.Scanner
	Uploader *uploader.Uploader
	Clock    clockwork.Clock
	Log      logging.Logger
	Metrics  *metrics.Metrics
}

type Runner struct {
	deps Deps
	root string
}

func NewRunner(root string, deps Deps) *Runner {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	return &Runner{deps: deps, root: root}
}

// Run performs one pass. A schema failure is logged and the pass goes on; a
// cache read failure, an inventory failure or a failed upload stops it. A file
// that changed or vanished since the scan is skipped and the pass goes on.
func (r *Runner) Run(ctx context.Context, opts Options) (Summary, error) {
	var sum Summary
	log := r.deps.Log

	if err := r.deps.Cache.InitializeSchema(ctx); err != nil {
		log.Error(ctx, "cannot initialize cache schema", "error", err)
	}

	res, err := r.deps.Sync.Sync(ctx, inventory.Options{
		Regenerate: opts.Regenerate,
		Skip:       opts.SkipInventory,
	})
	sum.Inventory = res
	if err != nil {
		return sum, fmt.Errorf("inventory: %w", err)
	}

	local, err := r.deps.Scanner.Scan(ctx, r.root)
	if err != nil {
		return sum, err
	}

	remote, err := r.deps.Cache.LoadInventory(ctx)
	if err != nil {
		return sum, err
	}

	pending := diff.ComputeUploadSet(local, remote)
	sum.Candidates = len(pending)
	log.Info(ctx, "upload set computed", "scanned_pending", len(local), "mirror", len(remote), "to_upload", len(pending))

	for _, path := range diff.Paths(pending) {
		err := r.upload(ctx, pending[path])
		switch {
		case err == nil:
			sum.Uploaded++
		case skippable(err):
			sum.Skipped++
			log.Warn(ctx, "file changed since scan, left for the next run", "path", path, "error", err)
		default:
			return sum, err
		}
	}

	r.deps.Metrics.LastSuccess.Set(float64(r.deps.Clock.Now().Unix()))
	log.Info(ctx, "backup finished", "uploaded", sum.Uploaded, "skipped", sum.Skipped)
	return sum, nil
}

func (r *Runner) upload(ctx context.Context, rec models.FileRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := r.deps.Uploader.Upload(ctx, rec)
	return err
}

func skippable(err error) bool {
	return errors.Is(err, common.ErrContentChanged) ||
		errors.Is(err, common.ErrEmptyFile) ||
		errors.Is(err, fs.ErrNotExist)
}
