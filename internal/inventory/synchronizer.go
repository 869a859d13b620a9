// Package inventory drives the asynchronous remote inventory job and merges
// its output into the remote mirror of the cache.
//
// A run moves through four states: with no job on file a new job is
// requested and its id persisted; the job is then polled at a fixed interval
// until the service reports completion; its output is fetched and merged in
// one transaction; finally the persisted id is cleared. A process killed at
// any point resumes polling the same job on the next run.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dmitrijs2005/coldkeeper/internal/archive"
	"github.com/dmitrijs2005/coldkeeper/internal/cache"
	"github.com/dmitrijs2005/coldkeeper/internal/common"
	"github.com/dmitrijs2005/coldkeeper/internal/logging"
	"github.com/dmitrijs2005/coldkeeper/internal/metrics"
	"github.com/dmitrijs2005/coldkeeper/internal/models"
)

// DefaultPollInterval is how long to wait between job status queries.
const DefaultPollInterval = 600 * time.Second

// Cache is the part of the local cache the synchronizer uses.
type Cache interface {
	InventorySize(ctx context.Context) (int, error)
	GetMeta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key, value string) error
	InsertInventoryEntries(ctx context.Context, recs []models.InventoryRecord) (int, error)
}

// JobStore persists the id of the outstanding job.
type JobStore interface {
	Load() (string, error)
	Save(jobID string) error
	Clear() error
}

// Options select the run mode.
type Options struct {
	// Regenerate requests a new job even if one is on file.
	Regenerate bool
	// Skip uses the cached mirror without contacting the service.
	Skip bool
}

// Result describes what a Sync call did.
type Result struct {
	JobID   string
	Merged  int
	Skipped bool
}

type Synchronizer struct {
	svc      archive.Service
	vault    string
	cache    Cache
	jobs     JobStore
	clock    clockwork.Clock
	interval time.Duration
	log      logging.Logger
	metrics  *metrics.Metrics
}

func New(svc archive.Service, vault string, c Cache, jobs JobStore, clock clockwork.Clock, interval time.Duration, log logging.Logger, m *metrics.Metrics) *Synchronizer {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Synchronizer{
		svc:      svc,
		vault:    vault,
		cache:    c,
		jobs:     jobs,
		clock:    clock,
		interval: interval,
		log:      log,
		metrics:  m,
	}
}

// Sync brings the remote mirror up to date. It blocks until the job completes
// or ctx is cancelled.
func (s *Synchronizer) Sync(ctx context.Context, opts Options) (Result, error) {
	if opts.Skip {
		s.log.Info(ctx, "inventory skipped, using cached mirror")
		return Result{Skipped: true}, nil
	}

	jobID, err := s.jobs.Load()
	if err != nil {
		s.log.Warn(ctx, "cannot read persisted job id, starting a new job", "error", err)
		jobID = ""
	}

	if !opts.Regenerate && jobID == "" {
		synced, err := s.mirrorSynced(ctx)
		if err != nil {
			return Result{}, err
		}
		if synced {
			s.log.Info(ctx, "remote mirror already populated, using cached mirror")
			return Result{Skipped: true}, nil
		}
	}

	if opts.Regenerate || jobID == "" {
		jobID, err = s.startJob(ctx)
		if err != nil {
			return Result{}, err
		}
	} else {
		s.log.Info(ctx, "resuming inventory job", "job_id", jobID)
	}

	if err := s.waitForJob(ctx, jobID); err != nil {
		return Result{JobID: jobID}, err
	}

	merged, err := s.merge(ctx, jobID)
	if err != nil {
		return Result{JobID: jobID}, err
	}

	return Result{JobID: jobID, Merged: merged}, nil
}

func (s *Synchronizer) mirrorSynced(ctx context.Context) (bool, error) {
	n, err := s.cache.InventorySize(ctx)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	_, ok, err := s.cache.GetMeta(ctx, cache.MetaInventoryMerged)
	return ok, err
}

func (s *Synchronizer) startJob(ctx context.Context) (string, error) {
	jobID, err := s.svc.InitiateInventoryJob(ctx, s.vault)
	if err != nil {
		return "", fmt.Errorf("%w: %v", common.ErrNoInventoryJob, err)
	}
	if jobID == "" {
		return "", common.ErrNoInventoryJob
	}

	if err := s.jobs.Save(jobID); err != nil {
		s.log.Warn(ctx, "cannot persist job id", "job_id", jobID, "error", err)
	}
	s.log.Info(ctx, "inventory job started", "job_id", jobID)
	return jobID, nil
}

// waitForJob polls until the job completes. Query errors count as "not yet";
// only a job the service reports as failed ends the wait early.
func (s *Synchronizer) waitForJob(ctx context.Context, jobID string) error {
	for {
		s.metrics.InventoryPolls.Inc()

		st, err := s.svc.DescribeJob(ctx, s.vault, jobID)
		switch {
		case errors.Is(err, archive.ErrJobFailed):
			if clearErr := s.jobs.Clear(); clearErr != nil {
				s.log.Warn(ctx, "cannot clear job id", "error", clearErr)
			}
			return fmt.Errorf("inventory job %s: %w", jobID, err)
		case err != nil:
			s.log.Warn(ctx, "job status query failed, will retry", "job_id", jobID, "error", err)
		case st.Completed:
			s.log.Info(ctx, "inventory job complete", "job_id", jobID)
			return nil
		default:
			s.log.Debug(ctx, "inventory job not ready", "job_id", jobID, "status", st.StatusCode, "next_poll", s.interval)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.interval):
		}
	}
}

func (s *Synchronizer) merge(ctx context.Context, jobID string) (int, error) {
	items, err := s.svc.FetchJobOutput(ctx, s.vault, jobID)
	if err != nil {
		return 0, fmt.Errorf("fetch inventory %s: %w", jobID, err)
	}

	merged, err := s.cache.InsertInventoryEntries(ctx, archive.ToRecords(items))
	if err != nil {
		return 0, err
	}

	if err := s.cache.SetMeta(ctx, cache.MetaLastInventoryJob, jobID); err != nil {
		return merged, err
	}
	if err := s.cache.SetMeta(ctx, cache.MetaInventoryMerged, s.clock.Now().UTC().Format(time.RFC3339)); err != nil {
		return merged, err
	}

	if err := s.jobs.Clear(); err != nil {
		s.log.Warn(ctx, "cannot clear job id", "error", err)
	}

	s.log.Info(ctx, "inventory merged", "job_id", jobID, "archives", len(items), "new", merged)
	return merged, nil
}
