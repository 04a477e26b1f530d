package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"crawlclean/internal/config"
	"crawlclean/internal/metrics"
	"crawlclean/internal/model"
	"crawlclean/internal/store"
)

// Executor runs one job of a given type to completion. Implementations
// must mark the job completed or failed in the store before returning.
type Executor interface {
	Execute(ctx context.Context, job *model.Job) error
}

// Executors maps job types to their concrete executors.
type Executors map[model.JobType]Executor

// jobStore is the slice of the store the Runner drives, extracted so
// the loop can be exercised without a database.
type jobStore interface {
	ClaimQueuedJob(ctx context.Context) (*model.Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (*model.Job, error)
	FailJob(ctx context.Context, id uuid.UUID, msg string) error
	FailStaleRunning(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteFinishedJobsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Runner polls the jobs table and dispatches claimed jobs to
// type-specific executors. It owns concurrency limits, per-job
// timeouts, stale-job recovery, and periodic retention cleanup.
type Runner struct {
	cfg       *config.Config
	store     jobStore
	executors Executors
	logger    *slog.Logger
}

// NewRunner constructs a Runner. Jobs whose type has no executor are
// failed with an UNKNOWN_JOB_TYPE error.
func NewRunner(cfg *config.Config, st jobStore, execs Executors, logger *slog.Logger) *Runner {
	return &Runner{cfg: cfg, store: st, executors: execs, logger: logger}
}

// Start runs the worker loop in the current goroutine until ctx is
// cancelled. Callers typically run it in its own goroutine.
func (r *Runner) Start(ctx context.Context) {
	pollInterval := time.Duration(r.cfg.Worker.PollIntervalMs) * time.Millisecond
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	maxJobs := r.cfg.Worker.MaxConcurrentJobs
	if maxJobs <= 0 {
		maxJobs = 4
	}

	jobTimeout := time.Duration(r.cfg.Worker.JobTimeoutSeconds) * time.Second
	if jobTimeout <= 0 {
		jobTimeout = 5 * time.Minute
	}

	sem := make(chan struct{}, maxJobs)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var lastCleanup, lastSweep time.Time
	cleanupInterval := time.Duration(r.cfg.Retention.CleanupIntervalHours) * time.Hour

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now().UTC()

		if r.cfg.Retention.Enabled && now.Sub(lastCleanup) >= cleanupInterval {
			r.cleanup(ctx)
			lastCleanup = now
		}

		// Fail jobs whose worker died mid-run. Stale means running for
		// more than twice the job timeout. Failing (instead of putting
		// them back on the queue) keeps the status lifecycle one-way.
		if now.Sub(lastSweep) >= jobTimeout {
			if n, err := r.store.FailStaleRunning(ctx, now.Add(-2*jobTimeout)); err == nil && n > 0 {
				r.logger.Warn("failed stale jobs", "count", n)
			}
			lastSweep = now
		}

		// Claim as many jobs as there is free capacity for.
		for len(sem) < maxJobs {
			job, err := r.store.ClaimQueuedJob(ctx)
			if err == store.ErrNotFound {
				break
			}
			if err != nil {
				r.logger.Error("claim job", "error", err)
				break
			}

			sem <- struct{}{}
			go func(job *model.Job) {
				defer func() { <-sem }()
				r.runJob(ctx, job, jobTimeout)
			}(job)
		}
	}
}

func (r *Runner) runJob(ctx context.Context, job *model.Job, timeout time.Duration) {
	exec, ok := r.executors[job.Type]
	if !ok {
		msg := "UNKNOWN_JOB_TYPE: " + string(job.Type)
		_ = r.store.FailJob(context.Background(), job.ID, msg)
		metrics.RecordJob(string(job.Type), model.JobStatusFailed)
		return
	}

	metrics.AddActiveJobs(string(job.Type), 1)
	defer metrics.AddActiveJobs(string(job.Type), -1)

	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := exec.Execute(jobCtx, job)

	// The executor owns the terminal status transition; the fallback
	// here only covers executors that returned an error without
	// recording it.
	status := model.JobStatusCompleted
	if err != nil {
		status = model.JobStatusFailed
		if current, gerr := r.store.GetJob(context.Background(), job.ID); gerr == nil && current.Status == model.JobStatusRunning {
			_ = r.store.FailJob(context.Background(), job.ID, err.Error())
		}
		r.logger.Error("job failed", "job_id", job.ID, "type", job.Type,
			"duration", time.Since(start), "error", err)
	} else {
		r.logger.Info("job finished", "job_id", job.ID, "type", job.Type,
			"duration", time.Since(start))
	}
	metrics.RecordJob(string(job.Type), status)
}

func (r *Runner) cleanup(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -r.cfg.Retention.JobDays)
	n, err := r.store.DeleteFinishedJobsBefore(ctx, cutoff)
	if err != nil {
		r.logger.Error("retention cleanup", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("retention cleanup", "jobs_deleted", n,
			"cutoff", cutoff.Format(time.RFC3339))
	}
}
