package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"

	"crawlclean/internal/model"
)

const jobColumns = `id, api_key_id, type, status, params, idempotency_key, error,
	pages_discovered, pages_total, created_at, started_at, completed_at`

// CreateJob inserts a new queued job row.
func (s *Store) CreateJob(ctx context.Context, job *model.Job) (*model.Job, error) {
	params := job.Params
	if len(params) == 0 {
		params = []byte("{}")
	}
	row := s.DB.QueryRowContext(ctx, `
		INSERT INTO jobs (id, api_key_id, type, status, params, idempotency_key)
		VALUES ($1, $2, $3, 'queued', $4, $5)
		RETURNING `+jobColumns,
		job.ID, job.APIKeyID, string(job.Type), params, job.IdempotencyKey,
	)
	return scanJob(row)
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// GetJobForKey fetches a job only when it belongs to the given API
// key, so credentials cannot read each other's jobs.
func (s *Store) GetJobForKey(ctx context.Context, id uuid.UUID, apiKeyID int64) (*model.Job, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND api_key_id = $2`, id, apiKeyID)
	return scanJob(row)
}

// GetJobByIdempotencyKey returns the existing job for an idempotency
// key, if any.
func (s *Store) GetJobByIdempotencyKey(ctx context.Context, key string) (*model.Job, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = $1`, key)
	return scanJob(row)
}

// ClaimQueuedJob atomically claims the oldest queued job, marking it
// running. SKIP LOCKED lets multiple workers poll without contention.
func (s *Store) ClaimQueuedJob(ctx context.Context) (*model.Job, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'queued'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1`)
	job, err := scanJob(row)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET status = 'running', started_at = $2 WHERE id = $1`,
		job.ID, now)
	if err != nil {
		return nil, fmt.Errorf("mark running: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	job.Status = model.JobStatusRunning
	job.StartedAt = &now
	return job, nil
}

// CompleteJob marks a job completed.
func (s *Store) CompleteJob(ctx context.Context, id uuid.UUID) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE jobs SET status = 'completed', completed_at = now() WHERE id = $1`, id)
	return err
}

// FailJob marks a job failed with an error message.
func (s *Store) FailJob(ctx context.Context, id uuid.UUID, msg string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', error = $2, completed_at = now() WHERE id = $1`,
		id, msg)
	return err
}

// IncrementJobPages bumps the discovery counters on a running job so
// clients polling the job see progress.
func (s *Store) IncrementJobPages(ctx context.Context, id uuid.UUID, discovered, total int) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE jobs
		SET pages_discovered = pages_discovered + $2,
		    pages_total = pages_total + $3
		WHERE id = $1`, id, discovered, total)
	return err
}

// LinkJobPage associates a discovered page with a job at a BFS depth.
func (s *Store) LinkJobPage(ctx context.Context, jobID uuid.UUID, pageID int64, depth int) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO job_pages (job_id, page_id, depth)
		VALUES ($1, $2, $3)
		ON CONFLICT (job_id, page_id) DO NOTHING`,
		jobID, pageID, depth)
	return err
}

// ListJobPages returns the pages a job discovered, shallowest first.
func (s *Store) ListJobPages(ctx context.Context, jobID uuid.UUID) ([]model.Page, []int, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT p.id, p.url, p.url_hash, p.canonical_url, p.title, p.description,
		       p.markdown, p.raw_html, p.content_hash, p.internal_links,
		       p.external_links, p.word_count, p.read_time_minutes, p.page_count,
		       p.og_image, p.favicon_url, p.site_name, p.language, p.author,
		       p.published_at, p.renderer, p.status_code, p.error_code,
		       p.error_message, p.fetched_at, p.created_at, jp.depth
		FROM job_pages jp
		JOIN pages p ON p.id = jp.page_id
		WHERE jp.job_id = $1
		ORDER BY jp.depth, p.id`, jobID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var pages []model.Page
	var depths []int
	for rows.Next() {
		var p model.Page
		var internal, external []byte
		var depth int
		err := rows.Scan(
			&p.ID, &p.URL, &p.URLHash, &p.CanonicalURL, &p.Title, &p.Description,
			&p.Markdown, &p.RawHTML, &p.ContentHash, &internal, &external,
			&p.WordCount, &p.ReadTimeMinutes, &p.PageCount, &p.OgImage,
			&p.FaviconURL, &p.SiteName, &p.Language, &p.Author, &p.PublishedAt,
			&p.Renderer, &p.StatusCode, &p.ErrorCode, &p.ErrorMessage,
			&p.FetchedAt, &p.CreatedAt, &depth,
		)
		if err != nil {
			return nil, nil, err
		}
		_ = jsonInto(internal, &p.InternalLinks)
		_ = jsonInto(external, &p.ExternalLinks)
		pages = append(pages, p)
		depths = append(depths, depth)
	}
	return pages, depths, rows.Err()
}

// FailStaleRunning marks running jobs older than cutoff as failed.
// Covers workers that died mid-job. Status only moves forward: a job
// that was running never returns to queued, so clients see a stable
// lifecycle and a lost job surfaces as a resubmittable failure.
func (s *Store) FailStaleRunning(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'failed',
		    error = 'worker lost: job exceeded its run deadline',
		    completed_at = now()
		WHERE status = 'running' AND started_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteFinishedJobsBefore removes completed, failed, and cancelled
// jobs older than cutoff. Linked rows cascade.
func (s *Store) DeleteFinishedJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND COALESCE(completed_at, created_at) < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanJob(row rowScanner) (*model.Job, error) {
	var j model.Job
	var jobType string
	var params pqtype.NullRawMessage
	var startedAt, completedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.APIKeyID, &jobType, &j.Status, &params, &j.IdempotencyKey,
		&j.Error, &j.PagesDiscovered, &j.PagesTotal, &j.CreatedAt,
		&startedAt, &completedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	j.Type = model.JobType(jobType)
	if params.Valid {
		j.Params = params.RawMessage
	}
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	return &j, nil
}
