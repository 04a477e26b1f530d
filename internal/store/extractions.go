package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"

	"crawlclean/internal/model"
)

// InsertExtraction stores one structured extraction result for a job.
func (s *Store) InsertExtraction(ctx context.Context, e *model.Extraction) error {
	var pageID any
	if e.PageID != nil {
		pageID = *e.PageID
	}
	data := e.Data
	if len(data) == 0 {
		data = []byte("{}")
	}
	return s.DB.QueryRowContext(ctx, `
		INSERT INTO extractions (job_id, page_id, prompt, data)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		e.JobID, pageID, e.Prompt, data,
	).Scan(&e.ID, &e.CreatedAt)
}

// GetExtractionsByJob returns a job's extraction rows in insert order.
func (s *Store) GetExtractionsByJob(ctx context.Context, jobID uuid.UUID) ([]model.Extraction, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, job_id, page_id, prompt, data, created_at
		FROM extractions WHERE job_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Extraction
	for rows.Next() {
		var e model.Extraction
		var pageID *int64
		var data pqtype.NullRawMessage
		if err := rows.Scan(&e.ID, &e.JobID, &pageID, &e.Prompt, &data, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.PageID = pageID
		if data.Valid {
			e.Data = data.RawMessage
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
