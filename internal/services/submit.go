package services

import (
	"context"

	"github.com/google/uuid"

	"crawlclean/internal/jobs"
	"crawlclean/internal/model"
	"crawlclean/internal/store"
)

// JobService handles job submission with idempotent replay.
type JobService struct {
	Store *store.Store
}

// Submit creates a job, or returns the existing one when an identical
// submission (same credential, type, and canonical params) is already
// on file and has not failed. The second return value reports a
// replay.
func (s *JobService) Submit(ctx context.Context, apiKeyID int64, jobType model.JobType, params []byte, force bool) (*model.Job, bool, error) {
	key := jobs.IdempotencyKey(apiKeyID, jobType, params)

	keyTaken := false
	existing, err := s.Store.GetJobByIdempotencyKey(ctx, key)
	switch {
	case err == nil:
		if !force && existing.APIKeyID == apiKeyID && existing.Status != model.JobStatusFailed {
			return existing, true, nil
		}
		// Failed, foreign, or forced past: the stored key is occupied,
		// so the new job needs a distinct one.
		keyTaken = true
	case err != store.ErrNotFound:
		return nil, false, err
	}

	job := &model.Job{
		ID:             uuid.New(),
		APIKeyID:       apiKeyID,
		Type:           jobType,
		Params:         params,
		IdempotencyKey: key,
	}
	if keyTaken {
		job.IdempotencyKey = jobs.IdempotencyKey(apiKeyID, jobType,
			append(append([]byte{}, params...), job.ID[:]...))
	}
	created, err := s.Store.CreateJob(ctx, job)
	if err != nil {
		return nil, false, err
	}
	return created, false, nil
}
