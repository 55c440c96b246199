package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"case-pipeline/internal/models"
)

// ErrJobNotFound is returned when no ledger row matches the requested id.
var ErrJobNotFound = errors.New("job not found")

// ErrJobTerminal is returned when a transition targets a row that already
// reached completed or failed. Terminal rows are never mutated.
var ErrJobTerminal = errors.New("job already terminal")

// CreateJob inserts a ledger row in queued state and returns it.
func (s *Store) CreateJob(ctx context.Context, jobType, targetID string) (models.Job, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	progressJSON, err := json.Marshal(models.JobProgress{Message: "queued"})
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal progress: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, type, target_id, status, progress, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, jobType, targetID, models.JobQueued, progressJSON, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:        id,
		Type:      jobType,
		TargetID:  targetID,
		Status:    models.JobQueued,
		Progress:  models.JobProgress{Message: "queued"},
		CreatedAt: now,
	}, nil
}

// GetJob fetches a ledger row by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, type, target_id, status, progress, result, error, created_at, started_at, completed_at
		FROM jobs WHERE id = $1
	`, id)

	var job models.Job
	var progressJSON []byte
	var resultJSON []byte
	var errText pgtype.Text
	var startedAt, completedAt pgtype.Timestamptz

	err := row.Scan(&job.ID, &job.Type, &job.TargetID, &job.Status, &progressJSON, &resultJSON, &errText, &job.CreatedAt, &startedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal(progressJSON, &job.Progress); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal progress: %w", err)
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	job.Error = textPtr(errText)
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}

// MarkProcessing transitions a queued job to processing and stamps started_at.
func (s *Store) MarkProcessing(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, started_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.JobProcessing, models.JobQueued)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionConflict(ctx, id)
	}
	return nil
}

// SetProgress overwrites the progress payload of a non-terminal job. Writers
// race on last-write-wins; the update is idempotent by id.
func (s *Store) SetProgress(ctx context.Context, id string, progress models.JobProgress) error {
	progressJSON, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE jobs SET progress = $2
		WHERE id = $1 AND status IN ($3, $4)
	`, id, progressJSON, models.JobQueued, models.JobProcessing)
	if err != nil {
		return fmt.Errorf("set progress: %w", err)
	}
	return nil
}

// CompleteJob transitions a non-terminal job to completed with its result.
func (s *Store) CompleteJob(ctx context.Context, id string, result map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, result = $3, completed_at = NOW()
		WHERE id = $1 AND status IN ($4, $5)
	`, id, models.JobCompleted, resultJSON, models.JobQueued, models.JobProcessing)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionConflict(ctx, id)
	}
	return nil
}

// FailJob transitions a non-terminal job to failed with an error message.
// Administrative cancellation uses this with the models.CancelledByUser
// sentinel.
func (s *Store) FailJob(ctx context.Context, id string, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, error = $3, completed_at = NOW()
		WHERE id = $1 AND status IN ($4, $5)
	`, id, models.JobFailed, errMsg, models.JobQueued, models.JobProcessing)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionConflict(ctx, id)
	}
	return nil
}

// HasCompleted reports whether the ledger holds a completed run of stageID
// for the target. Used for prerequisite checks.
func (s *Store) HasCompleted(ctx context.Context, targetID, stageID string) (bool, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE target_id = $1 AND status = $2 AND progress->>'current_stage' = $3
	`, targetID, models.JobCompleted, stageID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count completed: %w", err)
	}
	return n > 0, nil
}

// ListByTarget returns the ledger rows for one target, newest first.
func (s *Store) ListByTarget(ctx context.Context, targetID string, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, target_id, status, progress, result, error, created_at, started_at, completed_at
		FROM jobs WHERE target_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		var job models.Job
		var progressJSON, resultJSON []byte
		var errText pgtype.Text
		var startedAt, completedAt pgtype.Timestamptz

		if err := rows.Scan(&job.ID, &job.Type, &job.TargetID, &job.Status, &progressJSON, &resultJSON, &errText, &job.CreatedAt, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		if err := json.Unmarshal(progressJSON, &job.Progress); err != nil {
			return nil, fmt.Errorf("unmarshal progress: %w", err)
		}
		if len(resultJSON) > 0 {
			if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
				return nil, fmt.Errorf("unmarshal result: %w", err)
			}
		}
		job.Error = textPtr(errText)
		if startedAt.Valid {
			t := startedAt.Time
			job.StartedAt = &t
		}
		if completedAt.Valid {
			t := completedAt.Time
			job.CompletedAt = &t
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// TargetCount is one row of the active-jobs dashboard aggregation.
type TargetCount struct {
	TargetID string `json:"target_id"`
	Count    int64  `json:"count"`
}

// ActiveCounts groups non-terminal jobs by target.
func (s *Store) ActiveCounts(ctx context.Context) ([]TargetCount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT target_id, COUNT(*) FROM jobs
		WHERE status IN ($1, $2)
		GROUP BY target_id
		ORDER BY target_id
	`, models.JobQueued, models.JobProcessing)
	if err != nil {
		return nil, fmt.Errorf("query active counts: %w", err)
	}
	defer rows.Close()

	var out []TargetCount
	for rows.Next() {
		var tc TargetCount
		if err := rows.Scan(&tc.TargetID, &tc.Count); err != nil {
			return nil, fmt.Errorf("scan active count: %w", err)
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

// transitionConflict distinguishes a missing row from an already-terminal one.
func (s *Store) transitionConflict(ctx context.Context, id string) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("check job status: %w", err)
	}
	if models.TerminalStatus(status) {
		return ErrJobTerminal
	}
	return fmt.Errorf("job %s in unexpected status %q", id, status)
}
