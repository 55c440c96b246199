package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"case-pipeline/internal/models"
)

// ErrCaseNotFound is returned when no case row matches the requested id.
var ErrCaseNotFound = errors.New("case not found")

// CreateCase inserts a case record with its attachment list.
func (s *Store) CreateCase(ctx context.Context, title string, attachments []models.Attachment) (models.Case, error) {
	if attachments == nil {
		attachments = []models.Attachment{}
	}
	attachJSON, err := json.Marshal(attachments)
	if err != nil {
		return models.Case{}, fmt.Errorf("marshal attachments: %w", err)
	}

	c := models.Case{
		ID:          uuid.New().String(),
		Title:       title,
		Status:      "open",
		Attachments: attachments,
		Artifacts:   []models.Artifact{},
		CreatedAt:   time.Now().UTC(),
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO cases (id, title, status, attachments, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, c.ID, c.Title, c.Status, attachJSON, c.CreatedAt)
	if err != nil {
		return models.Case{}, fmt.Errorf("insert case: %w", err)
	}
	return c, nil
}

// GetCase fetches a case by id.
func (s *Store) GetCase(ctx context.Context, id string) (models.Case, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, title, status, attachments, artifacts, created_at
		FROM cases WHERE id = $1
	`, id)

	var c models.Case
	var attachJSON, artifactJSON []byte
	err := row.Scan(&c.ID, &c.Title, &c.Status, &attachJSON, &artifactJSON, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Case{}, ErrCaseNotFound
	}
	if err != nil {
		return models.Case{}, fmt.Errorf("scan case: %w", err)
	}
	if err := json.Unmarshal(attachJSON, &c.Attachments); err != nil {
		return models.Case{}, fmt.Errorf("unmarshal attachments: %w", err)
	}
	if err := json.Unmarshal(artifactJSON, &c.Artifacts); err != nil {
		return models.Case{}, fmt.Errorf("unmarshal artifacts: %w", err)
	}
	return c, nil
}

// CaseExists reports whether a case row exists for id.
func (s *Store) CaseExists(ctx context.Context, id string) (bool, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM cases WHERE id = $1`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("count cases: %w", err)
	}
	return n > 0, nil
}

// AddArtifact appends a generated-document reference to the case row.
func (s *Store) AddArtifact(ctx context.Context, caseID string, artifact models.Artifact) error {
	artJSON, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE cases SET artifacts = artifacts || $2::jsonb
		WHERE id = $1
	`, caseID, artJSON)
	if err != nil {
		return fmt.Errorf("append artifact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCaseNotFound
	}
	return nil
}

// HasArtifact reports whether the case already holds output for stageID.
func (s *Store) HasArtifact(ctx context.Context, caseID, stageID string) (bool, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM cases, jsonb_array_elements(artifacts) AS a
		WHERE id = $1 AND a->>'stage_id' = $2
	`, caseID, stageID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count artifacts: %w", err)
	}
	return n > 0, nil
}
