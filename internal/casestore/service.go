package casestore

import (
	"context"
	"fmt"
	"time"

	"case-pipeline/internal/models"
	"case-pipeline/internal/store"
)

// Service is the executor's view of case storage: existence checks for
// preconditions, attachment listing for extraction, and artifact persistence
// for completed stages.
type Service struct {
	db       *store.Store
	uploader Uploader
}

func NewService(db *store.Store, uploader Uploader) *Service {
	return &Service{db: db, uploader: uploader}
}

func (s *Service) Create(ctx context.Context, title string, attachments []models.Attachment) (models.Case, error) {
	return s.db.CreateCase(ctx, title, attachments)
}

func (s *Service) Get(ctx context.Context, caseID string) (models.Case, error) {
	return s.db.GetCase(ctx, caseID)
}

func (s *Service) Exists(ctx context.Context, caseID string) (bool, error) {
	return s.db.CaseExists(ctx, caseID)
}

func (s *Service) Attachments(ctx context.Context, caseID string) ([]models.Attachment, error) {
	c, err := s.db.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return c.Attachments, nil
}

func (s *Service) HasArtifact(ctx context.Context, caseID, stageID string) (bool, error) {
	return s.db.HasArtifact(ctx, caseID, stageID)
}

// SaveArtifact uploads the generated document and records it on the case row.
func (s *Service) SaveArtifact(ctx context.Context, caseID, stageID string, body []byte) (models.Artifact, error) {
	key := fmt.Sprintf("cases/%s/%s-%d.md", caseID, stageID, time.Now().UTC().UnixMilli())
	url, err := s.uploader.Upload(ctx, key, body, "text/markdown")
	if err != nil {
		return models.Artifact{}, fmt.Errorf("upload artifact: %w", err)
	}
	artifact := models.Artifact{
		StageID:   stageID,
		URL:       url,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.AddArtifact(ctx, caseID, artifact); err != nil {
		return models.Artifact{}, err
	}
	return artifact, nil
}
