package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres.
const (
	JobQueued     = "queued"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// Job type discriminators.
const (
	JobTypeSingleStage = "single_stage"
	JobTypeExpress     = "express"
)

// CancelledByUser is the sentinel error recorded when a queued or processing
// job is cancelled administratively.
const CancelledByUser = "cancelled by user"

// JobProgress is the opaque progress payload stored on a job row. Poll-based
// clients read it instead of holding a stream open.
type JobProgress struct {
	CurrentStage string `json:"current_stage"`
	StageNumber  int    `json:"stage_number"`
	TotalStages  int    `json:"total_stages"`
	Message      string `json:"message"`
}

// Job is a durable, caller-visible record of background work.
type Job struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	TargetID    string         `json:"target_id"`
	Status      string         `json:"status"`
	Progress    JobProgress    `json:"progress"`
	Result      map[string]any `json:"result,omitempty"`
	Error       *string        `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// TerminalStatus reports whether a job status will never change again.
func TerminalStatus(status string) bool {
	return status == JobCompleted || status == JobFailed
}

// Case is the persisted case record the pipeline acts on. Business fields
// beyond what the orchestrator needs are out of scope.
type Case struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Status      string       `json:"status"`
	Attachments []Attachment `json:"attachments"`
	Artifacts   []Artifact   `json:"artifacts"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Attachment is a document attached to a case, subject to text extraction.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Artifact is a generated document produced by a completed stage.
type Artifact struct {
	StageID   string    `json:"stage_id"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}
