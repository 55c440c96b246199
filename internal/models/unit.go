package models

import (
	"fmt"
	"time"
)

// UnitKey identifies one logical pipeline operation: a stage run against a case.
// Two requests with the same key are the same operation.
type UnitKey struct {
	CaseID  string
	StageID string
}

func (k UnitKey) String() string {
	return fmt.Sprintf("%s/%s", k.CaseID, k.StageID)
}

// Session status values.
const (
	SessionIdle      = "idle"
	SessionActive    = "active"
	SessionCompleted = "completed"
	SessionError     = "error"
	SessionCancelled = "cancelled"
)

// Sub-step status values within an active session.
const (
	StepPending = "pending"
	StepRunning = "running"
	StepDone    = "done"
	StepError   = "error"
)

// SubStep is one named step inside a stage execution. Percentage is a
// caller-supplied estimate for user feedback, not a measurement.
type SubStep struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Percentage int    `json:"percentage"`
	Message    string `json:"message,omitempty"`
}

// Session is the transient execution-state record for one UnitKey.
type Session struct {
	Key         UnitKey    `json:"key"`
	JobID       string     `json:"job_id,omitempty"`
	Status      string     `json:"status"`
	SubSteps    []SubStep  `json:"sub_steps"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// Terminal reports whether the session has left the active state for good.
func (s *Session) Terminal() bool {
	switch s.Status {
	case SessionCompleted, SessionError, SessionCancelled:
		return true
	}
	return false
}
