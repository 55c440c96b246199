package session

import (
	"sync"
	"time"

	"case-pipeline/internal/models"
)

// Store is the in-memory table of execution sessions, one per unit key. It is
// the domain-level duplicate-execution guard: Begin refuses to create a second
// active session for the same key. Terminal sessions linger for a retention
// window so status polls after completion still resolve, then get swept.
type Store struct {
	mu        sync.Mutex
	sessions  map[models.UnitKey]*models.Session
	retention time.Duration
	now       func() time.Time
}

func NewStore(retention time.Duration) *Store {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &Store{
		sessions:  make(map[models.UnitKey]*models.Session),
		retention: retention,
		now:       time.Now,
	}
}

// Begin creates an active session for key with the given sub-step layout.
// If an active session already exists it is returned with created=false; the
// caller treats that as an idempotent start. A terminal session for the same
// key is replaced by a fresh one, never mutated.
func (s *Store) Begin(key models.UnitKey, steps []models.SubStep) (models.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[key]; ok && existing.Status == models.SessionActive {
		return snapshot(existing), false
	}

	sess := &models.Session{
		Key:       key,
		Status:    models.SessionActive,
		SubSteps:  make([]models.SubStep, len(steps)),
		StartedAt: s.now(),
	}
	copy(sess.SubSteps, steps)
	for i := range sess.SubSteps {
		if sess.SubSteps[i].Status == "" {
			sess.SubSteps[i].Status = models.StepPending
		}
	}
	s.sessions[key] = sess
	return snapshot(sess), true
}

// Get returns a snapshot of the session for key.
func (s *Store) Get(key models.UnitKey) (models.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return models.Session{}, false
	}
	return snapshot(sess), true
}

// SetJobID attaches a ledger job id to the active session for key, so an
// idempotent duplicate start can surface the id of the run already underway.
func (s *Store) SetJobID(key models.UnitKey, jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok && sess.Status == models.SessionActive {
		sess.JobID = jobID
	}
}

// SetStep updates one sub-step of the active session for key. Updates against
// a missing or terminal session are dropped; a late writer from a finished
// execution must not resurrect state.
func (s *Store) SetStep(key models.UnitKey, stepID, status, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok || sess.Status != models.SessionActive {
		return
	}
	for i := range sess.SubSteps {
		if sess.SubSteps[i].ID == stepID {
			sess.SubSteps[i].Status = status
			sess.SubSteps[i].Message = message
			return
		}
	}
}

// Complete transitions the active session for key to completed.
func (s *Store) Complete(key models.UnitKey) bool {
	return s.finish(key, models.SessionCompleted, "")
}

// Fail transitions the active session for key to error, recording detail.
func (s *Store) Fail(key models.UnitKey, detail string) bool {
	return s.finish(key, models.SessionError, detail)
}

// Cancel transitions the active session for key to cancelled.
func (s *Store) Cancel(key models.UnitKey) bool {
	return s.finish(key, models.SessionCancelled, "")
}

func (s *Store) finish(key models.UnitKey, status, detail string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok || sess.Status != models.SessionActive {
		return false
	}
	sess.Status = status
	sess.LastError = detail
	done := s.now()
	sess.CompletedAt = &done
	return true
}

// Terminal reports whether the session for key exists and has finished.
func (s *Store) Terminal(key models.UnitKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	return ok && sess.Terminal()
}

// Sweep evicts terminal sessions older than the retention window and returns
// how many were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.retention)
	removed := 0
	for key, sess := range s.sessions {
		if sess.Terminal() && sess.CompletedAt != nil && sess.CompletedAt.Before(cutoff) {
			delete(s.sessions, key)
			removed++
		}
	}
	return removed
}

func snapshot(sess *models.Session) models.Session {
	out := *sess
	out.SubSteps = make([]models.SubStep, len(sess.SubSteps))
	copy(out.SubSteps, sess.SubSteps)
	if sess.CompletedAt != nil {
		done := *sess.CompletedAt
		out.CompletedAt = &done
	}
	return out
}
