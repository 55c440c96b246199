package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"case-pipeline/internal/config"
	"case-pipeline/internal/dedup"
	"case-pipeline/internal/events"
	"case-pipeline/internal/logger"
	"case-pipeline/internal/models"
	"case-pipeline/internal/pipeline"
	"case-pipeline/internal/store"
)

type fakeRunner struct {
	startErr   error
	expressErr error
	cancelOK   bool
	cancelJob  error
	session    *models.Session

	startedCase  string
	startedStage string
}

func (f *fakeRunner) StartUnit(ctx context.Context, caseID, stageID string, input pipeline.Input, withJob bool) (pipeline.StartResult, error) {
	f.startedCase, f.startedStage = caseID, stageID
	if f.startErr != nil {
		return pipeline.StartResult{}, f.startErr
	}
	return pipeline.StartResult{
		Session: models.Session{Key: models.UnitKey{CaseID: caseID, StageID: stageID}, Status: models.SessionActive},
		JobID:   "job-1",
		Created: true,
	}, nil
}

func (f *fakeRunner) StartExpress(ctx context.Context, caseID string, input pipeline.Input) (pipeline.StartResult, error) {
	if f.expressErr != nil {
		return pipeline.StartResult{}, f.expressErr
	}
	return pipeline.StartResult{JobID: "job-express", Created: true}, nil
}

func (f *fakeRunner) CancelUnit(caseID, stageID string) bool { return f.cancelOK }

func (f *fakeRunner) CancelJob(ctx context.Context, job models.Job) error { return f.cancelJob }

func (f *fakeRunner) Session(caseID, stageID string) (models.Session, bool) {
	if f.session == nil {
		return models.Session{}, false
	}
	return *f.session, true
}

type fakeJobs struct {
	jobs map[string]models.Job
}

func (f *fakeJobs) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return models.Job{}, store.ErrJobNotFound
	}
	return job, nil
}

func (f *fakeJobs) ListByTarget(ctx context.Context, targetID string, limit int) ([]models.Job, error) {
	var out []models.Job
	for _, job := range f.jobs {
		if job.TargetID == targetID {
			out = append(out, job)
		}
	}
	return out, nil
}

func (f *fakeJobs) ActiveCounts(ctx context.Context) ([]store.TargetCount, error) {
	return nil, nil
}

type fakeCases struct {
	created models.Case
}

func (f *fakeCases) Create(ctx context.Context, title string, attachments []models.Attachment) (models.Case, error) {
	f.created = models.Case{ID: "case-1", Title: title, Attachments: attachments}
	return f.created, nil
}

func (f *fakeCases) Get(ctx context.Context, caseID string) (models.Case, error) {
	if caseID != "case-1" {
		return models.Case{}, store.ErrCaseNotFound
	}
	return models.Case{ID: "case-1", Title: "Smith v. Jones"}, nil
}

func newTestServer(runner *fakeRunner) (*Server, http.Handler) {
	s := New(
		config.Config{},
		logger.NewNop(),
		runner,
		&fakeJobs{jobs: map[string]models.Job{}},
		&fakeCases{},
		events.NewBroadcaster(logger.NewNop(), time.Minute),
		dedup.NewGuard(logger.NewNop(), time.Second),
		nil,
	)
	return s, s.Router()
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error.Code
}

func TestRunAccepted(t *testing.T) {
	runner := &fakeRunner{}
	_, h := newTestServer(runner)

	req := httptest.NewRequest(http.MethodPost, "/units/case-1/extract/run", strings.NewReader(`{"instructions":"brief"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var res startResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, "job-1", res.JobID)
	assert.True(t, res.Started)
	assert.Equal(t, "case-1", runner.startedCase)
	assert.Equal(t, "extract", runner.startedStage)
}

func TestRunErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    *pipeline.RuleError
		status int
	}{
		{"unknown stage", &pipeline.RuleError{Code: "unknown_stage", Message: "no such stage"}, http.StatusNotFound},
		{"unknown case", &pipeline.RuleError{Code: "unknown_case", Message: "no such case"}, http.StatusNotFound},
		{"prerequisite", &pipeline.RuleError{Code: "prerequisite_missing", Message: "run extract first"}, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, h := newTestServer(&fakeRunner{startErr: tc.err})
			req := httptest.NewRequest(http.MethodPost, "/units/case-1/draft/run", nil)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.err.Code, decodeError(t, rec))
		})
	}
}

func TestStatusDefaultsToIdle(t *testing.T) {
	_, h := newTestServer(&fakeRunner{})

	req := httptest.NewRequest(http.MethodGet, "/units/case-1/extract/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var sess models.Session
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sess))
	assert.Equal(t, models.SessionIdle, sess.Status)
	assert.Equal(t, "case-1", sess.Key.CaseID)
}

func TestCancelUnit(t *testing.T) {
	_, h := newTestServer(&fakeRunner{cancelOK: true})
	req := httptest.NewRequest(http.MethodPost, "/units/case-1/extract/cancel", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	_, h = newTestServer(&fakeRunner{cancelOK: false})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/units/case-1/extract/cancel", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "not_active", decodeError(t, rec))
}

func TestStreamOnFinishedSession(t *testing.T) {
	sess := &models.Session{
		Key:    models.UnitKey{CaseID: "case-1", StageID: "extract"},
		Status: models.SessionCompleted,
	}
	_, h := newTestServer(&fakeRunner{session: sess})

	req := httptest.NewRequest(http.MethodGet, "/units/case-1/extract/stream", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "event: stage-complete")
}

func TestGetJobNotFound(t *testing.T) {
	_, h := newTestServer(&fakeRunner{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "unknown_job", decodeError(t, rec))
}

func TestCreateCaseValidation(t *testing.T) {
	_, h := newTestServer(&fakeRunner{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/cases", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "missing_title", decodeError(t, rec))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/cases", strings.NewReader(`{"title":"Smith v. Jones"}`)))
	require.Equal(t, http.StatusCreated, rec.Code)
	var c models.Case
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&c))
	assert.Equal(t, "Smith v. Jones", c.Title)
}

func TestExpressAccepted(t *testing.T) {
	_, h := newTestServer(&fakeRunner{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/cases/case-1/express", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var res startResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, "job-express", res.JobID)
}
