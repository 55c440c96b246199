package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"case-pipeline/internal/config"
	"case-pipeline/internal/dedup"
	"case-pipeline/internal/events"
	"case-pipeline/internal/logger"
	"case-pipeline/internal/models"
	"case-pipeline/internal/pipeline"
	"case-pipeline/internal/ratelimit"
	"case-pipeline/internal/store"
	"case-pipeline/internal/telemetry"
)

// Runner is the executor surface the HTTP layer drives.
type Runner interface {
	StartUnit(ctx context.Context, caseID, stageID string, input pipeline.Input, withJob bool) (pipeline.StartResult, error)
	StartExpress(ctx context.Context, caseID string, input pipeline.Input) (pipeline.StartResult, error)
	CancelUnit(caseID, stageID string) bool
	CancelJob(ctx context.Context, job models.Job) error
	Session(caseID, stageID string) (models.Session, bool)
}

// JobStore is the read side of the job ledger used by poll endpoints.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListByTarget(ctx context.Context, targetID string, limit int) ([]models.Job, error)
	ActiveCounts(ctx context.Context) ([]store.TargetCount, error)
}

// CaseService is the case CRUD surface.
type CaseService interface {
	Create(ctx context.Context, title string, attachments []models.Attachment) (models.Case, error)
	Get(ctx context.Context, caseID string) (models.Case, error)
}

// Server wires HTTP handlers for the pipeline API.
type Server struct {
	cfg         config.Config
	log         *logger.Logger
	exec        Runner
	jobs        JobStore
	cases       CaseService
	broadcaster *events.Broadcaster
	guard       *dedup.Guard
	limiter     *ratelimit.Limiter
}

// New constructs the API server. limiter may be nil when Redis is not
// configured.
func New(cfg config.Config, log *logger.Logger, exec Runner, jobs JobStore, cases CaseService, b *events.Broadcaster, guard *dedup.Guard, limiter *ratelimit.Limiter) *Server {
	return &Server{
		cfg:         cfg,
		log:         log.With("component", "api"),
		exec:        exec,
		jobs:        jobs,
		cases:       cases,
		broadcaster: b,
		guard:       guard,
		limiter:     limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/cases", s.handleCreateCase)
	r.Get("/cases/{caseID}", s.handleGetCase)
	r.Get("/cases/{caseID}/jobs", s.handleListJobs)
	r.With(s.startGuards()...).Post("/cases/{caseID}/express", s.handleExpress)

	r.Route("/units/{caseID}/{stageID}", func(r chi.Router) {
		r.With(s.startGuards()...).Post("/run", s.handleRun)
		r.Get("/status", s.handleStatus)
		r.Get("/stream", s.handleStream)
		r.Post("/cancel", s.handleCancelUnit)
	})

	r.Get("/jobs/active", s.handleActiveJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancelJob)
	return r
}

// startGuards are the middlewares on every start endpoint: the rate limiter
// rejects over-budget cases, the deduplicator coalesces identical concurrent
// starts into one execution.
func (s *Server) startGuards() []func(http.Handler) http.Handler {
	var mws []func(http.Handler) http.Handler
	if s.limiter != nil {
		mws = append(mws, s.limiter.Middleware(
			func(r *http.Request) string { return chi.URLParam(r, "caseID") },
			func(w http.ResponseWriter, r *http.Request) {
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many starts for this case, retry later")
			},
		))
	}
	if s.guard != nil {
		mws = append(mws, s.guard.Middleware)
	}
	return mws
}

type startRequest struct {
	Instructions string `json:"instructions"`
}

type startResponse struct {
	Session models.Session `json:"session"`
	JobID   string         `json:"job_id,omitempty"`
	Started bool           `json:"started"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseID")
	stageID := chi.URLParam(r, "stageID")

	var req startRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
			return
		}
	}

	res, err := s.exec.StartUnit(r.Context(), caseID, stageID, pipeline.Input{Instructions: req.Instructions}, true)
	if err != nil {
		s.writeStartError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, startResponse{Session: res.Session, JobID: res.JobID, Started: res.Created})
}

func (s *Server) handleExpress(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseID")

	var req startRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
			return
		}
	}

	res, err := s.exec.StartExpress(r.Context(), caseID, pipeline.Input{Instructions: req.Instructions})
	if err != nil {
		s.writeStartError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, startResponse{Session: res.Session, JobID: res.JobID, Started: res.Created})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseID")
	stageID := chi.URLParam(r, "stageID")

	sess, ok := s.exec.Session(caseID, stageID)
	if !ok {
		sess = models.Session{
			Key:    models.UnitKey{CaseID: caseID, StageID: stageID},
			Status: models.SessionIdle,
		}
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleStream serves progress as server-sent events. A stream opened against
// an already-finished session gets the terminal outcome immediately instead
// of a silent hang; there is no replay of earlier events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseID")
	stageID := chi.URLParam(r, "stageID")
	key := models.UnitKey{CaseID: caseID, StageID: stageID}

	if sess, ok := s.exec.Session(caseID, stageID); ok && sess.Terminal() {
		writeTerminalSSE(w, key, sess)
		return
	}

	sub := s.broadcaster.Subscribe(key)
	s.broadcaster.ServeHTTP(w, r, sub)
}

func (s *Server) handleCancelUnit(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseID")
	stageID := chi.URLParam(r, "stageID")

	if !s.exec.CancelUnit(caseID, stageID) {
		writeError(w, http.StatusConflict, "not_active", "no active execution to cancel")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

type createCaseRequest struct {
	Title       string              `json:"title"`
	Attachments []models.Attachment `json:"attachments"`
}

func (s *Server) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	var req createCaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "missing_title", "title is required")
		return
	}
	c, err := s.cases.Create(r.Context(), req.Title, req.Attachments)
	if err != nil {
		s.log.Error("create case failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to create case")
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	c, err := s.cases.Get(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		if errors.Is(err, store.ErrCaseNotFound) {
			writeError(w, http.StatusNotFound, "unknown_case", "case does not exist")
			return
		}
		s.log.Error("get case failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to load case")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.ListByTarget(r.Context(), chi.URLParam(r, "caseID"), 50)
	if err != nil {
		s.log.Error("list jobs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "unknown_job", "job does not exist")
			return
		}
		s.log.Error("get job failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.jobs.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "unknown_job", "job does not exist")
			return
		}
		s.log.Error("get job failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to load job")
		return
	}
	if err := s.exec.CancelJob(r.Context(), job); err != nil {
		s.writeStartError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handleActiveJobs(w http.ResponseWriter, r *http.Request) {
	counts, err := s.jobs.ActiveCounts(r.Context())
	if err != nil {
		s.log.Error("active counts failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to aggregate jobs")
		return
	}
	if counts == nil {
		counts = []store.TargetCount{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": counts})
}

// writeStartError maps executor errors onto the HTTP surface. Business-rule
// violations carry their code; everything else is an opaque 500.
func (s *Server) writeStartError(w http.ResponseWriter, err error) {
	var re *pipeline.RuleError
	if errors.As(err, &re) {
		status := http.StatusConflict
		switch re.Code {
		case "unknown_case", "unknown_stage":
			status = http.StatusNotFound
		}
		writeError(w, status, re.Code, re.Message)
		return
	}
	s.log.Error("start failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal", "operation failed")
}

// writeTerminalSSE emits a single synthetic terminal event for a session that
// finished before the stream was opened.
func writeTerminalSSE(w http.ResponseWriter, key models.UnitKey, sess models.Session) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	kind := events.KindStageComplete
	if sess.Status != models.SessionCompleted {
		kind = events.KindStageError
	}
	payload, _ := json.Marshal(events.Event{Key: key, Kind: kind, Data: map[string]any{"status": sess.Status}})
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", kind, payload)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
