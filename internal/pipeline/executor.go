package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"case-pipeline/internal/abort"
	"case-pipeline/internal/events"
	"case-pipeline/internal/logger"
	"case-pipeline/internal/modelclient"
	"case-pipeline/internal/models"
	"case-pipeline/internal/ocr"
	"case-pipeline/internal/session"
	"case-pipeline/internal/telemetry"
)

// errCancelled marks an execution that observed its abort signal. It is a
// distinct terminal outcome, not a failure.
var errCancelled = errors.New("execution cancelled")

// RuleError is a business-rule violation surfaced synchronously to the
// caller of a start operation. Never retried.
type RuleError struct {
	Code    string
	Message string
}

func (e *RuleError) Error() string { return e.Message }

// Ledger is the executor's view of the durable job table.
type Ledger interface {
	CreateJob(ctx context.Context, jobType, targetID string) (models.Job, error)
	MarkProcessing(ctx context.Context, id string) error
	SetProgress(ctx context.Context, id string, progress models.JobProgress) error
	CompleteJob(ctx context.Context, id string, result map[string]any) error
	FailJob(ctx context.Context, id string, errMsg string) error
	HasCompleted(ctx context.Context, targetID, stageID string) (bool, error)
}

// CaseStore is the executor's view of case persistence and artifact storage.
type CaseStore interface {
	Exists(ctx context.Context, caseID string) (bool, error)
	Attachments(ctx context.Context, caseID string) ([]models.Attachment, error)
	HasArtifact(ctx context.Context, caseID, stageID string) (bool, error)
	SaveArtifact(ctx context.Context, caseID, stageID string, body []byte) (models.Artifact, error)
}

// ModelCaller is the retry-wrapped generation collaborator.
type ModelCaller interface {
	Complete(ctx context.Context, req modelclient.Request, onProgress modelclient.ProgressFunc) (*modelclient.Result, error)
}

// AttachmentReader extracts attachment text with degrade-don't-deadlock
// semantics.
type AttachmentReader interface {
	ExtractAll(ctx context.Context, attachments []models.Attachment) ([]ocr.Extraction, error)
}

// Executor is the orchestration core: it validates preconditions, schedules
// detached background execution, streams progress, and drives sessions,
// ledger rows, and abort handles through their lifecycles. The spawning code
// keeps only the unit key; a running execution is reachable solely through
// the abort registry.
type Executor struct {
	log         *logger.Logger
	stages      *StageSet
	sessions    *session.Store
	aborts      *abort.Registry
	broadcaster *events.Broadcaster
	ledger      Ledger
	cases       CaseStore
	model       ModelCaller
	reader      AttachmentReader
}

func NewExecutor(
	log *logger.Logger,
	stages *StageSet,
	sessions *session.Store,
	aborts *abort.Registry,
	broadcaster *events.Broadcaster,
	ledger Ledger,
	cases CaseStore,
	model ModelCaller,
	reader AttachmentReader,
) *Executor {
	return &Executor{
		log:         log.With("component", "executor"),
		stages:      stages,
		sessions:    sessions,
		aborts:      aborts,
		broadcaster: broadcaster,
		ledger:      ledger,
		cases:       cases,
		model:       model,
		reader:      reader,
	}
}

// StartResult is what a start operation hands back to the HTTP layer.
type StartResult struct {
	Session models.Session
	JobID   string
	Created bool
}

// StartUnit begins background execution of one stage for a case and returns
// immediately. When an active session already exists for the key the call is
// an idempotent no-op returning that session. withJob controls whether a
// ledger row is created for poll-based clients.
func (e *Executor) StartUnit(ctx context.Context, caseID, stageID string, input Input, withJob bool) (StartResult, error) {
	stage, ok := e.stages.Get(stageID)
	if !ok {
		return StartResult{}, &RuleError{Code: "unknown_stage", Message: fmt.Sprintf("stage %q is not part of the pipeline", stageID)}
	}
	if err := e.checkPreconditions(ctx, caseID, stage); err != nil {
		return StartResult{}, err
	}

	key := models.UnitKey{CaseID: caseID, StageID: stageID}
	sess, created := e.sessions.Begin(key, sessionSteps(stage))
	if !created {
		e.log.Debug("start is a no-op, session already active", "key", key.String())
		return StartResult{Session: sess, JobID: sess.JobID}, nil
	}

	jobID := ""
	if withJob {
		job, err := e.ledger.CreateJob(ctx, models.JobTypeSingleStage, caseID)
		if err != nil {
			// Roll the session back so a later start is not locked out.
			e.sessions.Fail(key, err.Error())
			return StartResult{}, fmt.Errorf("create ledger entry: %w", err)
		}
		jobID = job.ID
		e.sessions.SetJobID(key, jobID)
		sess.JobID = jobID
		if err := e.ledger.MarkProcessing(ctx, jobID); err != nil {
			e.log.Warn("mark processing failed", "job", jobID, "error", err)
		}
		_ = e.ledger.SetProgress(ctx, jobID, models.JobProgress{
			CurrentStage: stageID,
			StageNumber:  1,
			TotalStages:  1,
			Message:      "processing " + stage.Name,
		})
	}

	// Detached: the handle descends from the background context, not the
	// request, so the HTTP response cycle never drags the execution down.
	handle := e.aborts.Register(context.Background(), key)
	telemetry.UnitsStarted.Inc()
	telemetry.ActiveSessions.Inc()
	e.log.Info("unit execution scheduled", "key", key.String(), "job", jobID)

	go e.runUnit(handle, key, stage, input, jobID)

	return StartResult{Session: sess, JobID: jobID, Created: true}, nil
}

// CancelUnit signals the abort handle of the active session for the key and
// returns immediately; the state transition happens asynchronously when the
// execution observes the signal. Returns false when there is nothing to
// cancel.
func (e *Executor) CancelUnit(caseID, stageID string) bool {
	key := models.UnitKey{CaseID: caseID, StageID: stageID}
	sess, ok := e.sessions.Get(key)
	if !ok || sess.Status != models.SessionActive {
		return false
	}
	if !e.aborts.Signal(key) {
		return false
	}
	e.log.Info("cancellation requested", "key", key.String())
	return true
}

// CancelJob cancels a queued/processing ledger job by signalling the
// execution attached to its target. The ledger transition to failed with the
// cancellation sentinel happens when the execution observes the signal; for
// rows with no live execution (e.g. after a crash) it is applied directly.
func (e *Executor) CancelJob(ctx context.Context, job models.Job) error {
	if models.TerminalStatus(job.Status) {
		return &RuleError{Code: "job_terminal", Message: "job already finished"}
	}
	signalled := false
	if job.Type == models.JobTypeExpress {
		signalled = e.aborts.Signal(models.UnitKey{CaseID: job.TargetID, StageID: expressStageID})
	} else {
		for _, stage := range e.stages.Ordered() {
			key := models.UnitKey{CaseID: job.TargetID, StageID: stage.ID}
			if sess, ok := e.sessions.Get(key); ok && sess.Status == models.SessionActive && sess.JobID == job.ID {
				signalled = e.aborts.Signal(key)
				break
			}
		}
	}
	if !signalled {
		return e.ledger.FailJob(ctx, job.ID, models.CancelledByUser)
	}
	return nil
}

// Session returns the current session snapshot for a unit key.
func (e *Executor) Session(caseID, stageID string) (models.Session, bool) {
	return e.sessions.Get(models.UnitKey{CaseID: caseID, StageID: stageID})
}

func (e *Executor) checkPreconditions(ctx context.Context, caseID string, stage StageDef) error {
	exists, err := e.cases.Exists(ctx, caseID)
	if err != nil {
		return fmt.Errorf("check case: %w", err)
	}
	if !exists {
		return &RuleError{Code: "unknown_case", Message: fmt.Sprintf("case %q does not exist", caseID)}
	}
	if stage.Requires == "" {
		return nil
	}
	done, err := e.cases.HasArtifact(ctx, caseID, stage.Requires)
	if err != nil {
		return fmt.Errorf("check prerequisite artifact: %w", err)
	}
	if !done {
		done, err = e.ledger.HasCompleted(ctx, caseID, stage.Requires)
		if err != nil {
			return fmt.Errorf("check prerequisite ledger: %w", err)
		}
	}
	if !done {
		return &RuleError{
			Code:    "prerequisite_missing",
			Message: fmt.Sprintf("stage %q requires %q to be completed first", stage.ID, stage.Requires),
		}
	}
	return nil
}

// runUnit is the detached execution body for a single stage.
func (e *Executor) runUnit(h *abort.Handle, key models.UnitKey, stage StageDef, input Input, jobID string) {
	defer e.aborts.Release(key)
	defer telemetry.ActiveSessions.Dec()

	url, err := e.execStage(h, key, stage, input)
	if jobID == "" {
		return
	}

	// Ledger writes use a background context: the outcome must be recorded
	// even though the execution context is already cancelled.
	ctx := context.Background()
	switch {
	case errors.Is(err, errCancelled):
		if lerr := e.ledger.FailJob(ctx, jobID, models.CancelledByUser); lerr != nil {
			e.log.Warn("ledger cancel update failed", "job", jobID, "error", lerr)
		}
	case err != nil:
		if lerr := e.ledger.FailJob(ctx, jobID, err.Error()); lerr != nil {
			e.log.Warn("ledger fail update failed", "job", jobID, "error", lerr)
		}
	default:
		_ = e.ledger.SetProgress(ctx, jobID, models.JobProgress{
			CurrentStage: key.StageID,
			StageNumber:  1,
			TotalStages:  1,
			Message:      "completed",
		})
		if lerr := e.ledger.CompleteJob(ctx, jobID, map[string]any{
			"stage":        key.StageID,
			"artifact_url": url,
		}); lerr != nil {
			e.log.Warn("ledger complete update failed", "job", jobID, "error", lerr)
		}
	}
}

// execStage drives one stage execution against an already-begun session:
// sub-steps in order, abort checks around every suspension point, artifact
// persistence, terminal session state and terminal event. Returns the
// artifact URL on success, errCancelled when the abort signal was observed.
func (e *Executor) execStage(h *abort.Handle, key models.UnitKey, stage StageDef, input Input) (string, error) {
	em := e.broadcaster.NewEmitter(key)
	ctx := h.Context()

	sections := make([]string, 0, len(stage.SubSteps))
	for _, def := range stage.SubSteps {
		if h.Requested() {
			e.finishCancelled(key, em)
			return "", errCancelled
		}
		e.sessions.SetStep(key, def.ID, models.StepRunning, "")
		em.StepProgress(models.SubStep{ID: def.ID, Name: def.Name, Status: models.StepRunning, Percentage: def.Percentage})

		text, err := e.runStep(ctx, key.CaseID, stage, def, input, em)

		if h.Requested() {
			// Cancellation observed after the call wins over whatever the
			// call returned; the result is discarded.
			e.finishCancelled(key, em)
			return "", errCancelled
		}
		if err != nil {
			// A cancelled execution context means the abort came from above
			// (an express run being aborted), not a real step failure.
			if ctx.Err() != nil {
				e.finishCancelled(key, em)
				return "", errCancelled
			}
			return "", e.finishFailed(key, def, em, err)
		}

		sections = append(sections, text)
		e.sessions.SetStep(key, def.ID, models.StepDone, "")
		em.StepProgress(models.SubStep{ID: def.ID, Name: def.Name, Status: models.StepDone, Percentage: def.Percentage})
	}

	artifact, err := e.cases.SaveArtifact(ctx, key.CaseID, key.StageID, []byte(buildDocument(stage, sections)))
	if h.Requested() {
		e.finishCancelled(key, em)
		return "", errCancelled
	}
	if err != nil {
		return "", e.finishFailed(key, SubStepDef{ID: "persist"}, em, fmt.Errorf("persist artifact: %w", err))
	}

	e.sessions.Complete(key)
	em.Complete(map[string]any{
		"stage":        key.StageID,
		"artifact_url": artifact.URL,
	})
	telemetry.UnitsCompleted.Inc()
	e.log.Info("unit completed", "key", key.String(), "artifact", artifact.URL)
	return artifact.URL, nil
}

func (e *Executor) runStep(ctx context.Context, caseID string, stage StageDef, def SubStepDef, input Input, em *events.Emitter) (string, error) {
	switch def.Kind {
	case StepKindExtract:
		attachments, err := e.cases.Attachments(ctx, caseID)
		if err != nil {
			return "", fmt.Errorf("list attachments: %w", err)
		}
		extractions, err := e.reader.ExtractAll(ctx, attachments)
		if err != nil {
			return "", err
		}
		var b strings.Builder
		for _, ext := range extractions {
			fmt.Fprintf(&b, "## %s\n\n%s\n\n", ext.Name, ext.Text)
		}
		return b.String(), nil
	default:
		res, err := e.model.Complete(ctx, modelclient.Request{
			Stage:  stage.ID,
			Prompt: buildPrompt(stage, def, input),
		}, func(phase, message string) {
			em.ResearchProgress(phase, message)
		})
		if err != nil {
			return "", err
		}
		return res.Content, nil
	}
}

// finishCancelled applies the cancellation transition exactly once and
// suppresses every later event from this execution.
func (e *Executor) finishCancelled(key models.UnitKey, em *events.Emitter) {
	em.Suppress()
	if e.sessions.Cancel(key) {
		telemetry.UnitsCancelled.Inc()
		e.log.Info("unit cancelled", "key", key.String())
	}
}

func (e *Executor) finishFailed(key models.UnitKey, def SubStepDef, em *events.Emitter, err error) error {
	e.sessions.SetStep(key, def.ID, models.StepError, "step failed")
	e.sessions.Fail(key, err.Error())
	em.Fail("stage_failed", fmt.Sprintf("stage %q failed, it can be restarted", key.StageID))
	telemetry.UnitsFailed.Inc()
	e.log.Error("unit failed", "key", key.String(), "error", err)
	return err
}

func buildDocument(stage StageDef, sections []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", stage.Name)
	for _, s := range sections {
		b.WriteString(s)
		b.WriteString("\n")
	}
	return b.String()
}
