package pipeline

import (
	"context"
	"errors"
	"fmt"

	"case-pipeline/internal/abort"
	"case-pipeline/internal/models"
	"case-pipeline/internal/telemetry"
)

// expressStageID is the synthetic stage id under which a full-chain run is
// keyed. It shares the session and abort namespaces with single stages, so an
// express run and a single-stage start of the same case never race on the
// same stage unobserved.
const expressStageID = "express"

// StartExpress runs the whole stage chain for a case as one background
// execution with a single ledger row. Each stage still claims its own
// session, so concurrent single-stage starts are excluded for the duration.
func (e *Executor) StartExpress(ctx context.Context, caseID string, input Input) (StartResult, error) {
	exists, err := e.cases.Exists(ctx, caseID)
	if err != nil {
		return StartResult{}, fmt.Errorf("check case: %w", err)
	}
	if !exists {
		return StartResult{}, &RuleError{Code: "unknown_case", Message: fmt.Sprintf("case %q does not exist", caseID)}
	}

	stages := e.stages.Ordered()
	key := models.UnitKey{CaseID: caseID, StageID: expressStageID}
	sess, created := e.sessions.Begin(key, expressSteps(stages))
	if !created {
		return StartResult{Session: sess, JobID: sess.JobID}, nil
	}

	job, err := e.ledger.CreateJob(ctx, models.JobTypeExpress, caseID)
	if err != nil {
		e.sessions.Fail(key, err.Error())
		return StartResult{}, fmt.Errorf("create ledger entry: %w", err)
	}
	e.sessions.SetJobID(key, job.ID)
	sess.JobID = job.ID
	if err := e.ledger.MarkProcessing(ctx, job.ID); err != nil {
		e.log.Warn("mark processing failed", "job", job.ID, "error", err)
	}

	handle := e.aborts.Register(context.Background(), key)
	telemetry.UnitsStarted.Inc()
	telemetry.ActiveSessions.Inc()
	e.log.Info("express execution scheduled", "case", caseID, "job", job.ID)

	go e.runExpress(handle, key, stages, input, job.ID)

	return StartResult{Session: sess, JobID: job.ID, Created: true}, nil
}

// runExpress drives the stage chain sequentially. Every stage claims its own
// session and emits on its own key, while the express session tracks
// chain-level progress for clients subscribed to the express key.
func (e *Executor) runExpress(h *abort.Handle, key models.UnitKey, stages []StageDef, input Input, jobID string) {
	defer e.aborts.Release(key)
	defer telemetry.ActiveSessions.Dec()

	em := e.broadcaster.NewEmitter(key)
	ctx := context.Background()
	total := len(stages)

	for i, stage := range stages {
		if h.Requested() {
			e.finishCancelled(key, em)
			e.failLedger(jobID, models.CancelledByUser)
			return
		}

		stageKey := models.UnitKey{CaseID: key.CaseID, StageID: stage.ID}
		if _, created := e.sessions.Begin(stageKey, sessionSteps(stage)); !created {
			err := fmt.Errorf("stage %q already has an active execution", stage.ID)
			e.finishFailed(key, SubStepDef{ID: stage.ID}, em, err)
			e.failLedger(jobID, err.Error())
			return
		}
		stageHandle := e.aborts.Register(h.Context(), stageKey)

		e.sessions.SetStep(key, stage.ID, models.StepRunning, "")
		em.StepProgress(models.SubStep{ID: stage.ID, Name: stage.Name, Status: models.StepRunning})
		_ = e.ledger.SetProgress(ctx, jobID, models.JobProgress{
			CurrentStage: stage.ID,
			StageNumber:  i + 1,
			TotalStages:  total,
			Message:      "processing " + stage.Name,
		})

		_, err := e.execStage(stageHandle, stageKey, stage, input)
		e.aborts.Release(stageKey)

		if errors.Is(err, errCancelled) || h.Requested() {
			e.finishCancelled(key, em)
			e.failLedger(jobID, models.CancelledByUser)
			return
		}
		if err != nil {
			e.sessions.SetStep(key, stage.ID, models.StepError, "stage failed")
			e.sessions.Fail(key, err.Error())
			em.Fail("stage_failed", fmt.Sprintf("stage %q failed, the chain stopped", stage.ID))
			telemetry.UnitsFailed.Inc()
			e.failLedger(jobID, err.Error())
			return
		}

		e.sessions.SetStep(key, stage.ID, models.StepDone, "")
		em.StepProgress(models.SubStep{ID: stage.ID, Name: stage.Name, Status: models.StepDone})
	}

	e.sessions.Complete(key)
	em.Complete(map[string]any{"stages": total})
	telemetry.UnitsCompleted.Inc()
	if err := e.ledger.CompleteJob(ctx, jobID, map[string]any{"stages": total}); err != nil {
		e.log.Warn("ledger complete update failed", "job", jobID, "error", err)
	}
	e.log.Info("express run completed", "case", key.CaseID, "stages", total)
}

func (e *Executor) failLedger(jobID, msg string) {
	if err := e.ledger.FailJob(context.Background(), jobID, msg); err != nil {
		e.log.Warn("ledger fail update failed", "job", jobID, "error", err)
	}
}
