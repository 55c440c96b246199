package events

import (
	"sync/atomic"

	"case-pipeline/internal/models"
)

// Emitter is the per-execution publishing handle. It latches shut after a
// terminal event has gone out, or after Suppress, so a straggling collaborator
// result can never surface as a stale event behind a terminal one.
type Emitter struct {
	key    models.UnitKey
	b      *Broadcaster
	closed atomic.Bool
}

// NewEmitter binds an emitter for one execution of key.
func (b *Broadcaster) NewEmitter(key models.UnitKey) *Emitter {
	return &Emitter{key: key, b: b}
}

// StepProgress publishes a sub-step update.
func (e *Emitter) StepProgress(step models.SubStep) {
	e.publish(Event{Key: e.key, Kind: KindSubStepProgress, Data: step})
}

// ResearchProgress forwards a provider-internal phase notification for
// long-running collaborator calls.
func (e *Emitter) ResearchProgress(phase, message string) {
	e.publish(Event{Key: e.key, Kind: KindResearchProgress, Data: map[string]string{
		"phase":   phase,
		"message": message,
	}})
}

// Complete publishes the terminal success event and latches the emitter.
func (e *Emitter) Complete(data any) {
	e.terminal(Event{Key: e.key, Kind: KindStageComplete, Data: data})
}

// Fail publishes the terminal error event and latches the emitter.
func (e *Emitter) Fail(code, message string) {
	e.terminal(Event{Key: e.key, Kind: KindStageError, Data: map[string]string{
		"code":    code,
		"message": message,
	}})
}

// Suppress latches the emitter without publishing anything. Used once
// cancellation is observed: nothing may follow, not even a terminal event.
func (e *Emitter) Suppress() {
	e.closed.Store(true)
}

// Closed reports whether the emitter has latched.
func (e *Emitter) Closed() bool {
	return e.closed.Load()
}

func (e *Emitter) publish(ev Event) {
	if e.closed.Load() {
		return
	}
	e.b.Publish(ev)
}

func (e *Emitter) terminal(ev Event) {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.b.Publish(ev)
}
