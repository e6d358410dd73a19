// Package recorder persists the wire-level record of a session: one
// LogStep per request and per reply, in the order the proxy sees them,
// plus SubSteps attached to a step (the session manager records its
// VM-acquisition retries this way under the create request). It is a
// thin wrapper over store.Store, existing as its own package because the
// proxy should not need to know the store's schema to record traffic.
package recorder

import (
	"context"

	"github.com/vmmaster/vmmaster/internal/domain"
	"github.com/vmmaster/vmmaster/internal/logging"
	"github.com/vmmaster/vmmaster/internal/store"
)

// Recorder writes LogSteps and SubSteps for a session's traffic.
type Recorder struct {
	store *store.Store
}

// New wraps st in a Recorder.
func New(st *store.Store) *Recorder {
	return &Recorder{store: st}
}

// RecordRequest persists one request's control line and body, returning
// the new LogStep so a screenshot can be attached to it later.
func (r *Recorder) RecordRequest(ctx context.Context, sessionID int64, controlLine, body string) *domain.LogStep {
	step := &domain.LogStep{SessionID: sessionID, ControlLine: controlLine, Body: body}
	if err := r.store.AddLogStep(ctx, step); err != nil {
		logging.Op().Error("record request failed", "session", sessionID, "error", err)
		return nil
	}
	return step
}

// RecordReply persists the reply's control line and body.
func (r *Recorder) RecordReply(ctx context.Context, sessionID int64, controlLine, body string) {
	step := &domain.LogStep{SessionID: sessionID, ControlLine: controlLine, Body: body}
	if err := r.store.AddLogStep(ctx, step); err != nil {
		logging.Op().Error("record reply failed", "session", sessionID, "error", err)
	}
}

// AttachScreenshot stores the screenshot file path on an
// already-recorded LogStep.
func (r *Recorder) AttachScreenshot(ctx context.Context, step *domain.LogStep, path string) {
	if step == nil {
		return
	}
	if err := r.store.SetLogStepScreenshot(ctx, step.ID, path); err != nil {
		logging.Op().Error("attach screenshot failed", "log_step", step.ID, "error", err)
	}
}

// RecordSubStep attaches a retry record to an existing LogStep (e.g. the
// failed VM-acquisition attempts session.Manager.Create went through).
func (r *Recorder) RecordSubStep(ctx context.Context, logStepID int64, controlLine, body string) {
	sub := &domain.SubStep{LogStepID: logStepID, ControlLine: controlLine, Body: body}
	if err := r.store.AddSubStep(ctx, sub); err != nil {
		logging.Op().Error("record substep failed", "log_step", logStepID, "error", err)
	}
}

// SessionLog returns every LogStep recorded for a session, in wire order.
func (r *Recorder) SessionLog(ctx context.Context, sessionID int64) ([]*domain.LogStep, error) {
	return r.store.ListLogSteps(ctx, sessionID)
}
