package task

import (
	"context"
	"strings"

	"applyflow-engine/pkg/errutil"
	"applyflow-engine/services/audit"
	"applyflow-engine/services/collaborator"
	"applyflow-engine/services/notify"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Service is the public surface of the engine: enqueue, status, audit history
// and cancellation. All task mutation beyond enqueue/cancel belongs to the
// dispatcher.
type Service struct {
	store    *Store
	auditlog *audit.Writer
	notifier notify.Notifier
	jobs     collaborator.JobService
	cancels  *CancelRegistry
}

type ServiceParams struct {
	fx.In
	Store    *Store
	Audit    *audit.Writer
	Notifier notify.Notifier
	Jobs     collaborator.JobService
	Cancels  *CancelRegistry
}

func NewService(p ServiceParams) *Service {
	return &Service{
		store:    p.Store,
		auditlog: p.Audit,
		notifier: p.Notifier,
		jobs:     p.Jobs,
		cancels:  p.Cancels,
	}
}

// Enqueue creates a queued task for (candidateID, jobID). A second enqueue
// for a pair that is already queued or processing is rejected.
func (s *Service) Enqueue(ctx context.Context, candidateID, jobID string) (*Task, error) {
	span := trace.SpanFromContext(ctx)

	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("candidate_id", candidateID),
		zap.String("job_id", jobID),
	)

	if strings.TrimSpace(candidateID) == "" || strings.TrimSpace(jobID) == "" {
		return nil, errutil.BadRequest("candidate_id and job_id are required")
	}

	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		zapLog.Warn("job lookup failed on enqueue", zap.Error(err))
		if kind, ok := errutil.KindOf(err); ok && kind == errutil.KindNonRecoverable {
			return nil, errutil.BadRequest("job is not available for application")
		}
		return nil, err
	}

	record, err := s.store.Create(ctx, candidateID, jobID, job.TargetHost)
	if err != nil {
		return nil, err
	}

	zapLog.Info("application task enqueued",
		zap.String("task_id", record.ID),
		zap.String("target_host", record.TargetHost),
	)
	return record, nil
}

// GetStatus returns the point-in-time view of a task.
func (s *Service) GetStatus(ctx context.Context, taskID string) (*StatusView, error) {
	record, err := s.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	return &StatusView{
		TaskID:       record.ID,
		Status:       record.Status,
		AttemptCount: record.AttemptCount,
		LastError:    record.LastError,
		UpdatedAt:    record.UpdatedAt,
	}, nil
}

// GetAuditLog returns the full ordered step history for a task.
func (s *Service) GetAuditLog(ctx context.Context, taskID string) ([]*audit.Log, error) {
	if _, err := s.store.Get(ctx, taskID); err != nil {
		return nil, err
	}
	return s.auditlog.List(ctx, taskID)
}

// ListByCandidate returns all tasks for one candidate, newest first.
func (s *Service) ListByCandidate(ctx context.Context, candidateID string) ([]*Task, error) {
	if strings.TrimSpace(candidateID) == "" {
		return nil, errutil.BadRequest("candidate_id is required")
	}
	return s.store.ListByCandidate(ctx, candidateID)
}

// Cancel supersedes normal progression. A queued task is cancelled
// immediately; a processing task has its in-flight execution signalled and is
// finalized as cancelled by the dispatcher.
func (s *Service) Cancel(ctx context.Context, taskID string) error {
	record, err := s.store.Get(ctx, taskID)
	if err != nil {
		return err
	}

	if record.Status.Terminal() && record.Status != StatusNeedsReview {
		return errutil.Conflict("application task already reached a terminal state")
	}

	// The review workflow resolves an escalated task through this same surface.
	if record.Status == StatusNeedsReview {
		ok, err := s.cancelTerminal(ctx, record, StatusNeedsReview, "cancelled during review")
		if err != nil {
			return err
		}
		if !ok {
			return errutil.Conflict("application task already reached a terminal state")
		}
		return nil
	}

	if record.Status == StatusQueued {
		ok, err := s.cancelTerminal(ctx, record, StatusQueued, "cancelled before dispatch")
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		// Lost the race with a claim; fall through to the processing path.
	}

	flagged, err := s.store.RequestCancel(ctx, taskID)
	if err != nil {
		return err
	}
	if !flagged {
		// Left processing between the read and the flag write.
		return s.resolveMissedCancel(ctx, taskID)
	}
	s.cancels.Signal(taskID)

	zap.L().Info("cancellation requested for in-flight task", zap.String("task_id", taskID))
	return nil
}

// resolveMissedCancel settles a cancel whose flag write affected no rows: a
// requeued task is cancelled in place, anything terminal is a conflict.
func (s *Service) resolveMissedCancel(ctx context.Context, taskID string) error {
	current, err := s.store.Get(ctx, taskID)
	if err != nil {
		return err
	}

	if current.Status == StatusQueued {
		ok, err := s.cancelTerminal(ctx, current, StatusQueued, "cancelled before dispatch")
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return errutil.Conflict("application task already reached a terminal state")
}

// cancelTerminal writes the cancellation audit entry, then CASes the task out
// of fromStatus. The entry goes first so a cancelled task is never observable
// without its trail; an append failure aborts the cancellation and leaves the
// task where it was.
func (s *Service) cancelTerminal(ctx context.Context, record *Task, from Status, reason string) (bool, error) {
	if err := s.auditlog.Append(ctx, record.ID, StatusCancelled.String(), map[string]any{
		"reason": reason,
	}, nil); err != nil {
		return false, errutil.Internal("failed to write cancellation audit entry", errutil.WithErr(err))
	}

	ok, err := s.store.Transition(ctx, record.ID, from, StatusCancelled, nil)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	if err := s.notifier.TaskTerminated(ctx, notify.TerminalEvent{
		TaskID:      record.ID,
		CandidateID: record.CandidateID,
		JobID:       record.JobID,
		Status:      StatusCancelled.String(),
	}); err != nil {
		zap.L().Error("failed to raise terminal event", zap.String("task_id", record.ID), zap.Error(err))
	}

	zap.L().Info("application task cancelled", zap.String("task_id", record.ID))
	return true, nil
}
