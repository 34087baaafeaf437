package notify

import (
	"context"
	"encoding/json"

	"applyflow-engine/pkg/task"
	"applyflow-engine/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// TerminalEvent is raised exactly once per terminal transition. Delivery
// (push, email, webhook) belongs to an external consumer of the queue.
type TerminalEvent struct {
	TaskID      string `json:"task_id"`
	CandidateID string `json:"candidate_id"`
	JobID       string `json:"job_id"`
	Status      string `json:"status"`
}

// DomainHealthEvent is raised when the observed health of a target host
// changes, so operators can react to a domain going degraded or blocked.
type DomainHealthEvent struct {
	Host   string `json:"host"`
	Status string `json:"status"`
}

type Notifier interface {
	TaskTerminated(ctx context.Context, event TerminalEvent) error
	DomainHealthChanged(ctx context.Context, event DomainHealthEvent) error
}

type asynqNotifier struct {
	enqueuer task.Enqueuer
}

type NotifierParams struct {
	fx.In
	Enqueuer task.Enqueuer
}

func NewNotifier(p NotifierParams) Notifier {
	return &asynqNotifier{enqueuer: p.Enqueuer}
}

func (n *asynqNotifier) TaskTerminated(ctx context.Context, event TerminalEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	t := asynq.NewTask(taskname.ApplicationTerminal, payload,
		asynq.MaxRetry(5),
		asynq.Queue("notifications"),
	)

	if _, err := n.enqueuer.Enqueue(t); err != nil {
		zap.L().Error("failed to enqueue terminal event",
			zap.String("task_id", event.TaskID),
			zap.String("status", event.Status),
			zap.Error(err),
		)
		return err
	}

	zap.L().Info("terminal event raised",
		zap.String("task_id", event.TaskID),
		zap.String("status", event.Status),
	)
	return nil
}

func (n *asynqNotifier) DomainHealthChanged(ctx context.Context, event DomainHealthEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	t := asynq.NewTask(taskname.DomainHealthChanged, payload,
		asynq.MaxRetry(3),
		asynq.Queue("notifications"),
	)

	if _, err := n.enqueuer.Enqueue(t); err != nil {
		zap.L().Error("failed to enqueue domain health event",
			zap.String("host", event.Host),
			zap.String("status", event.Status),
			zap.Error(err),
		)
		return err
	}

	zap.L().Info("domain health event raised",
		zap.String("host", event.Host),
		zap.String("status", event.Status),
	)
	return nil
}
