package dispatcher

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"applyflow-engine/pkg/config"
	"applyflow-engine/pkg/errutil"
	"applyflow-engine/pkg/ratelimit"
	"applyflow-engine/services/agent"
	"applyflow-engine/services/audit"
	"applyflow-engine/services/collaborator"
	"applyflow-engine/services/domainpolicy"
	"applyflow-engine/services/notify"
	"applyflow-engine/services/task"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Dispatcher pulls eligible queued tasks, checks per-domain rate limits,
// executes the selected agent under a timeout and serializes every task state
// transition. It is the only writer of task status.
type Dispatcher struct {
	cfg       *config.Config
	store     *task.Store
	auditlog  *audit.Writer
	artifacts audit.ArtifactStore
	notifier  notify.Notifier
	domains   *domainpolicy.Service
	agents    *agent.Registry
	limiter   *ratelimit.DomainLimiter
	profiles  collaborator.ProfileService
	jobs      collaborator.JobService
	cancels   *task.CancelRegistry

	hostname  string
	workerSeq atomic.Int64
	slots     chan struct{}
	wg        sync.WaitGroup
}

type Params struct {
	fx.In
	Config    *config.Config
	Store     *task.Store
	Audit     *audit.Writer
	Artifacts audit.ArtifactStore
	Notifier  notify.Notifier
	Domains   *domainpolicy.Service
	Agents    *agent.Registry
	Limiter   *ratelimit.DomainLimiter
	Profiles  collaborator.ProfileService
	Jobs      collaborator.JobService
	Cancels   *task.CancelRegistry
}

func New(p Params) *Dispatcher {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "engine"
	}

	return &Dispatcher{
		cfg:       p.Config,
		store:     p.Store,
		auditlog:  p.Audit,
		artifacts: p.Artifacts,
		notifier:  p.Notifier,
		domains:   p.Domains,
		agents:    p.Agents,
		limiter:   p.Limiter,
		profiles:  p.Profiles,
		jobs:      p.Jobs,
		cancels:   p.Cancels,
		hostname:  hostname,
		slots:     make(chan struct{}, p.Config.Dispatcher.MaxConcurrent),
	}
}

// StartDispatcher is invoked by fx and ties the dispatch loop to the
// application lifecycle.
func StartDispatcher(lc fx.Lifecycle, d *Dispatcher) {
	loopCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go d.Run(loopCtx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			d.wg.Wait()
			return nil
		},
	})
}

// Run is the coordinating loop. It polls for eligible work and sweeps stale
// processing rows left behind by lost workers.
func (d *Dispatcher) Run(ctx context.Context) {
	zap.L().Info("[Dispatcher] started",
		zap.Int("max_concurrent", d.cfg.Dispatcher.MaxConcurrent),
		zap.Duration("poll_interval", d.cfg.Dispatcher.PollInterval),
		zap.Int("max_attempts", d.cfg.Dispatcher.MaxAttempts),
	)

	d.limiter.StartCleanupExpired(ctx, time.Minute, 10*time.Minute)

	poll := time.NewTicker(d.cfg.Dispatcher.PollInterval)
	defer poll.Stop()
	reclaim := time.NewTicker(d.cfg.Dispatcher.ReclaimInterval)
	defer reclaim.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("[Dispatcher] stopped")
			return
		case <-reclaim.C:
			if n, err := d.store.ReclaimStale(ctx, d.cfg.Dispatcher.ReclaimAfter); err != nil {
				zap.L().Error("[Dispatcher] stale reclaim failed", zap.Error(err))
			} else if n > 0 {
				zap.L().Warn("[Dispatcher] reclaimed stale processing tasks", zap.Int64("count", n))
			}
		case <-poll.C:
			d.DispatchOnce(ctx)
		}
	}
}

// DispatchOnce claims and launches as many eligible tasks as free worker
// slots and domain permits allow. Tasks whose domain refuses a permit simply
// stay queued.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	eligible, err := d.store.NextEligible(ctx, 2*d.cfg.Dispatcher.MaxConcurrent)
	if err != nil {
		zap.L().Error("[Dispatcher] failed to load eligible tasks", zap.Error(err))
		return
	}

	for _, t := range eligible {
		select {
		case d.slots <- struct{}{}:
		default:
			return // worker pool full
		}

		if !d.launch(ctx, t) {
			<-d.slots
		}
	}
}

// launch claims one task and hands it to a worker goroutine. Returns false
// when the slot was not consumed.
func (d *Dispatcher) launch(ctx context.Context, t *task.Task) bool {
	// A queued row can still carry a cancel request, typically after the
	// stale-reclaim sweep returned a cancelled worker's task. The claim CAS
	// refuses such rows, so settle them here instead of running an attempt.
	if t.CancelRequested {
		d.cancelQueued(ctx, t)
		return false
	}

	domain, err := d.domains.Lookup(ctx, t.TargetHost)
	if err != nil {
		if kind, ok := errutil.KindOf(err); ok && kind == errutil.KindNotFound {
			// A host without an automation policy cannot be applied to honestly.
			d.failUnroutable(ctx, t, err)
		} else {
			zap.L().Error("[Dispatcher] policy lookup failed", zap.String("host", t.TargetHost), zap.Error(err))
		}
		return false
	}

	health := d.domains.Health(ctx, t.TargetHost)
	if !d.limiter.TryAcquire(t.TargetHost, domain.Policy(), health.String()) {
		return false
	}

	worker := fmt.Sprintf("%s-%d", d.hostname, d.workerSeq.Add(1))
	claimed, err := d.store.Claim(ctx, t.ID, worker)
	if err != nil || !claimed {
		d.limiter.Release(t.TargetHost)
		if err != nil {
			zap.L().Error("[Dispatcher] claim failed", zap.String("task_id", t.ID), zap.Error(err))
		}
		return false
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.slots }()
		defer d.limiter.Release(t.TargetHost)

		d.execute(ctx, t.ID, domain, worker)
	}()
	return true
}

// execute runs one attempt end to end: agent execution under the per-attempt
// timeout, then finalization of the resulting state transition.
func (d *Dispatcher) execute(ctx context.Context, taskID string, domain *domainpolicy.Domain, worker string) {
	zapLog := zap.L().With(
		zap.String("task_id", taskID),
		zap.String("host", domain.Host),
		zap.String("worker", worker),
	)

	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.Dispatcher.AttemptTimeout)
	d.cancels.Register(taskID, cancel)
	defer func() {
		d.cancels.Unregister(taskID)
		cancel()
	}()

	outcome, execErr := d.runAgent(attemptCtx, taskID, domain)

	// Finalization must survive the attempt deadline.
	d.finalize(ctx, taskID, domain, outcome, execErr, zapLog)
}

func (d *Dispatcher) runAgent(ctx context.Context, taskID string, domain *domainpolicy.Domain) (*agent.Outcome, error) {
	record, err := d.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	var (
		job     *collaborator.Job
		profile *collaborator.ProfileSnapshot
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		job, err = d.jobs.GetJob(gctx, record.JobID)
		return err
	})
	g.Go(func() error {
		var err error
		profile, err = d.profiles.GetSnapshot(gctx, record.CandidateID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ag, err := d.agents.Resolve(domain.AutomationType)
	if err != nil {
		return nil, err
	}

	return ag.Execute(ctx, &agent.Execution{
		TaskID:    taskID,
		ApplyURL:  job.ApplyURL,
		Domain:    domain,
		Profile:   profile,
		Audit:     d.auditlog,
		Artifacts: d.artifacts,
	})
}

// finalize serializes the post-attempt state transition. The terminal audit
// entry is written before the status CAS so an outcome is never observable
// without its trail; the terminal event fires only when the CAS wins.
func (d *Dispatcher) finalize(ctx context.Context, taskID string, domain *domainpolicy.Domain, outcome *agent.Outcome, execErr error, zapLog *zap.Logger) {
	record, err := d.store.Get(ctx, taskID)
	if err != nil {
		zapLog.Error("failed to reload task for finalization", zap.Error(err))
		return
	}
	if record.Status != task.StatusProcessing {
		zapLog.Warn("task left processing before finalization", zap.String("status", record.Status.String()))
		return
	}

	// An external cancellation supersedes whatever the agent produced.
	if record.CancelRequested {
		d.finishTerminal(ctx, record, task.StatusCancelled, map[string]any{
			"reason": "cancelled while processing",
		}, nil, zapLog)
		d.recordHealth(ctx, domain, nil)
		return
	}

	if execErr == nil {
		payload := map[string]any{"submitted": true}
		if outcome != nil && outcome.Confirmation != "" {
			payload["confirmation"] = outcome.Confirmation
		}
		d.finishTerminal(ctx, record, task.StatusCompleted, payload, map[string]interface{}{
			"last_error": nil,
		}, zapLog)
		d.recordHealth(ctx, domain, nil)
		return
	}

	if _, classified := errutil.KindOf(execErr); !classified {
		// Fail-safe toward retry, but keep it loud for operators.
		zapLog.Error("unclassified agent failure treated as recoverable", zap.Error(execErr))
	}

	kind := errutil.ClassifyExecution(execErr)
	message := errutil.SafeMessageOf(execErr)

	switch kind {
	case errutil.KindReviewRequired:
		d.finishTerminal(ctx, record, task.StatusNeedsReview, map[string]any{
			"reason": message,
		}, map[string]interface{}{
			"last_error": message,
		}, zapLog)

	case errutil.KindNonRecoverable:
		d.finishTerminal(ctx, record, task.StatusFailed, map[string]any{
			"reason": message,
		}, map[string]interface{}{
			"last_error": message,
		}, zapLog)

	default:
		if record.AttemptCount >= d.cfg.Dispatcher.MaxAttempts {
			d.finishTerminal(ctx, record, task.StatusFailed, map[string]any{
				"reason":   message,
				"attempts": record.AttemptCount,
			}, map[string]interface{}{
				"last_error": message,
			}, zapLog)
			break
		}
		d.requeue(ctx, record, message, zapLog)
	}

	d.recordHealth(ctx, domain, execErr)
}

// finishTerminal writes the final audit entry, then CASes the task out of
// processing and raises the terminal event. An audit failure aborts
// finalization: the task is requeued and the outcome recomputed later.
func (d *Dispatcher) finishTerminal(ctx context.Context, record *task.Task, to task.Status, auditPayload map[string]any, updates map[string]interface{}, zapLog *zap.Logger) {
	if err := d.auditlog.Append(ctx, record.ID, to.String(), auditPayload, nil); err != nil {
		zapLog.Error("terminal audit write failed, requeueing task", zap.Error(err))
		d.requeue(ctx, record, "audit trail write failed", zapLog)
		return
	}

	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["assigned_worker"] = nil
	updates["cancel_requested"] = false

	// A cancellation finalizes unconditionally; any other outcome must not
	// overwrite a cancel request that landed after the outcome was read.
	var ok bool
	var err error
	if to == task.StatusCancelled {
		ok, err = d.store.Transition(ctx, record.ID, task.StatusProcessing, to, updates)
	} else {
		ok, err = d.store.FinalizeAttempt(ctx, record.ID, to, updates)
	}
	if err != nil {
		zapLog.Error("terminal transition failed", zap.Error(err))
		return
	}
	if !ok {
		if to != task.StatusCancelled && d.cancelSuperseded(ctx, record.ID, zapLog) {
			return
		}
		zapLog.Warn("terminal transition lost", zap.String("to", to.String()))
		return
	}

	if err := d.notifier.TaskTerminated(ctx, notify.TerminalEvent{
		TaskID:      record.ID,
		CandidateID: record.CandidateID,
		JobID:       record.JobID,
		Status:      to.String(),
	}); err != nil {
		zapLog.Error("failed to raise terminal event", zap.Error(err))
	}

	zapLog.Info("task finalized",
		zap.String("status", to.String()),
		zap.Int("attempt_count", record.AttemptCount),
	)
}

// requeue schedules the next attempt after a recoverable failure.
func (d *Dispatcher) requeue(ctx context.Context, record *task.Task, message string, zapLog *zap.Logger) {
	delay := backoffDelay(record.AttemptCount,
		d.cfg.Dispatcher.BackoffBase,
		d.cfg.Dispatcher.BackoffMax,
		d.cfg.Dispatcher.BackoffJitter,
	)

	ok, err := d.store.FinalizeAttempt(ctx, record.ID, task.StatusQueued, map[string]interface{}{
		"last_error":      message,
		"assigned_worker": nil,
		"next_attempt_at": time.Now().Add(delay),
	})
	if err != nil {
		zapLog.Error("requeue transition failed", zap.Error(err))
		return
	}
	if !ok {
		if d.cancelSuperseded(ctx, record.ID, zapLog) {
			return
		}
		zapLog.Warn("requeue transition lost")
		return
	}

	if err := d.auditlog.Append(ctx, record.ID, "retry_scheduled", map[string]any{
		"attempt": record.AttemptCount,
		"delay":   delay.String(),
		"reason":  message,
	}, nil); err != nil {
		zapLog.Error("failed to record retry step", zap.Error(err))
	}

	zapLog.Info("task requeued",
		zap.Int("attempt_count", record.AttemptCount),
		zap.Duration("delay", delay),
	)
}

// cancelSuperseded re-reads a task after a lost finalization CAS. When the
// loss was a cancel request landing mid-finalize, the cancellation is carried
// out and the attempt outcome discarded.
func (d *Dispatcher) cancelSuperseded(ctx context.Context, taskID string, zapLog *zap.Logger) bool {
	current, err := d.store.Get(ctx, taskID)
	if err != nil {
		zapLog.Error("failed to reload task after lost finalization", zap.Error(err))
		return false
	}
	if current.Status != task.StatusProcessing || !current.CancelRequested {
		return false
	}

	if err := d.auditlog.Append(ctx, current.ID, task.StatusCancelled.String(), map[string]any{
		"reason": "cancelled while processing",
	}, nil); err != nil {
		// Leave the row processing with the flag set; the stale sweep returns
		// it to queued and cancelQueued settles it once audit writes recover.
		zapLog.Error("cancellation audit write failed", zap.Error(err))
		return true
	}

	ok, err := d.store.Transition(ctx, current.ID, task.StatusProcessing, task.StatusCancelled, map[string]interface{}{
		"assigned_worker":  nil,
		"cancel_requested": false,
	})
	if err != nil {
		zapLog.Error("terminal transition failed", zap.Error(err))
		return true
	}
	if !ok {
		zapLog.Warn("terminal transition lost", zap.String("to", task.StatusCancelled.String()))
		return true
	}

	if err := d.notifier.TaskTerminated(ctx, notify.TerminalEvent{
		TaskID:      current.ID,
		CandidateID: current.CandidateID,
		JobID:       current.JobID,
		Status:      task.StatusCancelled.String(),
	}); err != nil {
		zapLog.Error("failed to raise terminal event", zap.Error(err))
	}

	zapLog.Info("task finalized",
		zap.String("status", task.StatusCancelled.String()),
		zap.Int("attempt_count", current.AttemptCount),
	)
	return true
}

// cancelQueued finalizes a queued task that still carries a cancel request.
func (d *Dispatcher) cancelQueued(ctx context.Context, t *task.Task) {
	if err := d.auditlog.Append(ctx, t.ID, task.StatusCancelled.String(), map[string]any{
		"reason": "cancelled while processing",
	}, nil); err != nil {
		zap.L().Error("[Dispatcher] audit write failed for cancelled task", zap.String("task_id", t.ID), zap.Error(err))
		return // stays queued; settled next poll
	}

	ok, err := d.store.Transition(ctx, t.ID, task.StatusQueued, task.StatusCancelled, map[string]interface{}{
		"assigned_worker":  nil,
		"cancel_requested": false,
	})
	if err != nil || !ok {
		return
	}

	if err := d.notifier.TaskTerminated(ctx, notify.TerminalEvent{
		TaskID:      t.ID,
		CandidateID: t.CandidateID,
		JobID:       t.JobID,
		Status:      task.StatusCancelled.String(),
	}); err != nil {
		zap.L().Error("[Dispatcher] failed to raise terminal event", zap.String("task_id", t.ID), zap.Error(err))
	}
}

// failUnroutable finalizes a queued task whose host has no usable policy.
func (d *Dispatcher) failUnroutable(ctx context.Context, t *task.Task, cause error) {
	message := errutil.SafeMessageOf(cause)

	if err := d.auditlog.Append(ctx, t.ID, task.StatusFailed.String(), map[string]any{
		"reason": message,
	}, nil); err != nil {
		zap.L().Error("[Dispatcher] audit write failed for unroutable task", zap.String("task_id", t.ID), zap.Error(err))
		return // stays queued; retried next poll
	}

	ok, err := d.store.Transition(ctx, t.ID, task.StatusQueued, task.StatusFailed, map[string]interface{}{
		"last_error": message,
	})
	if err != nil || !ok {
		return
	}

	if err := d.notifier.TaskTerminated(ctx, notify.TerminalEvent{
		TaskID:      t.ID,
		CandidateID: t.CandidateID,
		JobID:       t.JobID,
		Status:      task.StatusFailed.String(),
	}); err != nil {
		zap.L().Error("[Dispatcher] failed to raise terminal event", zap.String("task_id", t.ID), zap.Error(err))
	}
}

// recordHealth writes back the per-domain health signal after an execution.
func (d *Dispatcher) recordHealth(ctx context.Context, domain *domainpolicy.Domain, execErr error) {
	status := domainpolicy.Healthy
	if execErr != nil {
		switch errutil.ClassifyExecution(execErr) {
		case errutil.KindRecoverable:
			status = domainpolicy.Degraded
		default:
			status = domain.LastStatus
			if status.String() == "" {
				status = domainpolicy.Healthy
			}
		}
	}

	if err := d.domains.RecordOutcome(ctx, domain.Host, status); err != nil {
		zap.L().Warn("[Dispatcher] failed to record domain health",
			zap.String("host", domain.Host),
			zap.Error(err),
		)
		return
	}

	if status != domain.LastStatus {
		if err := d.notifier.DomainHealthChanged(ctx, notify.DomainHealthEvent{
			Host:   domain.Host,
			Status: status.String(),
		}); err != nil {
			zap.L().Warn("[Dispatcher] failed to raise domain health event",
				zap.String("host", domain.Host),
				zap.Error(err),
			)
		}
	}
}
