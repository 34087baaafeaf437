package task

import (
	"context"
	"errors"
	"time"

	"applyflow-engine/pkg/errutil"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// Store is the durable task record access layer. Every status mutation goes
// through a compare-and-set keyed on (id, current status), which is what
// keeps two workers from double-processing a task.
type Store struct {
	db   *gorm.DB
	node *snowflake.Node
}

type StoreParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewStore(p StoreParams) *Store {
	return &Store{
		db:   p.DB,
		node: p.Node,
	}
}

// Create inserts a queued task for (candidateID, jobID), rejecting the insert
// when an active task for the pair already exists. The pre-check gives the
// common case a readable error; the ux_active_application partial unique
// index is what actually holds under concurrent enqueues.
func (s *Store) Create(ctx context.Context, candidateID, jobID, targetHost string) (*Task, error) {
	now := time.Now()
	record := &Task{
		ID:            s.node.Generate().String(),
		CandidateID:   candidateID,
		JobID:         jobID,
		TargetHost:    targetHost,
		Status:        StatusQueued,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active int64
		if err := tx.Model(&Task{}).
			Where("candidate_id = ? AND job_id = ? AND status IN ?",
				candidateID, jobID, []Status{StatusQueued, StatusProcessing}).
			Count(&active).Error; err != nil {
			return err
		}
		if active > 0 {
			return errutil.Conflict("an application for this candidate and job is already active")
		}
		return tx.Create(record).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errutil.Conflict("an application for this candidate and job is already active")
		}
		var be errutil.BaseError
		if errors.As(err, &be) {
			return nil, err
		}
		return nil, errutil.Internal("failed to create application task", errutil.WithErr(err))
	}

	return record, nil
}

// Get returns the task by id.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	var record Task
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("application task not found")
		}
		return nil, errutil.Internal("failed to load application task", errutil.WithErr(err))
	}
	return &record, nil
}

// ListByCandidate returns all tasks for a candidate, newest first.
func (s *Store) ListByCandidate(ctx context.Context, candidateID string) ([]*Task, error) {
	var records []*Task
	if err := s.db.WithContext(ctx).
		Where("candidate_id = ?", candidateID).
		Order("created_at DESC").
		Find(&records).Error; err != nil {
		return nil, errutil.Internal("failed to list application tasks", errutil.WithErr(err))
	}
	return records, nil
}

// NextEligible returns up to limit queued tasks whose backoff window has
// elapsed, oldest first.
func (s *Store) NextEligible(ctx context.Context, limit int) ([]*Task, error) {
	var records []*Task
	if err := s.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ?", StatusQueued, time.Now()).
		Order("created_at ASC").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, errutil.Internal("failed to query eligible tasks", errutil.WithErr(err))
	}
	return records, nil
}

// Claim moves a queued task to processing, assigning the worker and counting
// the attempt. Returns false when the CAS loses (task no longer queued) or
// the row still carries a cancel request from an earlier attempt.
func (s *Store) Claim(ctx context.Context, id, worker string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status = ? AND cancel_requested = ?", id, StatusQueued, false).
		Updates(map[string]interface{}{
			"status":          StatusProcessing,
			"assigned_worker": worker,
			"attempt_count":   gorm.Expr("attempt_count + 1"),
			"updated_at":      time.Now(),
		})
	if res.Error != nil {
		return false, errutil.Internal("failed to claim task", errutil.WithErr(res.Error))
	}
	return res.RowsAffected == 1, nil
}

// Transition performs a compare-and-set from one status to another with
// optional extra column updates. Returns false when the task was not in the
// expected status.
func (s *Store) Transition(ctx context.Context, id string, from, to Status, updates map[string]interface{}) (bool, error) {
	values := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now(),
	}
	for k, v := range updates {
		values[k] = v
	}

	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status = ?", id, from).
		Updates(values)
	if res.Error != nil {
		return false, errutil.Internal("failed to transition task", errutil.WithErr(res.Error))
	}
	return res.RowsAffected == 1, nil
}

// FinalizeAttempt CASes a processing task to its attempt outcome, but only
// while no cancel request is set. A cancellation that lands between reading
// the outcome and committing it makes the CAS lose instead of being
// overwritten; the caller re-reads and finalizes as cancelled.
func (s *Store) FinalizeAttempt(ctx context.Context, id string, to Status, updates map[string]interface{}) (bool, error) {
	values := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now(),
	}
	for k, v := range updates {
		values[k] = v
	}

	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status = ? AND cancel_requested = ?", id, StatusProcessing, false).
		Updates(values)
	if res.Error != nil {
		return false, errutil.Internal("failed to finalize attempt", errutil.WithErr(res.Error))
	}
	return res.RowsAffected == 1, nil
}

// RequestCancel flags an in-flight task so the dispatcher discards the agent
// outcome in favour of cancelled.
func (s *Store) RequestCancel(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status = ?", id, StatusProcessing).
		Updates(map[string]interface{}{
			"cancel_requested": true,
			"updated_at":       time.Now(),
		})
	if res.Error != nil {
		return false, errutil.Internal("failed to request cancellation", errutil.WithErr(res.Error))
	}
	return res.RowsAffected == 1, nil
}

// ReclaimStale returns processing tasks that outlived the reclaim window back
// to queued. The attempt was already counted at claim time, so a crashed
// worker still consumes attempt budget.
func (s *Store) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	reason := "worker lost; attempt reclaimed"
	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("status = ? AND updated_at < ?", StatusProcessing, time.Now().Add(-olderThan)).
		Updates(map[string]interface{}{
			"status":          StatusQueued,
			"assigned_worker": nil,
			"last_error":      reason,
			"next_attempt_at": time.Now(),
			"updated_at":      time.Now(),
		})
	if res.Error != nil {
		return 0, errutil.Internal("failed to reclaim stale tasks", errutil.WithErr(res.Error))
	}
	return res.RowsAffected, nil
}
