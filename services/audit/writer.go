package audit

import (
	"context"
	"encoding/json"
	"time"

	"applyflow-engine/pkg/errutil"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Sensitive payload keys are masked before persisting. Field values mapped
// onto external forms routinely contain contact data.
var redactedKeys = map[string]struct{}{
	"email":      {},
	"phone":      {},
	"address":    {},
	"resume_url": {},
}

// Writer appends audit entries for a task. A failed append surfaces to the
// caller; a task outcome is not durable until its audit trail is.
type Writer struct {
	db   *gorm.DB
	node *snowflake.Node
}

type WriterParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewWriter(p WriterParams) *Writer {
	return &Writer{
		db:   p.DB,
		node: p.Node,
	}
}

// Append writes one entry for taskID. Entries receive a per-task sequence
// number assigned inside the transaction, so ordering survives clock skew.
func (w *Writer) Append(ctx context.Context, taskID, step string, payload map[string]any, artifacts []string) error {
	raw, err := json.Marshal(redact(payload))
	if err != nil {
		return errutil.Internal("failed to encode audit payload", errutil.WithErr(err))
	}

	var artifactsRaw []byte
	if len(artifacts) > 0 {
		artifactsRaw, _ = json.Marshal(artifacts)
	}

	err = w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last int64
		if err := tx.Model(&Log{}).
			Where("task_id = ?", taskID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&last).Error; err != nil {
			return err
		}

		entry := Log{
			ID:        w.node.Generate().String(),
			TaskID:    taskID,
			Seq:       last + 1,
			Step:      step,
			Payload:   raw,
			Artifacts: artifactsRaw,
			CreatedAt: time.Now(),
		}
		return tx.Create(&entry).Error
	})
	if err != nil {
		zap.L().Error("audit append failed",
			zap.String("task_id", taskID),
			zap.String("step", step),
			zap.Error(err),
		)
		return errutil.Recoverable("audit trail write failed", errutil.WithErr(err))
	}

	return nil
}

// List returns the full ordered history for taskID.
func (w *Writer) List(ctx context.Context, taskID string) ([]*Log, error) {
	var entries []*Log
	if err := w.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("seq ASC").
		Find(&entries).Error; err != nil {
		return nil, errutil.Internal("failed to list audit entries", errutil.WithErr(err))
	}
	return entries, nil
}

func redact(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if _, sensitive := redactedKeys[k]; sensitive {
			out[k] = "[redacted]"
			continue
		}
		out[k] = v
	}
	return out
}
