package audit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"applyflow-engine/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestWriter(t *testing.T) *Writer {
	db := testutil.NewTestDB(t, &Log{})
	return NewWriter(WriterParams{DB: db, Node: testutil.NewNode(t)})
}

func TestAppendAssignsSequentialSeq(t *testing.T) {
	w := newTestWriter(t)
	ctx := context.Background()

	require.NoError(t, w.Append(ctx, "task_1", StepExecutionStarted, map[string]any{"agent": "workday"}, nil))
	require.NoError(t, w.Append(ctx, "task_1", StepNavigated, map[string]any{"status": 200}, nil))
	require.NoError(t, w.Append(ctx, "task_1", StepSubmitted, nil, nil))

	entries, err := w.List(ctx, "task_1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		require.Equal(t, int64(i+1), e.Seq)
	}
	require.Equal(t, StepExecutionStarted, entries[0].Step)
	require.Equal(t, StepSubmitted, entries[2].Step)
}

func TestAppendSeqIsPerTask(t *testing.T) {
	w := newTestWriter(t)
	ctx := context.Background()

	require.NoError(t, w.Append(ctx, "task_1", StepExecutionStarted, nil, nil))
	require.NoError(t, w.Append(ctx, "task_2", StepExecutionStarted, nil, nil))

	entries, err := w.List(ctx, "task_2")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, int64(1), entries[0].Seq)
}

func TestAppendRedactsSensitiveKeys(t *testing.T) {
	w := newTestWriter(t)
	ctx := context.Background()

	require.NoError(t, w.Append(ctx, "task_1", StepFieldFilled, map[string]any{
		"field": "candidate_email",
		"email": "jordan@example.com",
		"phone": "+1-555-0100",
	}, nil))

	entries, err := w.List(ctx, "task_1")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(entries[0].Payload, &payload))
	require.Equal(t, "candidate_email", payload["field"])
	require.Equal(t, "[redacted]", payload["email"])
	require.Equal(t, "[redacted]", payload["phone"])
}

func TestAppendStoresArtifactURIs(t *testing.T) {
	w := newTestWriter(t)
	ctx := context.Background()

	uris := []string{"s3://artifacts/tasks/task_1/1_captcha_page.html"}
	require.NoError(t, w.Append(ctx, "task_1", StepCaptchaDetected, map[string]any{"captcha_type": "intermittent"}, uris))

	entries, err := w.List(ctx, "task_1")
	require.NoError(t, err)

	var stored []string
	require.NoError(t, json.Unmarshal(entries[0].Artifacts, &stored))
	require.Equal(t, uris, stored)
}

func TestSeqUniquePerTaskEnforcedByIndex(t *testing.T) {
	w := newTestWriter(t)
	ctx := context.Background()

	require.NoError(t, w.Append(ctx, "task_1", StepExecutionStarted, nil, nil))

	// The ordering invariant is held by the schema, not just by the writer:
	// a second entry with the same (task_id, seq) must not insert.
	dup := &Log{
		ID:        "dup-entry",
		TaskID:    "task_1",
		Seq:       1,
		Step:      StepNavigated,
		CreatedAt: time.Now(),
	}
	require.ErrorIs(t, w.db.Create(dup).Error, gorm.ErrDuplicatedKey)

	// Same seq on another task is fine.
	dup.TaskID = "task_2"
	require.NoError(t, w.db.Create(dup).Error)
}

func TestListEmptyTrail(t *testing.T) {
	w := newTestWriter(t)

	entries, err := w.List(context.Background(), "missing")
	require.NoError(t, err)
	require.Empty(t, entries)
}
