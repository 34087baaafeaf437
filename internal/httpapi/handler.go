package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"applyflow-engine/pkg/health"
	"applyflow-engine/pkg/middleware"
	"applyflow-engine/services/audit"
	"applyflow-engine/services/task"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi", fx.Provide(ProvideRouter))

type RouterParams struct {
	fx.In
	Tasks  *task.Service
	Health health.HealthService
}

type handler struct {
	tasks *task.Service
}

// ProvideRouter builds the public HTTP surface: the application task API plus
// the health probes.
func ProvideRouter(p RouterParams) http.Handler {
	h := &handler{tasks: p.Tasks}

	r := gin.New()
	r.Use(gin.Recovery(), middleware.Error())

	r.GET("/healthz", p.Health.Liveness)
	r.GET("/readyz", p.Health.Readiness)

	v1 := r.Group("/v1")
	{
		v1.POST("/applications", h.enqueue)
		v1.GET("/applications", h.listByCandidate)
		v1.GET("/applications/:id", h.status)
		v1.GET("/applications/:id/audit", h.auditTrail)
		v1.POST("/applications/:id/cancel", h.cancel)
	}

	return r
}

type enqueueRequest struct {
	CandidateID string `json:"candidate_id"`
	JobID       string `json:"job_id"`
}

type taskResponse struct {
	TaskID       string  `json:"task_id"`
	CandidateID  string  `json:"candidate_id"`
	JobID        string  `json:"job_id"`
	TargetHost   string  `json:"target_host"`
	Status       string  `json:"status"`
	AttemptCount int     `json:"attempt_count"`
	LastError    *string `json:"last_error,omitempty"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
}

func toTaskResponse(t *task.Task) taskResponse {
	return taskResponse{
		TaskID:       t.ID,
		CandidateID:  t.CandidateID,
		JobID:        t.JobID,
		TargetHost:   t.TargetHost,
		Status:       t.Status.String(),
		AttemptCount: t.AttemptCount,
		LastError:    t.LastError,
		CreatedAt:    t.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    t.UpdatedAt.Format(time.RFC3339),
	}
}

func (h *handler) enqueue(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "bad_request", "message": "invalid request body"},
		})
		return
	}

	record, err := h.tasks.Enqueue(c.Request.Context(), req.CandidateID, req.JobID)
	if err != nil {
		c.Error(err)
		return
	}

	// 202: the task is queued, not applied yet.
	c.JSON(http.StatusAccepted, toTaskResponse(record))
}

func (h *handler) status(c *gin.Context) {
	view, err := h.tasks.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, view)
}

type auditEntryResponse struct {
	Seq       int64       `json:"seq"`
	Step      string      `json:"step"`
	Payload   interface{} `json:"payload,omitempty"`
	Artifacts interface{} `json:"artifacts,omitempty"`
	CreatedAt string      `json:"created_at"`
}

func (h *handler) auditTrail(c *gin.Context) {
	entries, err := h.tasks.GetAuditLog(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	out := make([]auditEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toAuditEntryResponse(e))
	}

	c.JSON(http.StatusOK, gin.H{"task_id": c.Param("id"), "entries": out})
}

func toAuditEntryResponse(e *audit.Log) auditEntryResponse {
	resp := auditEntryResponse{
		Seq:       e.Seq,
		Step:      e.Step,
		CreatedAt: e.CreatedAt.Format(time.RFC3339),
	}
	if len(e.Payload) > 0 {
		resp.Payload = json.RawMessage(e.Payload)
	}
	if len(e.Artifacts) > 0 {
		resp.Artifacts = json.RawMessage(e.Artifacts)
	}
	return resp
}

func (h *handler) cancel(c *gin.Context) {
	if err := h.tasks.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"task_id": c.Param("id"), "status": "cancel_requested"})
}

func (h *handler) listByCandidate(c *gin.Context) {
	candidateID := c.Query("candidate_id")
	records, err := h.tasks.ListByCandidate(c.Request.Context(), candidateID)
	if err != nil {
		c.Error(err)
		return
	}

	out := make([]taskResponse, 0, len(records))
	for _, t := range records {
		out = append(out, toTaskResponse(t))
	}

	c.JSON(http.StatusOK, gin.H{"candidate_id": candidateID, "applications": out})
}
