package workflow

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kitehq/kite/internal/common/apperr"
	"github.com/kitehq/kite/internal/common/httpmw"
	"github.com/kitehq/kite/internal/common/logger"
	v1 "github.com/kitehq/kite/pkg/api/v1"
)

// Handlers exposes the workflow and execution HTTP API.
type Handlers struct {
	store    *Store
	executor *Executor
	log      *logger.Logger
}

// NewHandlers wires the HTTP surface.
func NewHandlers(store *Store, executor *Executor, log *logger.Logger) *Handlers {
	return &Handlers{store: store, executor: executor, log: log.WithFields(zap.String("component", "workflow_api"))}
}

// RegisterRoutes mounts the API under an authenticated group.
func (h *Handlers) RegisterRoutes(r gin.IRouter) {
	r.POST("/workflows", h.createWorkflow)
	r.GET("/workflows", h.listWorkflows)
	r.GET("/workflows/:id", h.getWorkflow)
	r.PUT("/workflows/:id", h.updateWorkflow)
	r.DELETE("/workflows/:id", h.deleteWorkflow)
	r.GET("/workflows/:id/history", h.listHistory)
	r.POST("/workflows/:id/rollback", h.rollback)
	r.GET("/workflows/:id/proposals", h.listProposals)
	r.POST("/workflows/:id/proposals", h.createProposal)
	r.POST("/proposals/:id/review", h.reviewProposal)
	r.POST("/proposals/:id/apply", h.applyProposal)
	r.GET("/executions", h.listExecutions)
	r.GET("/executions/:id", h.getExecution)
	r.POST("/executions/:id/cancel", h.cancelExecution)
	r.POST("/executions/:id/approve", h.approveExecution)
	r.POST("/executions/:id/deny", h.denyExecution)
}

type workflowRequest struct {
	Data string `json:"data" binding:"required"`
}

func (h *Handlers) createWorkflow(c *gin.Context) {
	var req workflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.WriteJSON(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	wf, err := h.store.CreateWorkflow(c.Request.Context(), httpmw.UserID(c), req.Data)
	if err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusCreated, wf)
}

func (h *Handlers) listWorkflows(c *gin.Context) {
	workflows, err := h.store.ListWorkflows(c.Request.Context(), httpmw.UserID(c))
	if err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflows": workflows})
}

func (h *Handlers) getWorkflow(c *gin.Context) {
	wf, err := h.store.GetWorkflow(c.Request.Context(), c.Param("id"), httpmw.UserID(c))
	if err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, wf)
}

func (h *Handlers) updateWorkflow(c *gin.Context) {
	var req workflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.WriteJSON(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	wf, err := h.store.UpdateWorkflow(c.Request.Context(), c.Param("id"), httpmw.UserID(c), req.Data)
	if err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, wf)
}

func (h *Handlers) deleteWorkflow(c *gin.Context) {
	if err := h.store.DeleteWorkflow(c.Request.Context(), c.Param("id"), httpmw.UserID(c)); err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *Handlers) listHistory(c *gin.Context) {
	// Ownership check before exposing archived snapshots.
	if _, err := h.store.GetWorkflow(c.Request.Context(), c.Param("id"), httpmw.UserID(c)); err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	history, err := h.store.ListHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

func (h *Handlers) rollback(c *gin.Context) {
	var req struct {
		Hash string `json:"hash" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.WriteJSON(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	wf, err := h.store.Rollback(c.Request.Context(), c.Param("id"), httpmw.UserID(c), req.Hash)
	if err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, wf)
}

func (h *Handlers) listProposals(c *gin.Context) {
	if _, err := h.store.GetWorkflow(c.Request.Context(), c.Param("id"), httpmw.UserID(c)); err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	proposals, err := h.store.ListProposals(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposals": proposals})
}

func (h *Handlers) createProposal(c *gin.Context) {
	var req struct {
		ExecutionID  string `json:"execution_id"`
		Data         string `json:"data" binding:"required"`
		Reason       string `json:"reason"`
		ExpiresHours int    `json:"expires_hours"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.WriteJSON(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	proposal, err := h.store.CreateProposal(c.Request.Context(), c.Param("id"), httpmw.UserID(c),
		req.ExecutionID, req.Data, req.Reason, time.Duration(req.ExpiresHours)*time.Hour)
	if err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusCreated, proposal)
}

func (h *Handlers) reviewProposal(c *gin.Context) {
	var req struct {
		Approve bool `json:"approve"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.WriteJSON(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	proposal, err := h.store.ReviewProposal(c.Request.Context(), c.Param("id"), req.Approve)
	if err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, proposal)
}

func (h *Handlers) applyProposal(c *gin.Context) {
	wf, err := h.store.ApplyProposal(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, wf)
}

func (h *Handlers) listExecutions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	executions, err := h.store.ListExecutions(c.Request.Context(), httpmw.UserID(c), c.Query("workflowId"), limit)
	if err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": executions})
}

func (h *Handlers) getExecution(c *gin.Context) {
	exec, err := h.visibleExecution(c)
	if err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	steps, err := h.store.ListSteps(c.Request.Context(), exec.ID)
	if err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution": exec, "steps": steps})
}

func (h *Handlers) cancelExecution(c *gin.Context) {
	if err := h.store.Cancel(c.Request.Context(), c.Param("id"), httpmw.UserID(c)); err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

type approvalRequest struct {
	ResumeToken string `json:"resume_token" binding:"required"`
}

// approveExecution resumes a waiting execution and hands it back to the
// worker pool.
func (h *Handlers) approveExecution(c *gin.Context) {
	var req approvalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.WriteJSON(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	if _, err := h.visibleExecution(c); err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	exec, err := h.store.Resume(c.Request.Context(), c.Param("id"), req.ResumeToken, nil)
	if err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	if stepID, ok := exec.RuntimeState["stepId"].(string); ok {
		h.traceApproval(c, exec, stepID, v1.StepCompleted, "")
	}
	if err := h.executor.Enqueue(exec.ID); err != nil {
		h.log.Error("Failed to enqueue resumed execution",
			zap.String("execution_id", exec.ID), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"status": "running", "execution": exec})
}

// denyExecution finalizes a waiting execution as cancelled after the same
// token check approval uses.
func (h *Handlers) denyExecution(c *gin.Context) {
	var req approvalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.WriteJSON(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	exec, err := h.visibleExecution(c)
	if err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	if exec.Status.IsTerminal() {
		apperr.WriteJSON(c, apperr.Conflict("execution %s is already %s", exec.ID, exec.Status))
		return
	}
	if exec.Status != v1.ExecutionWaitingApproval {
		apperr.WriteJSON(c, apperr.Conflict("execution %s is not waiting for approval", exec.ID))
		return
	}
	if exec.ResumeToken == "" || exec.ResumeToken != req.ResumeToken {
		apperr.WriteJSON(c, apperr.Permission("resume token mismatch for execution %s", exec.ID))
		return
	}
	if stepID, ok := exec.RuntimeState["stepId"].(string); ok {
		h.traceApproval(c, exec, stepID, v1.StepFailed, "approval denied")
	}
	if err := h.store.Finalize(c.Request.Context(), exec.ID, v1.ExecutionCancelled, "approval denied", nil); err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (h *Handlers) visibleExecution(c *gin.Context) (v1.WorkflowExecution, error) {
	exec, err := h.store.GetExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		return v1.WorkflowExecution{}, err
	}
	if exec.UserID != httpmw.UserID(c) {
		return v1.WorkflowExecution{}, apperr.NotFound("execution %s not found", c.Param("id"))
	}
	return exec, nil
}

func (h *Handlers) traceApproval(c *gin.Context, exec v1.WorkflowExecution, stepID string, status v1.StepStatus, stepErr string) {
	now := time.Now().UTC()
	attempt := exec.AttemptCount
	if attempt < 1 {
		attempt = 1
	}
	if err := h.store.UpsertStep(c.Request.Context(), v1.ExecutionStep{
		ExecutionID: exec.ID,
		StepID:      stepID,
		Attempt:     attempt,
		Status:      status,
		Error:       stepErr,
		CompletedAt: &now,
	}); err != nil {
		h.log.Error("Failed to record approval trace", zap.Error(err))
	}
}
