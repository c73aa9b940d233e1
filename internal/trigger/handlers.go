package trigger

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kitehq/kite/internal/common/apperr"
	"github.com/kitehq/kite/internal/common/httpmw"
	"github.com/kitehq/kite/internal/common/logger"
	v1 "github.com/kitehq/kite/pkg/api/v1"
)

// maxWebhookBody bounds inbound webhook payloads.
const maxWebhookBody = 1 << 20

// Handlers exposes trigger CRUD and the dispatch endpoints.
type Handlers struct {
	store      *Store
	dispatcher *Dispatcher
	log        *logger.Logger
}

// NewHandlers wires the HTTP surface.
func NewHandlers(store *Store, dispatcher *Dispatcher, log *logger.Logger) *Handlers {
	return &Handlers{store: store, dispatcher: dispatcher, log: log.WithFields(zap.String("component", "trigger_api"))}
}

// RegisterRoutes mounts the authenticated trigger API.
func (h *Handlers) RegisterRoutes(r gin.IRouter) {
	r.POST("/triggers", h.createTrigger)
	r.GET("/triggers", h.listTriggers)
	r.GET("/triggers/:id", h.getTrigger)
	r.PUT("/triggers/:id", h.updateTrigger)
	r.DELETE("/triggers/:id", h.deleteTrigger)
	r.POST("/triggers/:id/run", h.runTrigger)
	r.POST("/workflows/:id/run", h.runWorkflow)
}

// RegisterWebhookRoutes mounts the public ingress endpoints.
func (h *Handlers) RegisterWebhookRoutes(r gin.IRouter) {
	r.POST("/hooks/:user/:path", h.handleWebhook)
	r.GET("/hooks/:user/:path", h.handleWebhook)
}

type triggerRequest struct {
	WorkflowID      string            `json:"workflow_id"`
	Name            string            `json:"name" binding:"required"`
	Enabled         *bool             `json:"enabled"`
	Type            v1.TriggerType    `json:"type" binding:"required"`
	Config          v1.TriggerConfig  `json:"config"`
	VariableMapping map[string]string `json:"variable_mapping"`
}

func (r *triggerRequest) toTrigger(userID string) v1.Trigger {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return v1.Trigger{
		UserID:          userID,
		WorkflowID:      r.WorkflowID,
		Name:            r.Name,
		Enabled:         enabled,
		Type:            r.Type,
		Config:          r.Config,
		VariableMapping: r.VariableMapping,
	}
}

func (h *Handlers) createTrigger(c *gin.Context) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.WriteJSON(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	tr, err := h.store.Create(c.Request.Context(), req.toTrigger(httpmw.UserID(c)))
	if err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusCreated, tr)
}

func (h *Handlers) listTriggers(c *gin.Context) {
	triggers, err := h.store.List(c.Request.Context(), httpmw.UserID(c))
	if err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"triggers": triggers})
}

func (h *Handlers) getTrigger(c *gin.Context) {
	tr, err := h.store.Get(c.Request.Context(), c.Param("id"), httpmw.UserID(c))
	if err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, tr)
}

func (h *Handlers) updateTrigger(c *gin.Context) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.WriteJSON(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	tr := req.toTrigger(httpmw.UserID(c))
	tr.ID = c.Param("id")
	updated, err := h.store.Update(c.Request.Context(), tr)
	if err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *Handlers) deleteTrigger(c *gin.Context) {
	if err := h.store.Delete(c.Request.Context(), c.Param("id"), httpmw.UserID(c)); err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

type runRequest struct {
	ClientRequestID string         `json:"client_request_id"`
	Variables       map[string]any `json:"variables"`
}

func (h *Handlers) runTrigger(c *gin.Context) {
	var req runRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.WriteJSON(c, apperr.Validation("invalid request body: %v", err))
			return
		}
	}
	outcome, err := h.dispatcher.RunTrigger(c.Request.Context(), httpmw.UserID(c), c.Param("id"), req.ClientRequestID, req.Variables)
	if err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusAccepted, outcome)
}

func (h *Handlers) runWorkflow(c *gin.Context) {
	var req runRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.WriteJSON(c, apperr.Validation("invalid request body: %v", err))
			return
		}
	}
	outcome, err := h.dispatcher.RunManual(c.Request.Context(), httpmw.UserID(c), c.Param("id"), req.ClientRequestID, req.Variables)
	if err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusAccepted, outcome)
}

// handleWebhook is the public ingress endpoint. A secret mismatch is a
// 401 here rather than the 403 the kind usually maps to, because webhook
// callers authenticate with nothing else.
func (h *Handlers) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		apperr.WriteJSON(c, apperr.Validation("failed to read body: %v", err))
		return
	}
	outcome, err := h.dispatcher.HandleWebhook(
		c.Request.Context(),
		c.Param("user"),
		c.Param("path"),
		c.Request.Method,
		c.GetHeader("X-Delivery-Id"),
		c.GetHeader("X-Webhook-Secret"),
		body,
	)
	if err != nil {
		if apperr.Is(err, apperr.KindPermission) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		apperr.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusAccepted, outcome)
}
