package github

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kitehq/kite/internal/common/apperr"
	"github.com/kitehq/kite/internal/common/httpmw"
)

// Handlers exposes per-user token management.
type Handlers struct {
	service *Service
}

func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes mounts the GitHub integration API.
func (h *Handlers) RegisterRoutes(r gin.IRouter) {
	r.PUT("/integrations/github/token", h.setToken)
	r.DELETE("/integrations/github/token", h.deleteToken)
	r.GET("/integrations/github/status", h.status)
}

type setTokenRequest struct {
	Token string `json:"token" binding:"required"`
}

func (h *Handlers) setToken(c *gin.Context) {
	var req setTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.WriteJSON(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	if err := h.service.SetToken(c.Request.Context(), httpmw.UserID(c), req.Token); err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handlers) deleteToken(c *gin.Context) {
	if err := h.service.DeleteToken(c.Request.Context(), httpmw.UserID(c)); err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// status reports whether a token is configured without revealing it.
func (h *Handlers) status(c *gin.Context) {
	_, err := h.service.ClientFor(c.Request.Context(), httpmw.UserID(c))
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			c.JSON(http.StatusOK, gin.H{"configured": false})
			return
		}
		apperr.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"configured": true})
}
