package session

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kitehq/kite/internal/common/apperr"
	"github.com/kitehq/kite/internal/common/httpmw"
	"github.com/kitehq/kite/internal/common/logger"
	v1 "github.com/kitehq/kite/pkg/api/v1"
	"github.com/kitehq/kite/pkg/ws"
)

// Handler exposes the session REST surface and the three WebSocket roles.
// The authenticated user id comes from the auth middleware, or from the
// X-User-ID header when a trusted fronting proxy terminates auth upstream.
// Share-link tokens substitute for it on client sockets; runner sockets
// authenticate with the per-session runner token.
type Handler struct {
	registry *Registry
	upgrader websocket.Upgrader
	log      *logger.Logger
}

// NewHandler creates the session HTTP handler.
func NewHandler(registry *Registry, log *logger.Logger) *Handler {
	return &Handler{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced by the fronting proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log.WithFields(zap.String("component", "session_handler")),
	}
}

// RegisterRoutes mounts the session REST API under the given group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/sessions", h.listSessions)
	rg.POST("/sessions", h.createSession)
	rg.GET("/sessions/:id", h.getSession)
	rg.POST("/sessions/:id/rotate-token", h.rotateToken)
	rg.POST("/sessions/:id/status", h.setStatus)
	rg.POST("/sessions/:id/share", h.createShareLink)
	rg.POST("/sessions/:id/prompt", h.submitPrompt)
	rg.POST("/sessions/:id/answer", h.answer)
}

// RegisterSocketRoutes mounts the three WebSocket roles. These manage
// admission themselves (share links, runner tokens, scope keys), so the
// group may carry optional rather than mandatory auth.
func (h *Handler) RegisterSocketRoutes(rg *gin.RouterGroup) {
	rg.GET("/sessions/:id/ws", h.clientSocket)
	rg.GET("/sessions/:id/runner", h.runnerSocket)
	rg.GET("/sessions/:id/channel", h.channelSocket)
}

func callerID(c *gin.Context) string {
	if id := httpmw.UserID(c); id != "" {
		return id
	}
	return c.GetHeader("X-User-ID")
}

func (h *Handler) listSessions(c *gin.Context) {
	userID := callerID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
		return
	}
	sessions, err := h.registry.Store().ListByUser(c.Request.Context(), userID)
	if err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

type createSessionRequest struct {
	Workspace string `json:"workspace"`
	Purpose   string `json:"purpose"`
	ParentID  string `json:"parent_id"`
	PersonaID string `json:"persona_id"`
	Title     string `json:"title"`
}

func (h *Handler) createSession(c *gin.Context) {
	userID := callerID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
		return
	}
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.WriteJSON(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	sess, token, err := h.registry.CreateSession(c.Request.Context(), v1.Session{
		UserID:    userID,
		Workspace: req.Workspace,
		Purpose:   v1.SessionPurpose(req.Purpose),
		ParentID:  req.ParentID,
		PersonaID: req.PersonaID,
		Title:     req.Title,
	})
	if err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": sess, "runner_token": token})
}

func (h *Handler) getSession(c *gin.Context) {
	sess, err := h.registry.Store().GetVisible(c.Request.Context(), c.Param("id"), callerID(c))
	if err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (h *Handler) rotateToken(c *gin.Context) {
	sess, err := h.registry.Store().GetVisible(c.Request.Context(), c.Param("id"), callerID(c))
	if err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	token, err := h.registry.Store().RotateRunnerToken(c.Request.Context(), sess.ID)
	if err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runner_token": token})
}

type setStatusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) setStatus(c *gin.Context) {
	var req setStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.WriteJSON(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	if _, err := h.registry.Store().GetVisible(c.Request.Context(), c.Param("id"), callerID(c)); err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	holder, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	holder.SetStatus(v1.SessionStatus(req.Status))
	c.JSON(http.StatusOK, gin.H{"status": req.Status})
}

type shareRequest struct {
	Role       string `json:"role"`
	TTLMinutes int    `json:"ttl_minutes"`
}

func (h *Handler) createShareLink(c *gin.Context) {
	userID := callerID(c)
	sess, err := h.registry.Store().GetVisible(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	if sess.UserID != userID {
		apperr.WriteJSON(c, apperr.Permission("only the owner can share a session"))
		return
	}
	var req shareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.WriteJSON(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	role := req.Role
	if role == "" {
		role = "viewer"
	}
	token, err := h.registry.Store().CreateShareLink(c.Request.Context(), sess.ID, userID, role,
		time.Duration(req.TTLMinutes)*time.Minute)
	if err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"share_token": token})
}

type promptRequest struct {
	Content     string        `json:"content"`
	Model       string        `json:"model"`
	QueueMode   string        `json:"queue_mode"`
	ChannelType string        `json:"channel_type"`
	ChannelID   string        `json:"channel_id"`
	ScopeKey    string        `json:"scope_key"`
	Attachments []ws.Attachment `json:"attachments"`
}

func (h *Handler) submitPrompt(c *gin.Context) {
	var req promptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.WriteJSON(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	if req.Content == "" {
		apperr.WriteJSON(c, apperr.Validation("content is required"))
		return
	}
	if _, err := h.registry.Store().GetVisible(c.Request.Context(), c.Param("id"), callerID(c)); err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	holder, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	mode := ws.QueueMode(req.QueueMode)
	if mode == "" {
		mode = ws.QueueFollowup
	}
	holder.SubmitPrompt(QueuedPrompt{
		Content:     req.Content,
		Model:       req.Model,
		QueueMode:   mode,
		ChannelType: req.ChannelType,
		ChannelID:   req.ChannelID,
		ScopeKey:    req.ScopeKey,
		Attachments: req.Attachments,
	})
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

type answerRequest struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
}

func (h *Handler) answer(c *gin.Context) {
	var req answerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.WriteJSON(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	if _, err := h.registry.Store().GetVisible(c.Request.Context(), c.Param("id"), callerID(c)); err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	holder, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	holder.Answer(req.QuestionID, req.Answer)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// clientSocket admits a client role connection. Unauthenticated upgrades
// are completed and then closed with 1002 so browsers surface a close code
// rather than a failed handshake.
func (h *Handler) clientSocket(c *gin.Context) {
	sessionID := c.Param("id")
	userID := callerID(c)
	role := "owner"

	if userID == "" {
		if shareToken := c.Query("share"); shareToken != "" {
			linkSession, linkRole, err := h.registry.Store().ResolveShareLink(c.Request.Context(), shareToken)
			if err == nil && linkSession == sessionID {
				userID = "share:" + shareToken[:8]
				role = linkRole
			}
		}
	}

	sock, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("Client upgrade failed", zap.Error(err))
		return
	}
	if userID == "" {
		deadline := time.Now().Add(writeWait)
		_ = sock.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(ws.CloseUpgradeRejected, "authentication required"), deadline)
		_ = sock.Close()
		return
	}

	holder, err := h.registry.Get(c.Request.Context(), sessionID)
	if err != nil {
		deadline := time.Now().Add(writeWait)
		_ = sock.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(ws.CloseUpgradeRejected, "unknown session"), deadline)
		_ = sock.Close()
		return
	}
	sess := holder.Session()
	if sess.Purpose != v1.PurposeInteractive && sess.UserID != userID {
		deadline := time.Now().Add(writeWait)
		_ = sock.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(ws.CloseUpgradeRejected, "session not visible"), deadline)
		_ = sock.Close()
		return
	}
	if sess.UserID == userID {
		role = "owner"
	}
	holder.AttachClient(sock, ConnectedUser{
		UserID: userID,
		Name:   c.GetHeader("X-User-Name"),
		Avatar: c.GetHeader("X-User-Avatar"),
		Role:   role,
	})
}

// runnerSocket admits the runner role. Token verification happens inside
// the holder; a mismatch closes the socket with 1002.
func (h *Handler) runnerSocket(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = c.GetHeader("X-Runner-Token")
	}
	holder, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	sock, upErr := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if upErr != nil {
		h.log.Warn("Runner upgrade failed", zap.Error(upErr))
		return
	}
	holder.AttachRunner(sock, token)
}

// channelSocket admits an adapter-owned socket bound to a scope key.
func (h *Handler) channelSocket(c *gin.Context) {
	scopeKey := c.Query("scope_key")
	channelType := c.Query("channel_type")
	channelID := c.Query("channel_id")
	if scopeKey == "" || channelType == "" {
		apperr.WriteJSON(c, apperr.Validation("scope_key and channel_type are required"))
		return
	}
	holder, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.WriteJSON(c, err)
		return
	}
	sock, upErr := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if upErr != nil {
		h.log.Warn("Channel upgrade failed", zap.Error(upErr))
		return
	}
	holder.AttachChannel(sock, scopeKey, channelType, channelID)
}
