package gateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kitehq/kite/pkg/ws"
)

// Requester issues correlated operations and fire-and-forget frames over
// the runner bridge.
type Requester interface {
	Request(ctx context.Context, op string, payload any) (ws.RunnerResponseFrame, error)
	Send(frame any) error
}

// registerAPIRoutes mounts the internal API. Every route marshals its body
// to a typed bridge message and relays the correlated response; wire fields
// are snake_case.
func (p *Proxy) registerAPIRoutes(rg *gin.RouterGroup) {
	rg.POST("/image", p.apiImage)
	rg.POST("/spawn-child", p.apiSpawnChild)
	rg.POST("/terminate-child", p.apiTerminateChild)
	rg.POST("/session-message", p.apiSessionMessage)
	rg.POST("/session-messages", p.apiSessionMessages)
	rg.POST("/create-pull-request", p.apiCreatePR)
	rg.POST("/update-pull-request", p.apiUpdatePR)
	rg.POST("/git-state", p.apiGitState)
	rg.GET("/memory/:key", p.apiMemoryRead)
	rg.POST("/memory", p.apiMemoryWrite)
	rg.GET("/repos", p.relayGet(ws.OpListRepos))
	rg.GET("/personas", p.relayGet(ws.OpListPersonas))
	rg.POST("/workflow-run", p.apiWorkflowRun)
	rg.GET("/workflows", p.relayGet(ws.OpWorkflowList))
	rg.GET("/triggers", p.relayGet(ws.OpTriggerList))
	rg.POST("/mailbox-send", p.apiMailboxSend)
	rg.GET("/mailbox", p.relayGet(ws.OpMailboxPoll))
	rg.POST("/task", p.apiTaskUpsert)
	rg.GET("/tasks", p.relayGet(ws.OpTaskList))
	rg.POST("/channel-reply", p.apiChannelReply)
}

// relay issues the op and writes the correlated payload back verbatim.
func (p *Proxy) relay(c *gin.Context, op string, payload any) {
	resp, err := p.bridge.Request(c.Request.Context(), op, payload)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", resp.Payload)
}

func (p *Proxy) relayGet(op string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p.relay(c, op, struct{}{})
	}
}

type imageRequest struct {
	Data        string `json:"data"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType"`
}

// apiImage accepts a base64 image and returns it as a data URL the runner
// can attach to prompts. Nothing leaves the sandbox here.
func (p *Proxy) apiImage(c *gin.Context) {
	var req imageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Data == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "data is required"})
		return
	}
	if _, err := base64.StdEncoding.DecodeString(req.Data); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "data must be base64"})
		return
	}
	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = "image/png"
	}
	c.JSON(http.StatusOK, gin.H{
		"url":         fmt.Sprintf("data:%s;base64,%s", mimeType, req.Data),
		"description": req.Description,
	})
}

type spawnChildRequest struct {
	Task      string `json:"task"`
	PersonaID string `json:"persona_id"`
	Workspace string `json:"workspace"`
}

func (p *Proxy) apiSpawnChild(c *gin.Context) {
	var req spawnChildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Task == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task is required"})
		return
	}
	resp, err := p.bridge.Request(c.Request.Context(), ws.OpSpawnChild, ws.SpawnChildRequest{
		Task:      req.Task,
		PersonaID: req.PersonaID,
		Workspace: req.Workspace,
	})
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	var spawned ws.SpawnChildResponse
	if err := ws.Decode(resp.Payload, &spawned); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "malformed spawn response"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id":  spawned.SessionID,
		"gateway_url": spawned.GatewayURL,
	})
}

type terminateChildRequest struct {
	SessionID string `json:"session_id"`
}

func (p *Proxy) apiTerminateChild(c *gin.Context) {
	var req terminateChildRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}
	p.relay(c, ws.OpTerminateChild, ws.TerminateChildRequest{SessionID: req.SessionID})
}

type sessionMessageRequest struct {
	ToSessionID string `json:"to_session_id"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
}

func (p *Proxy) apiSessionMessage(c *gin.Context) {
	var req sessionMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ToSessionID == "" || req.Body == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to_session_id and body are required"})
		return
	}
	p.relay(c, ws.OpMailboxSend, ws.MailboxSendRequest{
		ToSessionID: req.ToSessionID,
		Subject:     req.Subject,
		Body:        req.Body,
	})
}

type sessionMessagesRequest struct {
	SessionID string `json:"session_id"`
	Limit     int    `json:"limit"`
}

func (p *Proxy) apiSessionMessages(c *gin.Context) {
	var req sessionMessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}
	p.relay(c, ws.OpSessionMessages, ws.SessionMessagesRequest{
		SessionID: req.SessionID,
		Limit:     req.Limit,
	})
}

type createPRRequest struct {
	Title  string `json:"title"`
	Body   string `json:"body"`
	Branch string `json:"branch"`
	Base   string `json:"base"`
	Draft  bool   `json:"draft"`
}

func (p *Proxy) apiCreatePR(c *gin.Context) {
	var req createPRRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}
	resp, err := p.bridge.Request(c.Request.Context(), ws.OpCreatePR, ws.CreatePRRequest{
		Title:  req.Title,
		Body:   req.Body,
		Branch: req.Branch,
		Base:   req.Base,
		Draft:  req.Draft,
	})
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	var created ws.CreatePRResponse
	if err := ws.Decode(resp.Payload, &created); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "malformed create-pr response"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": created.URL, "number": created.Number})
}

type updatePRRequest struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	State  string `json:"state"`
}

func (p *Proxy) apiUpdatePR(c *gin.Context) {
	var req updatePRRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Number == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "number is required"})
		return
	}
	p.relay(c, ws.OpUpdatePR, ws.UpdatePRRequest{
		Number: req.Number,
		Title:  req.Title,
		Body:   req.Body,
		State:  req.State,
	})
}

type gitStateRequest struct {
	Branch        string `json:"branch"`
	Ahead         int    `json:"ahead"`
	Behind        int    `json:"behind"`
	Dirty         bool   `json:"dirty"`
	ChangedFiles  int    `json:"changed_files"`
	LastCommitSHA string `json:"last_commit_sha"`
	LastCommitMsg string `json:"last_commit_msg"`
	RemoteURL     string `json:"remote_url"`
}

// apiGitState reports workspace git state; the holder persists it and
// broadcasts to clients. Fire and forget.
func (p *Proxy) apiGitState(c *gin.Context) {
	var req gitStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	err := p.bridge.Send(ws.GitStateFrame{
		Type: ws.TypeGitState,
		State: ws.GitState{
			Branch:        req.Branch,
			Ahead:         req.Ahead,
			Behind:        req.Behind,
			Dirty:         req.Dirty,
			ChangedFiles:  req.ChangedFiles,
			LastCommitSHA: req.LastCommitSHA,
			LastCommitMsg: req.LastCommitMsg,
			RemoteURL:     req.RemoteURL,
		},
	})
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reported"})
}

func (p *Proxy) apiMemoryRead(c *gin.Context) {
	p.relay(c, ws.OpMemoryRead, ws.MemoryReadRequest{Key: c.Param("key")})
}

type memoryWriteRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (p *Proxy) apiMemoryWrite(c *gin.Context) {
	var req memoryWriteRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key is required"})
		return
	}
	p.relay(c, ws.OpMemoryWrite, ws.MemoryWriteRequest{Key: req.Key, Value: req.Value})
}

type workflowRunRequest struct {
	WorkflowID      string         `json:"workflow_id"`
	Variables       map[string]any `json:"variables"`
	ClientRequestID string         `json:"client_request_id"`
}

func (p *Proxy) apiWorkflowRun(c *gin.Context) {
	var req workflowRunRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.WorkflowID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "workflow_id is required"})
		return
	}
	p.relay(c, ws.OpWorkflowRun, ws.WorkflowRunRequest{
		WorkflowID:      req.WorkflowID,
		Variables:       req.Variables,
		ClientRequestID: req.ClientRequestID,
	})
}

func (p *Proxy) apiMailboxSend(c *gin.Context) {
	p.apiSessionMessage(c)
}

type taskUpsertRequest struct {
	TaskID      string `json:"task_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	AssigneeID  string `json:"assignee_id"`
}

func (p *Proxy) apiTaskUpsert(c *gin.Context) {
	var req taskUpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}
	p.relay(c, ws.OpTaskUpsert, ws.TaskUpsertRequest{
		TaskID:      req.TaskID,
		Title:       req.Title,
		Description: req.Description,
		Status:      req.Status,
		AssigneeID:  req.AssigneeID,
	})
}

type channelReplyRequest struct {
	ChannelType string `json:"channel_type"`
	ChannelID   string `json:"channel_id"`
	Text        string `json:"text"`
}

func (p *Proxy) apiChannelReply(c *gin.Context) {
	var req channelReplyRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ChannelType == "" || req.Text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "channel_type and text are required"})
		return
	}
	p.relay(c, ws.OpChannelReply, ws.ChannelReplyRequest{
		ChannelType: req.ChannelType,
		ChannelID:   req.ChannelID,
		Text:        req.Text,
	})
}
