package ws

import (
	"encoding/json"
	"time"

	v1 "github.com/kitehq/kite/pkg/api/v1"
)

// StreamFrame is a runner→holder streaming text delta. The holder folds it
// into the open assistant message and relays a chunk to clients.
type StreamFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Delta     string `json:"delta"`
}

// ResultFrame finalizes the current prompt: the authoritative message
// replaces any streaming accumulation.
type ResultFrame struct {
	Type    string     `json:"type"`
	Message v1.Message `json:"message"`
	Aborted bool       `json:"aborted,omitempty"`
}

// ToolFrame reports a tool-call lifecycle update (started, completed,
// failed) that the holder upserts into the open message's parts.
type ToolFrame struct {
	Type      string  `json:"type"`
	MessageID string  `json:"messageId"`
	Part      v1.Part `json:"part"`
}

// StopFrame is sent holder→runner to interrupt the running prompt.
type StopFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// TunnelDeleteFrame tells the runner to tear down a forwarded tunnel.
type TunnelDeleteFrame struct {
	Type     string `json:"type"`
	TunnelID string `json:"tunnelId"`
}

// WorkflowExecuteFrame is sent holder→runner to run a workflow step prompt
// inside the sandbox. The runner answers with a RunnerResponseFrame
// carrying the same requestId and the step result as payload.
type WorkflowExecuteFrame struct {
	Type        string         `json:"type"`
	RequestID   string         `json:"requestId"`
	ExecutionID string         `json:"executionId"`
	StepID      string         `json:"stepId"`
	Prompt      string         `json:"prompt"`
	Variables   map[string]any `json:"variables,omitempty"`
}

// Runner request operations. The runner sends a RunnerRequestFrame and the
// holder answers with a RunnerResponseFrame carrying the same requestId.
const (
	OpSpawnChild      = "spawn-child"
	OpTerminateChild  = "terminate-child"
	OpCreatePR        = "create-pr"
	OpUpdatePR        = "update-pr"
	OpMemoryRead      = "memory-read"
	OpMemoryWrite     = "memory-write"
	OpWorkflowList    = "workflow-list"
	OpWorkflowGet     = "workflow-get"
	OpWorkflowRun     = "workflow-run"
	OpTriggerList     = "trigger-list"
	OpExecutionGet    = "execution-get"
	OpMailboxSend     = "mailbox-send"
	OpMailboxPoll     = "mailbox-poll"
	OpTaskUpsert      = "task-upsert"
	OpTaskList        = "task-list"
	OpChannelReply    = "channel-reply"
	OpSessionMessages = "session-messages"
	OpListRepos       = "list-repos"
	OpListPersonas    = "list-personas"
)

// RequestDeadline returns how long the sender waits for the matching
// response before failing the request with a timeout.
func RequestDeadline(op string) time.Duration {
	switch op {
	case OpSpawnChild:
		return 60 * time.Second
	case OpTerminateChild:
		return 30 * time.Second
	case OpCreatePR, OpUpdatePR:
		return 30 * time.Second
	default:
		return 15 * time.Second
	}
}

// RunnerRequestFrame is a correlated request from the runner to the holder.
// Payload is decoded per Op.
type RunnerRequestFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Op        string          `json:"op"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// RunnerResponseFrame answers a RunnerRequestFrame or a correlated
// holder→runner frame.
type RunnerResponseFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	OK        bool            `json:"ok"`
	Error     string          `json:"error,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewRunnerResponse builds a successful response with the payload encoded.
func NewRunnerResponse(requestID string, payload any) (RunnerResponseFrame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return RunnerResponseFrame{}, err
	}
	return RunnerResponseFrame{
		Type:      TypeRunnerResponse,
		RequestID: requestID,
		OK:        true,
		Payload:   raw,
	}, nil
}

// NewRunnerError builds a failed response.
func NewRunnerError(requestID, msg string) RunnerResponseFrame {
	return RunnerResponseFrame{
		Type:      TypeRunnerResponse,
		RequestID: requestID,
		OK:        false,
		Error:     msg,
	}
}

// SpawnChildRequest asks the control plane to create a child session.
type SpawnChildRequest struct {
	Task      string `json:"task"`
	PersonaID string `json:"personaId,omitempty"`
	Workspace string `json:"workspace,omitempty"`
}

// SpawnChildResponse carries the new child's identity.
type SpawnChildResponse struct {
	SessionID  string `json:"sessionId"`
	GatewayURL string `json:"gatewayUrl,omitempty"`
}

// TerminateChildRequest asks the control plane to terminate a child session.
type TerminateChildRequest struct {
	SessionID string `json:"sessionId"`
}

// CreatePRRequest asks the control plane to open a pull request for the
// session's workspace branch.
type CreatePRRequest struct {
	Title  string `json:"title"`
	Body   string `json:"body,omitempty"`
	Branch string `json:"branch,omitempty"`
	Base   string `json:"base,omitempty"`
	Draft  bool   `json:"draft,omitempty"`
}

// CreatePRResponse returns the created PR location.
type CreatePRResponse struct {
	URL    string `json:"url"`
	Number int    `json:"number"`
}

// UpdatePRRequest amends an existing pull request.
type UpdatePRRequest struct {
	Number int    `json:"number"`
	Title  string `json:"title,omitempty"`
	Body   string `json:"body,omitempty"`
	State  string `json:"state,omitempty"` // open, closed
}

// MemoryReadRequest and MemoryWriteRequest access the per-user agent
// memory store scoped by key.
type MemoryReadRequest struct {
	Key string `json:"key"`
}

type MemoryReadResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Found bool   `json:"found"`
}

type MemoryWriteRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// WorkflowRunRequest starts a workflow execution from inside a session
// (initiator_type=agent).
type WorkflowRunRequest struct {
	WorkflowID      string         `json:"workflowId"`
	Variables       map[string]any `json:"variables,omitempty"`
	ClientRequestID string         `json:"clientRequestId,omitempty"`
}

type WorkflowRunResponse struct {
	ExecutionID  string `json:"executionId"`
	Status       string `json:"status"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
}

// WorkflowGetRequest fetches one workflow definition by id.
type WorkflowGetRequest struct {
	WorkflowID string `json:"workflowId"`
}

// ExecutionGetRequest fetches one workflow execution with its step trace.
type ExecutionGetRequest struct {
	ExecutionID string `json:"executionId"`
}

// RepoInfo is one repository row returned by list-repos.
type RepoInfo struct {
	FullName string `json:"fullName"`
	Owner    string `json:"owner"`
	Name     string `json:"name"`
	Private  bool   `json:"private"`
}

type ListReposResponse struct {
	Repos []RepoInfo `json:"repos"`
}

// PersonaInfo is one configured agent persona returned by list-personas.
type PersonaInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type ListPersonasResponse struct {
	Personas []PersonaInfo `json:"personas"`
}

// MailboxSendRequest delivers a message to a sibling session's mailbox.
type MailboxSendRequest struct {
	ToSessionID string `json:"toSessionId"`
	Subject     string `json:"subject,omitempty"`
	Body        string `json:"body"`
}

// MailboxPollResponse returns and drains the calling session's mailbox.
type MailboxPollResponse struct {
	Messages []MailboxMessage `json:"messages"`
}

// MailboxMessage is one inter-session mail item.
type MailboxMessage struct {
	ID            string    `json:"id"`
	FromSessionID string    `json:"fromSessionId"`
	Subject       string    `json:"subject,omitempty"`
	Body          string    `json:"body"`
	SentAt        time.Time `json:"sentAt"`
}

// TaskUpsertRequest creates or updates a shared task-board item.
type TaskUpsertRequest struct {
	TaskID      string `json:"taskId,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"` // todo, in_progress, done
	AssigneeID  string `json:"assigneeId,omitempty"`
}

type TaskUpsertResponse struct {
	TaskID string `json:"taskId"`
}

// BoardTask is one task-board row returned by task-list.
type BoardTask struct {
	TaskID      string    `json:"taskId"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	AssigneeID  string    `json:"assigneeId,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type TaskListResponse struct {
	Tasks []BoardTask `json:"tasks"`
}

// SessionMessagesRequest reads another session's conversation through the
// control plane (narrow projection, not the full journal).
type SessionMessagesRequest struct {
	SessionID string `json:"sessionId"`
	Limit     int    `json:"limit,omitempty"`
}

// SessionMessageSummary is one row of the narrow projection.
type SessionMessageSummary struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type SessionMessagesResponse struct {
	Messages []SessionMessageSummary `json:"messages"`
}

// ChannelReplyRequest sends a message out through a bound channel without
// going through the journal (ephemeral notices, typing hints).
type ChannelReplyRequest struct {
	ChannelType string `json:"channelType"`
	ChannelID   string `json:"channelId"`
	Text        string `json:"text"`
}
