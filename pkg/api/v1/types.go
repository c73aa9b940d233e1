// Package v1 defines the shared API types used across services and on the
// wire. Internal packages alias these types rather than redeclaring them.
package v1

import "time"

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionInitializing SessionStatus = "initializing"
	SessionRunning      SessionStatus = "running"
	SessionIdle         SessionStatus = "idle"
	SessionHibernating  SessionStatus = "hibernating"
	SessionHibernated   SessionStatus = "hibernated"
	SessionRestoring    SessionStatus = "restoring"
	SessionTerminated   SessionStatus = "terminated"
	SessionArchived     SessionStatus = "archived"
	SessionError        SessionStatus = "error"
)

// IsTerminal reports whether the status admits no further transitions.
// Error is not terminal: a runner reattach returns the session to running.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionTerminated, SessionArchived:
		return true
	}
	return false
}

// AgentStatus is the activity state of the agent inside a session.
// Distinct from SessionStatus.
type AgentStatus string

const (
	AgentIdle        AgentStatus = "idle"
	AgentThinking    AgentStatus = "thinking"
	AgentToolCalling AgentStatus = "tool_calling"
	AgentStreaming   AgentStatus = "streaming"
	AgentError       AgentStatus = "error"
	AgentQueued      AgentStatus = "queued"
)

// SessionPurpose distinguishes user-facing sessions from system ones.
// Orchestrator and workflow sessions are only visible to their owner.
type SessionPurpose string

const (
	PurposeInteractive  SessionPurpose = "interactive"
	PurposeOrchestrator SessionPurpose = "orchestrator"
	PurposeWorkflow     SessionPurpose = "workflow"
)

// Session is the primary aggregate.
type Session struct {
	ID              string         `json:"id"`
	UserID          string         `json:"user_id"`
	Workspace       string         `json:"workspace"`
	Status          SessionStatus  `json:"status"`
	Purpose         SessionPurpose `json:"purpose"`
	ParentID        string         `json:"parent_id,omitempty"`
	PersonaID       string         `json:"persona_id,omitempty"`
	GatewayURL      string         `json:"gateway_url,omitempty"`
	SandboxID       string         `json:"sandbox_id,omitempty"`
	RunnerTokenHash string         `json:"-"` // never serialized
	Title           string         `json:"title,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	LastActiveAt    time.Time      `json:"last_active_at"`
}

// Role identifies the author class of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// PartType discriminates structured message parts.
type PartType string

const (
	PartText     PartType = "text"
	PartToolCall PartType = "tool-call"
	PartFinish   PartType = "finish"
	PartError    PartType = "error"
)

// Part is one element of a v2 message's ordered content sequence.
type Part struct {
	Type PartType `json:"type"`

	// Text part fields.
	Text      string `json:"text,omitempty"`
	Streaming bool   `json:"streaming,omitempty"`

	// Tool-call part fields.
	CallID   string `json:"callId,omitempty"`
	ToolName string `json:"toolName,omitempty"`
	Status   string `json:"status,omitempty"`
	Args     any    `json:"args,omitempty"`
	Result   any    `json:"result,omitempty"`

	// Finish part field.
	Reason string `json:"reason,omitempty"`

	// Error part field (also reused by failed tool calls).
	Error string `json:"error,omitempty"`
}

// MessageFormat tags which journal format a message uses.
type MessageFormat string

const (
	FormatV1 MessageFormat = "v1"
	FormatV2 MessageFormat = "v2"
)

// Author carries optional authoring metadata on a message.
type Author struct {
	ID     string `json:"id,omitempty"`
	Email  string `json:"email,omitempty"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// Message is one ordered journal entry, keyed by (sessionId, id).
type Message struct {
	ID          string        `json:"id"`
	SessionID   string        `json:"session_id"`
	Role        Role          `json:"role"`
	Content     string        `json:"content"`
	Parts       []Part        `json:"parts,omitempty"`
	Author      *Author       `json:"author,omitempty"`
	ChannelType string        `json:"channel_type,omitempty"`
	ChannelID   string        `json:"channel_id,omitempty"`
	Format      MessageFormat `json:"format,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Question is a pending question raised by the runner.
type Question struct {
	QuestionID  string     `json:"questionId"`
	Text        string     `json:"text"`
	Options     []string   `json:"options,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	ChannelType string     `json:"channelType,omitempty"`
	ChannelID   string     `json:"channelId,omitempty"`
}

// TriggerType enumerates the supported trigger sources.
type TriggerType string

const (
	TriggerWebhook  TriggerType = "webhook"
	TriggerSchedule TriggerType = "schedule"
	TriggerManual   TriggerType = "manual"
)

// ScheduleTarget selects what a schedule trigger drives.
type ScheduleTarget string

const (
	TargetWorkflow     ScheduleTarget = "workflow"
	TargetOrchestrator ScheduleTarget = "orchestrator"
)

// TriggerConfig is the per-type trigger configuration blob.
type TriggerConfig struct {
	// Webhook fields.
	Path   string `json:"path,omitempty"`
	Method string `json:"method,omitempty"`
	Secret string `json:"secret,omitempty"`

	// Schedule fields.
	Cron     string         `json:"cron,omitempty"`
	Timezone string         `json:"timezone,omitempty"`
	Target   ScheduleTarget `json:"target,omitempty"`
	Prompt   string         `json:"prompt,omitempty"`
}

// Trigger binds an external event source to a workflow or orchestrator.
type Trigger struct {
	ID              string            `json:"id"`
	UserID          string            `json:"user_id"`
	WorkflowID      string            `json:"workflow_id,omitempty"`
	Name            string            `json:"name"`
	Enabled         bool              `json:"enabled"`
	Type            TriggerType       `json:"type"`
	Config          TriggerConfig     `json:"config"`
	VariableMapping map[string]string `json:"variable_mapping,omitempty"`
	LastRunAt       *time.Time        `json:"last_run_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// ExecutionStatus is the workflow execution state machine.
type ExecutionStatus string

const (
	ExecutionPending         ExecutionStatus = "pending"
	ExecutionRunning         ExecutionStatus = "running"
	ExecutionWaitingApproval ExecutionStatus = "waiting_approval"
	ExecutionCompleted       ExecutionStatus = "completed"
	ExecutionFailed          ExecutionStatus = "failed"
	ExecutionCancelled       ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the execution status is final.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// WorkflowExecution is one durable run of a workflow.
type WorkflowExecution struct {
	ID              string          `json:"id"`
	WorkflowID      string          `json:"workflow_id"`
	UserID          string          `json:"user_id"`
	TriggerID       string          `json:"trigger_id,omitempty"`
	Status          ExecutionStatus `json:"status"`
	TriggerType     string          `json:"trigger_type"`
	TriggerMetadata map[string]any  `json:"trigger_metadata,omitempty"`
	Variables       map[string]any  `json:"variables,omitempty"`
	Outputs         map[string]any  `json:"outputs,omitempty"`
	Error           string          `json:"error,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	WorkflowVersion string          `json:"workflow_version,omitempty"`
	WorkflowHash    string          `json:"workflow_hash"`
	WorkflowSnapshot string         `json:"workflow_snapshot"`
	IdempotencyKey  string          `json:"idempotency_key"`
	SessionID       string          `json:"session_id"`
	ResumeToken     string          `json:"resume_token,omitempty"`
	RuntimeState    map[string]any  `json:"runtime_state,omitempty"`
	InitiatorType   string          `json:"initiator_type,omitempty"`
	InitiatorUserID string          `json:"initiator_user_id,omitempty"`
	AttemptCount    int             `json:"attempt_count"`
}

// StepStatus is the per-step trace status.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepWaiting   StepStatus = "waiting_approval"
)

// ExecutionStep is one trace row keyed by (executionId, stepId, attempt).
type ExecutionStep struct {
	ExecutionID string     `json:"execution_id"`
	StepID      string     `json:"step_id"`
	Attempt     int        `json:"attempt"`
	Status      StepStatus `json:"status"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
