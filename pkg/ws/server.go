package ws

import (
	"time"

	v1 "github.com/kitehq/kite/pkg/api/v1"
)

// ParticipantInfo is an entry of the share-participant roster sent in init
// and in user.joined/user.left notifications.
type ParticipantInfo struct {
	UserID   string `json:"userId"`
	Name     string `json:"name,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	Role     string `json:"role"` // owner, editor, viewer
	JoinedAt string `json:"joinedAt,omitempty"`
}

// ChildSessionEvent is a spawn/terminate record reconstructed from the
// journal so reconnecting clients can rebuild the child-session tree.
type ChildSessionEvent struct {
	Event          string `json:"event"` // spawned, terminated
	ChildSessionID string `json:"childSessionId"`
	Task           string `json:"task,omitempty"`
	MessageID      string `json:"messageId"`
}

// AuditEntry is one row of the session audit log.
type AuditEntry struct {
	ID        string    `json:"id"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// GitState summarizes the workspace repository for connected clients.
type GitState struct {
	Branch        string `json:"branch"`
	Ahead         int    `json:"ahead"`
	Behind        int    `json:"behind"`
	Dirty         bool   `json:"dirty"`
	ChangedFiles  int    `json:"changedFiles"`
	LastCommitSHA string `json:"lastCommitSha,omitempty"`
	LastCommitMsg string `json:"lastCommitMsg,omitempty"`
	RemoteURL     string `json:"remoteUrl,omitempty"`
}

/// InitFrame is the first frame sent to every accepted client socket: a full
// snapshot of the session sufficient to render without further requests.
type InitFrame struct {
	Type               string              `json:"type"`
	Session            v1.Session          `json:"session"`
	Messages           []v1.Message        `json:"messages"`
	AgentStatus        v1.AgentStatus      `json:"agentStatus"`
	QueuedPrompts      []QueuedPrompt      `json:"queuedPrompts,omitempty"`
	PendingQuestions   []v1.Question       `json:"pendingQuestions,omitempty"`
	Participants       []ParticipantInfo   `json:"participants,omitempty"`
	ChildSessionEvents []ChildSessionEvent `json:"childSessionEvents,omitempty"`
	AuditLog           []AuditEntry        `json:"auditLog,omitempty"`
	GitState           *GitState           `json:"gitState,omitempty"`
}

// QueuedPrompt is the client-visible view of a queue entry.
type QueuedPrompt struct {
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	QueueMode   QueueMode `json:"queueMode"`
	ChannelType string    `json:"channelType,omitempty"`
	ChannelID   string    `json:"channelId,omitempty"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
}

// MessageFrame broadcasts a newly persisted message.
type MessageFrame struct {
	Type    string     `json:"type"`
	Message v1.Message `json:"message"`
}

// MessageUpdatedFrame broadcasts an in-place update of an existing message,
// including streaming part extensions.
type MessageUpdatedFrame struct {
	Type    string     `json:"type"`
	Message v1.Message `json:"message"`
}

// MessagesRemovedFrame broadcasts a revert: the named ids no longer exist.
type MessagesRemovedFrame struct {
	Type       string   `json:"type"`
	MessageIDs []string `json:"messageIds"`
}

// StatusFrame broadcasts a session lifecycle transition.
type StatusFrame struct {
	Type   string           `json:"type"`
	Status v1.SessionStatus `json:"status"`
}

// ChunkFrame relays one streaming text delta to clients.
type ChunkFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Delta     string `json:"delta"`
}

// QuestionFrame relays a pending question to clients. The same shape is used
// runner→holder when the question is raised.
type QuestionFrame struct {
	Type     string      `json:"type"`
	Question v1.Question `json:"question"`
}

// AgentStatusFrame broadcasts the agent activity state.
type AgentStatusFrame struct {
	Type   string         `json:"type"`
	Status v1.AgentStatus `json:"status"`
	Detail string         `json:"detail,omitempty"` // e.g. tool name while tool_calling
}

// ErrorFrame reports a recoverable error to the client that caused it.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ModelInfo describes one model the runner can route prompts to.
type ModelInfo struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Label    string `json:"label,omitempty"`
	Default  bool   `json:"default,omitempty"`
}

// ModelsFrame carries the model list advertised by the runner.
type ModelsFrame struct {
	Type   string      `json:"type"`
	Models []ModelInfo `json:"models"`
}

// GitStateFrame broadcasts the latest workspace git summary.
type GitStateFrame struct {
	Type  string   `json:"type"`
	State GitState `json:"state"`
}

// PRCreatedFrame announces a pull request created from this session.
type PRCreatedFrame struct {
	Type   string `json:"type"`
	URL    string `json:"url"`
	Number int    `json:"number,omitempty"`
	Title  string `json:"title,omitempty"`
}

// FilesChangedFrame broadcasts the current changed-file list.
type FilesChangedFrame struct {
	Type  string        `json:"type"`
	Files []FileChange `json:"files"`
}

// FileChange is one entry of the changed-file list.
type FileChange struct {
	Path      string `json:"path"`
	Status    string `json:"status"` // added, modified, deleted, renamed
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// ChildSessionFrame announces a child session spawn or termination as it
// happens (the init snapshot reconstructs past events from the journal).
type ChildSessionFrame struct {
	Type  string            `json:"type"`
	Event ChildSessionEvent `json:"event"`
}

// ReviewResultFrame delivers the outcome of a review request.
type ReviewResultFrame struct {
	Type    string `json:"type"`
	Verdict string `json:"verdict"` // approved, changes_requested, error
	Summary string `json:"summary,omitempty"`
}

// TitleFrame broadcasts an updated session title.
type TitleFrame struct {
	Type  string `json:"type"`
	Title string `json:"title"`
}

// AuditLogFrame appends one audit entry on live sockets.
type AuditLogFrame struct {
	Type  string     `json:"type"`
	Entry AuditEntry `json:"entry"`
}

// CommandResultFrame returns the output of a command frame.
type CommandResultFrame struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ToastFrame shows a transient notice on connected clients.
type ToastFrame struct {
	Type    string `json:"type"`
	Level   string `json:"level"` // info, warning, error
	Message string `json:"message"`
}

// UserJoinedFrame and UserLeftFrame track the live participant roster.
type UserJoinedFrame struct {
	Type        string          `json:"type"`
	Participant ParticipantInfo `json:"participant"`
}

type UserLeftFrame struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// PongFrame answers a client ping.
type PongFrame struct {
	Type string `json:"type"`
}
