// Package ws defines the wire protocol shared by the session holder, its
// clients, and the sandbox runner bridge. Frames are flat JSON objects with
// a "type" discriminator; frames that expect a reply carry a "requestId".
package ws

import (
	"encoding/json"
	"fmt"
)

// Client → holder frame types.
const (
	TypePrompt  = "prompt"
	TypeAbort   = "abort"
	TypeRevert  = "revert"
	TypeAnswer  = "answer"
	TypeDiff    = "diff"
	TypeReview  = "review"
	TypePing    = "ping"
	TypeCommand = "command"
)

// Holder → client frame types.
const (
	TypeInit            = "init"
	TypeMessage         = "message"
	TypeMessageUpdated  = "message.updated"
	TypeMessagesRemoved = "messages.removed"
	TypeStatus          = "status"
	TypeChunk           = "chunk"
	TypeQuestion        = "question"
	TypeAgentStatus     = "agentStatus"
	TypeError           = "error"
	TypeModels          = "models"
	TypeGitState        = "git-state"
	TypePRCreated       = "pr-created"
	TypeFilesChanged    = "files-changed"
	TypeChildSession    = "child-session"
	TypeReviewResult    = "review-result"
	TypeTitle           = "title"
	TypeAuditLog        = "audit_log"
	TypeCommandResult   = "command-result"
	TypeToast           = "toast"
	TypeUserJoined      = "user.joined"
	TypeUserLeft        = "user.left"
	TypePong            = "pong"
)

// Runner ↔ holder frame types.
const (
	TypeStream          = "stream"
	TypeResult          = "result"
	TypeTool            = "tool"
	TypeStop            = "stop"
	TypeTunnelDelete    = "tunnel-delete"
	TypeWorkflowExecute = "workflow-execute"
	TypeRunnerRequest   = "runner-request"
	TypeRunnerResponse  = "runner-response"
)

// Close codes used on session and runner sockets.
const (
	// CloseUpgradeRejected is returned when the upgrade is rejected
	// (authentication failure, bad runner token).
	CloseUpgradeRejected = 1002

	// CloseNormal with ReasonSuperseded signals runner supersession.
	CloseNormal = 1000

	// CloseUpstreamError is used when a proxied upstream target errors.
	CloseUpstreamError = 1011
)

// ReasonSuperseded is the normal-close reason sent to a runner socket that
// has been replaced by a newer runner connection. The bridge treats it as a
// terminal signal and exits 0.
const ReasonSuperseded = "Replaced by new runner connection"

// Envelope is the minimal decode of any frame: the discriminator plus the
// correlation id for request/response pairs.
type Envelope struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
}

// DecodeEnvelope parses just the type/requestId of a raw frame.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed frame: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("frame missing type")
	}
	return env, nil
}

// Marshal encodes a typed frame for the wire.
func Marshal(frame any) ([]byte, error) {
	return json.Marshal(frame)
}

// Decode unmarshals a raw frame into the given typed frame struct.
func Decode(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}
