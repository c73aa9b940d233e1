package ws

// QueueMode controls how a prompt enters the session's queue.
type QueueMode string

const (
	// QueueFollowup appends to the tail and runs when the agent is idle.
	QueueFollowup QueueMode = "followup"
	// QueueCollect fuses with a queued prompt from the same scope key
	// inside the debounce window, otherwise behaves as followup.
	QueueCollect QueueMode = "collect"
	// QueueSteer aborts the running prompt and jumps to the head.
	QueueSteer QueueMode = "steer"
)

// Attachment is a media record materialised from an inbound channel message.
type Attachment struct {
	Type     string `json:"type"` // image, audio, document
	URL      string `json:"url"`  // data URL or remote URL
	MimeType string `json:"mimeType"`
	FileName string `json:"fileName,omitempty"`
	Duration int    `json:"duration,omitempty"` // seconds, for audio
}

// ModelPreferences carries optional per-prompt model routing hints.
type ModelPreferences struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Effort   string `json:"effort,omitempty"`
}

// PromptFrame is sent by clients and channels to submit a prompt.
type PromptFrame struct {
	Type             string            `json:"type"`
	Content          string            `json:"content"`
	Model            string            `json:"model,omitempty"`
	Attachments      []Attachment      `json:"attachments,omitempty"`
	QueueMode        QueueMode         `json:"queueMode,omitempty"`
	ModelPreferences *ModelPreferences `json:"modelPreferences,omitempty"`
	ChannelType      string            `json:"channelType,omitempty"`
	ChannelID        string            `json:"channelId,omitempty"`
}

// AbortFrame interrupts the running prompt.
type AbortFrame struct {
	Type        string `json:"type"`
	ChannelType string `json:"channelType,omitempty"`
	ChannelID   string `json:"channelId,omitempty"`
}

// RevertFrame removes the given message and everything after it.
type RevertFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
}

// AnswerFrame resolves a pending question.
type AnswerFrame struct {
	Type       string `json:"type"`
	QuestionID string `json:"questionId"`
	Answer     string `json:"answer"`
}

// CommandFrame runs a slash-style command inside the session.
type CommandFrame struct {
	Type        string `json:"type"`
	Command     string `json:"command"`
	ChannelType string `json:"channelType,omitempty"`
	ChannelID   string `json:"channelId,omitempty"`
}

// DiffRequestFrame asks the runner for the current workspace diff.
type DiffRequestFrame struct {
	Type string `json:"type"`
}

// ReviewRequestFrame asks the runner to run the review pipeline.
type ReviewRequestFrame struct {
	Type string `json:"type"`
}

// PingFrame is answered with a pong.
type PingFrame struct {
	Type string `json:"type"`
}
