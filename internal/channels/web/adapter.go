// Package web implements the browser channel adapter. Browser clients talk
// to sessions directly over WebSocket; this adapter only supplies scope
// composition and formatting for bindings created from the web UI.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/kitehq/kite/internal/channels"
	"github.com/kitehq/kite/internal/scope"
)

// Adapter is the web channel transport.
type Adapter struct{}

// New creates the web adapter.
func New() *Adapter { return &Adapter{} }

// ChannelType returns the adapter tag.
func (a *Adapter) ChannelType() string { return "web" }

// VerifySignature always passes; web traffic is authenticated upstream.
func (a *Adapter) VerifySignature(_ http.Header, _ []byte, _ string) bool { return true }

type inboundRequest struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Text           string `json:"text"`
}

// ParseInbound accepts {conversationId, senderId, text}.
func (a *Adapter) ParseInbound(_ http.Header, rawBody []byte, _ channels.Routing) (*channels.InboundMessage, error) {
	var req inboundRequest
	if err := json.Unmarshal(rawBody, &req); err != nil {
		return nil, fmt.Errorf("failed to decode web message: %w", err)
	}
	if req.ConversationID == "" || req.Text == "" {
		return nil, fmt.Errorf("conversationId and text are required")
	}
	return &channels.InboundMessage{
		ChannelType: "web",
		ChannelID:   req.ConversationID,
		SenderID:    req.SenderID,
		Text:        req.Text,
	}, nil
}

// ScopeKeyParts scopes web conversations by conversation id.
func (a *Adapter) ScopeKeyParts(msg *channels.InboundMessage, userID string) scope.Key {
	return scope.Web(userID, msg.ChannelID)
}

// FormatMarkdown is the identity; the web UI renders Markdown itself.
func (a *Adapter) FormatMarkdown(markdown string) string { return markdown }

// SendMessage is a no-op; web clients receive frames over their sockets.
func (a *Adapter) SendMessage(_ context.Context, _ channels.Routing, _, _ string) (string, error) {
	return "", nil
}

// EditMessage is a no-op.
func (a *Adapter) EditMessage(_ context.Context, _ channels.Routing, _, _, _ string) error {
	return nil
}

// DeleteMessage is a no-op.
func (a *Adapter) DeleteMessage(_ context.Context, _ channels.Routing, _, _ string) error {
	return nil
}

// SendTypingIndicator is a no-op.
func (a *Adapter) SendTypingIndicator(_ context.Context, _ channels.Routing, _ string) error {
	return nil
}

// RegisterWebhook is a no-op.
func (a *Adapter) RegisterWebhook(_ context.Context, _ channels.Routing, _ string) error {
	return nil
}

// UnregisterWebhook is a no-op.
func (a *Adapter) UnregisterWebhook(_ context.Context, _ channels.Routing) error {
	return nil
}
