// Package apichannel implements the programmatic API channel: plain HTTP
// POSTs authenticated by a bearer secret, scoped by the caller's
// idempotency key.
package apichannel

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/kitehq/kite/internal/channels"
	"github.com/kitehq/kite/internal/scope"
)

// Adapter is the API channel transport. There is no outbound push surface;
// callers read replies back through the session HTTP API.
type Adapter struct{}

// New creates the API channel adapter.
func New() *Adapter { return &Adapter{} }

// ChannelType returns the adapter tag.
func (a *Adapter) ChannelType() string { return "api" }

// VerifySignature checks the bearer secret. An empty secret disables
// verification.
func (a *Adapter) VerifySignature(headers http.Header, _ []byte, secret string) bool {
	if secret == "" {
		return true
	}
	auth := headers.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}

type inboundRequest struct {
	Message        string `json:"message"`
	SenderID       string `json:"senderId"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// ParseInbound accepts {message, senderId, idempotencyKey?}; a missing
// idempotency key gets a generated one, making each call its own scope.
func (a *Adapter) ParseInbound(_ http.Header, rawBody []byte, _ channels.Routing) (*channels.InboundMessage, error) {
	var req inboundRequest
	if err := json.Unmarshal(rawBody, &req); err != nil {
		return nil, fmt.Errorf("failed to decode api request: %w", err)
	}
	if req.Message == "" {
		return nil, fmt.Errorf("message is required")
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	return &channels.InboundMessage{
		ChannelType: "api",
		ChannelID:   req.IdempotencyKey,
		SenderID:    req.SenderID,
		Text:        req.Message,
		DeliveryID:  req.IdempotencyKey,
	}, nil
}

// ScopeKeyParts scopes API conversations by idempotency key.
func (a *Adapter) ScopeKeyParts(msg *channels.InboundMessage, userID string) scope.Key {
	return scope.API(userID, msg.ChannelID)
}

// FormatMarkdown is the identity; API consumers receive raw Markdown.
func (a *Adapter) FormatMarkdown(markdown string) string { return markdown }

// SendMessage is a no-op; the API channel has no push surface.
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

// RegisterWebhook is a no-op; callers push to us.
func (a *Adapter) RegisterWebhook(_ context.Context, _ channels.Routing, _ string) error {
	return nil
}

// UnregisterWebhook is a no-op.
func (a *Adapter) UnregisterWebhook(_ context.Context, _ channels.Routing) error {
	return nil
}
