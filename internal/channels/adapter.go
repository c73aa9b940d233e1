// Package channels defines the polymorphic transport contract binding
// external chat channels to sessions, the adapter registry, and the
// binding/identity stores.
package channels

import (
	"context"
	"net/http"
	"sync"

	"github.com/kitehq/kite/internal/scope"
	"github.com/kitehq/kite/pkg/ws"
)

// Routing carries the per-binding credentials and endpoints an adapter
// needs for one conversation. Adapters are stateless; everything
// addressable lives here or in the store.
type Routing struct {
	Token   string // bot/API token
	Secret  string // webhook signing secret
	TeamID  string // slack workspace
	BaseURL string // override for tests; empty means the provider default
}

// InboundMessage is the normalised result of parsing a raw webhook body.
type InboundMessage struct {
	ChannelType       string
	ChannelID         string
	SenderID          string
	SenderName        string
	Text              string
	Attachments       []ws.Attachment
	ExternalMessageID string
	ThreadID          string
	TeamID            string
	// DeliveryID is the provider's delivery identifier, used for
	// idempotency keys on channel-initiated dispatches.
	DeliveryID string
}

// MaxAttachments bounds how many media records one inbound message may
// materialise.
const MaxAttachments = 8

// Adapter is the per-channel transport implementation. ParseInbound returns
// (nil, nil) for unrecognised or unsupported updates; attachment fetch
// failures degrade to a message without attachments rather than erroring.
type Adapter interface {
	ChannelType() string

	VerifySignature(headers http.Header, rawBody []byte, secret string) bool
	ParseInbound(headers http.Header, rawBody []byte, routing Routing) (*InboundMessage, error)

	// ScopeKeyParts returns the channel-specific parts composed into the
	// scope key. Two adapters of the same channel type must agree for the
	// same logical message.
	ScopeKeyParts(msg *InboundMessage, userID string) scope.Key

	FormatMarkdown(markdown string) string

	SendMessage(ctx context.Context, routing Routing, channelID, markdown string) (externalID string, err error)
	EditMessage(ctx context.Context, routing Routing, channelID, externalID, markdown string) error
	DeleteMessage(ctx context.Context, routing Routing, channelID, externalID string) error
	SendTypingIndicator(ctx context.Context, routing Routing, channelID string) error

	RegisterWebhook(ctx context.Context, routing Routing, callbackURL string) error
	UnregisterWebhook(ctx context.Context, routing Routing) error
}

// ChallengeResponder is implemented by adapters whose provider probes the
// webhook endpoint with a challenge that must be echoed back verbatim.
type ChallengeResponder interface {
	Challenge(rawBody []byte) (string, bool)
}

// Registry holds the adapters by channel-type tag.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its channel-type tag, replacing any prior
// registration for the same tag.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ChannelType()] = a
}

// Get returns the adapter for a channel type.
func (r *Registry) Get(channelType string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[channelType]
	return a, ok
}

// Types lists the registered channel-type tags.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.adapters))
	for t := range r.adapters {
		types = append(types, t)
	}
	return types
}
