// Package slack implements the Slack channel adapter on the Events API for
// inbound traffic and the Web API for outbound.
package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"

	goslack "github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/kitehq/kite/internal/channels"
	"github.com/kitehq/kite/internal/common/logger"
	"github.com/kitehq/kite/internal/scope"
)

// Adapter is the Slack channel transport.
type Adapter struct {
	log *logger.Logger
}

// New creates the Slack adapter.
func New(log *logger.Logger) *Adapter {
	return &Adapter{log: log.WithFields(zap.String("component", "slack_adapter"))}
}

// ChannelType returns the adapter tag.
func (a *Adapter) ChannelType() string { return "slack" }

// VerifySignature validates the v0 request signature Slack attaches to every
// event delivery. An empty secret disables verification.
func (a *Adapter) VerifySignature(headers http.Header, rawBody []byte, secret string) bool {
	if secret == "" {
		return true
	}
	verifier, err := goslack.NewSecretsVerifier(headers, secret)
	if err != nil {
		return false
	}
	if _, err := verifier.Write(rawBody); err != nil {
		return false
	}
	return verifier.Ensure() == nil
}

// eventEnvelope is the Events API callback wrapper.
type eventEnvelope struct {
	Type      string       `json:"type"`
	Challenge string       `json:"challenge,omitempty"`
	TeamID    string       `json:"team_id,omitempty"`
	Event     messageEvent `json:"event,omitempty"`
}

type messageEvent struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype,omitempty"`
	Channel  string `json:"channel"`
	User     string `json:"user"`
	BotID    string `json:"bot_id,omitempty"`
	Text     string `json:"text"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts,omitempty"`
	EventTS  string `json:"event_ts"`
}

// ParseInbound normalises an Events API callback. Everything that is not a
// plain user message (bot echoes, edits, joins, URL verification) returns
// (nil, nil).
func (a *Adapter) ParseInbound(_ http.Header, rawBody []byte, routing channels.Routing) (*channels.InboundMessage, error) {
	var envelope eventEnvelope
	if err := json.Unmarshal(rawBody, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode slack event: %w", err)
	}
	if envelope.Type != "event_callback" {
		return nil, nil
	}
	ev := envelope.Event
	if ev.Type != "message" || ev.Subtype != "" || ev.BotID != "" || ev.User == "" {
		return nil, nil
	}

	teamID := envelope.TeamID
	if teamID == "" {
		teamID = routing.TeamID
	}
	return &channels.InboundMessage{
		ChannelType:       "slack",
		ChannelID:         ev.Channel,
		SenderID:          ev.User,
		Text:              ev.Text,
		ExternalMessageID: ev.TS,
		ThreadID:          ev.ThreadTS,
		TeamID:            teamID,
		DeliveryID:        ev.EventTS,
	}, nil
}

// Challenge answers the Events API URL verification handshake.
func (a *Adapter) Challenge(rawBody []byte) (string, bool) {
	var envelope eventEnvelope
	if err := json.Unmarshal(rawBody, &envelope); err != nil {
		return "", false
	}
	if envelope.Type != "url_verification" {
		return "", false
	}
	return envelope.Challenge, true
}

// ScopeKeyParts scopes Slack conversations by team, channel, and thread.
func (a *Adapter) ScopeKeyParts(msg *channels.InboundMessage, userID string) scope.Key {
	return scope.Slack(userID, msg.TeamID, msg.ChannelID, msg.ThreadID)
}

var (
	boldPattern = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	linkPattern = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
)

// FormatMarkdown rewrites standard Markdown into Slack mrkdwn: **bold**
// becomes *bold* and [text](url) becomes <url|text>. Code spans and fences
// already share syntax.
func (a *Adapter) FormatMarkdown(markdown string) string {
	out := boldPattern.ReplaceAllString(markdown, "*$1*")
	out = linkPattern.ReplaceAllString(out, "<$2|$1>")
	return out
}

func (a *Adapter) client(routing channels.Routing) *goslack.Client {
	opts := []goslack.Option{}
	if routing.BaseURL != "" {
		opts = append(opts, goslack.OptionAPIURL(routing.BaseURL))
	}
	return goslack.New(routing.Token, opts...)
}

// SendMessage posts mrkdwn text to a channel and returns the message ts.
func (a *Adapter) SendMessage(ctx context.Context, routing channels.Routing, channelID, markdown string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, ts, err := a.client(routing).PostMessageContext(ctx, channelID,
		goslack.MsgOptionText(a.FormatMarkdown(markdown), false),
	)
	if err != nil {
		return "", fmt.Errorf("chat.postMessage failed: %w", err)
	}
	return ts, nil
}

// EditMessage updates a previously posted message in place.
func (a *Adapter) EditMessage(ctx context.Context, routing channels.Routing, channelID, externalID, markdown string) error {
	_, _, _, err := a.client(routing).UpdateMessageContext(ctx, channelID, externalID,
		goslack.MsgOptionText(a.FormatMarkdown(markdown), false),
	)
	if err != nil {
		return fmt.Errorf("chat.update failed: %w", err)
	}
	return nil
}

// DeleteMessage removes a previously posted message.
func (a *Adapter) DeleteMessage(ctx context.Context, routing channels.Routing, channelID, externalID string) error {
	_, _, err := a.client(routing).DeleteMessageContext(ctx, channelID, externalID)
	if err != nil {
		return fmt.Errorf("chat.delete failed: %w", err)
	}
	return nil
}

// SendTypingIndicator is a no-op; the Web API exposes typing only over RTM,
// which bots no longer get.
func (a *Adapter) SendTypingIndicator(_ context.Context, _ channels.Routing, _ string) error {
	return nil
}

// RegisterWebhook is a no-op; Slack event subscriptions are configured in
// the app manifest, not per-bot at runtime.
func (a *Adapter) RegisterWebhook(_ context.Context, _ channels.Routing, _ string) error {
	return nil
}

// UnregisterWebhook is a no-op for the same reason as RegisterWebhook.
func (a *Adapter) UnregisterWebhook(_ context.Context, _ channels.Routing) error {
	return nil
}
