// Package telegram implements the Telegram Bot API channel adapter.
// Inbound updates arrive on the shared webhook intake; outbound messages go
// through the Bot API with Markdown converted to Telegram HTML.
package telegram

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kitehq/kite/internal/channels"
	"github.com/kitehq/kite/internal/common/logger"
	"github.com/kitehq/kite/internal/scope"
	"github.com/kitehq/kite/pkg/ws"
)

const (
	defaultBaseURL = "https://api.telegram.org"

	// secretTokenHeader carries the webhook secret Telegram echoes back on
	// every delivery when one was set via setWebhook.
	secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"
)

// Adapter is the Telegram channel transport. It is stateless; credentials
// arrive per call in the routing block.
type Adapter struct {
	http *http.Client
	log  *logger.Logger
}

// New creates the Telegram adapter.
func New(log *logger.Logger) *Adapter {
	return &Adapter{
		http: &http.Client{Timeout: 30 * time.Second},
		log:  log.WithFields(zap.String("component", "telegram_adapter")),
	}
}

// ChannelType returns the adapter tag.
func (a *Adapter) ChannelType() string { return "telegram" }

// VerifySignature checks the webhook secret token header. An empty secret
// disables verification (local development).
func (a *Adapter) VerifySignature(headers http.Header, _ []byte, secret string) bool {
	if secret == "" {
		return true
	}
	got := headers.Get(secretTokenHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(secret)) == 1
}

// ParseInbound normalises a Bot API update. Non-message updates return
// (nil, nil); attachment download failures degrade to a text-only message.
func (a *Adapter) ParseInbound(_ http.Header, rawBody []byte, routing channels.Routing) (*channels.InboundMessage, error) {
	var update Update
	if err := json.Unmarshal(rawBody, &update); err != nil {
		return nil, fmt.Errorf("failed to decode telegram update: %w", err)
	}
	msg := update.Message
	if msg == nil {
		return nil, nil
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	inbound := &channels.InboundMessage{
		ChannelType:       "telegram",
		ChannelID:         strconv.FormatInt(msg.Chat.ID, 10),
		Text:              text,
		ExternalMessageID: strconv.FormatInt(msg.MessageID, 10),
		DeliveryID:        strconv.FormatInt(update.UpdateID, 10),
	}
	if msg.From != nil {
		inbound.SenderID = strconv.FormatInt(msg.From.ID, 10)
		inbound.SenderName = msg.From.FirstName
		if inbound.SenderName == "" {
			inbound.SenderName = msg.From.Username
		}
	}

	inbound.Attachments = a.collectAttachments(routing, msg)
	return inbound, nil
}

// collectAttachments resolves download URLs for photos, documents, and voice
// notes. The API lists photo renditions smallest first; only the largest is
// kept.
func (a *Adapter) collectAttachments(routing channels.Routing, msg *Message) []ws.Attachment {
	var out []ws.Attachment
	if len(msg.Photo) > 0 {
		largest := msg.Photo[len(msg.Photo)-1]
		if url, err := a.fileURL(routing, largest.FileID); err != nil {
			a.log.Warn("Failed to resolve telegram photo", zap.Error(err))
		} else {
			out = append(out, ws.Attachment{Type: "image", URL: url, MimeType: "image/jpeg"})
		}
	}
	if msg.Document != nil && len(out) < channels.MaxAttachments {
		if url, err := a.fileURL(routing, msg.Document.FileID); err != nil {
			a.log.Warn("Failed to resolve telegram document", zap.Error(err))
		} else {
			out = append(out, ws.Attachment{
				Type:     "document",
				URL:      url,
				MimeType: msg.Document.MimeType,
				FileName: msg.Document.FileName,
			})
		}
	}
	if msg.Voice != nil && len(out) < channels.MaxAttachments {
		if url, err := a.fileURL(routing, msg.Voice.FileID); err != nil {
			a.log.Warn("Failed to resolve telegram voice note", zap.Error(err))
		} else {
			out = append(out, ws.Attachment{
				Type:     "audio",
				URL:      url,
				MimeType: msg.Voice.MimeType,
				Duration: msg.Voice.Duration,
			})
		}
	}
	return out
}

// ScopeKeyParts scopes Telegram conversations by chat id.
func (a *Adapter) ScopeKeyParts(msg *channels.InboundMessage, userID string) scope.Key {
	return scope.Telegram(userID, msg.ChannelID)
}

// FormatMarkdown converts Markdown to Telegram HTML.
func (a *Adapter) FormatMarkdown(markdown string) string {
	return MarkdownToHTML(markdown)
}

// SendMessage posts HTML-formatted text to a chat and returns the new
// message id.
func (a *Adapter) SendMessage(ctx context.Context, routing channels.Routing, channelID, markdown string) (string, error) {
	var sent Message
	err := a.call(ctx, routing, "sendMessage", map[string]any{
		"chat_id":    channelID,
		"text":       a.FormatMarkdown(markdown),
		"parse_mode": "HTML",
	}, &sent)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(sent.MessageID, 10), nil
}

// EditMessage rewrites a previously sent message in place.
func (a *Adapter) EditMessage(ctx context.Context, routing channels.Routing, channelID, externalID, markdown string) error {
	messageID, err := strconv.ParseInt(externalID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram message id %q: %w", externalID, err)
	}
	return a.call(ctx, routing, "editMessageText", map[string]any{
		"chat_id":    channelID,
		"message_id": messageID,
		"text":       a.FormatMarkdown(markdown),
		"parse_mode": "HTML",
	}, nil)
}

// DeleteMessage removes a previously sent message.
func (a *Adapter) DeleteMessage(ctx context.Context, routing channels.Routing, channelID, externalID string) error {
	messageID, err := strconv.ParseInt(externalID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram message id %q: %w", externalID, err)
	}
	return a.call(ctx, routing, "deleteMessage", map[string]any{
		"chat_id":    channelID,
		"message_id": messageID,
	}, nil)
}

// SendTypingIndicator shows "typing..." in the chat for a few seconds.
func (a *Adapter) SendTypingIndicator(ctx context.Context, routing channels.Routing, channelID string) error {
	return a.call(ctx, routing, "sendChatAction", map[string]any{
		"chat_id": channelID,
		"action":  "typing",
	}, nil)
}

// RegisterWebhook points the bot at our intake URL, with the shared secret
// echoed back on every delivery.
func (a *Adapter) RegisterWebhook(ctx context.Context, routing channels.Routing, callbackURL string) error {
	payload := map[string]any{"url": callbackURL}
	if routing.Secret != "" {
		payload["secret_token"] = routing.Secret
	}
	return a.call(ctx, routing, "setWebhook", payload, nil)
}

// UnregisterWebhook removes the webhook registration.
func (a *Adapter) UnregisterWebhook(ctx context.Context, routing channels.Routing) error {
	return a.call(ctx, routing, "deleteWebhook", map[string]any{}, nil)
}

// call performs one Bot API method invocation.
func (a *Adapter) call(ctx context.Context, routing channels.Routing, method string, payload map[string]any, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", method, err)
	}
	url := fmt.Sprintf("%s/bot%s/%s", baseURL(routing), routing.Token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", method, err)
	}
	var envelope apiResponse[json.RawMessage]
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if !envelope.OK {
		return fmt.Errorf("telegram %s failed: %s (code %d)", method, envelope.Description, envelope.ErrorCode)
	}
	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return nil
}

// fileURL resolves a file id to its download URL via getFile.
func (a *Adapter) fileURL(routing channels.Routing, fileID string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var file File
	if err := a.call(ctx, routing, "getFile", map[string]any{"file_id": fileID}, &file); err != nil {
		return "", err
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("telegram getFile returned no path for %s", fileID)
	}
	return fmt.Sprintf("%s/file/bot%s/%s", baseURL(routing), routing.Token, file.FilePath), nil
}

func baseURL(routing channels.Routing) string {
	if routing.BaseURL != "" {
		return routing.BaseURL
	}
	return defaultBaseURL
}
