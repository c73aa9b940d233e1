// Package github implements the GitHub channel adapter. Conversations are
// issue and pull-request comment threads; inbound traffic arrives as webhook
// deliveries signed with the repository webhook secret.
package github

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kitehq/kite/internal/channels"
	"github.com/kitehq/kite/internal/common/logger"
	"github.com/kitehq/kite/internal/scope"
)

const defaultBaseURL = "https://api.github.com"

// Adapter is the GitHub channel transport.
type Adapter struct {
	http *http.Client
	log  *logger.Logger
}

// New creates the GitHub adapter.
func New(log *logger.Logger) *Adapter {
	return &Adapter{
		http: &http.Client{Timeout: 30 * time.Second},
		log:  log.WithFields(zap.String("component", "github_adapter")),
	}
}

// ChannelType returns the adapter tag.
func (a *Adapter) ChannelType() string { return "github" }

// VerifySignature checks the X-Hub-Signature-256 HMAC over the raw body.
// An empty secret disables verification.
func (a *Adapter) VerifySignature(headers http.Header, rawBody []byte, secret string) bool {
	if secret == "" {
		return true
	}
	got := headers.Get("X-Hub-Signature-256")
	if !strings.HasPrefix(got, "sha256=") {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(got), []byte(want))
}

type webhookPayload struct {
	Action  string `json:"action"`
	Comment *struct {
		ID   int64  `json:"id"`
		Body string `json:"body"`
		User struct {
			ID    int64  `json:"id"`
			Login string `json:"login"`
			Type  string `json:"type"`
		} `json:"user"`
	} `json:"comment"`
	Issue *struct {
		Number      int             `json:"number"`
		PullRequest json.RawMessage `json:"pull_request"`
	} `json:"issue"`
	PullRequest *struct {
		Number int `json:"number"`
	} `json:"pull_request"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// ParseInbound normalises issue_comment and pull_request_review_comment
// deliveries. Everything else, including bot comments and non-created
// actions, returns (nil, nil).
func (a *Adapter) ParseInbound(headers http.Header, rawBody []byte, _ channels.Routing) (*channels.InboundMessage, error) {
	event := headers.Get("X-GitHub-Event")
	if event != "issue_comment" && event != "pull_request_review_comment" {
		return nil, nil
	}

	var payload webhookPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode github webhook: %w", err)
	}
	if payload.Action != "created" || payload.Comment == nil {
		return nil, nil
	}
	if payload.Comment.User.Type == "Bot" {
		return nil, nil
	}

	kind := "issue"
	number := 0
	switch {
	case payload.PullRequest != nil:
		kind = "pr"
		number = payload.PullRequest.Number
	case payload.Issue != nil:
		number = payload.Issue.Number
		if len(payload.Issue.PullRequest) > 0 {
			kind = "pr"
		}
	default:
		return nil, nil
	}

	repo := payload.Repository.FullName
	return &channels.InboundMessage{
		ChannelType:       "github",
		ChannelID:         fmt.Sprintf("%s:%s:%d", repo, kind, number),
		SenderID:          strconv.FormatInt(payload.Comment.User.ID, 10),
		SenderName:        payload.Comment.User.Login,
		Text:              payload.Comment.Body,
		ExternalMessageID: strconv.FormatInt(payload.Comment.ID, 10),
		DeliveryID:        headers.Get("X-GitHub-Delivery"),
	}, nil
}

// ScopeKeyParts scopes GitHub conversations by repo, subject kind, and
// number: user:{u}:github:{owner/repo}:{kind}:{number}.
func (a *Adapter) ScopeKeyParts(msg *channels.InboundMessage, userID string) scope.Key {
	repo, kind, number, err := splitChannelID(msg.ChannelID)
	if err != nil {
		return scope.Compose(userID, "github", msg.ChannelID)
	}
	return scope.GitHub(userID, repo, kind, number)
}

// splitChannelID parses "owner/repo:kind:number".
func splitChannelID(channelID string) (repo, kind string, number int, err error) {
	idx := strings.LastIndex(channelID, ":")
	if idx < 0 {
		return "", "", 0, fmt.Errorf("malformed github channel id %q", channelID)
	}
	number, err = strconv.Atoi(channelID[idx+1:])
	if err != nil {
		return "", "", 0, fmt.Errorf("malformed github channel id %q", channelID)
	}
	rest := channelID[:idx]
	idx = strings.LastIndex(rest, ":")
	if idx < 0 {
		return "", "", 0, fmt.Errorf("malformed github channel id %q", channelID)
	}
	return rest[:idx], rest[idx+1:], number, nil
}

// FormatMarkdown is the identity; GitHub renders Markdown natively.
func (a *Adapter) FormatMarkdown(markdown string) string { return markdown }

// SendMessage posts a comment on the issue or pull request and returns the
// comment id.
func (a *Adapter) SendMessage(ctx context.Context, routing channels.Routing, channelID, markdown string) (string, error) {
	repo, _, number, err := splitChannelID(channelID)
	if err != nil {
		return "", err
	}
	// PR conversation comments go through the issues API.
	path := fmt.Sprintf("/repos/%s/issues/%d/comments", repo, number)
	var created struct {
		ID int64 `json:"id"`
	}
	if err := a.call(ctx, routing, http.MethodPost, path, map[string]any{"body": markdown}, &created); err != nil {
		return "", err
	}
	return strconv.FormatInt(created.ID, 10), nil
}

// EditMessage rewrites an existing comment.
func (a *Adapter) EditMessage(ctx context.Context, routing channels.Routing, channelID, externalID, markdown string) error {
	repo, _, _, err := splitChannelID(channelID)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/repos/%s/issues/comments/%s", repo, externalID)
	return a.call(ctx, routing, http.MethodPatch, path, map[string]any{"body": markdown}, nil)
}

// DeleteMessage removes a comment.
func (a *Adapter) DeleteMessage(ctx context.Context, routing channels.Routing, channelID, externalID string) error {
	repo, _, _, err := splitChannelID(channelID)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/repos/%s/issues/comments/%s", repo, externalID)
	return a.call(ctx, routing, http.MethodDelete, path, nil, nil)
}

// SendTypingIndicator is a no-op; GitHub has no typing concept.
func (a *Adapter) SendTypingIndicator(_ context.Context, _ channels.Routing, _ string) error {
	return nil
}

// RegisterWebhook creates a repository webhook pointed at our intake. The
// routing token must carry admin:repo_hook scope.
func (a *Adapter) RegisterWebhook(ctx context.Context, routing channels.Routing, callbackURL string) error {
	// TeamID doubles as the owner/repo slug for webhook management.
	if routing.TeamID == "" {
		return fmt.Errorf("github webhook registration requires a repository slug")
	}
	path := fmt.Sprintf("/repos/%s/hooks", routing.TeamID)
	return a.call(ctx, routing, http.MethodPost, path, map[string]any{
		"events": []string{"issue_comment", "pull_request_review_comment"},
		"config": map[string]any{
			"url":          callbackURL,
			"content_type": "json",
			"secret":       routing.Secret,
		},
	}, nil)
}

// UnregisterWebhook is a no-op; hooks are removed when the repository
// integration is torn down.
func (a *Adapter) UnregisterWebhook(_ context.Context, _ channels.Routing) error {
	return nil
}

func (a *Adapter) call(ctx context.Context, routing channels.Routing, method, path string, payload, result any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode github request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	base := routing.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return fmt.Errorf("failed to build github request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+routing.Token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call github %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("github %s %s returned %d: %s", method, path, resp.StatusCode, string(raw))
	}
	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode github response: %w", err)
		}
	}
	return nil
}
