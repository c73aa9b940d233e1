// Package scope composes the canonical routing keys that bind external
// channel conversations to sessions. Every adapter for the same channel type
// must produce identical keys for equivalent inputs; the key is the only
// handle used by the binding table and by channel-initiated idempotency keys.
package scope

import (
	"fmt"
	"strings"
)

// Key is a canonical scope key of the form
// user:{userId}:{channelType}:{channelSpecificParts...}.
type Key string

// Compose builds a scope key from a user, a channel type, and the
// channel-specific identifying parts. Parts are joined with ":" verbatim.
func Compose(userID, channelType string, parts ...string) Key {
	elems := make([]string, 0, 3+len(parts))
	elems = append(elems, "user", userID, channelType)
	elems = append(elems, parts...)
	return Key(strings.Join(elems, ":"))
}

// Telegram keys are scoped by chat id: user:{u}:telegram:{chatId}.
func Telegram(userID, chatID string) Key {
	return Compose(userID, "telegram", chatID)
}

// Slack keys are scoped by team, channel, and optional thread timestamp:
// user:{u}:slack:{teamId}:{channelId}[:{threadTs}].
func Slack(userID, teamID, channelID, threadTS string) Key {
	if threadTS == "" {
		return Compose(userID, "slack", teamID, channelID)
	}
	return Compose(userID, "slack", teamID, channelID, threadTS)
}

// GitHub keys are scoped by repository and subject:
// user:{u}:github:{owner/repo}:{kind}:{number}, e.g. ...:pr:42.
func GitHub(userID, repo, kind string, number int) Key {
	return Compose(userID, "github", repo, kind, fmt.Sprintf("%d", number))
}

// API keys are scoped by the caller-provided idempotency key:
// user:{u}:api:{idempotencyKey}.
func API(userID, idempotencyKey string) Key {
	return Compose(userID, "api", idempotencyKey)
}

// Web keys are scoped by the browser conversation id.
func Web(userID, conversationID string) Key {
	return Compose(userID, "web", conversationID)
}

// Parse splits a scope key into its user id, channel type, and remaining
// parts. It returns an error for keys that do not start with "user:" or are
// missing the channel type.
func Parse(k Key) (userID, channelType string, parts []string, err error) {
	elems := strings.Split(string(k), ":")
	if len(elems) < 3 || elems[0] != "user" || elems[1] == "" || elems[2] == "" {
		return "", "", nil, fmt.Errorf("malformed scope key %q", k)
	}
	return elems[1], elems[2], elems[3:], nil
}

// UserID extracts just the owning user id, or "" for malformed keys.
func (k Key) UserID() string {
	u, _, _, err := Parse(k)
	if err != nil {
		return ""
	}
	return u
}

// ChannelType extracts the channel type tag, or "" for malformed keys.
func (k Key) ChannelType() string {
	_, ct, _, err := Parse(k)
	if err != nil {
		return ""
	}
	return ct
}

func (k Key) String() string { return string(k) }
