package github

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kitehq/kite/internal/channels"
	"github.com/kitehq/kite/internal/common/logger"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	return New(logger.Default())
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	adapter := newTestAdapter(t)
	body := []byte(`{"action":"created"}`)

	headers := http.Header{}
	headers.Set("X-Hub-Signature-256", sign("secret", body))
	assert.True(t, adapter.VerifySignature(headers, body, "secret"))
	assert.False(t, adapter.VerifySignature(headers, body, "wrong"))

	headers.Set("X-Hub-Signature-256", "sha1=deadbeef")
	assert.False(t, adapter.VerifySignature(headers, body, "secret"))
}

func TestParseInboundPRComment(t *testing.T) {
	adapter := newTestAdapter(t)

	raw := []byte(`{
		"action": "created",
		"comment": {"id": 7, "body": "please fix", "user": {"id": 42, "login": "alice", "type": "User"}},
		"issue": {"number": 42, "pull_request": {"url": "x"}},
		"repository": {"full_name": "owner/repo"}
	}`)
	headers := http.Header{}
	headers.Set("X-GitHub-Event", "issue_comment")
	headers.Set("X-GitHub-Delivery", "d-1")

	msg, err := adapter.ParseInbound(headers, raw, channels.Routing{})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "owner/repo:pr:42", msg.ChannelID)
	assert.Equal(t, "alice", msg.SenderName)
	assert.Equal(t, "please fix", msg.Text)
	assert.Equal(t, "d-1", msg.DeliveryID)

	key := adapter.ScopeKeyParts(msg, "u")
	assert.Equal(t, "user:u:github:owner/repo:pr:42", string(key))
}

func TestParseInboundSkipsBotsAndOtherEvents(t *testing.T) {
	adapter := newTestAdapter(t)

	botComment := []byte(`{
		"action": "created",
		"comment": {"id": 7, "body": "auto", "user": {"id": 1, "login": "bot[bot]", "type": "Bot"}},
		"issue": {"number": 1},
		"repository": {"full_name": "owner/repo"}
	}`)
	headers := http.Header{}
	headers.Set("X-GitHub-Event", "issue_comment")
	msg, err := adapter.ParseInbound(headers, botComment, channels.Routing{})
	require.NoError(t, err)
	assert.Nil(t, msg)

	headers.Set("X-GitHub-Event", "push")
	msg, err = adapter.ParseInbound(headers, []byte(`{}`), channels.Routing{})
	require.NoError(t, err)
	assert.Nil(t, msg)

	edited := []byte(`{"action": "edited", "comment": {"id": 7}, "issue": {"number": 1}}`)
	headers.Set("X-GitHub-Event", "issue_comment")
	msg, err = adapter.ParseInbound(headers, edited, channels.Routing{})
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestSendMessagePostsIssueComment(t *testing.T) {
	adapter := newTestAdapter(t)

	var gotPath, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		gotBody = payload["body"]
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": 99}`))
	}))
	defer server.Close()

	routing := channels.Routing{Token: "tok", BaseURL: server.URL}
	id, err := adapter.SendMessage(context.Background(), routing, "owner/repo:pr:42", "done")
	require.NoError(t, err)
	assert.Equal(t, "99", id)
	assert.Equal(t, "/repos/owner/repo/issues/42/comments", gotPath)
	assert.Equal(t, "done", gotBody)
}

func TestSplitChannelID(t *testing.T) {
	repo, kind, number, err := splitChannelID("owner/repo:pr:42")
	require.NoError(t, err)
	assert.Equal(t, "owner/repo", repo)
	assert.Equal(t, "pr", kind)
	assert.Equal(t, 42, number)

	_, _, _, err = splitChannelID("garbage")
	assert.Error(t, err)
}
