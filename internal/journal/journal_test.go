package journal

import (
	"testing"

	"github.com/stretchr/testify/assert"

	v1 "github.com/kitehq/kite/pkg/api/v1"
)

func TestApplyChunkExtendsStreamingPart(t *testing.T) {
	msg := Message{ID: "m1", Format: v1.FormatV2, Role: v1.RoleAssistant}

	ApplyChunk(&msg, "Hel")
	ApplyChunk(&msg, "lo")

	assert.Equal(t, "Hello", msg.Content)
	assert.Len(t, msg.Parts, 1)
	assert.Equal(t, v1.PartText, msg.Parts[0].Type)
	assert.Equal(t, "Hello", msg.Parts[0].Text)
	assert.True(t, msg.Parts[0].Streaming)
}

func TestApplyChunkStartsNewPartAfterToolCall(t *testing.T) {
	msg := Message{ID: "m1", Format: v1.FormatV2}
	ApplyChunk(&msg, "before")
	FinalizeStreaming(&msg)
	msg.Parts = append(msg.Parts, Part{Type: v1.PartToolCall, CallID: "c1", ToolName: "bash", Status: "completed"})

	ApplyChunk(&msg, "after")

	assert.Len(t, msg.Parts, 3)
	assert.Equal(t, "after", msg.Parts[2].Text)
	assert.True(t, msg.Parts[2].Streaming)
	assert.False(t, msg.Parts[0].Streaming)
}

func TestApplyChunkIgnoresV1(t *testing.T) {
	msg := Message{ID: "m1", Format: v1.FormatV1, Content: "stored"}
	ApplyChunk(&msg, "chunk")
	assert.Equal(t, "stored", msg.Content)
	assert.Empty(t, msg.Parts)
}

func TestUpsertToolPartReplacesByCallID(t *testing.T) {
	msg := Message{Format: v1.FormatV2}
	UpsertToolPart(&msg, Part{Type: v1.PartToolCall, CallID: "c1", ToolName: "bash", Status: "running"})
	UpsertToolPart(&msg, Part{Type: v1.PartToolCall, CallID: "c2", ToolName: "read", Status: "running"})
	UpsertToolPart(&msg, Part{Type: v1.PartToolCall, CallID: "c1", ToolName: "bash", Status: "completed"})

	assert.Len(t, msg.Parts, 2)
	assert.Equal(t, "completed", msg.Parts[0].Status)
	assert.Equal(t, "c2", msg.Parts[1].CallID)
}

func TestMergeUpdateContentWins(t *testing.T) {
	current := Message{
		ID:      "m1",
		Content: "Hello wor",
		Parts:   []Part{{Type: v1.PartText, Text: "Hello wor", Streaming: true}},
	}
	incoming := Message{ID: "m1", Content: "Hello"}

	merged := MergeUpdate(current, incoming)

	// The shorter delayed update must not truncate accumulated text.
	assert.Equal(t, "Hello wor", merged.Content)
}

func TestMergeUpdateLongerIncomingWins(t *testing.T) {
	current := Message{
		ID:      "m1",
		Content: "Hel",
		Parts:   []Part{{Type: v1.PartText, Text: "Hel", Streaming: true}},
	}
	incoming := Message{ID: "m1", Content: "Hello there"}

	merged := MergeUpdate(current, incoming)
	assert.Equal(t, "Hello there", merged.Content)
}

func TestMergeUpdateNotStreamingTakesIncoming(t *testing.T) {
	current := Message{ID: "m1", Content: "a much longer settled body"}
	incoming := Message{ID: "m1", Content: "short edit"}

	merged := MergeUpdate(current, incoming)
	assert.Equal(t, "short edit", merged.Content)
}
