// Package journal maintains the ordered per-session message log with typed
// content parts and in-place streaming mutation.
package journal

import (
	v1 "github.com/kitehq/kite/pkg/api/v1"
)

// Message aliases the wire type; the journal stores exactly what clients see.
type Message = v1.Message

// Part aliases the wire part type.
type Part = v1.Part

// ApplyChunk folds one streaming text delta into a v2 message. If the last
// part is a text part still marked streaming, the delta extends it in place;
// otherwise a new streaming text part is appended. Content mirrors the
// accumulated text so the content-wins comparison has a current length.
//
// v1 messages keep streaming text in a side buffer owned by the holder and
// are not mutated here.
func ApplyChunk(m *Message, delta string) {
	if m.Format == v1.FormatV1 {
		return
	}
	n := len(m.Parts)
	if n > 0 && m.Parts[n-1].Type == v1.PartText && m.Parts[n-1].Streaming {
		m.Parts[n-1].Text += delta
	} else {
		m.Parts = append(m.Parts, Part{Type: v1.PartText, Text: delta, Streaming: true})
	}
	m.Content += delta
}

// UpsertToolPart inserts or replaces the tool-call part matching the given
// callId, preserving part order for updates.
func UpsertToolPart(m *Message, part Part) {
	for i := range m.Parts {
		if m.Parts[i].Type == v1.PartToolCall && m.Parts[i].CallID == part.CallID {
			m.Parts[i] = part
			return
		}
	}
	m.Parts = append(m.Parts, part)
}

// FinalizeStreaming clears streaming markers once the final assistant
// message has arrived.
func FinalizeStreaming(m *Message) {
	for i := range m.Parts {
		m.Parts[i].Streaming = false
	}
}

// IsStreaming reports whether the message still carries an open streaming
// text part.
func IsStreaming(m *Message) bool {
	for i := range m.Parts {
		if m.Parts[i].Type == v1.PartText && m.Parts[i].Streaming {
			return true
		}
	}
	return false
}

// MergeUpdate applies an external update to a message that may currently be
// accumulating chunks. The longer of the current and incoming content is
// kept so a delayed tool-update broadcast cannot truncate text assembled
// from stream chunks. Parts, author, and channel metadata always follow the
// incoming message.
func MergeUpdate(current, incoming Message) Message {
	merged := incoming
	if IsStreaming(&current) && len(current.Content) > len(incoming.Content) {
		merged.Content = current.Content
	}
	if merged.ID == "" {
		merged.ID = current.ID
	}
	if merged.SessionID == "" {
		merged.SessionID = current.SessionID
	}
	if merged.CreatedAt.IsZero() {
		merged.CreatedAt = current.CreatedAt
	}
	return merged
}
