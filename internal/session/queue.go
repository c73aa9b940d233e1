package session

import (
	"time"

	"github.com/google/uuid"

	v1 "github.com/kitehq/kite/pkg/api/v1"
	"github.com/kitehq/kite/pkg/ws"
)

// QueuedPrompt is one prompt-queue element. ScopeKey is set for
// channel-originated prompts and drives collect-mode fusion.
type QueuedPrompt struct {
	ID               string
	Content          string
	Model            string
	Author           *v1.Author
	ModelPreferences *ws.ModelPreferences
	Attachments      []ws.Attachment
	ChannelType      string
	ChannelID        string
	QueueMode        ws.QueueMode
	ScopeKey         string
	// CollectWindow overrides the holder's default debounce for this
	// prompt's collect fusion. Zero means use the default. Channel
	// dispatch fills it from the binding's collect_debounce_ms.
	CollectWindow time.Duration
	EnqueuedAt    time.Time
}

func (p QueuedPrompt) toWire() ws.QueuedPrompt {
	return ws.QueuedPrompt{
		ID:          p.ID,
		Content:     p.Content,
		QueueMode:   p.QueueMode,
		ChannelType: p.ChannelType,
		ChannelID:   p.ChannelID,
		EnqueuedAt:  p.EnqueuedAt,
	}
}

// promptQueue is the in-memory FIFO mirror of the persisted queue. All
// access happens on the holder's run loop.
type promptQueue struct {
	items []QueuedPrompt

	// collectWindow is the default fusion window for collect-mode prompts
	// that do not carry their own.
	collectWindow time.Duration
}

func newPromptQueue(collectWindow time.Duration, restored []QueuedPrompt) *promptQueue {
	return &promptQueue{items: restored, collectWindow: collectWindow}
}

// enqueueResult describes what Enqueue did so the holder can persist the
// matching mutation.
type enqueueResult struct {
	// Fused is non-nil when collect mode merged into an existing entry;
	// the entry carries the combined content.
	Fused *QueuedPrompt
	// Added is non-nil when a new entry was appended (or pushed to head
	// for steer).
	Added *QueuedPrompt
	// Steer reports that the caller must abort the in-flight prompt.
	Steer bool
}

// Enqueue applies the prompt's queue mode.
//
//   - followup appends to the tail.
//   - collect fuses with the most recent entry sharing the scope key when
//     that entry was enqueued within the prompt's collect window (the
//     holder default when the prompt carries none); otherwise followup.
//   - steer pushes to the head; the caller aborts the running prompt and
//     dispatches once the runner acknowledges idle.
func (q *promptQueue) Enqueue(p QueuedPrompt, now time.Time) enqueueResult {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.EnqueuedAt.IsZero() {
		p.EnqueuedAt = now
	}
	switch p.QueueMode {
	case ws.QueueSteer:
		q.items = append([]QueuedPrompt{p}, q.items...)
		return enqueueResult{Added: &p, Steer: true}
	case ws.QueueCollect:
		if p.ScopeKey != "" {
			window := p.CollectWindow
			if window <= 0 {
				window = q.collectWindow
			}
			// A follow-up from another scope may shadow the fusion
			// candidate at the tail, so scan for the newest same-scope
			// entry instead of checking the tail alone.
			for i := len(q.items) - 1; i >= 0; i-- {
				prior := &q.items[i]
				if prior.ScopeKey != p.ScopeKey {
					continue
				}
				if now.Sub(prior.EnqueuedAt) > window {
					break
				}
				prior.Content = prior.Content + "\n" + p.Content
				prior.EnqueuedAt = now
				fused := *prior
				return enqueueResult{Fused: &fused}
			}
		}
		fallthrough
	default:
		q.items = append(q.items, p)
		return enqueueResult{Added: &p}
	}
}

// Dequeue pops the head, or returns false on an empty queue.
func (q *promptQueue) Dequeue() (QueuedPrompt, bool) {
	if len(q.items) == 0 {
		return QueuedPrompt{}, false
	}
	head := q.items[0]
	q.items = q.items[1:]
	return head, true
}

func (q *promptQueue) Len() int { return len(q.items) }

// Snapshot returns the client-visible queue view in order.
func (q *promptQueue) Snapshot() []ws.QueuedPrompt {
	out := make([]ws.QueuedPrompt, 0, len(q.items))
	for _, p := range q.items {
		out = append(out, p.toWire())
	}
	return out
}
