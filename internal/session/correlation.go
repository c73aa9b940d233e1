package session

import (
	"sync"
	"time"

	"github.com/kitehq/kite/internal/common/apperr"
	"github.com/kitehq/kite/pkg/ws"
)

// requestResult is what a waiter receives: either the runner's response or
// a typed error (timeout, disconnect).
type requestResult struct {
	Resp ws.RunnerResponseFrame
	Err  error
}

// pendingRequests is the holder-side correlation table for runner
// round-trips. Each entry pairs a requestId with a resolver channel and a
// deadline timer; the timer is cancelled on response and the whole table is
// failed on runner disconnect so no timer fires after delivery.
type pendingRequests struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
}

type pendingEntry struct {
	ch    chan requestResult
	timer *time.Timer
}

func newPendingRequests() *pendingRequests {
	return &pendingRequests{entries: make(map[string]*pendingEntry)}
}

// Add registers a request and returns the channel its result will be
// delivered on. The channel is buffered so resolution never blocks the
// holder loop.
func (p *pendingRequests) Add(requestID string, deadline time.Duration) <-chan requestResult {
	ch := make(chan requestResult, 1)
	entry := &pendingEntry{ch: ch}
	entry.timer = time.AfterFunc(deadline, func() {
		p.fail(requestID, apperr.Timeout("runner request timed out after %s", deadline))
	})
	p.mu.Lock()
	p.entries[requestID] = entry
	p.mu.Unlock()
	return ch
}

// Resolve delivers a runner response to its waiter. Unknown ids are ignored
// (late responses after timeout).
func (p *pendingRequests) Resolve(resp ws.RunnerResponseFrame) {
	p.mu.Lock()
	entry, ok := p.entries[resp.RequestID]
	if ok {
		delete(p.entries, resp.RequestID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	entry.timer.Stop()
	entry.ch <- requestResult{Resp: resp}
}

func (p *pendingRequests) fail(requestID string, err error) {
	p.mu.Lock()
	entry, ok := p.entries[requestID]
	if ok {
		delete(p.entries, requestID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	entry.timer.Stop()
	entry.ch <- requestResult{Err: err}
}

// FailAll rejects every outstanding request, stopping the timers first.
// Called on runner disconnect and holder shutdown.
func (p *pendingRequests) FailAll(reason string) {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*pendingEntry)
	p.mu.Unlock()
	for _, entry := range entries {
		entry.timer.Stop()
		entry.ch <- requestResult{Err: apperr.Upstream(0, "", "%s", reason)}
	}
}

// Len reports the number of outstanding requests.
func (p *pendingRequests) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
