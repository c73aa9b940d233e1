package session

import (
	"context"
	"sync"
	"time"

	"github.com/kitehq/kite/internal/common/logger"
	"github.com/kitehq/kite/internal/events/bus"
	"github.com/kitehq/kite/internal/journal"
	v1 "github.com/kitehq/kite/pkg/api/v1"
)

// Registry activates at most one holder per session and routes callers to
// it. Holders run until the registry closes.
type Registry struct {
	store   *Store
	journal *journal.Store
	bus     bus.EventBus
	log     *logger.Logger
	opts    HolderOptions

	mu      sync.Mutex
	holders map[string]*activeHolder
	closed  bool
}

type activeHolder struct {
	holder *Holder
	cancel context.CancelFunc
}

// NewRegistry creates the holder registry.
func NewRegistry(store *Store, jstore *journal.Store, eventBus bus.EventBus, log *logger.Logger, opts HolderOptions) *Registry {
	if opts.CollectDebounce <= 0 {
		opts.CollectDebounce = 2 * time.Second
	}
	return &Registry{
		store:   store,
		journal: jstore,
		bus:     eventBus,
		log:     log,
		opts:    opts,
		holders: make(map[string]*activeHolder),
	}
}

// Store exposes the session store for read-only consumers.
func (r *Registry) Store() *Store { return r.store }

// SetRunnerOps wires the runner-request delegate after construction (the
// services that serve the ops depend on the registry themselves).
func (r *Registry) SetRunnerOps(ops RunnerOps) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opts.RunnerOps = ops
}

// Get returns the live holder for a session, activating one if needed.
func (r *Registry) Get(ctx context.Context, sessionID string) (*Holder, error) {
	r.mu.Lock()
	if active, ok := r.holders[sessionID]; ok {
		r.mu.Unlock()
		return active.holder, nil
	}
	opts := r.opts
	r.mu.Unlock()

	// Construct outside the lock; loading the journal can be slow.
	h, err := NewHolder(ctx, sessionID, r.store, r.journal, r.bus, r.log, opts)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if active, ok := r.holders[sessionID]; ok {
		// Lost the race; the winner's holder is the single writer.
		return active.holder, nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	r.holders[sessionID] = &activeHolder{holder: h, cancel: cancel}
	go h.Run(runCtx)
	if r.closed {
		cancel()
	}
	return h, nil
}

// Peek returns the live holder without activating one.
func (r *Registry) Peek(sessionID string) (*Holder, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	active, ok := r.holders[sessionID]
	if !ok {
		return nil, false
	}
	return active.holder, true
}

// CreateSession persists a new session row and mints its first runner
// token. The plaintext token is returned exactly once.
func (r *Registry) CreateSession(ctx context.Context, sess v1.Session) (v1.Session, string, error) {
	created, err := r.store.Create(ctx, sess)
	if err != nil {
		return v1.Session{}, "", err
	}
	token, err := r.store.RotateRunnerToken(ctx, created.ID)
	if err != nil {
		return v1.Session{}, "", err
	}
	created.RunnerTokenHash = HashRunnerToken(token)
	return created, token, nil
}

// Release stops the holder for a session, if one is active.
func (r *Registry) Release(sessionID string) {
	r.mu.Lock()
	active, ok := r.holders[sessionID]
	if ok {
		delete(r.holders, sessionID)
	}
	r.mu.Unlock()
	if ok {
		active.cancel()
	}
}

// Close stops every active holder.
func (r *Registry) Close() {
	r.mu.Lock()
	holders := r.holders
	r.holders = make(map[string]*activeHolder)
	r.closed = true
	r.mu.Unlock()
	for _, active := range holders {
		active.cancel()
	}
}
