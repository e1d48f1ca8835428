// ABOUTME: Process-local conversation store keyed by session key
// ABOUTME: Owns creation, append, inactivity timers, sweep, termination, and shutdown drain

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/assistant-relay/internal/clock"
	"github.com/2389/assistant-relay/internal/metrics"
)

// ErrStoreClosed is returned by Append once Drain has started.
var ErrStoreClosed = errors.New("conversation store is draining")

// ErrNotFound is returned when no live conversation exists for a key.
var ErrNotFound = errors.New("conversation not found")

// defaultNotifyTimeout bounds a single notification when Options.NotifyTimeout is zero.
const defaultNotifyTimeout = time.Minute

// Notifier receives the final snapshot of every terminated conversation.
// It is called exactly once per conversation; its error is logged, never retried.
type Notifier interface {
	Notify(ctx context.Context, snap Snapshot) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, snap Snapshot) error

// Notify calls f(ctx, snap).
func (f NotifierFunc) Notify(ctx context.Context, snap Snapshot) error {
	return f(ctx, snap)
}

// Options configures a Store.
type Options struct {
	Clock clock.Clock

	// InactivityTimeout evicts a conversation with no new message for this long.
	// Zero disables both the per-conversation timer and the inactivity sweep.
	InactivityTimeout time.Duration

	// MaxDuration caps the lifetime of a conversation. Enforced by Sweep. Zero disables.
	MaxDuration time.Duration

	Notifier      Notifier
	NotifyTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Store holds one live conversation per session key.
//
// Each conversation has its own mutex and every operation on a key runs
// under it, so Append and Terminate for the same key never interleave.
// An Append that arrives after the conversation closed starts a fresh
// conversation; the closed one stays reachable only to its notifier.
type Store struct {
	mu            sync.Mutex
	conversations map[string]*Conversation
	draining      bool

	clock         clock.Clock
	inactivity    time.Duration
	maxDuration   time.Duration
	notifier      Notifier
	notifyTimeout time.Duration
	logger        *slog.Logger
	metrics       *metrics.Metrics

	dispatching sync.WaitGroup
}

// NewStore creates an empty Store.
func NewStore(opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = NotifierFunc(func(context.Context, Snapshot) error { return nil })
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = defaultNotifyTimeout
	}
	return &Store{
		conversations: make(map[string]*Conversation),
		clock:         opts.Clock,
		inactivity:    opts.InactivityTimeout,
		maxDuration:   opts.MaxDuration,
		notifier:      opts.Notifier,
		notifyTimeout: opts.NotifyTimeout,
		logger:        opts.Logger.With("component", "conversation-store"),
		metrics:       opts.Metrics,
	}
}

// Append adds a message to the conversation for key, creating the
// conversation on first use, and re-arms its inactivity timer.
// remoteAddr is recorded only when the conversation is created.
func (s *Store) Append(key string, role Role, content, remoteAddr string) (Snapshot, error) {
	for {
		c, err := s.getOrCreate(key, remoteAddr)
		if err != nil {
			return Snapshot{}, err
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			s.evictClosed(key, c)
			continue
		}

		snap := s.appendLocked(c, role, content)
		c.mu.Unlock()
		return snap, nil
	}
}

// AppendExisting appends to a conversation that must still be live. It
// returns ErrNotFound when key was terminated in the meantime, so a late
// reply never starts a new conversation on its own.
func (s *Store) AppendExisting(key string, role Role, content string) (Snapshot, error) {
	c := s.lookup(key)
	if c == nil {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return s.appendLocked(c, role, content), nil
}

// appendLocked records the message and re-arms the timer. Must be called with c.mu held.
func (s *Store) appendLocked(c *Conversation, role Role, content string) Snapshot {
	now := s.clock.Now()
	c.transcript = append(c.transcript, Message{Role: role, Content: content, At: now})
	c.lastActiveAt = now
	s.armLocked(c)
	snap := c.snapshotLocked()

	s.logger.Debug("message appended",
		"session_key", c.sessionKey,
		"role", role,
		"transcript_len", len(snap.Transcript))
	return snap
}

// SetHandle records the upstream conversation handle for key.
func (s *Store) SetHandle(key, handle string) error {
	c := s.lookup(key)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	c.upstreamHandle = handle
	return nil
}

// Get returns a snapshot of the live conversation for key.
func (s *Store) Get(key string) (Snapshot, bool) {
	c := s.lookup(key)
	if c == nil {
		return Snapshot{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Snapshot{}, false
	}
	return c.snapshotLocked(), true
}

// Len reports how many conversations are held, including closed ones whose
// notification is still in flight.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations)
}

// Terminate ends the conversation for key. It is a no-op when the
// conversation is absent or already closed. The return value reports
// whether this call performed the termination.
func (s *Store) Terminate(key string, reason Reason) bool {
	c := s.lookup(key)
	if c == nil {
		return false
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	snap := s.closeLocked(c, reason)
	c.mu.Unlock()

	s.dispatch(c, snap)
	return true
}

// Sweep terminates every conversation that has been idle for at least the
// inactivity timeout or alive for at least the maximum duration, measured
// against now. It returns the keys it terminated.
func (s *Store) Sweep(now time.Time) []string {
	var terminated []string
	for _, c := range s.all() {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			continue
		}
		reason, expired := s.expiredLocked(c, now)
		if !expired {
			c.mu.Unlock()
			continue
		}
		key := c.sessionKey
		snap := s.closeLocked(c, reason)
		c.mu.Unlock()

		s.dispatch(c, snap)
		terminated = append(terminated, key)
	}

	if len(terminated) > 0 {
		s.logger.Info("sweep terminated conversations", "count", len(terminated))
	}
	return terminated
}

// Drain stops accepting new messages, terminates every live conversation
// with ReasonShutdown, and waits until all notifications (including ones
// started earlier by other triggers) have completed and the store is empty.
func (s *Store) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	pending := s.all()
	for _, c := range pending {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			continue
		}
		snap := s.closeLocked(c, ReasonShutdown)
		c.mu.Unlock()
		s.dispatch(c, snap)
	}

	s.logger.Info("draining conversations", "count", len(pending))

	var g errgroup.Group
	for _, c := range pending {
		removed := c.removed
		g.Go(func() error {
			return waitOrDone(ctx, removed)
		})
	}
	// Closed entries already detached from their key by a later Append
	// are not in pending but may still be notifying.
	g.Go(func() error {
		done := make(chan struct{})
		go func() {
			s.dispatching.Wait()
			close(done)
		}()
		return waitOrDone(ctx, done)
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("draining conversations: %w", err)
	}
	return nil
}

// Wait blocks until every notification started so far has completed.
func (s *Store) Wait() {
	s.dispatching.Wait()
}

func waitOrDone(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) lookup(key string) *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversations[key]
}

func (s *Store) all() []*Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c)
	}
	return out
}

// getOrCreate returns the entry for key, creating it under the store lock
// so two concurrent first messages cannot both create one.
func (s *Store) getOrCreate(key, remoteAddr string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.draining {
		return nil, ErrStoreClosed
	}
	if c, ok := s.conversations[key]; ok {
		return c, nil
	}

	c := newConversation(key, remoteAddr, s.clock.Now())
	s.conversations[key] = c
	s.metrics.ConversationStarted()
	s.logger.Info("conversation started", "session_key", key, "remote_addr", remoteAddr)
	return c, nil
}

// evictClosed detaches a closed entry from its key so the next Append can
// create a fresh conversation. The closed entry is still removed (and
// counted) by its own dispatch.
func (s *Store) evictClosed(key string, c *Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conversations[key] == c {
		delete(s.conversations, key)
	}
}

// armLocked replaces the pending inactivity timer. Must be called with c.mu held.
func (s *Store) armLocked(c *Conversation) {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timerGen++
	if s.inactivity <= 0 {
		return
	}

	gen := c.timerGen
	c.timer = s.clock.AfterFunc(s.inactivity, func() {
		s.expire(c, gen)
	})
}

// expire is the inactivity timer callback.
func (s *Store) expire(c *Conversation, gen uint64) {
	c.mu.Lock()
	if c.closed || c.timerGen != gen {
		c.mu.Unlock()
		return
	}
	snap := s.closeLocked(c, ReasonInactivity)
	c.mu.Unlock()

	s.dispatch(c, snap)
}

// expiredLocked reports whether c has outlived a threshold at now.
// Maximum duration takes precedence when both apply.
func (s *Store) expiredLocked(c *Conversation, now time.Time) (Reason, bool) {
	if s.maxDuration > 0 && now.Sub(c.startedAt) >= s.maxDuration {
		return ReasonMaxDuration, true
	}
	if s.inactivity > 0 && now.Sub(c.lastActiveAt) >= s.inactivity {
		return ReasonInactivity, true
	}
	return "", false
}

// closeLocked commits the closed transition and returns the snapshot to
// notify. Must be called with c.mu held and c not yet closed.
func (s *Store) closeLocked(c *Conversation, reason Reason) Snapshot {
	c.closed = true
	c.timerGen++
	if c.timer != nil {
		c.timer.Stop()
	}

	snap := c.snapshotLocked()
	snap.Reason = reason
	snap.EndedAt = s.clock.Now()

	s.metrics.ConversationTerminated(string(reason))
	s.logger.Info("conversation terminated",
		"session_key", c.sessionKey,
		"reason", reason,
		"messages", len(snap.Transcript))
	return snap
}

// dispatch notifies in the background and removes the entry afterwards,
// whatever the outcome.
func (s *Store) dispatch(c *Conversation, snap Snapshot) {
	s.dispatching.Add(1)
	go func() {
		defer s.dispatching.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.notifyTimeout)
		err := s.notifier.Notify(ctx, snap)
		cancel()
		if err != nil {
			s.logger.Warn("notification failed",
				"session_key", snap.SessionKey,
				"reason", snap.Reason,
				"error", err)
		}

		s.remove(c)
	}()
}

func (s *Store) remove(c *Conversation) {
	s.mu.Lock()
	if s.conversations[c.sessionKey] == c {
		delete(s.conversations, c.sessionKey)
	}
	s.mu.Unlock()

	s.metrics.ConversationRemoved()
	close(c.removed)
}
