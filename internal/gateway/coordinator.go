// ABOUTME: Lifecycle coordinator tying HTTP actions to the conversation store, upstream, and relay
// ABOUTME: Resolves upstream handles, records both sides of each exchange, and drains on shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/2389/assistant-relay/internal/assistant"
	"github.com/2389/assistant-relay/internal/clock"
	"github.com/2389/assistant-relay/internal/conversation"
	"github.com/2389/assistant-relay/internal/relay"
)

// ErrShuttingDown is returned by Chat once the store has started draining.
var ErrShuttingDown = errors.New("relay is shutting down")

// defaultUpstreamTimeout bounds one upstream reply, independent of the client connection.
const defaultUpstreamTimeout = 5 * time.Minute

// ChatRequest is one inbound user message.
type ChatRequest struct {
	Message string
	// ThreadID is the session key the client got from a previous end frame. Empty starts a new session.
	ThreadID   string
	RemoteAddr string
}

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	Store           *conversation.Store
	Upstream        assistant.Service
	Relay           *relay.Relay
	Clock           clock.Clock
	UpstreamTimeout time.Duration
	Logger          *slog.Logger

	// Recent holds handles of terminated conversations. Nil starts every
	// new conversation on a new upstream handle.
	Recent *HandleMemory
}

// Coordinator implements the chat, reset, end, sweep and shutdown actions.
type Coordinator struct {
	store           *conversation.Store
	upstream        assistant.Service
	relay           *relay.Relay
	clock           clock.Clock
	upstreamTimeout time.Duration
	recent          *HandleMemory
	logger          *slog.Logger

	// attaching runs handle attachment once per session key at a time.
	attaching singleflight.Group
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = defaultUpstreamTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Relay == nil {
		cfg.Relay = relay.New(cfg.Logger, nil)
	}
	return &Coordinator{
		store:           cfg.Store,
		upstream:        cfg.Upstream,
		relay:           cfg.Relay,
		clock:           cfg.Clock,
		upstreamTimeout: cfg.UpstreamTimeout,
		recent:          cfg.Recent,
		logger:          cfg.Logger.With("component", "coordinator"),
	}
}

// Chat records the user message, streams the assistant reply to sink and
// records the reply. An error is returned only when nothing was written to
// sink yet; failures after that are reported in-band by the relay.
func (c *Coordinator) Chat(ctx context.Context, req ChatRequest, sink relay.Sink) (relay.Result, error) {
	key := req.ThreadID
	if key == "" {
		key = uuid.NewString()
	}
	logger := c.logger.With("thread_id", key)
	logger.Debug("chat request received", "remote_addr", req.RemoteAddr, "message_len", len(req.Message))

	snap, err := c.store.Append(key, conversation.RoleUser, req.Message, req.RemoteAddr)
	if errors.Is(err, conversation.ErrStoreClosed) {
		return relay.Result{}, ErrShuttingDown
	}
	if err != nil {
		return relay.Result{}, fmt.Errorf("recording user message: %w", err)
	}

	// The upstream call outlives the client connection so the reply is
	// still recorded when the browser goes away mid-stream.
	upCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.upstreamTimeout)
	defer cancel()

	handle, err := c.resolveHandle(upCtx, key, snap.UpstreamHandle)
	if err != nil {
		logger.Error("resolving upstream handle failed", "error", err)
		return relay.Result{}, err
	}
	logger.Debug("upstream handle resolved", "handle", handle)

	events, err := c.upstream.Stream(upCtx, handle, req.Message)
	if err != nil {
		logger.Error("starting upstream stream failed", "handle", handle, "error", err)
		return relay.Result{}, err
	}
	logger.Debug("upstream stream started", "handle", handle)

	res := c.relay.Run(upCtx, key, events, sink)
	logger.Debug("upstream stream finished", "state", res.State, "text_len", len(res.Text))

	if res.Err != nil && res.Text == "" {
		return res, nil
	}
	if _, err := c.store.AppendExisting(key, conversation.RoleAssistant, res.Text); err != nil {
		logger.Warn("assistant reply not recorded", "error", err)
	}
	return res, nil
}

// resolveHandle returns a usable upstream handle for key. A stored handle
// that no longer exists upstream is replaced.
func (c *Coordinator) resolveHandle(ctx context.Context, key, stored string) (string, error) {
	if stored != "" {
		err := c.upstream.RetrieveHandle(ctx, stored)
		if err == nil {
			return stored, nil
		}
		if !errors.Is(err, assistant.ErrHandleNotFound) {
			return "", err
		}
		c.logger.Warn("stored upstream handle is gone, creating a new one",
			"thread_id", key,
			"handle", stored)
	}

	v, err, shared := c.attaching.Do(key, func() (any, error) {
		return c.attachHandle(ctx, key, stored)
	})
	if err != nil {
		return "", err
	}
	if shared {
		c.logger.Debug("joined concurrent handle attachment", "thread_id", key)
	}
	return v.(string), nil
}

// attachHandle gives the conversation for key an upstream handle. Calls for
// one key never overlap, so a handle stored by an earlier call is reused.
// stale is a handle already known to be gone.
func (c *Coordinator) attachHandle(ctx context.Context, key, stale string) (string, error) {
	if snap, ok := c.store.Get(key); ok && snap.UpstreamHandle != "" && snap.UpstreamHandle != stale {
		return snap.UpstreamHandle, nil
	}

	handle, err := c.resumeHandle(ctx, key, stale)
	if err != nil {
		return "", err
	}
	if handle == "" {
		if handle, err = c.upstream.CreateHandle(ctx); err != nil {
			return "", err
		}
	}

	if err := c.store.SetHandle(key, handle); err != nil {
		// Terminated concurrently; the reply still streams.
		c.logger.Warn("upstream handle not stored", "thread_id", key, "error", err)
	}
	return handle, nil
}

// resumeHandle returns the handle a previous conversation under key used,
// if it still exists upstream.
func (c *Coordinator) resumeHandle(ctx context.Context, key, stale string) (string, error) {
	prev := c.recent.Take(key)
	if prev == "" || prev == stale {
		return "", nil
	}

	err := c.upstream.RetrieveHandle(ctx, prev)
	switch {
	case err == nil:
		c.logger.Info("resuming upstream handle of previous conversation", "thread_id", key, "handle", prev)
		return prev, nil
	case errors.Is(err, assistant.ErrHandleNotFound):
		c.logger.Debug("previous upstream handle is gone", "thread_id", key, "handle", prev)
		return "", nil
	default:
		c.recent.Remember(key, prev)
		return "", err
	}
}

// Reset ends the conversation for threadID, if any, and returns a fresh thread id.
func (c *Coordinator) Reset(threadID string) string {
	if threadID != "" {
		c.End(threadID)
	}
	next := uuid.NewString()
	c.logger.Info("conversation reset", "thread_id", threadID, "new_thread_id", next)
	return next
}

// End terminates the conversation for threadID with a manual reason.
// It reports whether a live conversation was ended.
func (c *Coordinator) End(threadID string) bool {
	ended := c.store.Terminate(threadID, conversation.ReasonManual)
	c.logger.Debug("end conversation", "thread_id", threadID, "ended", ended)
	return ended
}

// CheckTimeouts sweeps the store and returns the terminated thread ids.
func (c *Coordinator) CheckTimeouts() []string {
	return c.store.Sweep(c.clock.Now())
}

// Live reports the number of conversations held by the store.
func (c *Coordinator) Live() int {
	return c.store.Len()
}

// Shutdown drains the store: every live conversation is terminated and
// notified before it returns.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.logger.Info("draining conversations", "live", c.store.Len())
	if err := c.store.Drain(ctx); err != nil {
		return err
	}
	c.logger.Info("all conversations drained")
	return nil
}
