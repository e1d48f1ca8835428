// ABOUTME: Streaming relay that forwards upstream assistant events to a Sink in order
// ABOUTME: Accumulates reply text and keeps draining the upstream after the client goes away

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/assistant-relay/internal/assistant"
	"github.com/2389/assistant-relay/internal/metrics"
)

// ErrStreamTruncated means the upstream channel closed without a terminal event.
var ErrStreamTruncated = errors.New("upstream stream ended without completing")

// State is the relay's position in its per-request state machine.
type State int

const (
	StateIdle State = iota
	StateStarted
	StateStreaming
	StateCompleted
	StateFailed
	StateClientDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarted:
		return "started"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateClientDisconnected:
		return "client-disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s is an end state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateClientDisconnected
}

// Result is the outcome of one relayed reply.
type Result struct {
	// Text is the concatenation of every text delta received, including
	// those received after the client disconnected.
	Text  string
	State State
	// Err is the upstream failure, if any.
	Err error
}

// Relay forwards assistant events to downstream sinks.
type Relay struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Relay.
func New(logger *slog.Logger, m *metrics.Metrics) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		logger:  logger.With("component", "relay"),
		metrics: m,
	}
}

// run holds the state of a single Run call.
type run struct {
	*Relay
	threadID string
	sink     Sink
	state    State
	text     strings.Builder
	detached bool
}

// Run consumes events until a terminal event, writing one frame per event
// to sink in arrival order. On EventCompleted it writes an end frame carrying
// threadID; on EventFailed an error frame. The sink is closed before Run
// returns. If the sink fails, Run stops writing but keeps reading events.
func (r *Relay) Run(ctx context.Context, threadID string, events <-chan assistant.Event, sink Sink) Result {
	rr := &run{Relay: r, threadID: threadID, sink: sink, state: StateIdle}
	defer sink.Close()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return rr.fail(ErrStreamTruncated)
			}
			if res, done := rr.handle(ev); done {
				return res
			}
		case <-ctx.Done():
			return rr.fail(ctx.Err())
		}
	}
}

func (rr *run) handle(ev assistant.Event) (Result, bool) {
	switch e := ev.(type) {
	case assistant.EventStarted:
		rr.advance(StateStarted)
		rr.write(Frame{Type: FrameStart})

	case assistant.EventTextDelta:
		rr.advance(StateStreaming)
		rr.text.WriteString(e.Text)
		rr.write(Frame{Type: FrameDelta, Content: e.Text})

	case assistant.EventToolCallStarted:
		rr.advance(StateStreaming)
		rr.write(Frame{Type: FrameToolCall, Content: e.Kind})

	case assistant.EventToolCallDelta:
		rr.advance(StateStreaming)
		rr.write(Frame{Type: FrameToolCallDelta, Content: e.Payload})

	case assistant.EventToolCallOutput:
		rr.advance(StateStreaming)
		rr.write(Frame{Type: FrameToolCallOutput, Content: e.Lines})

	case assistant.EventCompleted:
		rr.write(Frame{Type: FrameEnd, ThreadID: rr.threadID})
		rr.advance(StateCompleted)
		rr.logger.Debug("relay completed",
			"thread_id", rr.threadID,
			"state", rr.state,
			"text_len", rr.text.Len())
		return rr.result(nil), true

	case assistant.EventFailed:
		return rr.fail(e.Err), true

	default:
		rr.logger.Warn("ignoring unknown upstream event", "thread_id", rr.threadID, "event", fmt.Sprintf("%T", ev))
	}
	return Result{}, false
}

func (rr *run) fail(err error) Result {
	rr.write(Frame{Type: FrameError, Error: ErrorMessage})
	rr.advance(StateFailed)
	rr.logger.Warn("relay failed",
		"thread_id", rr.threadID,
		"state", rr.state,
		"error", err)
	return rr.result(err)
}

// advance moves forward unless the client already disconnected.
func (rr *run) advance(to State) {
	if rr.detached {
		return
	}
	rr.state = to
}

func (rr *run) write(f Frame) {
	if rr.detached {
		return
	}
	if err := rr.sink.WriteFrame(f); err != nil {
		rr.detached = true
		rr.state = StateClientDisconnected
		rr.logger.Info("client disconnected, draining upstream",
			"thread_id", rr.threadID,
			"frame", f.Type,
			"error", err)
		return
	}
	rr.metrics.Frame(string(f.Type))
	rr.logger.Debug("frame sent", "thread_id", rr.threadID, "type", f.Type)
}

func (rr *run) result(err error) Result {
	return Result{Text: rr.text.String(), State: rr.state, Err: err}
}
