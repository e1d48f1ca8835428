// ABOUTME: Upstream assistant event types and the Service contract the relay consumes
// ABOUTME: Events arrive in order on a channel that the service closes after a terminal event

package assistant

import (
	"context"
	"errors"
)

var (
	// ErrHandleNotFound means a stored upstream handle no longer resolves.
	ErrHandleNotFound = errors.New("upstream handle not found")

	// ErrUpstreamUnavailable wraps any failure talking to the assistant service.
	ErrUpstreamUnavailable = errors.New("upstream assistant unavailable")
)

// Service is the upstream assistant.
type Service interface {
	// CreateHandle creates a new upstream conversation and returns its handle.
	CreateHandle(ctx context.Context) (string, error)

	// RetrieveHandle checks that handle still exists. It returns an error
	// wrapping ErrHandleNotFound when it does not.
	RetrieveHandle(ctx context.Context, handle string) error

	// Stream posts message to the conversation and returns the reply as an
	// ordered event channel. The channel is closed after EventCompleted or
	// EventFailed. Errors returned directly happened before any event.
	Stream(ctx context.Context, handle, message string) (<-chan Event, error)
}

// Event is one upstream streaming event.
type Event interface {
	event()
}

// EventStarted marks the beginning of the assistant reply.
type EventStarted struct{}

// EventTextDelta carries the next fragment of reply text.
type EventTextDelta struct {
	Text string
}

// EventToolCallStarted announces a tool invocation of the given kind.
type EventToolCallStarted struct {
	Kind string
}

// EventToolCallDelta carries tool input, such as interpreter code or function arguments.
type EventToolCallDelta struct {
	Payload string
}

// EventToolCallOutput carries log output produced by a tool.
type EventToolCallOutput struct {
	Lines string
}

// EventCompleted ends a successful reply.
type EventCompleted struct{}

// EventFailed ends a reply with an error.
type EventFailed struct {
	Err error
}

func (EventStarted) event()         {}
func (EventTextDelta) event()       {}
func (EventToolCallStarted) event() {}
func (EventToolCallDelta) event()   {}
func (EventToolCallOutput) event()  {}
func (EventCompleted) event()       {}
func (EventFailed) event()          {}

// emit sends ev unless ctx is done first.
func emit(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
