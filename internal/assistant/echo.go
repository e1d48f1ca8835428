// ABOUTME: Offline assistant backend that echoes the user message back word by word
// ABOUTME: Selected when no API key is configured so the relay can run without upstream access

package assistant

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Echo is a Service that replies with the user's own message.
type Echo struct {
	// Delay is inserted between text deltas.
	Delay time.Duration

	mu      sync.Mutex
	handles map[string]bool
}

// NewEcho creates an Echo service.
func NewEcho(delay time.Duration) *Echo {
	return &Echo{Delay: delay, handles: make(map[string]bool)}
}

// CreateHandle returns a new random handle.
func (e *Echo) CreateHandle(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	handle := "echo_" + uuid.NewString()
	e.handles[handle] = true
	return handle, nil
}

// RetrieveHandle reports ErrHandleNotFound for handles this instance never created.
func (e *Echo) RetrieveHandle(ctx context.Context, handle string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.handles[handle] {
		return fmt.Errorf("%w: %s", ErrHandleNotFound, handle)
	}
	return nil
}

// Stream emits the words of message as text deltas.
func (e *Echo) Stream(ctx context.Context, handle, message string) (<-chan Event, error) {
	if err := e.RetrieveHandle(ctx, handle); err != nil {
		return nil, err
	}

	words := strings.SplitAfter(message, " ")
	events := make(chan Event, len(words)+2)
	go func() {
		defer close(events)

		if !emit(ctx, events, EventStarted{}) {
			return
		}
		for _, w := range words {
			if e.Delay > 0 {
				select {
				case <-time.After(e.Delay):
				case <-ctx.Done():
					emit(context.Background(), events, EventFailed{Err: ctx.Err()})
					return
				}
			}
			if !emit(ctx, events, EventTextDelta{Text: w}) {
				return
			}
		}
		emit(ctx, events, EventCompleted{})
	}()
	return events, nil
}
