// ABOUTME: Server-sent events Sink over an http.ResponseWriter
// ABOUTME: Headers are sent with the first frame so callers can still fail with a plain JSON error

package relay

import (
	"context"
	"errors"
	"net/http"
	"sync"
)

// ErrStreamingUnsupported means the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("streaming not supported")

// SSESink writes frames to an HTTP response, flushing after each one.
type SSESink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	ctx     context.Context

	started bool
	closed  bool
	broken  bool
}

// NewSSESink wraps w. The request context is used to detect client disconnects.
func NewSSESink(w http.ResponseWriter, r *http.Request) (*SSESink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	return &SSESink{w: w, flusher: flusher, ctx: r.Context()}, nil
}

// Started reports whether any frame, and therefore the response headers, has been written.
func (s *SSESink) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// WriteFrame writes and flushes f.
func (s *SSESink) WriteFrame(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}
	if s.broken || s.ctx.Err() != nil {
		s.broken = true
		return ErrClientDisconnected
	}

	data, err := f.Encode()
	if err != nil {
		return err
	}

	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	if _, err := s.w.Write(data); err != nil {
		s.broken = true
		return errors.Join(ErrClientDisconnected, err)
	}
	s.flusher.Flush()
	return nil
}

// Close marks the sink closed. The response itself ends when the handler returns.
func (s *SSESink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
