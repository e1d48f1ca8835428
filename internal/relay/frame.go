// ABOUTME: Downstream frame model and the Sink abstraction the relay writes to
// ABOUTME: Frames are JSON objects encoded as server-sent event data lines

package relay

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType is the "type" field of a frame.
type FrameType string

const (
	FrameStart          FrameType = "start"
	FrameDelta          FrameType = "delta"
	FrameToolCall       FrameType = "toolCall"
	FrameToolCallDelta  FrameType = "toolCallDelta"
	FrameToolCallOutput FrameType = "toolCallOutput"
	FrameEnd            FrameType = "end"
	FrameError          FrameType = "error"
)

// ErrorMessage is the client-facing text for any upstream failure.
const ErrorMessage = "An error occurred while processing your request."

var (
	// ErrClientDisconnected is returned by a Sink whose client went away.
	ErrClientDisconnected = errors.New("client disconnected")

	// ErrSinkClosed is returned when writing to a closed Sink.
	ErrSinkClosed = errors.New("sink closed")
)

// Frame is one downstream message.
type Frame struct {
	Type     FrameType `json:"type"`
	Content  string    `json:"content,omitempty"`
	ThreadID string    `json:"threadId,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Encode returns the frame as an SSE data block: "data: {json}\n\n".
func (f Frame) Encode() ([]byte, error) {
	payload, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", f.Type, err)
	}
	out := make([]byte, 0, len(payload)+8)
	out = append(out, "data: "...)
	out = append(out, payload...)
	out = append(out, "\n\n"...)
	return out, nil
}

// Sink is a downstream push channel.
type Sink interface {
	// WriteFrame delivers f immediately. After an error no further frames are accepted.
	WriteFrame(f Frame) error
	// Close ends the channel. It is safe to call more than once.
	Close() error
}
