// ABOUTME: HTTP handlers for the chat relay: chat streaming, reset, end, and timeout checks
// ABOUTME: Chat replies stream as SSE frames; everything else is plain JSON

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/2389/assistant-relay/internal/auth"
	"github.com/2389/assistant-relay/internal/relay"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// ChatRequestBody is the JSON request body for POST /chat.
type ChatRequestBody struct {
	Message  string `json:"message"`
	ThreadID string `json:"threadId,omitempty"`
}

// ThreadRequestBody is the JSON request body for POST /reset and POST /end-conversation.
type ThreadRequestBody struct {
	ThreadID string `json:"threadId,omitempty"`
}

// ResetResponse is the JSON response for POST /reset.
type ResetResponse struct {
	Message  string `json:"message"`
	ThreadID string `json:"threadId"`
}

// EndResponse is the JSON response for POST /end-conversation.
type EndResponse struct {
	Message  string `json:"message"`
	ThreadID string `json:"threadId"`
	Ended    bool   `json:"ended"`
}

// CheckTimeoutsResponse is the JSON response for /check-timeouts.
type CheckTimeoutsResponse struct {
	Terminated int      `json:"terminated"`
	ThreadIDs  []string `json:"threadIds"`
}

// handleChat handles POST /chat requests.
// It records the message, streams the assistant reply as SSE frames and
// ends with an end frame carrying the thread id to send back next time.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req, err := parseChatRequest(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	sink, err := relay.NewSSESink(w, r)
	if err != nil {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	_, err = g.coordinator.Chat(r.Context(), ChatRequest{
		Message:    req.Message,
		ThreadID:   req.ThreadID,
		RemoteAddr: clientIP(r),
	}, sink)
	if err == nil {
		return
	}

	if sink.Started() {
		return
	}
	if errors.Is(err, ErrShuttingDown) {
		g.sendJSONError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	g.logger.Error("chat request failed", "thread_id", req.ThreadID, "error", err)
	g.sendJSONError(w, http.StatusInternalServerError, relay.ErrorMessage)
}

// handleReset handles POST /reset requests.
func (g *Gateway) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req, err := parseThreadRequest(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	next := g.coordinator.Reset(req.ThreadID)
	g.writeJSON(w, http.StatusOK, ResetResponse{
		Message:  "Conversation reset",
		ThreadID: next,
	})
}

// handleEndConversation handles POST /end-conversation requests.
// Unlike reset it does not hand out a replacement thread id.
func (g *Gateway) handleEndConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req, err := parseThreadRequest(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ThreadID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "threadId is required")
		return
	}

	ended := g.coordinator.End(req.ThreadID)
	msg := "Conversation ended"
	if !ended {
		msg = "No active conversation"
	}
	g.writeJSON(w, http.StatusOK, EndResponse{
		Message:  msg,
		ThreadID: req.ThreadID,
		Ended:    ended,
	})
}

// handleCheckTimeouts handles GET and POST /check-timeouts requests.
func (g *Gateway) handleCheckTimeouts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	terminated := g.coordinator.CheckTimeouts()
	if terminated == nil {
		terminated = []string{}
	}
	g.logger.Info("timeout check",
		"caller", auth.CallerFromContext(r.Context()),
		"terminated", len(terminated))

	g.writeJSON(w, http.StatusOK, CheckTimeoutsResponse{
		Terminated: len(terminated),
		ThreadIDs:  terminated,
	})
}

// writeJSON writes v as a JSON response.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}

// parseChatRequest parses and validates a ChatRequestBody from the given reader.
func parseChatRequest(r io.Reader) (*ChatRequestBody, error) {
	var req ChatRequestBody
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}

	if strings.TrimSpace(req.Message) == "" {
		return nil, errors.New("message is required")
	}

	return &req, nil
}

// parseThreadRequest parses a ThreadRequestBody. An empty body is allowed.
func parseThreadRequest(r io.Reader) (*ThreadRequestBody, error) {
	var req ThreadRequestBody
	if err := json.NewDecoder(r).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.New("invalid JSON body")
	}
	return &req, nil
}

// clientIP returns the first X-Forwarded-For entry, or the host part of RemoteAddr.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
