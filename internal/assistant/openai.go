// ABOUTME: OpenAI Assistants backend: threads are upstream handles, runs are polled into events
// ABOUTME: Run steps are read as JSON; tool input, interpreter logs and message text are emitted as they grow

package assistant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
)

// DefaultPollInterval is how often a run is polled when OpenAIConfig.PollInterval is zero.
const DefaultPollInterval = 500 * time.Millisecond

// threadsAPI is the part of *openai.Client this backend uses.
type threadsAPI interface {
	CreateThread(ctx context.Context, request openai.ThreadRequest) (openai.Thread, error)
	RetrieveThread(ctx context.Context, threadID string) (openai.Thread, error)
	CreateMessage(ctx context.Context, threadID string, request openai.MessageRequest) (openai.Message, error)
	RetrieveMessage(ctx context.Context, threadID, messageID string) (openai.Message, error)
	CreateRun(ctx context.Context, threadID string, request openai.RunRequest) (openai.Run, error)
	RetrieveRun(ctx context.Context, threadID, runID string) (openai.Run, error)
}

// runStepsAPI returns the raw run step list. go-openai's RunStep does not
// carry code interpreter input or outputs, so steps are read as JSON.
type runStepsAPI interface {
	ListRunSteps(ctx context.Context, threadID, runID string) ([]byte, error)
}

// restRunSteps lists run steps over the Assistants REST endpoint.
type restRunSteps struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// maxStepsBody bounds one run step list response.
const maxStepsBody = 4 << 20

func (r *restRunSteps) ListRunSteps(ctx context.Context, threadID, runID string) ([]byte, error) {
	reqURL := fmt.Sprintf("%s/threads/%s/runs/%s/steps?order=asc&limit=100",
		r.baseURL, url.PathEscape(threadID), url.PathEscape(runID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("OpenAI-Beta", "assistants=v2")

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStepsBody))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &openai.RequestError{
			HTTPStatusCode: resp.StatusCode,
			Err:            fmt.Errorf("run steps: %s", gjson.GetBytes(body, "error.message").String()),
		}
	}
	return body, nil
}

// OpenAIConfig configures the OpenAI backend.
type OpenAIConfig struct {
	APIKey       string
	AssistantID  string
	BaseURL      string // optional, for proxies and compatible servers
	PollInterval time.Duration
	Logger       *slog.Logger
}

// OpenAI implements Service on the Assistants API.
type OpenAI struct {
	api          threadsAPI
	steps        runStepsAPI
	assistantID  string
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewOpenAI creates a backend with a real API client.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("api key is required")
	}
	if cfg.AssistantID == "" {
		return nil, errors.New("assistant id is required")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	steps := &restRunSteps{
		baseURL: strings.TrimRight(clientCfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	return newOpenAI(openai.NewClientWithConfig(clientCfg), steps, cfg), nil
}

func newOpenAI(api threadsAPI, steps runStepsAPI, cfg OpenAIConfig) *OpenAI {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &OpenAI{
		api:          api,
		steps:        steps,
		assistantID:  cfg.AssistantID,
		pollInterval: cfg.PollInterval,
		logger:       cfg.Logger.With("component", "assistant"),
	}
}

// CreateHandle creates a thread.
func (o *OpenAI) CreateHandle(ctx context.Context) (string, error) {
	thread, err := o.api.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return "", upstreamError("creating thread", err)
	}
	o.logger.Debug("created thread", "thread_id", thread.ID)
	return thread.ID, nil
}

// RetrieveHandle checks that the thread exists.
func (o *OpenAI) RetrieveHandle(ctx context.Context, handle string) error {
	if _, err := o.api.RetrieveThread(ctx, handle); err != nil {
		return upstreamError("retrieving thread "+handle, err)
	}
	return nil
}

// Stream adds message to the thread, starts a run and polls it.
func (o *OpenAI) Stream(ctx context.Context, handle, message string) (<-chan Event, error) {
	_, err := o.api.CreateMessage(ctx, handle, openai.MessageRequest{
		Role:    openai.ChatMessageRoleUser,
		Content: message,
	})
	if err != nil {
		return nil, upstreamError("adding message", err)
	}

	run, err := o.api.CreateRun(ctx, handle, openai.RunRequest{AssistantID: o.assistantID})
	if err != nil {
		return nil, upstreamError("creating run", err)
	}
	o.logger.Debug("run created", "thread_id", handle, "run_id", run.ID)

	events := make(chan Event, 16)
	go o.poll(ctx, handle, run.ID, events)
	return events, nil
}

// runPoller remembers how much of each step has already been turned into
// events, so growing tool input and message text are emitted as suffixes.
type runPoller struct {
	toolInput   map[string]int // call id -> bytes of input emitted
	toolOutputs map[string]int // call id -> outputs emitted
	messageText map[string]int // message id -> bytes of text emitted
}

func (o *OpenAI) poll(ctx context.Context, threadID, runID string, events chan<- Event) {
	defer close(events)

	if !emit(ctx, events, EventStarted{}) {
		return
	}

	p := &runPoller{
		toolInput:   make(map[string]int),
		toolOutputs: make(map[string]int),
		messageText: make(map[string]int),
	}
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		run, err := o.api.RetrieveRun(ctx, threadID, runID)
		if err != nil {
			o.fail(ctx, events, upstreamError("retrieving run", err))
			return
		}

		// Steps are read after the run status so a completed run's final
		// message step is always seen before EventCompleted.
		if err := o.emitSteps(ctx, p, threadID, runID, events); err != nil {
			o.fail(ctx, events, err)
			return
		}

		switch run.Status {
		case openai.RunStatusCompleted:
			o.logger.Debug("run completed", "thread_id", threadID, "run_id", runID)
			emit(ctx, events, EventCompleted{})
			return
		case openai.RunStatusFailed, openai.RunStatusExpired, openai.RunStatusCancelled:
			o.fail(ctx, events, fmt.Errorf("%w: run %s: %s", ErrUpstreamUnavailable, run.Status, lastError(run)))
			return
		case openai.RunStatusRequiresAction:
			o.fail(ctx, events, fmt.Errorf("%w: run requires tool outputs, which this relay does not provide", ErrUpstreamUnavailable))
			return
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			o.fail(ctx, events, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, ctx.Err()))
			return
		}
	}
}

func (o *OpenAI) emitSteps(ctx context.Context, p *runPoller, threadID, runID string, events chan<- Event) error {
	body, err := o.steps.ListRunSteps(ctx, threadID, runID)
	if err != nil {
		return upstreamError("listing run steps", err)
	}
	if !gjson.ValidBytes(body) {
		return fmt.Errorf("listing run steps: %w: malformed response", ErrUpstreamUnavailable)
	}

	for _, step := range gjson.GetBytes(body, "data").Array() {
		switch step.Get("type").String() {
		case string(openai.RunStepTypeToolCalls):
			for _, call := range step.Get("step_details.tool_calls").Array() {
				if err := o.emitToolCall(ctx, p, call, events); err != nil {
					return err
				}
			}

		case string(openai.RunStepTypeMessageCreation):
			messageID := step.Get("step_details.message_creation.message_id").String()
			if messageID == "" {
				continue
			}
			if err := o.emitMessage(ctx, p, threadID, messageID, events); err != nil {
				return err
			}
		}
	}
	return nil
}

// emitToolCall announces a call the first time it is seen, then emits any
// input not yet sent and any new log outputs.
func (o *OpenAI) emitToolCall(ctx context.Context, p *runPoller, call gjson.Result, events chan<- Event) error {
	id := call.Get("id").String()
	kind := call.Get("type").String()

	sent, seen := p.toolInput[id]
	if !seen {
		p.toolInput[id] = 0
		if !emit(ctx, events, EventToolCallStarted{Kind: kind}) {
			return ctx.Err()
		}
	}

	var input string
	switch kind {
	case "code_interpreter":
		input = call.Get("code_interpreter.input").String()
	case "function":
		input = call.Get("function.arguments").String()
	}
	if len(input) > sent {
		p.toolInput[id] = len(input)
		if !emit(ctx, events, EventToolCallDelta{Payload: input[sent:]}) {
			return ctx.Err()
		}
	}

	if kind != "code_interpreter" {
		return nil
	}
	outputs := call.Get("code_interpreter.outputs").Array()
	for i := p.toolOutputs[id]; i < len(outputs); i++ {
		p.toolOutputs[id] = i + 1
		if outputs[i].Get("type").String() != "logs" {
			continue
		}
		if !emit(ctx, events, EventToolCallOutput{Lines: outputs[i].Get("logs").String()}) {
			return ctx.Err()
		}
	}
	return nil
}

// emitMessage emits the part of a message's text not yet sent.
func (o *OpenAI) emitMessage(ctx context.Context, p *runPoller, threadID, messageID string, events chan<- Event) error {
	msg, err := o.api.RetrieveMessage(ctx, threadID, messageID)
	if err != nil {
		return upstreamError("retrieving message", err)
	}

	var text strings.Builder
	for _, content := range msg.Content {
		if content.Text != nil {
			text.WriteString(content.Text.Value)
		}
	}
	full := text.String()
	sent := p.messageText[messageID]
	if len(full) <= sent {
		return nil
	}
	p.messageText[messageID] = len(full)
	if !emit(ctx, events, EventTextDelta{Text: full[sent:]}) {
		return ctx.Err()
	}
	return nil
}

// fail emits EventFailed, preferring delivery over an already cancelled context.
func (o *OpenAI) fail(ctx context.Context, events chan<- Event, err error) {
	o.logger.Warn("run failed", "error", err)
	select {
	case events <- EventFailed{Err: err}:
		return
	default:
	}
	emit(ctx, events, EventFailed{Err: err})
}

func lastError(run openai.Run) string {
	if run.LastError == nil {
		return "no error detail"
	}
	return run.LastError.Message
}

// upstreamError classifies an API error. 404s become ErrHandleNotFound.
func upstreamError(op string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrHandleNotFound, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUpstreamUnavailable, err)
}

func isNotFound(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusNotFound
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusNotFound
	}
	return false
}
