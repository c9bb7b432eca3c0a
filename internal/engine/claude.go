package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/pkg/types"
)

const defaultModel = "claude-sonnet-4-20250514"

// ClaudeEngine is an Engine over the eino Claude chat model. Conversation
// state is kept in memory, keyed by the session identity it hands out; a
// ResumeHandle matching a known identity continues that history.
type ClaudeEngine struct {
	mu        sync.Mutex
	chatModel model.ToolCallingChatModel
	cfg       types.EngineConfig
	budget    int // thinking budget the live model was built with
	histories map[string][]*schema.Message
	log       zerolog.Logger
}

// NewClaudeEngine creates the adapter. The API key falls back to
// ANTHROPIC_API_KEY.
func NewClaudeEngine(ctx context.Context, cfg types.EngineConfig) (*ClaudeEngine, error) {
	e := &ClaudeEngine{
		cfg:       cfg,
		histories: make(map[string][]*schema.Message),
		log:       logging.Component("engine"),
	}
	if err := e.connect(ctx, 0); err != nil {
		return nil, err
	}
	return e, nil
}

// connect (re)creates the underlying chat model with the given thinking
// budget. The budget is part of model construction in the eino Claude
// binding, so a budget change forces a rebuild.
func (e *ClaudeEngine) connect(ctx context.Context, budget int) error {
	apiKey := e.cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return fmt.Errorf("engine: ANTHROPIC_API_KEY not set")
	}

	chatModel, err := claude.NewChatModel(ctx, engineConfig(apiKey, e.cfg, budget))
	if err != nil {
		return fmt.Errorf("engine: create chat model: %w", err)
	}

	e.mu.Lock()
	e.chatModel = chatModel
	e.budget = budget
	e.mu.Unlock()
	return nil
}

// engineConfig maps the engine settings onto the eino Claude binding.
func engineConfig(apiKey string, cfg types.EngineConfig, budget int) *claude.Config {
	modelID := cfg.Model
	if modelID == "" {
		modelID = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	ccfg := &claude.Config{
		APIKey:    apiKey,
		Model:     modelID,
		MaxTokens: maxTokens,
	}
	if cfg.BaseURL != "" {
		ccfg.BaseURL = &cfg.BaseURL
	}
	if budget > 0 {
		ccfg.Thinking = &claude.Thinking{
			Enable:       true,
			BudgetTokens: budget,
		}
	}
	return ccfg
}

// Stream runs one turn and adapts the eino chunk stream to engine events.
// Eino chunks carry deltas; text is forwarded as it arrives and tool-call
// argument fragments are accumulated until they form a complete object.
func (e *ClaudeEngine) Stream(ctx context.Context, req Request) (*Stream, error) {
	e.mu.Lock()
	chatModel := e.chatModel
	budget := e.budget
	e.mu.Unlock()
	if chatModel == nil || budget != req.ThinkingBudget {
		if err := e.connect(ctx, req.ThinkingBudget); err != nil {
			return nil, err
		}
		e.mu.Lock()
		chatModel = e.chatModel
		e.mu.Unlock()
	}

	sessionID, history := e.resumeOrStart(req.ResumeHandle)

	messages := make([]*schema.Message, 0, len(history)+2)
	messages = append(messages, &schema.Message{
		Role:    schema.System,
		Content: systemPrompt(req),
	})
	messages = append(messages, history...)
	userMsg := &schema.Message{Role: schema.User, Content: req.Prompt}
	messages = append(messages, userMsg)

	reader, err := chatModel.Stream(ctx, messages)
	if err != nil {
		return nil, &ProcessExitError{Code: 1, Err: err}
	}

	events := make(chan Event, 16)
	var streamErr error

	go func() {
		defer close(events)
		defer reader.Close()

		if !sendEvent(ctx, events, SessionEvent{ID: sessionID}) {
			streamErr = ctx.Err()
			return
		}

		var (
			text  strings.Builder
			usage types.Usage
			tools = newToolCallBuffer()
		)

		for {
			msg, err := reader.Recv()
			if err == io.EOF {
				break
			}
			if err != nil {
				if ctx.Err() != nil {
					streamErr = ctx.Err()
				} else {
					// A dead stream mid-turn is a process-level
					// failure, not a business error.
					streamErr = &ProcessExitError{Code: 1, Err: err}
				}
				return
			}

			if msg.ReasoningContent != "" {
				if !sendEvent(ctx, events, ThinkingEvent{Text: msg.ReasoningContent}) {
					streamErr = ctx.Err()
					return
				}
			}
			if msg.Content != "" {
				text.WriteString(msg.Content)
				if !sendEvent(ctx, events, TextEvent{Text: msg.Content}) {
					streamErr = ctx.Err()
					return
				}
			}
			for _, tc := range msg.ToolCalls {
				ev, ready := tools.add(tc)
				if !ready {
					continue
				}
				if !sendEvent(ctx, events, ev) {
					streamErr = ctx.Err()
					return
				}
			}
			if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
				usage.InputTokens = msg.ResponseMeta.Usage.PromptTokens
				usage.OutputTokens = msg.ResponseMeta.Usage.CompletionTokens
			}
		}

		// Calls whose arguments never completed still surface, in raw
		// form, so the consumer can refuse them.
		for _, ev := range tools.flush() {
			if !sendEvent(ctx, events, ev) {
				streamErr = ctx.Err()
				return
			}
		}

		e.appendHistory(sessionID, userMsg, &schema.Message{
			Role:    schema.Assistant,
			Content: text.String(),
		})
		if !sendEvent(ctx, events, ResultEvent{Usage: usage}) {
			streamErr = ctx.Err()
		}
	}()

	return ChanStream(events, &streamErr), nil
}

// Reset drops the live chat model; the next Stream call reconnects.
// Conversation histories survive so a retried turn can still resume.
func (e *ClaudeEngine) Reset() {
	e.mu.Lock()
	e.chatModel = nil
	e.mu.Unlock()
	e.log.Info().Msg("engine reset")
}

// resumeOrStart returns the session id and history for a turn.
func (e *ClaudeEngine) resumeOrStart(resume string) (string, []*schema.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if resume != "" {
		if h, ok := e.histories[resume]; ok {
			return resume, append([]*schema.Message(nil), h...)
		}
	}
	return ulid.Make().String(), nil
}

func (e *ClaudeEngine) appendHistory(sessionID string, msgs ...*schema.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.histories[sessionID] = append(e.histories[sessionID], msgs...)
}

// sendEvent delivers ev unless ctx ends first, reporting whether it was
// sent. A consumer that stops receiving must never strand the producer.
func sendEvent(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// toolCallBuffer accumulates streamed tool-call argument deltas. A call is
// emitted once its arguments decode to a JSON object (and its name is
// known); each call is emitted at most once.
type toolCallBuffer struct {
	names map[string]string
	args  map[string]string
	done  map[string]bool
	order []string
}

func newToolCallBuffer() *toolCallBuffer {
	return &toolCallBuffer{
		names: make(map[string]string),
		args:  make(map[string]string),
		done:  make(map[string]bool),
	}
}

func (b *toolCallBuffer) add(tc schema.ToolCall) (ToolUseEvent, bool) {
	id := tc.ID
	if id == "" {
		id = tc.Function.Name
	}
	if id == "" || b.done[id] {
		return ToolUseEvent{}, false
	}

	if _, seen := b.names[id]; !seen {
		b.order = append(b.order, id)
	}
	if tc.Function.Name != "" {
		b.names[id] = tc.Function.Name
	}
	b.args[id] += tc.Function.Arguments

	var input map[string]any
	if err := json.Unmarshal([]byte(b.args[id]), &input); err != nil || input == nil {
		return ToolUseEvent{}, false
	}
	if b.names[id] == "" {
		return ToolUseEvent{}, false
	}

	b.done[id] = true
	return ToolUseEvent{Name: b.names[id], Input: input}, true
}

// flush returns, in arrival order, the calls whose arguments never became
// a complete object. Their raw fragment rides along under "raw".
func (b *toolCallBuffer) flush() []ToolUseEvent {
	var evs []ToolUseEvent
	for _, id := range b.order {
		if b.done[id] || b.names[id] == "" {
			continue
		}
		input := map[string]any{}
		if b.args[id] != "" {
			input["raw"] = b.args[id]
		}
		evs = append(evs, ToolUseEvent{Name: b.names[id], Input: input})
	}
	return evs
}

// systemPrompt assembles the turn's system prompt from the safety preamble
// and the directory grants.
func systemPrompt(req Request) string {
	prompt := req.SafetyPreamble
	if req.WorkDir != "" {
		prompt += "\n\nWorking directory: " + req.WorkDir
	}
	for _, d := range req.AllowedDirs {
		prompt += "\nAdditional allowed directory: " + d
	}
	return prompt
}
