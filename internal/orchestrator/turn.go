package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"

	"github.com/chatrelay/chatrelay/internal/engine"
	"github.com/chatrelay/chatrelay/internal/event"
	"github.com/chatrelay/chatrelay/internal/safety"
	"github.com/chatrelay/chatrelay/internal/stream"
	"github.com/chatrelay/chatrelay/internal/transport"
	"github.com/chatrelay/chatrelay/pkg/types"
)

// safetyPreamble is prepended to every engine invocation's system prompt.
const safetyPreamble = `You are operating on a user's machine through a chat bridge.
Only touch files under the working directory, the explicitly allowed directories, or temp directories.
Never run destructive or exfiltrating commands. When in doubt, ask instead of acting.`

// SendMessageStreaming runs one turn: invoke the engine with the message,
// stream its events to the transport, enforce the safety gate on tool use,
// and return the assistant's full text. A distinguishable engine crash is
// retried exactly once with fresh display state; a second crash is fatal.
//
// Callers serialize turns: a call while another turn is Running fails with
// ErrBusy.
func (o *Orchestrator) SendMessageStreaming(ctx context.Context, message, identity string) (string, error) {
	budget := o.thinkingBudget(message)

	o.mu.Lock()
	if o.session.Running {
		o.mu.Unlock()
		return "", ErrBusy
	}
	prompt := message
	if o.session.ID == "" {
		// First turn of a session: tell the engine the current time up
		// front so it never needs a tool call to learn it.
		prompt = timestampPreamble(o.now()) + "\n\n" + message
	}
	o.mu.Unlock()

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	o.cancelTurn = cancel
	o.mu.Unlock()

	var result string
	attempt := 0
	retry := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 1), turnCtx)

	err := backoff.Retry(func() error {
		attempt++
		text, err := o.runTurn(turnCtx, prompt, identity, budget)
		if err == nil {
			result = text
			return nil
		}
		if engine.IsProcessExit(err) {
			// First crash: reset the engine's live connection and
			// retry the same message with fresh display state.
			o.log.Warn().Err(err).Int("attempt", attempt).Msg("engine crashed")
			event.Publish(event.Event{
				Type: event.QueryRetried,
				Data: event.QueryRetriedData{Attempt: attempt, Reason: err.Error()},
			})
			o.eng.Reset()
			return err
		}
		return backoff.Permanent(err)
	}, retry)

	o.mu.Lock()
	o.cancelTurn = nil
	o.mu.Unlock()

	if err != nil {
		if perm := new(backoff.PermanentError); errors.As(err, &perm) {
			err = perm.Unwrap()
		}
		if !errors.Is(err, ErrStopped) && !errors.Is(err, context.Canceled) {
			o.setError(err)
		}
		return "", err
	}

	if o.store != nil {
		o.store.Audit(types.AuditRecord{
			Identity: identity,
			Kind:     "message",
			Content:  message,
			Response: result,
		})
	}
	return result, nil
}

// runTurn performs a single engine invocation and consumes its stream. Each
// attempt allocates a fresh StreamSink; display state never survives a
// retry.
func (o *Orchestrator) runTurn(ctx context.Context, prompt, identity string, budget int) (string, error) {
	// Last stop check before the engine is ever invoked.
	o.mu.Lock()
	if o.stopRequested {
		o.mu.Unlock()
		return "", ErrStopped
	}
	resume := o.session.ID
	o.mu.Unlock()

	req := engine.Request{
		Prompt:         prompt,
		WorkDir:        o.workDir,
		AllowedDirs:    o.allowedDirs,
		ResumeHandle:   resume,
		SafetyPreamble: safetyPreamble,
		ThinkingBudget: budget,
	}

	st, err := o.eng.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	defer st.Close()

	now := o.now()
	o.mu.Lock()
	o.session.Running = true
	o.session.QueryStartedAt = &now
	o.mu.Unlock()

	event.Publish(event.Event{
		Type: event.QueryStarted,
		Data: event.QueryStartedData{Identity: identity, Resumed: resume != ""},
	})

	typingCtx, stopTyping := context.WithCancel(ctx)
	go transport.KeepTyping(typingCtx, o.transport)

	defer func() {
		// Cleanup on every exit path: normal, error, or stop.
		stopTyping()
		o.mu.Lock()
		o.session.Running = false
		o.session.QueryStartedAt = nil
		o.session.CurrentTool = ""
		o.mu.Unlock()
	}()

	sink := stream.NewSink(o.transport, o.streamCfg)
	turnID := ulid.Make().String()

	var (
		all      strings.Builder // full assistant text across segments
		segText  strings.Builder // current segment's accumulated text
		segNum   int
		segOpen  bool
		usage    types.Usage
		complete bool
	)

	segmentID := func() string { return fmt.Sprintf("%s-%d", turnID, segNum) }
	closeSegment := func() {
		if segOpen {
			sink.Handle(ctx, stream.SegmentEnd{SegmentID: segmentID(), Content: segText.String()})
			segText.Reset()
			segNum++
			segOpen = false
		}
	}

	for {
		o.mu.Lock()
		stopped := o.stopRequested
		o.mu.Unlock()
		if stopped {
			// Cooperative cancellation: the signal was delivered via
			// Stop(); just stop consuming.
			closeSegment()
			sink.Handle(ctx, stream.Done{})
			return "", ErrStopped
		}

		ev, err := st.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			closeSegment()
			sink.Handle(ctx, stream.Done{})
			if ctx.Err() != nil && !engine.IsProcessExit(err) {
				return "", ErrStopped
			}
			return "", err
		}

		switch e := ev.(type) {
		case engine.SessionEvent:
			o.adoptSession(e.ID)

		case engine.ThinkingEvent:
			sink.Handle(ctx, stream.Thinking{Text: e.Text})

		case engine.ToolUseEvent:
			if err := o.gateTool(ctx, sink, e); err != nil {
				return "", err
			}
			// Tool use ends the current contiguous run of text.
			closeSegment()
			sink.Handle(ctx, stream.Tool{Display: toolDisplay(e)})
			o.mu.Lock()
			o.session.CurrentTool = e.Name
			o.session.LastTool = e.Name
			o.mu.Unlock()

		case engine.TextEvent:
			segText.WriteString(e.Text)
			all.WriteString(e.Text)
			segOpen = true
			sink.Handle(ctx, stream.Text{SegmentID: segmentID(), Content: segText.String()})

		case engine.ResultEvent:
			usage = e.Usage
			complete = true
		}
	}

	closeSegment()
	sink.Handle(ctx, stream.Done{})

	if !complete {
		return "", &engine.ProcessExitError{
			Code: -1,
			Err:  errors.New("stream ended without a result event"),
		}
	}

	o.mu.Lock()
	o.session.LastUsage = usage
	sessionID := o.session.ID
	o.mu.Unlock()

	event.Publish(event.Event{
		Type: event.QueryCompleted,
		Data: event.QueryCompletedData{Identity: identity, SessionID: sessionID, Usage: usage},
	})

	return all.String(), nil
}

// adoptSession records the engine-confirmed conversation identity and
// persists it for later resume. Only the first identity of a session is
// adopted.
func (o *Orchestrator) adoptSession(id string) {
	o.mu.Lock()
	if o.session.ID != "" || id == "" {
		o.mu.Unlock()
		return
	}
	o.session.ID = id
	o.mu.Unlock()

	if o.store == nil {
		return
	}
	rec := types.SessionRecord{
		SessionID:  id,
		SavedAt:    o.now(),
		WorkingDir: o.workDir,
	}
	if err := o.store.SaveSession(rec); err != nil {
		o.log.Warn().Err(err).Msg("persist session record failed")
	}
}

// gateTool applies the safety gate to an attempted tool action. A rejection
// renders a visible blocked notice and fails the turn: the engine is never
// allowed to continue without the tool.
func (o *Orchestrator) gateTool(ctx context.Context, sink *stream.Sink, e engine.ToolUseEvent) error {
	var reason string

	switch {
	case isCommandTool(e.Name):
		// A command tool whose input cannot be read is blocked, not
		// waved through.
		cmd, ok := commandArg(e.Input)
		if !ok {
			reason = "command tool without a readable command argument"
			break
		}
		if safe, why := o.gate.CheckCommandSafety(cmd); !safe {
			reason = why
		}
	case isFileTool(e.Name):
		path, ok := pathArg(e.Input)
		if !ok {
			reason = "file tool without a readable path argument"
			break
		}
		if isReadTool(e.Name) && o.readExempt(path) {
			break
		}
		if !o.gate.IsPathAllowed(path) {
			reason = "path outside allowed directories: " + path
		}
	}

	if reason == "" {
		return nil
	}

	o.log.Warn().Str("tool", e.Name).Str("reason", reason).Msg("tool blocked")
	event.Publish(event.Event{
		Type: event.ToolBlocked,
		Data: event.ToolBlockedData{Tool: e.Name, Reason: reason},
	})
	if _, err := o.transport.Send(ctx, transport.Message{Text: "blocked " + e.Name + ": " + reason}); err != nil {
		o.log.Warn().Err(err).Msg("blocked notice send failed")
	}
	sink.Handle(ctx, stream.Done{})

	return &safety.BlockedError{Tool: e.Name, Reason: reason}
}

// readExempt reports whether a read may bypass the allowed-roots check:
// temp roots and the internal state directory are always readable.
func (o *Orchestrator) readExempt(path string) bool {
	if o.gate.InTempRoot(path) {
		return true
	}
	if o.store != nil && strings.HasPrefix(path, o.store.Dir()) {
		return true
	}
	return false
}

func isCommandTool(name string) bool {
	switch strings.ToLower(name) {
	case "bash", "shell", "exec", "run_command":
		return true
	}
	return false
}

func isFileTool(name string) bool {
	switch strings.ToLower(name) {
	case "read", "write", "edit", "read_file", "write_file", "edit_file":
		return true
	}
	return false
}

func isReadTool(name string) bool {
	switch strings.ToLower(name) {
	case "read", "read_file":
		return true
	}
	return false
}

// commandArg extracts the shell command from a tool input.
func commandArg(input map[string]any) (string, bool) {
	if cmd, ok := input["command"].(string); ok && cmd != "" {
		return cmd, true
	}
	return "", false
}

// pathArg extracts the target path from a tool input.
func pathArg(input map[string]any) (string, bool) {
	for _, key := range []string{"path", "file_path", "filePath"} {
		if p, ok := input[key].(string); ok && p != "" {
			return p, true
		}
	}
	return "", false
}

// toolDisplay formats a tool-use event for the progress indicator.
func toolDisplay(e engine.ToolUseEvent) string {
	if cmd, ok := commandArg(e.Input); ok {
		return e.Name + ": " + cmd
	}
	if path, ok := pathArg(e.Input); ok {
		return e.Name + ": " + path
	}
	return e.Name
}
