// Package engine abstracts the conversational agent execution engine. The
// orchestrator consumes its ordered event stream; the real engine lives
// behind the Engine interface.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/chatrelay/chatrelay/pkg/types"
)

// Request describes one engine invocation.
type Request struct {
	// Prompt is the full user prompt for this turn.
	Prompt string
	// WorkDir is the engine's working directory.
	WorkDir string
	// AllowedDirs are auxiliary directories the engine may access.
	AllowedDirs []string
	// ResumeHandle continues a previous conversation when non-empty.
	ResumeHandle string
	// SafetyPreamble is prepended to the engine's system prompt.
	SafetyPreamble string
	// ThinkingBudget is the reasoning token budget for this turn.
	ThinkingBudget int
}

// Event is one item of the engine's ordered event stream. The union is
// closed; consumers switch exhaustively.
type Event interface {
	engineEvent()
}

// SessionEvent announces the conversation identity. Emitted at most once
// per stream, before any content.
type SessionEvent struct {
	ID string
}

func (SessionEvent) engineEvent() {}

// ThinkingEvent carries a chunk of the engine's reasoning output.
type ThinkingEvent struct {
	Text string
}

func (ThinkingEvent) engineEvent() {}

// ToolUseEvent announces a tool the engine wants to invoke.
type ToolUseEvent struct {
	Name  string
	Input map[string]any
}

func (ToolUseEvent) engineEvent() {}

// TextEvent carries a chunk of assistant text.
type TextEvent struct {
	Text string
}

func (TextEvent) engineEvent() {}

// ResultEvent terminates a successful stream with usage accounting.
type ResultEvent struct {
	Usage types.Usage
}

func (ResultEvent) engineEvent() {}

// Stream is an ordered sequence of engine events. Recv returns io.EOF after
// the terminal event.
type Stream struct {
	recv  func() (Event, error)
	close func()
}

// NewStream wraps receive/close functions as a Stream.
func NewStream(recv func() (Event, error), close func()) *Stream {
	return &Stream{recv: recv, close: close}
}

// Recv returns the next event.
func (s *Stream) Recv() (Event, error) {
	return s.recv()
}

// Close releases the stream.
func (s *Stream) Close() {
	if s.close != nil {
		s.close()
	}
}

// ChanStream builds a Stream from a channel of events, for fakes and
// adapters that produce events on a goroutine.
func ChanStream(ch <-chan Event, errp *error) *Stream {
	return NewStream(func() (Event, error) {
		ev, ok := <-ch
		if !ok {
			if errp != nil && *errp != nil {
				return nil, *errp
			}
			return nil, io.EOF
		}
		return ev, nil
	}, nil)
}

// Engine produces event streams for turns. Implementations must honor
// context cancellation; Reset force-drops any live connection state (used
// between crash-retry attempts).
type Engine interface {
	Stream(ctx context.Context, req Request) (*Stream, error)
	Reset()
}

// ProcessExitError reports that the engine's process died rather than
// returning a business error or a cancellation. Discriminated structurally,
// never by matching error text.
type ProcessExitError struct {
	Code int
	Err  error
}

func (e *ProcessExitError) Error() string {
	return fmt.Sprintf("engine process exited (code %d): %v", e.Code, e.Err)
}

func (e *ProcessExitError) Unwrap() error {
	return e.Err
}

// IsProcessExit reports whether err is (or wraps) a ProcessExitError.
func IsProcessExit(err error) bool {
	var pe *ProcessExitError
	return errors.As(err, &pe)
}
