// Package transport abstracts the chat-side delivery of displayable units.
// The real chat layer (message delivery, editing, typing indicators) lives
// outside this module; everything here is specified at the interface.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrBadMarkup is returned by a transport that cannot render a message's
// rich markup. Callers retry with a plain rendering of the same content.
var ErrBadMarkup = errors.New("transport: unrenderable markup")

// Handle identifies a displayable unit so it can be edited or deleted.
type Handle string

// Message is one displayable unit of content. Rich requests markup
// rendering; a transport may fail it with ErrBadMarkup.
type Message struct {
	Text string
	Rich bool
}

// Transport delivers displayable units. Edit and Delete may fail; callers
// are expected to log and move on rather than propagate.
type Transport interface {
	Send(ctx context.Context, msg Message) (Handle, error)
	Edit(ctx context.Context, h Handle, msg Message) error
	Delete(ctx context.Context, h Handle) error
	SendTyping(ctx context.Context)
}

// TypingInterval is how often the typing indicator is refreshed. Chat
// platforms expire the indicator after a few seconds.
const TypingInterval = 4 * time.Second

// KeepTyping re-sends the typing indicator until ctx is canceled. It sends
// once immediately and then on every interval tick. Fire-and-forget: run it
// in its own goroutine.
func KeepTyping(ctx context.Context, t Transport) {
	t.SendTyping(ctx)

	ticker := time.NewTicker(TypingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.SendTyping(ctx)
		}
	}
}
