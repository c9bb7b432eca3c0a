package commands

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/chatrelay/chatrelay/internal/transport"
)

// consoleTransport renders displayable units as numbered stdout lines. It
// exists so the relay is drivable without a chat platform; edits reprint
// the unit with its original number.
type consoleTransport struct {
	mu   sync.Mutex
	out  io.Writer
	next int
}

func newConsoleTransport(out io.Writer) *consoleTransport {
	return &consoleTransport{out: out}
}

func (c *consoleTransport) Send(ctx context.Context, msg transport.Message) (transport.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	h := transport.Handle(fmt.Sprintf("%d", c.next))
	fmt.Fprintf(c.out, "[%s] %s\n", h, msg.Text)
	return h, nil
}

func (c *consoleTransport) Edit(ctx context.Context, h transport.Handle, msg transport.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "[%s*] %s\n", h, msg.Text)
	return nil
}

func (c *consoleTransport) Delete(ctx context.Context, h transport.Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "[%s-]\n", h)
	return nil
}

func (c *consoleTransport) SendTyping(ctx context.Context) {}
