package transport

import (
	"context"
	"fmt"
	"sync"
)

// Op is one recorded transport call.
type Op struct {
	Kind   string // "send" | "edit" | "delete"
	Handle Handle
	Msg    Message
}

// Recorder is an in-memory Transport for tests. It records every call and
// can be scripted to fail rich renders or arbitrary operations.
type Recorder struct {
	mu     sync.Mutex
	ops    []Op
	nextID int

	// RejectRich makes every rich Send/Edit fail with ErrBadMarkup.
	RejectRich bool
	// FailEdits makes every Edit fail.
	FailEdits bool

	typing int
	live   map[Handle]Message
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{live: make(map[Handle]Message)}
}

func (r *Recorder) Send(ctx context.Context, msg Message) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.RejectRich && msg.Rich {
		return "", ErrBadMarkup
	}

	r.nextID++
	h := Handle(fmt.Sprintf("m%d", r.nextID))
	r.live[h] = msg
	r.ops = append(r.ops, Op{Kind: "send", Handle: h, Msg: msg})
	return h, nil
}

func (r *Recorder) Edit(ctx context.Context, h Handle, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.FailEdits {
		return fmt.Errorf("edit failed")
	}
	if r.RejectRich && msg.Rich {
		return ErrBadMarkup
	}
	if _, ok := r.live[h]; !ok {
		return fmt.Errorf("no such handle: %s", h)
	}

	r.live[h] = msg
	r.ops = append(r.ops, Op{Kind: "edit", Handle: h, Msg: msg})
	return nil
}

func (r *Recorder) Delete(ctx context.Context, h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.live, h)
	r.ops = append(r.ops, Op{Kind: "delete", Handle: h})
	return nil
}

func (r *Recorder) SendTyping(ctx context.Context) {
	r.mu.Lock()
	r.typing++
	r.mu.Unlock()
}

// Ops returns a copy of all recorded calls.
func (r *Recorder) Ops() []Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Op(nil), r.ops...)
}

// Live returns the messages currently visible (sent and not deleted).
func (r *Recorder) Live() map[Handle]Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Handle]Message, len(r.live))
	for h, m := range r.live {
		out[h] = m
	}
	return out
}

// TypingCount returns how many typing indicators were sent.
func (r *Recorder) TypingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.typing
}
