package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderLifecycle(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()

	h1, err := r.Send(ctx, Message{Text: "one"})
	require.NoError(t, err)
	h2, err := r.Send(ctx, Message{Text: "two"})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)

	require.NoError(t, r.Edit(ctx, h1, Message{Text: "one edited"}))
	require.NoError(t, r.Delete(ctx, h2))

	live := r.Live()
	require.Len(t, live, 1)
	assert.Equal(t, "one edited", live[h1].Text)

	assert.Error(t, r.Edit(ctx, h2, Message{Text: "gone"}))
}

func TestRecorderRejectsRich(t *testing.T) {
	r := NewRecorder()
	r.RejectRich = true
	ctx := context.Background()

	_, err := r.Send(ctx, Message{Text: "*bold*", Rich: true})
	assert.ErrorIs(t, err, ErrBadMarkup)

	h, err := r.Send(ctx, Message{Text: "plain"})
	require.NoError(t, err)
	assert.ErrorIs(t, r.Edit(ctx, h, Message{Text: "*bold*", Rich: true}), ErrBadMarkup)
}

func TestKeepTypingSendsImmediatelyAndStops(t *testing.T) {
	r := NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		KeepTyping(ctx, r)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for r.TypingCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.GreaterOrEqual(t, r.TypingCount(), 1, "the first indicator is sent without waiting for a tick")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("KeepTyping did not stop on cancellation")
	}
}
