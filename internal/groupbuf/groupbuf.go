// Package groupbuf coalesces rapid bursts of grouped items (an attachment
// album) into one batch. Chat platforms deliver album items as independent
// messages with no end-of-group marker, so the batch closes after a sliding
// quiet period following the last item.
package groupbuf

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chatrelay/chatrelay/internal/event"
	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/ratelimit"
	"github.com/chatrelay/chatrelay/internal/transport"
)

const defaultDebounce = 2 * time.Second

// BatchFunc processes one completed batch in arrival order.
type BatchFunc[T any] func(ctx context.Context, items []T, caption, identity string)

// group is one pending batch. It exists only between the first item's
// arrival and the debounce firing.
type group[T any] struct {
	items        []T
	caption      string
	identity     string
	indicator    transport.Handle
	hasIndicator bool
	timer        *time.Timer
	onBatch      BatchFunc[T]
}

// Buffer accumulates items per group id. Admission is checked once, on the
// first item of a group; later items of an admitted group ride for free.
type Buffer[T any] struct {
	mu     sync.Mutex
	groups map[string]*group[T]

	debounce  time.Duration
	limiter   *ratelimit.Limiter
	transport transport.Transport
	log       zerolog.Logger
}

// New creates a Buffer with the given debounce window.
func New[T any](debounce time.Duration, limiter *ratelimit.Limiter, t transport.Transport) *Buffer[T] {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Buffer[T]{
		groups:    make(map[string]*group[T]),
		debounce:  debounce,
		limiter:   limiter,
		transport: t,
		log:       logging.Component("groupbuf"),
	}
}

// Add appends an item to its group, creating the group (and checking
// admission) on the first item. A denial reports the retry hint and creates
// nothing. Each new item re-arms the debounce timer, so the batch closes one
// quiet period after the last item.
func (b *Buffer[T]) Add(ctx context.Context, groupID string, item T, identity, caption string, onBatch BatchFunc[T]) (accepted bool, retryAfter float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.groups[groupID]
	if ok {
		g.items = append(g.items, item)
		if g.caption == "" {
			g.caption = caption
		}
		// Sliding window: replace, never stack.
		g.timer.Stop()
		g.timer = time.AfterFunc(b.debounce, func() { b.flush(groupID) })
		return true, 0
	}

	if allowed, after := b.limiter.Check(identity); !allowed {
		return false, after
	}

	g = &group[T]{
		items:    []T{item},
		caption:  caption,
		identity: identity,
		onBatch:  onBatch,
	}
	if h, err := b.transport.Send(ctx, transport.Message{Text: "receiving items…"}); err == nil {
		g.indicator = h
		g.hasIndicator = true
	} else {
		b.log.Warn().Err(err).Msg("group indicator send failed")
	}
	g.timer = time.AfterFunc(b.debounce, func() { b.flush(groupID) })
	b.groups[groupID] = g

	return true, 0
}

// flush hands a completed group to its batch callback. The group is removed
// from the map before the callback runs so a racing timer cannot
// double-process it.
func (b *Buffer[T]) flush(groupID string) {
	b.mu.Lock()
	g, ok := b.groups[groupID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.groups, groupID)
	b.mu.Unlock()

	ctx := context.Background()

	if g.hasIndicator {
		msg := transport.Message{Text: fmt.Sprintf("processing %d items…", len(g.items))}
		if err := b.transport.Edit(ctx, g.indicator, msg); err != nil {
			b.log.Debug().Err(err).Msg("group indicator edit failed")
		}
	}

	event.Publish(event.Event{
		Type: event.GroupFlushed,
		Data: event.GroupFlushedData{GroupID: groupID, Count: len(g.items)},
	})

	g.onBatch(ctx, g.items, g.caption, g.identity)

	if g.hasIndicator {
		if err := b.transport.Delete(ctx, g.indicator); err != nil {
			b.log.Debug().Err(err).Msg("group indicator delete failed")
		}
	}
}

// Pending returns the number of open groups.
func (b *Buffer[T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.groups)
}

// Stop cancels all outstanding timers and drops pending groups without
// processing them.
func (b *Buffer[T]) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, g := range b.groups {
		g.timer.Stop()
		delete(b.groups, id)
	}
}
