package groupbuf

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatrelay/internal/ratelimit"
	"github.com/chatrelay/chatrelay/internal/transport"
	"github.com/chatrelay/chatrelay/pkg/types"
)

func permissiveLimiter() *ratelimit.Limiter {
	return ratelimit.New(types.RateLimitConfig{Disabled: true})
}

// batchCollector records every batch it receives.
type batchCollector struct {
	mu      sync.Mutex
	batches [][]string
	caption string
	fired   chan struct{}
}

func newBatchCollector() *batchCollector {
	return &batchCollector{fired: make(chan struct{}, 8)}
}

func (c *batchCollector) collect(_ context.Context, items []string, caption, _ string) {
	c.mu.Lock()
	c.batches = append(c.batches, items)
	c.caption = caption
	c.mu.Unlock()
	c.fired <- struct{}{}
}

func (c *batchCollector) wait(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case <-c.fired:
	case <-time.After(d):
		t.Fatal("batch callback never fired")
	}
}

func TestSlidingDebounceFiresOnceWithAllItems(t *testing.T) {
	const debounce = 250 * time.Millisecond
	rec := transport.NewRecorder()
	b := New[string](debounce, permissiveLimiter(), rec)
	c := newBatchCollector()
	ctx := context.Background()

	// Items land at t=0, t=0.5T, t=0.9T; each arrival re-arms the timer.
	start := time.Now()
	b.Add(ctx, "album-1", "one", "alice", "caption", c.collect)
	time.Sleep(debounce / 2)
	b.Add(ctx, "album-1", "two", "alice", "", c.collect)
	time.Sleep(4 * debounce / 10)
	b.Add(ctx, "album-1", "three", "alice", "", c.collect)

	c.wait(t, 5*debounce)
	elapsed := time.Since(start)

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.batches, 1, "the batch must fire exactly once")
	assert.Equal(t, []string{"one", "two", "three"}, c.batches[0], "arrival order is preserved")
	assert.Equal(t, "caption", c.caption)
	assert.GreaterOrEqual(t, elapsed, debounce+9*debounce/10,
		"the batch closes one quiet period after the last item, not the first")
	assert.Zero(t, b.Pending())
}

func TestGroupsAreIsolated(t *testing.T) {
	const debounce = 60 * time.Millisecond
	rec := transport.NewRecorder()
	b := New[string](debounce, permissiveLimiter(), rec)
	c1 := newBatchCollector()
	c2 := newBatchCollector()
	ctx := context.Background()

	b.Add(ctx, "album-1", "a1", "alice", "", c1.collect)
	b.Add(ctx, "album-2", "b1", "bob", "", c2.collect)
	b.Add(ctx, "album-2", "b2", "bob", "", c2.collect)

	c1.wait(t, 5*debounce)
	c2.wait(t, 5*debounce)

	c1.mu.Lock()
	assert.Equal(t, [][]string{{"a1"}}, c1.batches)
	c1.mu.Unlock()
	c2.mu.Lock()
	assert.Equal(t, [][]string{{"b1", "b2"}}, c2.batches)
	c2.mu.Unlock()
}

func TestFirstCaptionWins(t *testing.T) {
	rec := transport.NewRecorder()
	b := New[string](50*time.Millisecond, permissiveLimiter(), rec)
	c := newBatchCollector()
	ctx := context.Background()

	b.Add(ctx, "album-1", "one", "alice", "", c.collect)
	b.Add(ctx, "album-1", "two", "alice", "late caption", c.collect)

	c.wait(t, time.Second)
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, "late caption", c.caption, "an empty caption adopts the first non-empty one")
}

func TestDeniedFirstItemCreatesNothing(t *testing.T) {
	rec := transport.NewRecorder()
	limiter := ratelimit.New(types.RateLimitConfig{MaxRequests: 1, WindowSeconds: 3600})
	b := New[string](50*time.Millisecond, limiter, rec)
	c := newBatchCollector()
	ctx := context.Background()

	// Exhaust the identity's budget.
	accepted, _ := b.Add(ctx, "album-1", "one", "alice", "", c.collect)
	require.True(t, accepted)
	c.wait(t, time.Second)

	accepted, retryAfter := b.Add(ctx, "album-2", "two", "alice", "", c.collect)
	assert.False(t, accepted)
	assert.Greater(t, retryAfter, 0.0)
	assert.Zero(t, b.Pending(), "a denied first item must not leave a group behind")
}

func TestAdmittedGroupAcceptsLaterItemsFreely(t *testing.T) {
	rec := transport.NewRecorder()
	limiter := ratelimit.New(types.RateLimitConfig{MaxRequests: 1, WindowSeconds: 3600})
	b := New[string](80*time.Millisecond, limiter, rec)
	c := newBatchCollector()
	ctx := context.Background()

	accepted, _ := b.Add(ctx, "album-1", "one", "alice", "", c.collect)
	require.True(t, accepted)
	accepted, _ = b.Add(ctx, "album-1", "two", "alice", "", c.collect)
	assert.True(t, accepted, "admission is charged once per group, not per item")

	c.wait(t, time.Second)
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, []string{"one", "two"}, c.batches[0])
}

func TestIndicatorLifecycle(t *testing.T) {
	rec := transport.NewRecorder()
	b := New[string](50*time.Millisecond, permissiveLimiter(), rec)
	c := newBatchCollector()

	b.Add(context.Background(), "album-1", "one", "alice", "", c.collect)
	c.wait(t, time.Second)

	ops := rec.Ops()
	require.NotEmpty(t, ops)
	assert.Equal(t, "send", ops[0].Kind)
	assert.Contains(t, ops[0].Msg.Text, "receiving")
	assert.Empty(t, rec.Live(), "the indicator is deleted after the batch is handed off")
}

func TestStopDropsPendingGroups(t *testing.T) {
	rec := transport.NewRecorder()
	b := New[string](time.Hour, permissiveLimiter(), rec)
	c := newBatchCollector()

	b.Add(context.Background(), "album-1", "one", "alice", "", c.collect)
	require.Equal(t, 1, b.Pending())

	b.Stop()
	assert.Zero(t, b.Pending())
	select {
	case <-c.fired:
		t.Fatal("a stopped buffer must not process pending groups")
	case <-time.After(50 * time.Millisecond):
	}
}
