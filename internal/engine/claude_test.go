package engine

import (
	"context"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatrelay/pkg/types"
)

func TestEngineConfigDefaults(t *testing.T) {
	cfg := engineConfig("key", types.EngineConfig{}, 0)

	assert.Equal(t, "key", cfg.APIKey)
	assert.Equal(t, defaultModel, cfg.Model)
	assert.Equal(t, 8192, cfg.MaxTokens)
	assert.Nil(t, cfg.BaseURL)
	assert.Nil(t, cfg.Thinking)
}

func TestEngineConfigThinkingBudget(t *testing.T) {
	cfg := engineConfig("key", types.EngineConfig{
		Model:     "claude-opus-4-20250514",
		MaxTokens: 4096,
		BaseURL:   "https://proxy.internal",
	}, 10000)

	assert.Equal(t, "claude-opus-4-20250514", cfg.Model)
	assert.Equal(t, 4096, cfg.MaxTokens)
	require.NotNil(t, cfg.BaseURL)
	assert.Equal(t, "https://proxy.internal", *cfg.BaseURL)
	require.NotNil(t, cfg.Thinking)
	assert.True(t, cfg.Thinking.Enable)
	assert.Equal(t, 10000, cfg.Thinking.BudgetTokens)
}

func TestToolCallBufferSingleChunk(t *testing.T) {
	b := newToolCallBuffer()

	ev, ready := b.add(schema.ToolCall{
		ID:       "call_1",
		Function: schema.FunctionCall{Name: "bash", Arguments: `{"command":"ls"}`},
	})
	require.True(t, ready)
	assert.Equal(t, "bash", ev.Name)
	assert.Equal(t, "ls", ev.Input["command"])
}

func TestToolCallBufferAccumulatesDeltas(t *testing.T) {
	b := newToolCallBuffer()

	_, ready := b.add(schema.ToolCall{
		ID:       "call_1",
		Function: schema.FunctionCall{Name: "bash", Arguments: `{"com`},
	})
	assert.False(t, ready, "half a JSON object is not a call yet")

	ev, ready := b.add(schema.ToolCall{
		ID:       "call_1",
		Function: schema.FunctionCall{Arguments: `mand":"rm -rf /"}`},
	})
	require.True(t, ready)
	assert.Equal(t, "bash", ev.Name)
	assert.Equal(t, "rm -rf /", ev.Input["command"],
		"the decoded command must be visible to the safety gate")

	// A completed call never fires twice.
	_, ready = b.add(schema.ToolCall{ID: "call_1", Function: schema.FunctionCall{Arguments: "{}"}})
	assert.False(t, ready)
	assert.Empty(t, b.flush())
}

func TestToolCallBufferInterleavedCalls(t *testing.T) {
	b := newToolCallBuffer()

	_, ready := b.add(schema.ToolCall{
		ID:       "a",
		Function: schema.FunctionCall{Name: "read", Arguments: `{"path":`},
	})
	assert.False(t, ready)

	ev, ready := b.add(schema.ToolCall{
		ID:       "b",
		Function: schema.FunctionCall{Name: "bash", Arguments: `{"command":"pwd"}`},
	})
	require.True(t, ready)
	assert.Equal(t, "bash", ev.Name)

	ev, ready = b.add(schema.ToolCall{
		ID:       "a",
		Function: schema.FunctionCall{Arguments: `"/tmp/x"}`},
	})
	require.True(t, ready)
	assert.Equal(t, "read", ev.Name)
	assert.Equal(t, "/tmp/x", ev.Input["path"])
}

func TestToolCallBufferFlushKeepsIncompleteRaw(t *testing.T) {
	b := newToolCallBuffer()

	_, ready := b.add(schema.ToolCall{
		ID:       "call_1",
		Function: schema.FunctionCall{Name: "bash", Arguments: `{"command":"sudo`},
	})
	assert.False(t, ready)

	evs := b.flush()
	require.Len(t, evs, 1)
	assert.Equal(t, "bash", evs[0].Name)
	assert.Equal(t, `{"command":"sudo`, evs[0].Input["raw"],
		"a truncated call still surfaces so the consumer can refuse it")
	assert.NotContains(t, evs[0].Input, "command")
}

func TestSendEventDelivers(t *testing.T) {
	ch := make(chan Event, 1)
	assert.True(t, sendEvent(context.Background(), ch, TextEvent{Text: "hi"}))
	assert.Equal(t, TextEvent{Text: "hi"}, <-ch)
}

func TestSendEventAbandonsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch := make(chan Event) // no receiver, ever
	done := make(chan bool, 1)
	go func() {
		done <- sendEvent(ctx, ch, TextEvent{Text: "stranded"})
	}()

	select {
	case sent := <-done:
		assert.False(t, sent)
	case <-time.After(time.Second):
		t.Fatal("sendEvent blocked on a canceled context")
	}
}
