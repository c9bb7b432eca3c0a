package event

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesMatchingType(t *testing.T) {
	b := NewBus()
	defer b.Close()

	var mu sync.Mutex
	var got []Event
	b.Subscribe(QueryStarted, func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	b.PublishSync(Event{Type: QueryStarted, Data: QueryStartedData{Identity: "alice"}})
	b.PublishSync(Event{Type: QueryCompleted})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1, "a typed subscriber only sees its type")
	data, ok := got[0].Data.(QueryStartedData)
	require.True(t, ok, "payload type information survives delivery")
	assert.Equal(t, "alice", data.Identity)
}

func TestSubscribeAllReceivesEverything(t *testing.T) {
	b := NewBus()
	defer b.Close()

	var mu sync.Mutex
	var types []Type
	b.SubscribeAll(func(ev Event) {
		mu.Lock()
		types = append(types, ev.Type)
		mu.Unlock()
	})

	b.PublishSync(Event{Type: QueryStarted})
	b.PublishSync(Event{Type: ToolBlocked})
	b.PublishSync(Event{Type: RateLimited})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Type{QueryStarted, ToolBlocked, RateLimited}, types)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus()
	defer b.Close()

	count := 0
	unsub := b.Subscribe(QueryStarted, func(Event) { count++ })

	b.PublishSync(Event{Type: QueryStarted})
	unsub()
	b.PublishSync(Event{Type: QueryStarted})

	assert.Equal(t, 1, count)
}

func TestPublishIsAsynchronous(t *testing.T) {
	b := NewBus()
	defer b.Close()

	done := make(chan struct{})
	b.Subscribe(QueryStarted, func(Event) { close(done) })

	b.Publish(Event{Type: QueryStarted})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async delivery never happened")
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBus()
	defer b.Close()

	release := make(chan struct{})
	b.Subscribe(QueryStarted, func(Event) { <-release })

	start := time.Now()
	b.Publish(Event{Type: QueryStarted})
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	close(release)
}

func TestClosedBusDropsEverything(t *testing.T) {
	b := NewBus()

	count := 0
	b.Subscribe(QueryStarted, func(Event) { count++ })
	require.NoError(t, b.Close())

	b.PublishSync(Event{Type: QueryStarted})
	assert.Zero(t, count)

	// Subscribing after close is a no-op, not a panic.
	unsub := b.Subscribe(QueryStarted, func(Event) {})
	unsub()
}
