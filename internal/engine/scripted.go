package engine

import (
	"context"
	"sync"
)

// Script is one scripted engine invocation: the events to replay and an
// optional error ending the stream instead of a clean EOF.
type Script struct {
	Events []Event
	Err    error
}

// Scripted is an Engine fake that replays canned scripts, one per Stream
// call, and records the requests it received.
type Scripted struct {
	mu       sync.Mutex
	scripts  []Script
	calls    int
	requests []Request
	resets   int

	// Block, when non-nil, is closed by the test to release a stream
	// that should stall before its first event.
	Block chan struct{}
}

// NewScripted creates a fake that replays the given scripts in order. Calls
// beyond the script list replay the last script.
func NewScripted(scripts ...Script) *Scripted {
	return &Scripted{scripts: scripts}
}

func (s *Scripted) Stream(ctx context.Context, req Request) (*Stream, error) {
	s.mu.Lock()
	script := s.scripts[min(s.calls, len(s.scripts)-1)]
	s.calls++
	s.requests = append(s.requests, req)
	block := s.Block
	s.mu.Unlock()

	events := make(chan Event, len(script.Events))
	var streamErr error

	go func() {
		defer close(events)
		if block != nil {
			select {
			case <-block:
			case <-ctx.Done():
				streamErr = ctx.Err()
				return
			}
		}
		for _, ev := range script.Events {
			select {
			case <-ctx.Done():
				streamErr = ctx.Err()
				return
			case events <- ev:
			}
		}
		streamErr = script.Err
	}()

	return ChanStream(events, &streamErr), nil
}

func (s *Scripted) Reset() {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
}

// Calls returns how many times Stream was invoked.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Resets returns how many times Reset was invoked.
func (s *Scripted) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// Requests returns a copy of the recorded requests.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}
