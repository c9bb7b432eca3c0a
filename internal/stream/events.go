// Package stream renders an ordered query event stream as incremental
// progress messages on a transport.
package stream

// Event is one item of a query's ordered output stream. The union is
// closed: adding a kind means updating every switch over it.
type Event interface {
	streamEvent()
}

// Thinking is an ephemeral reasoning indicator. Rendered once, never edited.
type Thinking struct {
	Text string
}

func (Thinking) streamEvent() {}

// Tool is an ephemeral tool-use indicator.
type Tool struct {
	Display string
}

func (Tool) streamEvent() {}

// Text carries the accumulated content of a segment so far.
type Text struct {
	SegmentID string
	Content   string
}

func (Text) streamEvent() {}

// SegmentEnd closes a segment with its final content.
type SegmentEnd struct {
	SegmentID string
	Content   string
}

func (SegmentEnd) streamEvent() {}

// Done ends the query; ephemeral indicators are discarded.
type Done struct{}

func (Done) streamEvent() {}
