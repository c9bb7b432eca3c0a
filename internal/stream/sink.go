package stream

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/chatrelay/chatrelay/internal/event"
	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/transport"
	"github.com/chatrelay/chatrelay/pkg/types"
)

const (
	defaultThrottle    = 900 * time.Millisecond
	defaultDisplayCap  = 3900
	defaultUnitCap     = 4096
	defaultThinkingCap = 240

	ellipsis = "…"
)

// Sink consumes one query's event stream and renders it on a transport. A
// segment's displayable unit is created on its first Text event and edited
// afterwards; thinking/tool indicators are ephemeral and removed on Done.
//
// Every transport failure is logged and swallowed: a rendering hiccup must
// never abort the underlying query. One Sink serves one query; a retried
// turn gets a fresh Sink.
type Sink struct {
	transport transport.Transport
	log       zerolog.Logger

	throttle    time.Duration
	displayCap  int
	unitCap     int
	thinkingCap int

	handles     map[string]transport.Handle
	lastEdit    map[string]time.Time
	lastContent map[string]string
	ephemeral   []transport.Handle

	// now is replaceable for tests.
	now func() time.Time
}

// NewSink creates a Sink over a transport.
func NewSink(t transport.Transport, cfg types.StreamConfig) *Sink {
	s := &Sink{
		transport:   t,
		log:         logging.Component("stream"),
		throttle:    cfg.Throttle(),
		displayCap:  cfg.DisplayCap,
		unitCap:     cfg.UnitCap,
		thinkingCap: cfg.ThinkingCap,
		handles:     make(map[string]transport.Handle),
		lastEdit:    make(map[string]time.Time),
		lastContent: make(map[string]string),
		now:         time.Now,
	}
	if s.throttle <= 0 {
		s.throttle = defaultThrottle
	}
	if s.displayCap <= 0 {
		s.displayCap = defaultDisplayCap
	}
	if s.unitCap <= 0 {
		s.unitCap = defaultUnitCap
	}
	if s.thinkingCap <= 0 {
		s.thinkingCap = defaultThinkingCap
	}
	return s
}

// Handle dispatches one stream event.
func (s *Sink) Handle(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case Thinking:
		s.handleThinking(ctx, e)
	case Tool:
		s.handleTool(ctx, e)
	case Text:
		s.handleText(ctx, e)
	case SegmentEnd:
		s.handleSegmentEnd(ctx, e)
	case Done:
		s.handleDone(ctx)
	}
}

func (s *Sink) handleThinking(ctx context.Context, e Thinking) {
	text := truncate(strings.TrimSpace(e.Text), s.thinkingCap)
	if text == "" {
		return
	}
	h, err := s.send(ctx, "_thinking: "+text+"_", "thinking: "+text)
	if err != nil {
		s.log.Warn().Err(err).Msg("thinking render failed")
		return
	}
	s.ephemeral = append(s.ephemeral, h)
}

func (s *Sink) handleTool(ctx context.Context, e Tool) {
	h, err := s.send(ctx, "_using: "+e.Display+"_", "using: "+e.Display)
	if err != nil {
		s.log.Warn().Err(err).Msg("tool render failed")
		return
	}
	s.ephemeral = append(s.ephemeral, h)
}

func (s *Sink) handleText(ctx context.Context, e Text) {
	rendered := truncate(e.Content, s.displayCap)

	h, exists := s.handles[e.SegmentID]
	if !exists {
		h, err := s.send(ctx, rendered, rendered)
		if err != nil {
			s.log.Warn().Err(err).Msg("segment create failed")
			return
		}
		s.handles[e.SegmentID] = h
		s.lastEdit[e.SegmentID] = s.now()
		s.lastContent[e.SegmentID] = rendered
		s.publish(e.SegmentID, false)
		return
	}

	if s.now().Sub(s.lastEdit[e.SegmentID]) < s.throttle {
		return
	}
	if rendered == s.lastContent[e.SegmentID] {
		return
	}

	if err := s.edit(ctx, h, rendered); err != nil {
		s.log.Warn().Err(err).Str("segment", e.SegmentID).Msg("segment edit failed")
		return
	}
	s.lastEdit[e.SegmentID] = s.now()
	s.lastContent[e.SegmentID] = rendered
	s.publish(e.SegmentID, false)
}

func (s *Sink) handleSegmentEnd(ctx context.Context, e SegmentEnd) {
	if e.Content == s.lastContent[e.SegmentID] {
		return
	}

	h, exists := s.handles[e.SegmentID]

	if len(e.Content) > s.unitCap {
		// The final content no longer fits one unit: replace the live
		// unit with the content split across bounded units.
		if exists {
			if err := s.transport.Delete(ctx, h); err != nil {
				s.log.Warn().Err(err).Msg("segment delete failed")
			}
			delete(s.handles, e.SegmentID)
		}
		for _, chunk := range split(e.Content, s.unitCap) {
			if _, err := s.send(ctx, chunk, chunk); err != nil {
				s.log.Warn().Err(err).Msg("segment overflow send failed")
			}
		}
		s.lastContent[e.SegmentID] = e.Content
		s.publish(e.SegmentID, true)
		return
	}

	if !exists {
		nh, err := s.send(ctx, e.Content, e.Content)
		if err != nil {
			s.log.Warn().Err(err).Msg("segment final send failed")
			return
		}
		s.handles[e.SegmentID] = nh
	} else if err := s.edit(ctx, h, e.Content); err != nil {
		s.log.Warn().Err(err).Str("segment", e.SegmentID).Msg("segment final edit failed")
		return
	}
	s.lastContent[e.SegmentID] = e.Content
	s.publish(e.SegmentID, true)
}

func (s *Sink) handleDone(ctx context.Context) {
	for _, h := range s.ephemeral {
		if err := s.transport.Delete(ctx, h); err != nil {
			s.log.Debug().Err(err).Msg("ephemeral delete failed")
		}
	}
	s.ephemeral = nil
}

// send attempts a rich rendering first and falls back to plain text when the
// transport rejects the markup.
func (s *Sink) send(ctx context.Context, rich, plain string) (transport.Handle, error) {
	h, err := s.transport.Send(ctx, transport.Message{Text: rich, Rich: true})
	if errors.Is(err, transport.ErrBadMarkup) {
		return s.transport.Send(ctx, transport.Message{Text: plain})
	}
	return h, err
}

// edit mirrors send's rich-then-plain fallback.
func (s *Sink) edit(ctx context.Context, h transport.Handle, text string) error {
	err := s.transport.Edit(ctx, h, transport.Message{Text: text, Rich: true})
	if errors.Is(err, transport.ErrBadMarkup) {
		return s.transport.Edit(ctx, h, transport.Message{Text: text})
	}
	return err
}

func (s *Sink) publish(segmentID string, final bool) {
	event.Publish(event.Event{
		Type: event.SegmentUpdated,
		Data: event.SegmentUpdatedData{SegmentID: segmentID, Final: final},
	})
}

// truncate caps a string for live display, marking the cut with an ellipsis.
func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := limit - len(ellipsis)
	if cut < 0 {
		cut = 0
	}
	// Do not cut inside a UTF-8 sequence.
	for cut > 0 && text[cut]&0xC0 == 0x80 {
		cut--
	}
	return text[:cut] + ellipsis
}

// split breaks content into units of at most max bytes. Splits prefer
// newline boundaries; concatenating the chunks reproduces the content
// exactly.
func split(content string, max int) []string {
	var chunks []string
	for len(content) > max {
		cut := strings.LastIndexByte(content[:max], '\n')
		if cut <= 0 {
			cut = max
			for cut > 0 && content[cut]&0xC0 == 0x80 {
				cut--
			}
			if cut == 0 {
				cut = max
			}
		} else {
			cut++ // keep the newline with the leading chunk
		}
		chunks = append(chunks, content[:cut])
		content = content[cut:]
	}
	if content != "" {
		chunks = append(chunks, content)
	}
	return chunks
}
