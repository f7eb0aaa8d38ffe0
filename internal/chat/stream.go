package chat

import (
	"context"
	"fmt"
	"strings"
)

// Stream is the single-producer event sequence for one chat response. The
// engine emits into it; the transport drains Events until the channel
// closes. Exactly one terminal event (done or error) ends every stream, and
// it is always the last event delivered.
type Stream struct {
	events   chan Event
	terminal bool
	canceled bool
	text     strings.Builder
}

// NewStream allocates a stream. The buffer absorbs bursts of token events so
// generation is not lockstepped to the transport's write pace.
func NewStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = 32
	}
	return &Stream{events: make(chan Event, buffer)}
}

// Events is the consumer side. It closes after the terminal event.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Text returns everything streamed as token events so far. After a canceled
// stream this is the partial text to persist.
func (s *Stream) Text() string {
	return s.text.String()
}

// Canceled reports whether the stream ended by context cancellation rather
// than a terminal event.
func (s *Stream) Canceled() bool {
	return s.canceled
}

// Thinking emits a human-readable stage description.
func (s *Stream) Thinking(ctx context.Context, step string) error {
	return s.emit(ctx, Event{Type: EventThinking, Step: step})
}

// Token emits one incremental text fragment.
func (s *Stream) Token(ctx context.Context, content string) error {
	if err := s.emit(ctx, Event{Type: EventToken, Content: content}); err != nil {
		return err
	}
	s.text.WriteString(content)
	return nil
}

// Artifact emits a fully formed structured payload. Artifacts arrive whole;
// they are never token-streamed.
func (s *Stream) Artifact(ctx context.Context, a *Artifact) error {
	return s.emit(ctx, Event{Type: EventArtifact, Artifact: a})
}

// Done emits the terminal success event and closes the stream.
func (s *Stream) Done(ctx context.Context, resp Response) error {
	ev := Event{
		Type:              EventDone,
		Sources:           resp.Sources,
		CitationMap:       resp.CitationMap,
		RetrievedPassages: resp.RetrievedPassages,
		TokensUsed:        resp.PromptTokens + resp.CompletionTokens,
	}
	return s.finish(ctx, ev, "done")
}

// Fail emits the terminal error event and closes the stream. The message is
// user-facing; callers must not pass upstream error bodies through.
func (s *Stream) Fail(ctx context.Context, message string) error {
	return s.finish(ctx, Event{Type: EventError, Message: message}, "error")
}

func (s *Stream) finish(ctx context.Context, ev Event, outcome string) error {
	if s.terminal {
		return nil
	}
	err := s.emit(ctx, ev)
	s.terminal = true
	close(s.events)
	if err != nil {
		outcome = "canceled"
	}
	streamTerminations.WithLabelValues(outcome).Inc()
	return err
}

func (s *Stream) emit(ctx context.Context, ev Event) error {
	if s.terminal {
		return fmt.Errorf("%w: stream already terminated", ErrStreamingInterrupted)
	}
	if s.canceled {
		return ErrStreamingInterrupted
	}
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		s.canceled = true
		return fmt.Errorf("%w: %v", ErrStreamingInterrupted, ctx.Err())
	}
}

// Abort closes the stream without a terminal event, for producers that bail
// out after cancellation. Draining consumers see the channel close.
func (s *Stream) Abort() {
	if s.terminal {
		return
	}
	s.terminal = true
	close(s.events)
	streamTerminations.WithLabelValues("canceled").Inc()
}
