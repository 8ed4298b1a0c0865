package core

import "context"

// EventType identifies stream event variants.
type EventType string

const (
	// EventContent carries one content delta, in arrival order.
	EventContent EventType = "content"
	// EventOutcome is the single terminal event of every stream.
	EventOutcome EventType = "outcome"
)

// OutcomeKind is the terminal state of one stream invocation.
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeAborted   OutcomeKind = "aborted"
	OutcomeFailed    OutcomeKind = "failed"
)

// Outcome is the terminal result of a stream. Text holds the full text for
// completed streams and the partial text for aborted ones.
type Outcome struct {
	Kind     OutcomeKind
	Text     string
	Sources  []Source
	Metadata Metadata
	Err      error
}

// Completed builds a completed outcome.
func Completed(text string, sources []Source, metadata Metadata) Outcome {
	return Outcome{Kind: OutcomeCompleted, Text: text, Sources: sources, Metadata: metadata}
}

// Aborted builds an aborted outcome with the partial text received so far.
func Aborted(partial string) Outcome {
	return Outcome{Kind: OutcomeAborted, Text: partial, Err: ErrStreamAborted}
}

// Failed builds a failed outcome.
func Failed(partial string, err error) Outcome {
	return Outcome{Kind: OutcomeFailed, Text: partial, Err: err}
}

// Event is one item of a consumer stream.
type Event struct {
	Type    EventType
	Content string
	Outcome *Outcome
}

// SendEvent forwards an event unless the context has already been canceled.
func SendEvent(ctx context.Context, events chan<- Event, event Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case events <- event:
		return nil
	}
}

// SendOutcome delivers the terminal event. Stream readers drain until close,
// so the send blocks rather than dropping the outcome.
func SendOutcome(events chan<- Event, outcome Outcome) {
	events <- Event{Type: EventOutcome, Outcome: &outcome}
}
