package stream

import (
	"context"
	"errors"
	"io"
	"strings"

	"go.uber.org/zap"

	"kbchat/internal/core"
)

const defaultReadBufferSize = 4 * 1024

// Config configures a Consumer.
type Config struct {
	Logger         *zap.Logger
	ReadBufferSize int
}

// Consumer turns one streaming response body into content events followed by
// exactly one outcome event.
type Consumer struct {
	logger  *zap.Logger
	bufSize int
}

// New constructs a consumer with defaults applied.
func New(cfg Config) *Consumer {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	size := cfg.ReadBufferSize
	if size <= 0 {
		size = defaultReadBufferSize
	}
	return &Consumer{logger: logger, bufSize: size}
}

// Consume reads body until a terminal condition and owns closing it. Cancelling
// ctx closes the body, which unblocks the pending read and yields an aborted
// outcome carrying the content delivered so far. Callers must drain the channel
// until it is closed.
func (c *Consumer) Consume(ctx context.Context, body io.ReadCloser) <-chan core.Event {
	events := make(chan core.Event, 1)
	go func() {
		defer close(events)
		outcome := c.run(ctx, body, events)
		c.logger.Debug("stream finished",
			zap.String("outcome", string(outcome.Kind)),
			zap.Int("chars", len(outcome.Text)),
			zap.Error(outcome.Err),
		)
		core.SendOutcome(events, outcome)
	}()
	return events
}

// turnState remembers what has been delivered and the last sources/metadata,
// which the backend sends on events before the one carrying done.
type turnState struct {
	text     strings.Builder
	sources  []core.Source
	metadata core.Metadata
}

func (c *Consumer) run(ctx context.Context, body io.ReadCloser, events chan<- core.Event) core.Outcome {
	stopWatch := context.AfterFunc(ctx, func() {
		_ = body.Close()
	})
	defer stopWatch()
	defer func() {
		_ = body.Close()
	}()

	var (
		lines LineBuffer
		state turnState
		buf   = make([]byte, c.bufSize)
	)

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			for _, line := range lines.Feed(buf[:n]) {
				if outcome, done := c.apply(ctx, line, &state, events); done {
					return outcome
				}
			}
		}
		if readErr == nil {
			continue
		}

		if ctx.Err() != nil {
			return core.Aborted(state.text.String())
		}
		if errors.Is(readErr, io.EOF) {
			if tail := lines.Flush(); tail != "" {
				if outcome, done := c.apply(ctx, tail, &state, events); done {
					return outcome
				}
			}
			c.logger.Debug("stream closed without done event")
			return core.Completed(state.text.String(), state.sources, state.metadata)
		}
		return core.Failed(state.text.String(), &core.TransportError{Op: "read stream", Err: readErr})
	}
}

// apply handles one complete line; done reports a terminal outcome.
func (c *Consumer) apply(ctx context.Context, line string, state *turnState, events chan<- core.Event) (core.Outcome, bool) {
	ev, ok := ParseLine(line)
	if !ok {
		if strings.TrimSpace(line) != "" {
			c.logger.Debug("skipping non-event line", zap.Int("len", len(line)))
		}
		return core.Outcome{}, false
	}

	if ev.Error != "" {
		return core.Failed(state.text.String(), &core.ProtocolError{Message: ev.Error}), true
	}
	if ev.Sources != nil {
		state.sources = core.CloneSources(ev.Sources)
	}
	if ev.Metadata != nil {
		state.metadata = ev.Metadata.Clone()
	}

	if ev.Content != "" {
		if ctx.Err() != nil {
			return core.Aborted(state.text.String()), true
		}
		if err := core.SendEvent(ctx, events, core.Event{Type: core.EventContent, Content: ev.Content}); err != nil {
			return core.Aborted(state.text.String()), true
		}
		state.text.WriteString(ev.Content)
	}

	if ev.Done {
		return core.Completed(state.text.String(), state.sources, state.metadata), true
	}
	return core.Outcome{}, false
}
