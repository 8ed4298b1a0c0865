package poller

import "time"

// State is the UI-facing assistant status.
type State string

const (
	StateConnecting   State = "connecting"
	StateBackendError State = "backend-error"
	StateUploading    State = "uploading"
	StateProcessing   State = "processing"
	StateReady        State = "ready"
	StateNoKnowledge  State = "no-knowledge"
)

// Busy reports whether the state polls on the short backoff cadence.
func (s State) Busy() bool {
	return s == StateUploading || s == StateProcessing
}

// Observation is what one successful tick learned from the backend.
type Observation struct {
	HasKnowledge bool
	// Uploaded is set when the tick itself pushed knowledge to the remote.
	Uploaded bool
}

// Flags is the local state the derivation depends on.
type Flags struct {
	Uploading bool
	Previous  State
}

// DeriveState maps the last observation and local flags to a State.
func DeriveState(obs Observation, flags Flags) State {
	switch {
	case flags.Uploading:
		return StateUploading
	case obs.Uploaded:
		return StateProcessing
	case flags.Previous == StateProcessing && !obs.HasKnowledge:
		return StateProcessing
	case obs.HasKnowledge:
		return StateReady
	default:
		return StateNoKnowledge
	}
}

// Backoff doubles from Base up to Cap. It has no jitter.
type Backoff struct {
	Base    time.Duration
	Cap     time.Duration
	current time.Duration
}

// Next returns the next delay.
func (b *Backoff) Next() time.Duration {
	switch {
	case b.current <= 0:
		b.current = b.Base
	case b.current < b.Cap:
		b.current *= 2
	}
	if b.Cap > 0 && b.current > b.Cap {
		b.current = b.Cap
	}
	return b.current
}

// Reset restarts the sequence at Base.
func (b *Backoff) Reset() { b.current = 0 }
