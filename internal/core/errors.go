package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrInvalidRequest indicates missing or malformed request input.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrTransport indicates the backend could not be reached or answered badly.
	ErrTransport = errors.New("transport failure")
	// ErrRateLimited indicates the backend asked the client to slow down.
	ErrRateLimited = errors.New("rate limited")
	// ErrStreamAborted indicates the caller cancelled an in-flight stream.
	ErrStreamAborted = errors.New("stream aborted")
	// ErrProtocolViolation indicates a payload carried an explicit error field.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrPreconditionFailed indicates a chat was attempted with no knowledge present.
	ErrPreconditionFailed = errors.New("no knowledge available for this session")
)

// noKnowledgeMarkers are the backend phrases that mean the session has no knowledge loaded.
var noKnowledgeMarkers = []string{
	"no knowledge",
	"no_knowledge",
	"knowledge base is empty",
}

// TransportError describes one failed exchange with the backend.
type TransportError struct {
	Op          string
	StatusCode  int
	Unreachable bool
	Body        string
	Err         error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	switch {
	case e.Unreachable:
		b.WriteString(": backend unreachable")
	case e.StatusCode != 0:
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if body := strings.TrimSpace(e.Body); body != "" {
		b.WriteString(": ")
		b.WriteString(body)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is maps HTTP 429 onto ErrRateLimited and every other transport failure onto ErrTransport.
func (e *TransportError) Is(target error) bool {
	if e.StatusCode == http.StatusTooManyRequests {
		return target == ErrRateLimited
	}
	return target == ErrTransport
}

// ProtocolError is raised when a response or stream event carries an error field.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "backend reported an error"
	}
	return "protocol violation: " + msg
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocolViolation
}

// FailureKind is the user-facing classification of a failed operation.
type FailureKind string

const (
	FailureNone         FailureKind = ""
	FailureAborted      FailureKind = "aborted"
	FailurePrecondition FailureKind = "precondition"
	FailureNoKnowledge  FailureKind = "no_knowledge"
	FailureUnreachable  FailureKind = "unreachable"
	FailureRateLimited  FailureKind = "rate_limited"
	FailureNetwork      FailureKind = "network"
	FailureUnknown      FailureKind = "unknown"
)

// Classify maps an error onto a FailureKind using error identity and the known
// backend markers only.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	if errors.Is(err, ErrStreamAborted) || errors.Is(err, context.Canceled) {
		return FailureAborted
	}
	if errors.Is(err, ErrPreconditionFailed) {
		return FailurePrecondition
	}

	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		if hasNoKnowledgeMarker(protoErr.Message) {
			return FailureNoKnowledge
		}
		return FailureUnknown
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		switch {
		case transportErr.Unreachable:
			return FailureUnreachable
		case hasNoKnowledgeMarker(transportErr.Body):
			return FailureNoKnowledge
		case transportErr.StatusCode == http.StatusTooManyRequests:
			return FailureRateLimited
		default:
			return FailureNetwork
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureNetwork
	}
	return FailureUnknown
}

// IsRateLimited reports whether err is the soft rate-limiting condition.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

func hasNoKnowledgeMarker(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range noKnowledgeMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
