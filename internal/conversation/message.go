package conversation

import (
	"time"

	"kbchat/internal/core"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Status tracks an assistant message's lifecycle. User messages are always
// complete.
type Status struct {
	IsComplete bool
	IsAborted  bool
	Sources    []core.Source
	Confidence *float64
	Metadata   core.Metadata
}

// Message is one entry of the conversation log.
type Message struct {
	ID        string
	Role      Role
	Content   string
	CreatedAt time.Time
	Status    Status
}

// Live reports whether an in-flight turn is still writing the message.
func (m Message) Live() bool {
	return m.Role == RoleAssistant && !m.Status.IsComplete && !m.Status.IsAborted
}

func (m Message) clone() Message {
	m.Status.Sources = core.CloneSources(m.Status.Sources)
	m.Status.Metadata = m.Status.Metadata.Clone()
	if m.Status.Confidence != nil {
		c := *m.Status.Confidence
		m.Status.Confidence = &c
	}
	return m
}

// Failure texts shown in place of an answer.
const (
	TextNoKnowledge = "No knowledge is loaded for this session. Add a job result to the knowledge base and try again."
	TextUnreachable = "Cannot reach the assistant backend. Check that it is running and try again."
	TextNetwork     = "A network error interrupted the response. Please try again."
	TextGeneric     = "Something went wrong while generating the response."
)

// FailureText maps a turn failure onto the text shown to the user.
func FailureText(err error) string {
	switch core.Classify(err) {
	case core.FailureNoKnowledge, core.FailurePrecondition:
		return TextNoKnowledge
	case core.FailureUnreachable:
		return TextUnreachable
	case core.FailureNetwork, core.FailureRateLimited:
		return TextNetwork
	default:
		return TextGeneric
	}
}

// pairs holds the user/assistant pairing derived from the log.
type pairs struct {
	assistantFor map[string]string
	userFor      map[string]string
}

// pairMessages pairs every assistant message with the user message directly
// before it.
func pairMessages(messages []Message) pairs {
	p := pairs{
		assistantFor: make(map[string]string),
		userFor:      make(map[string]string),
	}
	pendingUser := ""
	for _, m := range messages {
		switch m.Role {
		case RoleUser:
			pendingUser = m.ID
		case RoleAssistant:
			if pendingUser != "" {
				p.assistantFor[pendingUser] = m.ID
				p.userFor[m.ID] = pendingUser
				pendingUser = ""
			}
		}
	}
	return p
}
