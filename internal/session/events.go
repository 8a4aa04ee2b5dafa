// Package session orchestrates agent subprocess lifecycles: spawn,
// protocol handshake, serialized prompting, and teardown, exposed to the
// caller as one typed event stream per session.
package session

import "time"

// EventType identifies an outward event variant.
type EventType string

const (
	// EventStart is the first event on every session stream.
	EventStart EventType = "start"
	// EventText is agent output rendered as plain text.
	EventText EventType = "text"
	// EventError reports a fatal session error. Terminal when it appears.
	EventError EventType = "error"
	// EventTurnEnd reports a completed prompt turn with its stop reason,
	// kept distinct from streamed text so consumers know the session is
	// ready for the next prompt.
	EventTurnEnd EventType = "turn_end"
	// EventClosed reports the agent process exit. Terminal.
	EventClosed EventType = "closed"
)

// Event is the consumer-facing representation of protocol activity. Raw
// protocol messages never reach the consumer; they are translated first.
type Event struct {
	Type       EventType
	SessionID  string
	Timestamp  time.Time
	Text       string
	StopReason string
	ExitCode   int
}

// Status is the lifecycle state of one session.
type Status string

const (
	// StatusStarting covers spawn up to the first handshake request.
	StatusStarting Status = "starting"
	// StatusHandshaking covers initialize and session creation.
	StatusHandshaking Status = "handshaking"
	// StatusReady accepts prompts.
	StatusReady Status = "ready"
	// StatusPrompting has one prompt in flight.
	StatusPrompting Status = "prompting"
	// StatusEnding is tearing down.
	StatusEnding Status = "ending"
)

var allowedTransitions = map[Status][]Status{
	StatusStarting:    {StatusHandshaking, StatusEnding},
	StatusHandshaking: {StatusReady, StatusEnding},
	StatusReady:       {StatusPrompting, StatusEnding},
	StatusPrompting:   {StatusReady, StatusEnding},
	StatusEnding:      {},
}

func canTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
