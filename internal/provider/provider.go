// Package provider defines the delivery backends the bridge fans out to:
// messengers carry chat text to Signal, relayers pass mail upstream.
package provider

import (
	"context"

	"github.com/shineum/email2signal/internal/email"
)

// ChatMessage is one Signal send request.
type ChatMessage struct {
	// Message is the composed chat text (subject, CRLF, body).
	Message string

	// Number is the account the message is sent from.
	Number string

	// Recipients are '+'-prefixed Signal numbers.
	Recipients []string
}

// Messenger delivers chat messages.
type Messenger interface {
	// Send delivers msg to all of its recipients in one request.
	Send(ctx context.Context, msg *ChatMessage) error

	// Name returns the human-readable name of this provider.
	Name() string
}

// Status classifies the result of a relay attempt.
type Status int

const (
	StatusSuccess Status = iota
	StatusConnectionFailed
	StatusAuthFailed
	StatusProtocolError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusConnectionFailed:
		return "connection_failed"
	case StatusAuthFailed:
		return "auth_failed"
	case StatusProtocolError:
		return "protocol_error"
	}
	return "unknown"
}

// Result is the outcome of Relayer.Relay. Message carries the upstream
// error text for StatusProtocolError.
type Result struct {
	Status  Status
	Message string
}

// Success is the Result of a relay that went through.
var Success = Result{Status: StatusSuccess}

// Relayer passes a message on to real email recipients.
type Relayer interface {
	// Relay sends env.Data from env.From to env.Recipients. Failures are
	// reported through the Result, never as a Go error.
	Relay(ctx context.Context, env *email.Envelope) Result

	// Name returns the human-readable name of this provider.
	Name() string
}
