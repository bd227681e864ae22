// Package email defines the message and envelope data model shared by the
// SMTP front end, the parser and the delivery providers.
package email

import (
	"github.com/google/uuid"
)

// Email represents a parsed email message.
type Email struct {
	From      string
	To        []string
	Subject   string
	TextBody  string
	HtmlBody  string
	MessageID string

	// HasTextPart reports whether the MIME tree held any text/plain or
	// text/html part, even an empty one.
	HasTextPart bool

	// Attachments lists attachment file names; content is never forwarded.
	Attachments []string
}

// Envelope is the state of one SMTP transaction: MAIL FROM, the accumulated
// RCPT destinations and the DATA payload.
type Envelope struct {
	ID   uuid.UUID
	From string

	// Recipients holds classified destinations in RCPT order. Messaging
	// identifiers carry a leading '+', everything else is an email address.
	Recipients []string

	// Data is the raw message as received during DATA.
	Data []byte
}

// NewEnvelope starts a new transaction for the given sender.
func NewEnvelope(from string) *Envelope {
	return &Envelope{
		ID:   uuid.New(),
		From: from,
	}
}

// AddRecipient appends a classified destination to the envelope.
func (e *Envelope) AddRecipient(dest string) {
	e.Recipients = append(e.Recipients, dest)
}
