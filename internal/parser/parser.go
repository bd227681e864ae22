// Package parser turns raw RFC 5322 messages into the email model and into
// the plain-text chat payload forwarded to Signal.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jaytaylor/html2text"
	"github.com/jhillyerd/enmime/v2"

	"github.com/shineum/email2signal/internal/email"
)

// doctypeMarker starts the part of an HTML body that gets rendered to text.
const doctypeMarker = "<!DOCTYPE html "

// ErrNoBody is returned when a message has neither a text/plain nor a
// text/html part.
var ErrNoBody = errors.New("message has no readable body")

// Parse decodes a raw message with enmime. Header words are decoded, bodies
// are converted to UTF-8, and attachments are listed by name only.
func Parse(raw []byte) (*email.Email, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	for _, perr := range env.Errors {
		slog.Warn("MIME problem in message", "error", perr.Error())
	}

	result := &email.Email{
		From:        env.GetHeader("From"),
		Subject:     env.GetHeader("Subject"),
		MessageID:   env.GetHeader("Message-Id"),
		TextBody:    env.Text,
		HtmlBody:    env.HTML,
		HasTextPart: hasTextPart(env.Root),
	}

	if to, err := env.AddressList("To"); err == nil {
		for _, addr := range to {
			result.To = append(result.To, addr.Address)
		}
	}

	for _, att := range env.Attachments {
		result.Attachments = append(result.Attachments, att.FileName)
	}

	return result, nil
}

// Extract produces the chat text for a raw message: the decoded subject, a
// CRLF, then the body. The HTML body is preferred over the plain one; it is
// rendered to text from the DOCTYPE marker on, or used as is when the marker
// is absent.
func Extract(raw []byte) (string, error) {
	msg, err := Parse(raw)
	if err != nil {
		return "", err
	}
	return Compose(msg)
}

// Compose builds the chat text from an already parsed message.
func Compose(msg *email.Email) (string, error) {
	if !msg.HasTextPart {
		return "", ErrNoBody
	}

	body := msg.HtmlBody
	if body == "" {
		body = msg.TextBody
	}

	if idx := strings.Index(body, doctypeMarker); idx >= 0 {
		rendered, err := html2text.FromString(body[idx:], html2text.Options{})
		if err != nil {
			return "", fmt.Errorf("failed to render HTML body: %w", err)
		}
		body = rendered
	}

	return msg.Subject + "\r\n" + strings.TrimRight(body, " \t\r\n"), nil
}

// hasTextPart reports whether the MIME tree holds a renderable body part.
// A single-part message without a Content-Type header defaults to text/plain.
func hasTextPart(root *enmime.Part) bool {
	if root == nil {
		return false
	}
	if root.FirstChild == nil && root.ContentType == "" {
		return true
	}
	return root.BreadthMatchFirst(isBodyPart) != nil
}

func isBodyPart(p *enmime.Part) bool {
	if strings.EqualFold(p.Disposition, "attachment") {
		return false
	}
	return p.ContentType == "text/plain" || p.ContentType == "text/html"
}
