// Package stdout implements a Messenger and a Relayer that print deliveries
// to standard output. Useful for local development without Signal or an
// upstream mail server.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/docker/go-units"

	"github.com/shineum/email2signal/internal/email"
	"github.com/shineum/email2signal/internal/parser"
	"github.com/shineum/email2signal/internal/provider"
)

const separator = "========================================\n"

// Provider prints chat messages and relayed mail in a readable format.
type Provider struct {
	mu sync.Mutex

	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

// Send prints the chat message. It always succeeds.
func (p *Provider) Send(_ context.Context, msg *provider.ChatMessage) error {
	var b strings.Builder

	b.WriteString(separator)
	fmt.Fprintf(&b, "Signal from: %s\n", msg.Number)
	fmt.Fprintf(&b, "Signal to: %s\n", strings.Join(msg.Recipients, ", "))
	b.WriteString("Message:\n")
	b.WriteString(msg.Message + "\n")
	b.WriteString(separator)

	p.write(b.String())
	return nil
}

// Relay prints a summary of the mail that would have been relayed. It
// always succeeds; an unparseable message is printed without the summary.
func (p *Provider) Relay(_ context.Context, env *email.Envelope) provider.Result {
	var b strings.Builder

	b.WriteString(separator)
	fmt.Fprintf(&b, "Mail from: %s\n", env.From)
	fmt.Fprintf(&b, "Mail to: %s\n", strings.Join(env.Recipients, ", "))
	fmt.Fprintf(&b, "Size: %s\n", units.HumanSize(float64(len(env.Data))))

	if msg, err := parser.Parse(env.Data); err == nil {
		if msg.From != "" {
			fmt.Fprintf(&b, "Header from: %s\n", msg.From)
		}
		if len(msg.To) > 0 {
			fmt.Fprintf(&b, "Header to: %s\n", strings.Join(msg.To, ", "))
		}
		if msg.MessageID != "" {
			fmt.Fprintf(&b, "Message-ID: %s\n", msg.MessageID)
		}
		fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
		body := msg.TextBody
		if body == "" {
			body = msg.HtmlBody
		}
		b.WriteString("Body:\n")
		b.WriteString(strings.TrimRight(body, "\r\n") + "\n")
		if len(msg.Attachments) > 0 {
			fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(msg.Attachments, ", "))
		}
	}

	b.WriteString(separator)

	p.write(b.String())
	return provider.Success
}

// write serializes output from concurrent sessions. Write errors are
// ignored; printing is best effort.
func (p *Provider) write(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = io.WriteString(p.writer, s)
}
