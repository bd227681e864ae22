package stdout

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/shineum/email2signal/internal/email"
	"github.com/shineum/email2signal/internal/provider"
)

func TestSend_ChatMessage(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	err := p.Send(context.Background(), &provider.ChatMessage{
		Message:    "Hi\r\nTest",
		Number:     "+15550000000",
		Recipients: []string{"+15551111111", "+15552222222"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := buf.String()

	if !strings.Contains(output, "Signal from: +15550000000") {
		t.Error("output missing sender number")
	}
	if !strings.Contains(output, "Signal to: +15551111111, +15552222222") {
		t.Error("output missing recipients")
	}
	if !strings.Contains(output, "Hi\r\nTest") {
		t.Error("output missing message text")
	}
	if !strings.HasPrefix(output, separator) {
		t.Error("output should start with separator line")
	}
	if !strings.HasSuffix(output, separator) {
		t.Error("output should end with separator line")
	}
}

func TestRelay_PrintsSummary(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	env := email.NewEnvelope("sender@example.com")
	env.AddRecipient("alice@example.com")
	env.AddRecipient("bob@example.com")
	env.Data = []byte(strings.Join([]string{
		"From: Reports <reports@example.com>",
		"To: Alice <alice@example.com>, bob@example.com",
		"Message-Id: <report-42@example.com>",
		"Subject: Monthly Report",
		"Content-Type: multipart/mixed; boundary=zz",
		"",
		"--zz",
		"Content-Type: text/plain",
		"",
		"Please find the report attached.",
		"--zz",
		"Content-Type: application/pdf",
		"Content-Disposition: attachment; filename=report.pdf",
		"",
		"%PDF-1.4",
		"--zz--",
	}, "\r\n"))

	res := p.Relay(context.Background(), env)
	if res != provider.Success {
		t.Fatalf("Relay: got %+v, want success", res)
	}

	output := buf.String()

	for _, want := range []string{
		"Mail from: sender@example.com",
		"Mail to: alice@example.com, bob@example.com",
		"Header from: Reports <reports@example.com>",
		"Header to: alice@example.com, bob@example.com",
		"Message-ID: <report-42@example.com>",
		"Subject: Monthly Report",
		"Please find the report attached.",
		"Attachments: report.pdf",
		"Size: ",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
}

func TestName(t *testing.T) {
	t.Parallel()

	if got := New().Name(); got != "stdout" {
		t.Errorf("Name(): got %q, want %q", got, "stdout")
	}
}
