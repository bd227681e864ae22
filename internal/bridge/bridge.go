// Package bridge implements the RCPT and DATA decisions of the mail to
// Signal bridge: recipient classification, chat text extraction and the
// fan-out to the Signal messenger and the upstream relay.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shineum/email2signal/internal/email"
	"github.com/shineum/email2signal/internal/filter"
	"github.com/shineum/email2signal/internal/metrics"
	"github.com/shineum/email2signal/internal/parser"
	"github.com/shineum/email2signal/internal/provider"
	"github.com/shineum/email2signal/internal/recipient"
)

const defaultDeliveryTimeout = 60 * time.Second

// Reply texts.
const (
	msgOK                = "OK"
	msgMalformed         = "Malformed receiver address"
	msgAccepted          = "Message accepted for delivery"
	msgNoBody            = "Message has no readable body"
	msgSignalFailed      = "Sending signal message has failed"
	msgConnectionFailed  = "Failed to connect to the server. Bad connection settings?"
	msgAuthFailed        = "Failed to connect to the server. Wrong user/password?"
	msgProtocolErrorBase = "SMTP error occurred: "
)

// Outcome is an SMTP-style reply.
type Outcome struct {
	Code    int
	Message string
}

func (o Outcome) String() string {
	return fmt.Sprintf("%d %s", o.Code, o.Message)
}

// OK reports whether the reply is a 2xx.
func (o Outcome) OK() bool {
	return o.Code >= 200 && o.Code < 300
}

// Config holds everything a Bridge needs.
type Config struct {
	Rules     recipient.Rules
	Messenger provider.Messenger
	Relayer   provider.Relayer

	// ContentFilter is the comma-delimited list of substrings that suppress
	// Signal delivery.
	ContentFilter string

	// DeliveryTimeout bounds each delivery call. Defaults to 60s.
	DeliveryTimeout time.Duration
}

// Bridge decides RCPT and DATA replies. It holds no per-transaction state
// and is safe for concurrent use.
type Bridge struct {
	rules     recipient.Rules
	messenger provider.Messenger
	relayer   provider.Relayer
	filter    []string
	timeout   time.Duration
}

// New creates a Bridge.
func New(cfg Config) *Bridge {
	timeout := cfg.DeliveryTimeout
	if timeout == 0 {
		timeout = defaultDeliveryTimeout
	}
	return &Bridge{
		rules:     cfg.Rules,
		messenger: cfg.Messenger,
		relayer:   cfg.Relayer,
		filter:    filter.Split(cfg.ContentFilter),
		timeout:   timeout,
	}
}

// HandleRcpt classifies address and appends the destination to env. A
// malformed Signal address is rejected and not appended; the transaction
// continues.
func (b *Bridge) HandleRcpt(env *email.Envelope, address string) Outcome {
	dest, err := recipient.Classify(address, b.rules)
	if err != nil {
		metrics.Rcpt("malformed")
		slog.Info("rejected recipient", "txn", env.ID, "rcpt", address, "error", err)
		return Outcome{Code: 500, Message: msgMalformed}
	}

	metrics.Rcpt(dest.Kind.String())
	slog.Debug("accepted recipient",
		"txn", env.ID,
		"rcpt", address,
		"kind", dest.Kind.String(),
		"destination", dest.Value,
	)
	env.AddRecipient(dest.Value)
	return Outcome{Code: 250, Message: msgOK}
}

// HandleData delivers env. Signal goes first; a failure there skips the
// relay entirely.
func (b *Bridge) HandleData(ctx context.Context, env *email.Envelope) Outcome {
	out := b.deliver(ctx, env)
	metrics.Transaction(out.Code)
	slog.Info("transaction complete",
		"txn", env.ID,
		"from", env.From,
		"recipients", len(env.Recipients),
		"size", len(env.Data),
		"reply", out.String(),
	)
	return out
}

func (b *Bridge) deliver(ctx context.Context, env *email.Envelope) Outcome {
	signalTargets, emailTargets := recipient.Partition(env.Recipients)

	if len(signalTargets) > 0 {
		if out, ok := b.sendSignal(ctx, env, signalTargets); !ok {
			return out
		}
	}

	if len(emailTargets) == 0 {
		return Outcome{Code: 250, Message: msgAccepted}
	}

	relayEnv := *env
	relayEnv.Recipients = emailTargets

	relayCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	res := b.relayer.Relay(relayCtx, &relayEnv)
	metrics.Relay(b.relayer.Name(), res.Status.String())
	return relayOutcome(res)
}

// sendSignal returns ok=false with the reply to send when delivery failed.
func (b *Bridge) sendSignal(ctx context.Context, env *email.Envelope, targets []string) (Outcome, bool) {
	text, err := parser.Extract(env.Data)
	if err != nil {
		metrics.SignalSend(metrics.SignalNoBody)
		slog.Warn("cannot extract chat text", "txn", env.ID, "error", err)
		return Outcome{Code: 554, Message: msgNoBody}, false
	}

	if filter.IsFiltered(text, b.filter) {
		metrics.SignalSend(metrics.SignalFiltered)
		slog.Info("message contains filtered content, not forwarding to Signal",
			"txn", env.ID,
			"recipients", len(targets),
		)
		return Outcome{}, true
	}

	sendCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	msg := &provider.ChatMessage{
		Message:    text,
		Number:     b.rules.OwnNumber(),
		Recipients: targets,
	}
	if err := b.messenger.Send(sendCtx, msg); err != nil {
		metrics.SignalSend(metrics.SignalFailed)
		slog.Error("Signal delivery failed",
			"txn", env.ID,
			"provider", b.messenger.Name(),
			"recipients", len(targets),
			"error", err,
		)
		return Outcome{Code: 554, Message: msgSignalFailed}, false
	}

	metrics.SignalSend(metrics.SignalOK)
	slog.Info("forwarded to Signal",
		"txn", env.ID,
		"provider", b.messenger.Name(),
		"recipients", len(targets),
	)
	return Outcome{}, true
}

func relayOutcome(res provider.Result) Outcome {
	switch res.Status {
	case provider.StatusSuccess:
		return Outcome{Code: 250, Message: msgOK}
	case provider.StatusConnectionFailed:
		return Outcome{Code: 421, Message: msgConnectionFailed}
	case provider.StatusAuthFailed:
		return Outcome{Code: 530, Message: msgAuthFailed}
	case provider.StatusProtocolError:
		return Outcome{Code: 554, Message: msgProtocolErrorBase + res.Message}
	}
	return Outcome{Code: 554, Message: msgProtocolErrorBase + "unknown relay status " + res.Status.String()}
}
