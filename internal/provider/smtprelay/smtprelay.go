// Package smtprelay implements a Relayer that hands mail to an upstream SMTP
// server over STARTTLS with AUTH LOGIN.
package smtprelay

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/shineum/email2signal/internal/email"
	"github.com/shineum/email2signal/internal/provider"
)

const (
	defaultPort    = 587
	defaultTimeout = 30 * time.Second
)

// stage names the step of the SMTP conversation an error came from.
type stage string

const (
	stageDial     stage = "dial"
	stageStartTLS stage = "starttls"
	stageAuth     stage = "auth"
	stageSend     stage = "send"
)

// Config holds the configuration for creating a Provider.
type Config struct {
	// Host disables relaying when empty.
	Host     string
	Port     int
	Username string
	Password string

	// Timeout bounds the dial, the STARTTLS handshake and each SMTP command.
	Timeout time.Duration

	// TLSConfig is used for STARTTLS. A nil value verifies against Host.
	TLSConfig *tls.Config
}

// Provider relays messages to one upstream server, one connection per message.
type Provider struct {
	cfg Config
}

// New creates a Provider, filling defaults for unset fields.
func New(cfg Config) *Provider {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.TLSConfig == nil {
		cfg.TLSConfig = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
	}
	return &Provider{cfg: cfg}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "smtp"
}

// Relay runs EHLO, STARTTLS, EHLO, AUTH LOGIN, MAIL, RCPT, DATA and QUIT
// against the upstream server. The client library always greets as localhost. With no host configured it succeeds without
// any network traffic.
func (p *Provider) Relay(ctx context.Context, env *email.Envelope) provider.Result {
	if p.cfg.Host == "" {
		slog.Info("email relay is disabled because SMTP host is not configured",
			"txn", env.ID,
			"recipients", len(env.Recipients),
		)
		return provider.Success
	}

	st, err := p.send(ctx, env)
	if err != nil {
		res := classify(ctx, st, err)
		slog.Warn("upstream relay failed",
			"txn", env.ID,
			"stage", string(st),
			"status", res.Status.String(),
			"error", err,
		)
		return res
	}

	slog.Info("message relayed upstream",
		"txn", env.ID,
		"host", p.cfg.Host,
		"recipients", len(env.Recipients),
	)
	return provider.Success
}

func (p *Provider) send(ctx context.Context, env *email.Envelope) (stage, error) {
	addr := net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))

	dialer := &net.Dialer{Timeout: p.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return stageDial, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	// The client has no context support; closing the connection unblocks it.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	// The greeting, EHLO and STARTTLS run before the command timeout can be
	// set on the client, so they are bounded here instead.
	hsCtx, hsCancel := context.WithTimeout(ctx, p.cfg.Timeout)
	stopHandshake := context.AfterFunc(hsCtx, func() { conn.Close() })
	c, err := smtp.NewClientStartTLS(conn, p.cfg.TLSConfig)
	if !stopHandshake() {
		err = errors.Join(hsCtx.Err(), err)
	}
	hsCancel()
	if err != nil {
		if c != nil {
			c.Close()
		}
		conn.Close()
		return stageStartTLS, fmt.Errorf("STARTTLS failed: %w", err)
	}
	defer c.Close()
	c.CommandTimeout = p.cfg.Timeout
	c.SubmissionTimeout = p.cfg.Timeout

	if p.cfg.Username != "" {
		if err := c.Auth(sasl.NewLoginClient(p.cfg.Username, p.cfg.Password)); err != nil {
			return stageAuth, fmt.Errorf("AUTH LOGIN failed: %w", err)
		}
	}
	if err := c.SendMail(env.From, env.Recipients, bytes.NewReader(env.Data)); err != nil {
		return stageSend, fmt.Errorf("sending message failed: %w", err)
	}

	// The message is accepted once DATA completes; a failed QUIT does not undo that.
	if err := c.Quit(); err != nil {
		slog.Debug("QUIT failed after successful relay", "txn", env.ID, "error", err)
	}
	return stageSend, nil
}

// classify maps a relay error onto a Result. Only a permanent rejection of
// the credentials counts as an auth failure; a timeout during AUTH is a
// connection problem.
func classify(ctx context.Context, st stage, err error) provider.Result {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		if st == stageAuth && smtpErr.Code >= 500 {
			return provider.Result{Status: provider.StatusAuthFailed}
		}
		return provider.Result{Status: provider.StatusProtocolError, Message: err.Error()}
	}

	var netErr net.Error
	switch {
	case st == stageDial:
		return provider.Result{Status: provider.StatusConnectionFailed}
	case ctx.Err() != nil, errors.Is(err, context.DeadlineExceeded):
		return provider.Result{Status: provider.StatusConnectionFailed}
	case errors.As(err, &netErr) && netErr.Timeout():
		return provider.Result{Status: provider.StatusConnectionFailed}
	}

	return provider.Result{Status: provider.StatusProtocolError, Message: err.Error()}
}
