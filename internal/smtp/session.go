package smtp

import (
	"context"
	"io"
	"log/slog"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/shineum/email2signal/internal/bridge"
	"github.com/shineum/email2signal/internal/email"
)

// backend creates one session per connection.
type backend struct {
	bridge *bridge.Bridge
	auth   *Authenticator

	// ctx bounds deliveries; it outlives the listener during graceful shutdown.
	ctx context.Context
}

func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	remote := ""
	if conn := c.Conn(); conn != nil {
		remote = conn.RemoteAddr().String()
	}
	slog.Debug("SMTP connection opened", "remote", remote)

	return &session{
		backend: b,
		remote:  remote,
	}, nil
}

// session holds the envelope of the transaction in progress.
type session struct {
	*backend

	remote string
	authed bool
	env    *email.Envelope
}

func (s *session) AuthMechanisms() []string {
	return s.auth.Mechanisms()
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if !s.auth.Enabled() {
		return nil, smtp.ErrAuthUnsupported
	}
	return s.auth.Server(mech, func() {
		s.authed = true
		slog.Debug("SMTP client authenticated", "remote", s.remote, "mechanism", mech)
	})
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if s.auth.Enabled() && !s.authed {
		return errAuthRequired
	}
	s.env = email.NewEnvelope(from)
	slog.Debug("transaction started", "txn", s.env.ID, "from", from, "remote", s.remote)
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	return replyError(s.bridge.HandleRcpt(s.env, to))
}

func (s *session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		slog.Warn("failed to read DATA", "txn", s.env.ID, "error", err)
		return err
	}
	s.env.Data = data

	return replyError(s.bridge.HandleData(s.ctx, s.env))
}

func (s *session) Reset() {
	s.env = nil
}

func (s *session) Logout() error {
	slog.Debug("SMTP connection closed", "remote", s.remote)
	return nil
}

// replyError turns a non-2xx outcome into a reply without an enhanced status
// code, so the client sees exactly "<code> <message>".
func replyError(out bridge.Outcome) error {
	if out.OK() {
		return nil
	}
	return &smtp.SMTPError{
		Code:         out.Code,
		EnhancedCode: smtp.NoEnhancedCode,
		Message:      out.Message,
	}
}
