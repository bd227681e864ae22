// Package smtp is the SMTP front end of the bridge: a go-smtp backend whose
// sessions hand RCPT and DATA to the bridge, plus optional inbound AUTH.
package smtp

import (
	"crypto/subtle"
	"errors"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// mechLogin is the legacy AUTH LOGIN mechanism; go-sasl ships only a client
// for it.
const mechLogin = "LOGIN"

var (
	errAuthFailed = &smtp.SMTPError{
		Code:         535,
		EnhancedCode: smtp.EnhancedCode{5, 7, 8},
		Message:      "Authentication failed",
	}
	errAuthRequired = &smtp.SMTPError{
		Code:         530,
		EnhancedCode: smtp.EnhancedCode{5, 7, 0},
		Message:      "Authentication required",
	}
)

// Authenticator handles SMTP AUTH verification against configured credentials.
type Authenticator struct {
	username string
	password string
}

// NewAuthenticator creates an Authenticator with the given credentials.
// If both username and password are empty, authentication is disabled.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{
		username: username,
		password: password,
	}
}

// Enabled returns true if authentication credentials are configured.
func (a *Authenticator) Enabled() bool {
	return a.username != "" && a.password != ""
}

// Verify checks a username and password pair.
func (a *Authenticator) Verify(username, password string) error {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(a.password)) == 1
	if !userOK || !passOK {
		return errAuthFailed
	}
	return nil
}

// Mechanisms lists the SASL mechanisms offered when authentication is enabled.
func (a *Authenticator) Mechanisms() []string {
	if !a.Enabled() {
		return nil
	}
	return []string{sasl.Plain, mechLogin}
}

// Server returns a SASL server for mech. onSuccess runs once the client
// has proven its credentials.
func (a *Authenticator) Server(mech string, onSuccess func()) (sasl.Server, error) {
	verify := func(username, password string) error {
		if err := a.Verify(username, password); err != nil {
			return err
		}
		onSuccess()
		return nil
	}

	switch mech {
	case sasl.Plain:
		// The authorization identity is ignored.
		return sasl.NewPlainServer(func(_, username, password string) error {
			return verify(username, password)
		}), nil
	case mechLogin:
		return &loginServer{verify: verify}, nil
	}
	return nil, smtp.ErrAuthUnsupported
}

// loginServer is the server side of AUTH LOGIN. The username may arrive as
// the initial response or after a "Username:" challenge.
type loginServer struct {
	verify   func(username, password string) error
	username string
	state    int
}

const (
	loginStart = iota
	loginWantUsername
	loginWantPassword
)

func (l *loginServer) Next(response []byte) (challenge []byte, done bool, err error) {
	switch l.state {
	case loginStart:
		if response == nil {
			l.state = loginWantUsername
			return []byte("Username:"), false, nil
		}
		l.username = string(response)
		l.state = loginWantPassword
		return []byte("Password:"), false, nil
	case loginWantUsername:
		l.username = string(response)
		l.state = loginWantPassword
		return []byte("Password:"), false, nil
	case loginWantPassword:
		return nil, true, l.verify(l.username, string(response))
	}
	return nil, true, errors.New("unexpected AUTH LOGIN response")
}
