package smtp

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/shineum/email2signal/internal/bridge"
	"github.com/shineum/email2signal/internal/email"
	"github.com/shineum/email2signal/internal/provider"
	"github.com/shineum/email2signal/internal/recipient"
)

const ownNumber = "+15550000000"

// mockMessenger records chat messages sent by the bridge.
type mockMessenger struct {
	mu      sync.Mutex
	sent    []*provider.ChatMessage
	sendErr error
}

func (m *mockMessenger) Send(_ context.Context, msg *provider.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return m.sendErr
}

func (m *mockMessenger) Name() string {
	return "mock"
}

func (m *mockMessenger) messages() []*provider.ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*provider.ChatMessage(nil), m.sent...)
}

// mockRelayer records relayed envelopes.
type mockRelayer struct {
	mu      sync.Mutex
	relayed []*email.Envelope
	result  provider.Result
}

func (m *mockRelayer) Relay(_ context.Context, env *email.Envelope) provider.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relayed = append(m.relayed, env)
	return m.result
}

func (m *mockRelayer) envelopes() []*email.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*email.Envelope(nil), m.relayed...)
}

func (m *mockRelayer) Name() string {
	return "mock"
}

// startServer runs a server on a random port until the test ends.
func startServer(t *testing.T, cfg ServerConfig) (addr string, stop func() error) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	srv := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, ln)
	}()

	var once sync.Once
	var serveErr error
	stop = func() error {
		once.Do(func() {
			cancel()
			select {
			case serveErr = <-done:
			case <-time.After(5 * time.Second):
				serveErr = errors.New("server did not stop")
			}
		})
		return serveErr
	}
	t.Cleanup(func() { _ = stop() })

	return ln.Addr().String(), stop
}

func newTestConfig(m provider.Messenger, r provider.Relayer) ServerConfig {
	return ServerConfig{
		Hostname: "bridge.test",
		Bridge: bridge.New(bridge.Config{
			Rules: recipient.Rules{
				RedirectDomain: "mine.example",
				SenderNumber:   ownNumber,
			},
			Messenger: m,
			Relayer:   r,
		}),
	}
}

// readReply reads a possibly multi-line reply and returns its last line.
func readReply(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("failed to read line: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if len(line) < 4 || line[3] != '-' {
			return line
		}
	}
}

// sendCmd sends a command and returns the final reply line.
func sendCmd(t *testing.T, conn net.Conn, reader *bufio.Reader, cmd string) string {
	t.Helper()
	if _, err := conn.Write([]byte(cmd + "\r\n")); err != nil {
		t.Fatalf("failed to write command: %v", err)
	}
	return readReply(t, reader)
}

// sendMail runs one plaintext transaction against addr.
func sendMail(t *testing.T, addr, from string, to []string, msg string) error {
	t.Helper()

	c, err := smtp.Dial(addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.SendMail(from, to, strings.NewReader(msg)); err != nil {
		return err
	}
	return c.Quit()
}

func TestSession_WireReplies(t *testing.T) {
	t.Parallel()

	messenger := &mockMessenger{sendErr: errors.New("HTTP 500")}
	addr, _ := startServer(t, newTestConfig(messenger, &mockRelayer{result: provider.Success}))

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close()
	reader := bufio.NewReader(conn)

	if greeting := readReply(t, reader); !strings.HasPrefix(greeting, "220 ") {
		t.Fatalf("greeting: got %q, want 220", greeting)
	}

	steps := []struct {
		cmd  string
		want string
	}{
		{"EHLO client.test", "250 "},
		{"MAIL FROM:<cron@example.com>", "250 "},
		{"RCPT TO:<abc@signal.localdomain>", "500 Malformed receiver address"},
		{"RCPT TO:<+15551234567@signal.localdomain>", "250 "},
		{"DATA", "354 "},
		{"Subject: Hi\r\n\r\nTest\r\n.", "554 Sending signal message has failed"},
		{"QUIT", "221 "},
	}
	for _, step := range steps {
		got := sendCmd(t, conn, reader, step.cmd)
		if !strings.HasPrefix(got, step.want) {
			t.Errorf("%s: got %q, want prefix %q", strings.SplitN(step.cmd, "\r\n", 2)[0], got, step.want)
		}
	}

	if got := len(messenger.messages()); got != 1 {
		t.Errorf("send calls: got %d, want 1", got)
	}
}

func TestSession_DeliversThroughBridge(t *testing.T) {
	t.Parallel()

	messenger := &mockMessenger{}
	relayer := &mockRelayer{result: provider.Success}
	addr, _ := startServer(t, newTestConfig(messenger, relayer))

	msg := "Subject: Disk usage\r\n\r\n/var is 91% full\r\n"
	err := sendMail(t, addr, "cron@example.com",
		[]string{"self@signal.localdomain", "ops@example.com"}, msg)
	if err != nil {
		t.Fatalf("SendMail: %v", err)
	}

	sent := messenger.messages()
	if len(sent) != 1 {
		t.Fatalf("sent: got %d, want 1", len(sent))
	}
	chat := sent[0]
	if chat.Message != "Disk usage\r\n/var is 91% full" {
		t.Errorf("Message: got %q", chat.Message)
	}
	if chat.Number != ownNumber {
		t.Errorf("Number: got %q, want %q", chat.Number, ownNumber)
	}

	relayed := relayer.envelopes()
	if len(relayed) != 1 {
		t.Fatalf("relayed: got %d, want 1", len(relayed))
	}
	env := relayed[0]
	if env.From != "cron@example.com" {
		t.Errorf("From: got %q", env.From)
	}
	if len(env.Recipients) != 1 || env.Recipients[0] != "ops@example.com" {
		t.Errorf("Recipients: got %v, want [ops@example.com]", env.Recipients)
	}
}

func TestSession_RelayFailureReply(t *testing.T) {
	t.Parallel()

	relayer := &mockRelayer{result: provider.Result{Status: provider.StatusAuthFailed}}
	addr, _ := startServer(t, newTestConfig(&mockMessenger{}, relayer))

	err := sendMail(t, addr, "cron@example.com", []string{"ops@example.com"},
		"Subject: Hi\r\n\r\nTest\r\n")

	var smtpErr *smtp.SMTPError
	if !errors.As(err, &smtpErr) {
		t.Fatalf("expected SMTPError, got %v", err)
	}
	if smtpErr.Code != 530 {
		t.Errorf("Code: got %d, want 530", smtpErr.Code)
	}
	if smtpErr.Message != "Failed to connect to the server. Wrong user/password?" {
		t.Errorf("Message: got %q", smtpErr.Message)
	}
}

func TestSession_AuthRequired(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig(&mockMessenger{}, &mockRelayer{result: provider.Success})
	cfg.AuthUsername = "testuser"
	cfg.AuthPassword = "testpass"
	addr, _ := startServer(t, cfg)

	t.Run("mail before auth", func(t *testing.T) {
		t.Parallel()

		c, err := smtp.Dial(addr)
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		defer c.Close()

		err = c.Mail("cron@example.com", nil)
		var smtpErr *smtp.SMTPError
		if !errors.As(err, &smtpErr) || smtpErr.Code != 530 {
			t.Errorf("MAIL: got %v, want 530", err)
		}
	})

	clients := []struct {
		name   string
		client sasl.Client
	}{
		{"plain", sasl.NewPlainClient("", "testuser", "testpass")},
		{"login", sasl.NewLoginClient("testuser", "testpass")},
	}
	for _, tt := range clients {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c, err := smtp.Dial(addr)
			if err != nil {
				t.Fatalf("Dial: %v", err)
			}
			defer c.Close()

			if err := c.Auth(tt.client); err != nil {
				t.Fatalf("Auth: %v", err)
			}
			if err := c.Mail("cron@example.com", nil); err != nil {
				t.Errorf("MAIL after auth: %v", err)
			}
		})
	}

	t.Run("wrong password", func(t *testing.T) {
		t.Parallel()

		c, err := smtp.Dial(addr)
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		defer c.Close()

		err = c.Auth(sasl.NewPlainClient("", "testuser", "nope"))
		var smtpErr *smtp.SMTPError
		if !errors.As(err, &smtpErr) || smtpErr.Code != 535 {
			t.Errorf("Auth: got %v, want 535", err)
		}
	})
}

func TestServer_StopsOnCancel(t *testing.T) {
	t.Parallel()

	addr, stop := startServer(t, newTestConfig(&mockMessenger{}, &mockRelayer{}))

	if err := stop(); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if conn, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		conn.Close()
		t.Error("expected listener to be closed after cancel")
	}
}

func TestServer_ServeWithCancelledContext(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() {
		done <- New(newTestConfig(&mockMessenger{}, &mockRelayer{})).Serve(ctx, ln)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve: got %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	if conn, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second); err == nil {
		conn.Close()
		t.Error("expected listener to be closed")
	}
}

func TestServer_Addr(t *testing.T) {
	t.Parallel()

	srv := New(ServerConfig{})
	if got := srv.Addr(); got != "" {
		t.Errorf("Addr before Serve: got %q, want empty", got)
	}
}
