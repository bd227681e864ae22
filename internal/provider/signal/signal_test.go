package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shineum/email2signal/internal/provider"
)

func testMessage() *provider.ChatMessage {
	return &provider.ChatMessage{
		Message:    "Hi\r\nTest",
		Number:     "+15550000000",
		Recipients: []string{"+15550000000", "+15551234567"},
	}
}

func TestSend_Success(t *testing.T) {
	t.Parallel()

	var got sendRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method: got %s, want POST", r.Method)
		}
		if r.URL.Path != "/v2/send" {
			t.Errorf("path: got %s, want /v2/send", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type: got %q, want application/json", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"timestamp":"1700000000000"}`))
	}))
	defer server.Close()

	p, err := New(Config{BaseURL: server.URL, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := p.Send(context.Background(), testMessage()); err != nil {
		t.Fatalf("Send: unexpected error: %v", err)
	}

	if got.Message != "Hi\r\nTest" {
		t.Errorf("message: got %q, want %q", got.Message, "Hi\r\nTest")
	}
	if got.Number != "+15550000000" {
		t.Errorf("number: got %q, want %q", got.Number, "+15550000000")
	}
	if len(got.Recipients) != 2 || got.Recipients[1] != "+15551234567" {
		t.Errorf("recipients: got %v", got.Recipients)
	}
}

func TestSend_OnlyCreatedIsSuccess(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p, err := newWithClient(server.URL, server.Client())
	if err != nil {
		t.Fatalf("newWithClient: %v", err)
	}

	err = p.Send(context.Background(), testMessage())
	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("Send: got %v, want ErrSendFailed", err)
	}
}

func TestSend_ServerErrorCarriesAPIMessage(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"Unregistered user"}`))
	}))
	defer server.Close()

	p, err := newWithClient(server.URL, server.Client())
	if err != nil {
		t.Fatalf("newWithClient: %v", err)
	}

	err = p.Send(context.Background(), testMessage())
	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("Send: got %v, want ErrSendFailed", err)
	}

	var se *sendError
	if !errors.As(err, &se) {
		t.Fatalf("expected *sendError, got %T", err)
	}
	if se.statusCode != http.StatusInternalServerError {
		t.Errorf("statusCode: got %d, want 500", se.statusCode)
	}
	if se.message != "Unregistered user" {
		t.Errorf("message: got %q, want %q", se.message, "Unregistered user")
	}
	if !se.transient {
		t.Error("transient: got false, want true for HTTP 500")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("calls: got %d, want 1 (no retries)", n)
	}
}

func TestSend_Unreachable(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	p, err := New(Config{BaseURL: url, Timeout: time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := p.Send(context.Background(), testMessage()); !errors.Is(err, ErrSendFailed) {
		t.Fatalf("Send: got %v, want ErrSendFailed", err)
	}
}

func TestSend_Timeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	p, err := New(Config{BaseURL: server.URL, Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	start := time.Now()
	if err := p.Send(context.Background(), testMessage()); !errors.Is(err, ErrSendFailed) {
		t.Fatalf("Send: got %v, want ErrSendFailed", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Send took %v, want it bounded by the client timeout", elapsed)
	}
}

func TestSendEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		base string
		want string
	}{
		{"http://signal:8080", "http://signal:8080/v2/send"},
		{"http://signal:8080/", "http://signal:8080/v2/send"},
		{"https://example.com/signal-api", "https://example.com/signal-api/v2/send"},
		{"https://example.com/signal-api/", "https://example.com/signal-api/v2/send"},
	}

	for _, tt := range tests {
		got, err := sendEndpoint(tt.base)
		if err != nil {
			t.Errorf("sendEndpoint(%q): unexpected error: %v", tt.base, err)
			continue
		}
		if got != tt.want {
			t.Errorf("sendEndpoint(%q): got %q, want %q", tt.base, got, tt.want)
		}
	}

	for _, bad := range []string{"", "signal:8080/v2", "://nohost"} {
		if _, err := sendEndpoint(bad); err == nil {
			t.Errorf("sendEndpoint(%q): expected error", bad)
		}
	}
}

func TestName(t *testing.T) {
	t.Parallel()

	p, err := New(Config{BaseURL: "http://localhost:8080"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Name() != "signal-rest" {
		t.Errorf("Name: got %q, want %q", p.Name(), "signal-rest")
	}
}
