// Package signal implements a Messenger that posts chat messages to a
// signal-cli REST API instance.
package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shineum/email2signal/internal/provider"
)

// defaultTimeout bounds a single send when Config.Timeout is zero.
const defaultTimeout = 30 * time.Second

// maxErrorBody caps how much of a failed response is read for diagnostics.
const maxErrorBody = 4096

// ErrSendFailed matches every error returned by Provider.Send.
var ErrSendFailed = errors.New("sending signal message has failed")

// Config holds the configuration for creating a Provider.
type Config struct {
	// BaseURL is the REST API root, e.g. http://signal-api:8080.
	BaseURL string
	Timeout time.Duration
}

// Provider sends chat messages through POST <base>/v2/send.
type Provider struct {
	sendURL    string
	httpClient *http.Client
}

// New creates a Provider for the REST API at cfg.BaseURL.
func New(cfg Config) (*Provider, error) {
	sendURL, err := sendEndpoint(cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	return &Provider{
		sendURL:    sendURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// newWithClient creates a Provider with a custom HTTP client, used for testing.
func newWithClient(baseURL string, client *http.Client) (*Provider, error) {
	sendURL, err := sendEndpoint(baseURL)
	if err != nil {
		return nil, err
	}
	return &Provider{sendURL: sendURL, httpClient: client}, nil
}

// Send posts msg in a single request. Only HTTP 201 counts as delivered.
func (p *Provider) Send(ctx context.Context, msg *provider.ChatMessage) error {
	bodyJSON, err := json.Marshal(sendRequest{
		Message:    msg.Message,
		Number:     msg.Number,
		Recipients: msg.Recipients,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	if err := p.doSendRequest(ctx, bodyJSON); err != nil {
		var se *sendError
		if errors.As(err, &se) {
			slog.Warn("Signal REST API rejected message",
				"status", se.statusCode,
				"transient", se.transient,
				"recipients", len(msg.Recipients),
			)
		}
		return err
	}

	slog.Debug("Signal message sent", "recipients", len(msg.Recipients))
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "signal-rest"
}

func (p *Provider) doSendRequest(ctx context.Context, bodyJSON []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.sendURL, bytes.NewReader(bodyJSON))
	if err != nil {
		return &sendError{message: fmt.Sprintf("failed to create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &sendError{
			message:   fmt.Sprintf("HTTP request failed: %v", err),
			transient: true,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusCreated {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var errResp errorResponse
	if jsonErr := json.Unmarshal(body, &errResp); jsonErr == nil && errResp.Error != "" {
		return classifyError(resp.StatusCode, errResp.Error)
	}

	return classifyError(resp.StatusCode, strings.TrimSpace(string(body)))
}

// sendEndpoint joins the base URL with v2/send, keeping any path prefix.
func sendEndpoint(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid Signal REST URL %q: %w", base, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid Signal REST URL %q: scheme and host are required", base)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u.ResolveReference(&url.URL{Path: "v2/send"}).String(), nil
}

type sendRequest struct {
	Message    string   `json:"message"`
	Number     string   `json:"number"`
	Recipients []string `json:"recipients"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// sendError describes a failed send. It matches ErrSendFailed.
type sendError struct {
	message    string
	statusCode int
	transient  bool
}

func (e *sendError) Error() string {
	if e.statusCode == 0 {
		return fmt.Sprintf("Signal REST API error: %s", e.message)
	}
	return fmt.Sprintf("Signal REST API error (HTTP %d): %s", e.statusCode, e.message)
}

func (e *sendError) Is(target error) bool {
	return target == ErrSendFailed
}

// classifyError marks server-side and rate-limit failures as transient.
// Nothing retries them; the flag only feeds logs.
func classifyError(statusCode int, message string) *sendError {
	return &sendError{
		message:    message,
		statusCode: statusCode,
		transient:  statusCode == http.StatusTooManyRequests || statusCode >= 500,
	}
}
