// Package ses implements a Relayer that hands the raw message to AWS SES v2.
package ses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/shineum/email2signal/internal/email"
	"github.com/shineum/email2signal/internal/provider"
)

// authErrorCodes are SES error codes caused by bad or missing credentials.
var authErrorCodes = map[string]bool{
	"AccessDeniedException":       true,
	"UnrecognizedClientException": true,
	"InvalidClientTokenId":        true,
	"SignatureDoesNotMatch":       true,
	"ExpiredTokenException":       true,
}

// Config holds the configuration for creating a Provider.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// Provider relays raw messages via the SES v2 SendEmail API.
type Provider struct {
	client SendEmailAPI
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a Provider. Static credentials are used when both keys are
// set; otherwise the default AWS credential chain applies.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Provider{client: sesv2.NewFromConfig(awsCfg)}, nil
}

// NewWithClient creates a Provider with a custom client, used for testing.
func NewWithClient(client SendEmailAPI) *Provider {
	return &Provider{client: client}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "ses"
}

// Relay sends env.Data unchanged to the envelope recipients.
func (p *Provider) Relay(ctx context.Context, env *email.Envelope) provider.Result {
	out, err := p.client.SendEmail(ctx, buildRawInput(env))
	if err != nil {
		res := classifyError(err)
		slog.Warn("SES relay failed",
			"txn", env.ID,
			"status", res.Status.String(),
			"error", err,
		)
		return res
	}

	slog.Info("message relayed via SES",
		"txn", env.ID,
		"message_id", aws.ToString(out.MessageId),
		"recipients", len(env.Recipients),
	)
	return provider.Success
}

func buildRawInput(env *email.Envelope) *sesv2.SendEmailInput {
	input := &sesv2.SendEmailInput{
		Destination: &types.Destination{
			ToAddresses: env.Recipients,
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: env.Data},
		},
	}
	// A null reverse-path leaves the sender to the From header.
	if env.From != "" {
		input.FromEmailAddress = aws.String(env.From)
	}
	return input
}

// classifyError maps SES API errors onto relay results. Anything that is
// not an API error never reached SES and counts as a connection failure.
func classifyError(err error) provider.Result {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return provider.Result{Status: provider.StatusConnectionFailed}
	}
	if authErrorCodes[apiErr.ErrorCode()] {
		return provider.Result{Status: provider.StatusAuthFailed}
	}
	return provider.Result{
		Status:  provider.StatusProtocolError,
		Message: fmt.Sprintf("%s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage()),
	}
}
