// Package ses implements a Provider that relays composed messages through
// AWS SES v2 instead of speaking SMTP to the tenant's server.
package ses

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/shineum/smtp-notify-lite/internal/provider"
	"github.com/shineum/smtp-notify-lite/internal/transport"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// rejections maps SES error codes that a retry cannot fix to the provider
// failure class they are reported as.
var rejections = map[string]error{
	"MessageRejected":                    provider.ErrRecipient,
	"MailFromDomainNotVerifiedException": provider.ErrAuth,
	"AccountSuspendedException":          provider.ErrAuth,
	"SendingPausedException":             provider.ErrAuth,
	"BadRequestException":                provider.ErrProtocol,
	"NotFoundException":                  provider.ErrProtocol,
}

// Config holds the configuration for creating a Provider.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Provider sends raw messages via the AWS SES v2 API.
type Provider struct {
	client     SendEmailAPI
	negotiator *transport.Negotiator
	log        zerolog.Logger
	baseDelay  time.Duration

	mu      sync.Mutex
	proxied map[string]*http.Client
}

// New creates a Provider from the default AWS configuration chain, with
// static credentials when both keys are set. n dials the API through the
// SOCKS5 proxy when a send asks for anonymization.
func New(ctx context.Context, cfg Config, n *transport.Negotiator, log zerolog.Logger) (*Provider, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(sesv2.NewFromConfig(awsCfg), n, log), nil
}

// NewWithClient creates a Provider with a custom client, used for testing.
func NewWithClient(client SendEmailAPI, n *transport.Negotiator, log zerolog.Logger) *Provider {
	return &Provider{
		client:     client,
		negotiator: n,
		log:        log.With().Str("provider", "ses").Logger(),
		baseDelay:  baseRetryDelay,
		proxied:    make(map[string]*http.Client),
	}
}

// callOptions returns the per-request client options for cfg. Anonymized
// sends replace the SDK HTTP client with one that dials through SOCKS5.
func (p *Provider) callOptions(cfg transport.Config) ([]func(*sesv2.Options), error) {
	if !cfg.Anonymize {
		return nil, nil
	}
	if p.negotiator == nil {
		return nil, fmt.Errorf("%w: anonymization requested but no proxy dialer is configured", provider.ErrSecurity)
	}
	if err := cfg.ValidateProxy(); err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrSecurity, err)
	}

	key := cfg.ProxyAddr()
	p.mu.Lock()
	client, ok := p.proxied[key]
	if !ok {
		client = &http.Client{Transport: p.negotiator.HTTPTransport(cfg, nil)}
		p.proxied[key] = client
	}
	p.mu.Unlock()

	return []func(*sesv2.Options){func(o *sesv2.Options) { o.HTTPClient = client }}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "ses"
}

// Send hands the composed message to SES unchanged. The tenant source
// address is the envelope sender; SMTP host settings do not apply.
func (p *Provider) Send(ctx context.Context, cfg transport.Config, env *provider.Envelope) error {
	input := buildRawInput(cfg, env)
	optFns, err := p.callOptions(cfg)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			p.log.Debug().
				Int("attempt", attempt).
				Int("max_retries", maxRetries).
				Msg("retrying SES API request")
			if err := sleepWithContext(ctx, p.backoffDelay(attempt)); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		out, err := p.client.SendEmail(ctx, input, optFns...)
		if err == nil {
			p.log.Debug().
				Str("to", env.Recipient()).
				Str("message_id", aws.ToString(out.MessageId)).
				Msg("message accepted")
			return nil
		}

		if class := classify(err); class != nil {
			p.log.Warn().Err(err).Str("to", env.Recipient()).Msg("SES rejected message")
			return fmt.Errorf("%w: %w", class, err)
		}
		lastErr = err
		p.log.Warn().Err(err).Int("attempt", attempt).Msg("SES API error")
	}

	return fmt.Errorf("%w: SES API request failed after %d retries: %w", provider.ErrProtocol, maxRetries, lastErr)
}

// buildRawInput wraps the composed message in a SES raw content request.
func buildRawInput(cfg transport.Config, env *provider.Envelope) *sesv2.SendEmailInput {
	from := cfg.SourceAddress
	if from == "" {
		from = env.Sender()
	}
	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination: &types.Destination{
			ToAddresses: []string{env.Recipient()},
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: env.Raw},
		},
	}
}

// classify returns the failure class of a permanent SES error, or nil when
// the request may be retried.
func classify(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return nil
	}
	if class, ok := rejections[apiErr.ErrorCode()]; ok {
		return class
	}
	if apiErr.ErrorFault() == smithy.FaultClient {
		return provider.ErrProtocol
	}
	return nil
}

// backoffDelay doubles the base delay per attempt.
func (p *Provider) backoffDelay(attempt int) time.Duration {
	return p.baseDelay << attempt
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
