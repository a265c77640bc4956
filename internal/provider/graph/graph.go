// Package graph implements a Provider that relays composed messages through
// the Microsoft Graph sendMail endpoint, authenticated with OAuth2 client
// credentials.
package graph

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/shineum/smtp-notify-lite/internal/provider"
	"github.com/shineum/smtp-notify-lite/internal/transport"
)

const (
	defaultGraphURL = "https://graph.microsoft.com/v1.0"
	tokenURLFormat  = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"
	graphScope      = "https://graph.microsoft.com/.default"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// Config holds the application registration used to send mail.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string

	// Sender is the mailbox that sends. The tenant source address is used
	// when empty.
	Sender string
}

// Provider sends raw MIME messages as a Graph user.
type Provider struct {
	sender     string
	graphURL   string
	httpClient *http.Client
	negotiator *transport.Negotiator
	creds      clientcredentials.Config
	log        zerolog.Logger
	baseDelay  time.Duration

	mu     sync.Mutex
	routes map[string]*route
}

// route is the HTTP client and token cache for one network path: direct, or
// through one SOCKS5 proxy. Tokens are fetched over the same path as mail.
type route struct {
	client *http.Client
	tokens oauth2.TokenSource
}

// New creates a Provider for the given application registration. n dials
// the API through the SOCKS5 proxy when a send asks for anonymization.
func New(cfg Config, n *transport.Negotiator, log zerolog.Logger) *Provider {
	return newWithEndpoints(cfg, defaultGraphURL, fmt.Sprintf(tokenURLFormat, cfg.TenantID), &http.Client{Timeout: 30 * time.Second}, n, log)
}

func newWithEndpoints(cfg Config, graphURL, tokenURL string, client *http.Client, n *transport.Negotiator, log zerolog.Logger) *Provider {
	return &Provider{
		sender:     cfg.Sender,
		graphURL:   strings.TrimRight(graphURL, "/"),
		httpClient: client,
		negotiator: n,
		creds: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     tokenURL,
			Scopes:       []string{graphScope},
		},
		log:       log.With().Str("provider", "graph").Logger(),
		baseDelay: baseRetryDelay,
		routes:    make(map[string]*route),
	}
}

// route returns the cached route for cfg, creating it on first use.
func (p *Provider) route(cfg transport.Config) (*route, error) {
	key := ""
	if cfg.Anonymize {
		if p.negotiator == nil {
			return nil, fmt.Errorf("%w: anonymization requested but no proxy dialer is configured", provider.ErrSecurity)
		}
		if err := cfg.ValidateProxy(); err != nil {
			return nil, fmt.Errorf("%w: %v", provider.ErrSecurity, err)
		}
		key = cfg.ProxyAddr()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.routes[key]; ok {
		return r, nil
	}

	client := p.httpClient
	if cfg.Anonymize {
		base, _ := p.httpClient.Transport.(*http.Transport)
		client = &http.Client{
			Timeout:   p.httpClient.Timeout,
			Transport: p.negotiator.HTTPTransport(cfg, base),
		}
	}
	r := &route{client: client, tokens: p.newTokenSource(client)}
	p.routes[key] = r
	return r, nil
}

// refreshToken drops the cached token of r.
func (p *Provider) refreshToken(r *route) {
	p.mu.Lock()
	r.tokens = p.newTokenSource(r.client)
	p.mu.Unlock()
}

// newTokenSource returns a caching token source that fetches tokens with
// client.
func (p *Provider) newTokenSource(client *http.Client) oauth2.TokenSource {
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, client)
	return p.creds.TokenSource(ctx)
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "msgraph"
}

// Send relays env.Raw. Transient failures are retried with exponential
// backoff, 429 honours Retry-After and a 401 refreshes the token once.
func (p *Provider) Send(ctx context.Context, cfg transport.Config, env *provider.Envelope) error {
	sender := p.sender
	if sender == "" {
		sender = cfg.SourceAddress
	}
	if sender == "" {
		return fmt.Errorf("%w: no sender mailbox configured", provider.ErrProtocol)
	}
	r, err := p.route(cfg)
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/users/%s/sendMail", p.graphURL, url.PathEscape(sender))
	payload := base64.StdEncoding.EncodeToString(env.Raw)

	var lastErr error
	tokenRefreshed := false

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			p.log.Debug().Int("attempt", attempt).Int("max_retries", maxRetries).Msg("retrying Graph API request")
		}

		err := p.doSendRequest(ctx, r, endpoint, payload)
		if err == nil {
			p.log.Debug().Str("to", env.Recipient()).Int("size", len(env.Raw)).Msg("message accepted by Graph")
			return nil
		}
		lastErr = err

		var graphErr *sendError
		if !errors.As(err, &graphErr) {
			return err
		}

		switch {
		case graphErr.permanent:
			return graphErr
		case graphErr.statusCode == http.StatusUnauthorized && !tokenRefreshed:
			p.log.Info().Msg("refreshing Graph API token after 401")
			p.refreshToken(r)
			tokenRefreshed = true
			continue
		case graphErr.statusCode == http.StatusTooManyRequests:
			delay := p.retryAfterDelay(graphErr.retryAfter, attempt)
			p.log.Info().Dur("retry_after", delay).Msg("rate limited by Graph API")
			if err := sleepWithContext(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		case graphErr.transient:
			delay := p.backoffDelay(attempt)
			p.log.Info().Int("status", graphErr.statusCode).Dur("delay", delay).Msg("transient Graph API error, retrying")
			if err := sleepWithContext(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		default:
			return graphErr
		}
	}

	return fmt.Errorf("Graph API request failed after %d retries: %w", maxRetries, lastErr)
}

// doSendRequest performs a single sendMail request with a MIME body.
func (p *Provider) doSendRequest(ctx context.Context, r *route, endpoint, payload string) error {
	p.mu.Lock()
	tokens := r.tokens
	p.mu.Unlock()

	token, err := tokens.Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			return fmt.Errorf("%w: failed to get access token: %v", provider.ErrAuth, err)
		}
		return &sendError{message: "failed to get access token", transient: true, err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	token.SetAuthHeader(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return &sendError{message: "HTTP request failed", transient: true, err: err}
	}
	defer resp.Body.Close()

	// HTTP 202 Accepted is success for sendMail
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(resp.Body)

	message := string(body)
	var apiErr errorBody
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
		message = apiErr.Error.Code + ": " + apiErr.Error.Message
	}
	return classifyError(resp.StatusCode, message, resp.Header.Get("Retry-After"))
}

// errorBody is the JSON error document Graph returns with a failed request.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// sendError represents an error from the Graph API send operation with
// classification for retry logic.
type sendError struct {
	message    string
	statusCode int
	permanent  bool
	transient  bool
	retryAfter string

	// err is the network error when no response arrived.
	err error
}

func (e *sendError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("Graph API error: %s: %v", e.message, e.err)
	}
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.statusCode, e.message)
}

// Unwrap exposes the network error, or the provider sentinel matching the
// HTTP status.
func (e *sendError) Unwrap() error {
	switch {
	case e.err != nil:
		return e.err
	case e.statusCode == http.StatusUnauthorized || e.statusCode == http.StatusForbidden:
		return provider.ErrAuth
	default:
		return provider.ErrProtocol
	}
}

// classifyError categorizes an HTTP error response for retry decisions.
func classifyError(statusCode int, message, retryAfter string) *sendError {
	err := &sendError{
		message:    message,
		statusCode: statusCode,
		retryAfter: retryAfter,
	}

	switch {
	case statusCode == http.StatusBadRequest || statusCode == http.StatusForbidden:
		err.permanent = true
	case statusCode == http.StatusUnauthorized:
		err.transient = true
	case statusCode == http.StatusTooManyRequests:
		err.transient = true
	case statusCode >= 500:
		err.transient = true
	default:
		err.permanent = true
	}

	return err
}

// retryAfterDelay parses the Retry-After header value and returns the appropriate delay.
// Falls back to exponential backoff if the header is missing or unparseable.
func (p *Provider) retryAfterDelay(retryAfter string, attempt int) time.Duration {
	if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return p.backoffDelay(attempt)
}

// backoffDelay doubles the base delay per attempt: 1s, 2s, 4s by default.
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
