// Package smtp implements a Provider that submits messages to the tenant's
// SMTP server over a connection from the transport negotiator.
package smtp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/rs/zerolog"

	"github.com/shineum/smtp-notify-lite/internal/provider"
	"github.com/shineum/smtp-notify-lite/internal/transport"
)

// DefaultHelloName is the name sent with EHLO. It does not reveal the host.
const DefaultHelloName = "localhost"

// Provider performs one SMTP session per Send.
type Provider struct {
	negotiator *transport.Negotiator
	helloName  string
	log        zerolog.Logger
}

// New creates a Provider dialing through n.
func New(n *transport.Negotiator, log zerolog.Logger) *Provider {
	if n == nil {
		n = transport.NewNegotiator()
	}
	return &Provider{
		negotiator: n,
		helloName:  DefaultHelloName,
		log:        log.With().Str("provider", "smtp").Logger(),
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "smtp"
}

// Send connects, secures, authenticates and transmits env. The session as a
// whole is bounded by the configured timeout; the connection is closed when
// it expires or ctx is cancelled.
func (p *Provider) Send(ctx context.Context, cfg transport.Config, env *provider.Envelope) error {
	conn, err := p.negotiator.Dial(ctx, cfg)
	if err != nil {
		return err
	}

	sessCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()
	stop := context.AfterFunc(sessCtx, func() { conn.Close() })
	defer stop()

	// go-smtp detects an active TLS layer from the concrete connection type.
	c := gosmtp.NewClient(conn.Conn)
	c.CommandTimeout = cfg.Timeout()
	c.SubmissionTimeout = cfg.Timeout()
	defer c.Close()

	if err := p.session(c, conn, cfg, env); err != nil {
		if ctxErr := sessCtx.Err(); ctxErr != nil {
			return fmt.Errorf("smtp session aborted: %w", errors.Join(ctxErr, err))
		}
		return err
	}
	return nil
}

func (p *Provider) session(c *gosmtp.Client, conn *transport.Conn, cfg transport.Config, env *provider.Envelope) error {
	start := time.Now()

	if err := c.Hello(p.helloName); err != nil {
		return fmt.Errorf("%w: EHLO: %w", provider.ErrProtocol, err)
	}

	if !conn.Secure {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return fmt.Errorf("%w: server %s does not offer STARTTLS", provider.ErrSecurity, cfg.Addr())
		}
		if err := c.StartTLS(conn.TLS); err != nil {
			return fmt.Errorf("%w: STARTTLS: %w", provider.ErrSecurity, err)
		}
	}

	if ok, _ := c.Extension("AUTH"); !ok {
		return fmt.Errorf("%w: server %s does not offer AUTH", provider.ErrAuth, cfg.Addr())
	}
	if err := c.Auth(sasl.NewPlainClient("", cfg.Username, cfg.Password)); err != nil {
		return fmt.Errorf("%w: %w", provider.ErrAuth, err)
	}

	if err := c.Mail(env.Sender(), nil); err != nil {
		return fmt.Errorf("%w: MAIL FROM: %w", provider.ErrProtocol, err)
	}
	if err := c.Rcpt(env.Recipient(), nil); err != nil {
		if mailboxRejected(err) {
			return fmt.Errorf("%w: RCPT TO: %w", provider.ErrRecipient, err)
		}
		return fmt.Errorf("%w: RCPT TO: %w", provider.ErrProtocol, err)
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("%w: DATA: %w", provider.ErrProtocol, err)
	}
	if _, err := w.Write(env.Raw); err != nil {
		w.Close()
		return fmt.Errorf("%w: writing message: %w", provider.ErrProtocol, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%w: end of DATA: %w", provider.ErrProtocol, err)
	}

	if err := c.Quit(); err != nil {
		p.log.Debug().Err(err).Msg("QUIT failed after accepted message")
	}

	p.log.Debug().
		Str("server", cfg.Addr()).
		Str("to", env.Recipient()).
		Bool("implicit_tls", conn.Secure).
		Dur("elapsed", time.Since(start)).
		Msg("message accepted")
	return nil
}

// mailboxRejected reports whether err is a permanent refusal of the mailbox
// itself (RFC 5321 550, 551, 553).
func mailboxRejected(err error) bool {
	var smtpErr *gosmtp.SMTPError
	if !errors.As(err, &smtpErr) {
		return false
	}
	switch smtpErr.Code {
	case 550, 551, 553:
		return true
	}
	return false
}
