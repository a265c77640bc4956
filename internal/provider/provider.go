// Package provider defines the interface for outbound delivery backends.
package provider

import (
	"context"
	"errors"

	"github.com/shineum/smtp-notify-lite/internal/email"
	"github.com/shineum/smtp-notify-lite/internal/transport"
)

// Failure classes a backend wraps its errors with, so callers can classify
// them with errors.Is without knowing the backend.
var (
	// ErrSecurity means transport security could not be established.
	ErrSecurity = errors.New("transport security not negotiated")

	// ErrAuth means the server refused or did not offer authentication.
	ErrAuth = errors.New("authentication failed")

	// ErrRecipient means the server refused the recipient mailbox.
	ErrRecipient = errors.New("recipient rejected")

	// ErrProtocol means the server rejected a command of the exchange.
	ErrProtocol = errors.New("protocol failure")
)

// Envelope is one composed message addressed to exactly one recipient.
type Envelope struct {
	// Message is the structured message Raw was composed from.
	Message *email.Message

	// Raw is the serialized RFC 5322 message.
	Raw []byte
}

// Sender returns the envelope sender address.
func (e *Envelope) Sender() string {
	return e.Message.From.Address
}

// Recipient returns the envelope recipient address.
func (e *Envelope) Recipient() string {
	return e.Message.To.Address
}

// Provider is the interface that delivery backends must implement.
type Provider interface {
	// Send delivers env using the tenant transport configuration.
	Send(ctx context.Context, cfg transport.Config, env *Envelope) error

	// Name returns the human-readable name of this provider.
	Name() string
}
