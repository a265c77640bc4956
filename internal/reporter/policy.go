package reporter

import (
	"strings"

	"github.com/shineum/smtp-notify-lite/internal/pgp"
)

// Recipient is one entry of the exception delivery list. PublicKey is an
// armored OpenPGP public key or empty.
type Recipient struct {
	Address   string
	PublicKey string
}

// Policy decides how the copy for one recipient is sealed. It is either
// Plaintext or Encrypted.
type Policy interface {
	// Recipient returns the destination mailbox.
	Recipient() string

	// Seal returns the body as it is sent to the recipient.
	Seal(body string) (string, error)
}

// Plaintext sends the body unchanged.
type Plaintext struct {
	Address string
}

// Recipient implements Policy.
func (p Plaintext) Recipient() string { return p.Address }

// Seal implements Policy.
func (p Plaintext) Seal(body string) (string, error) { return body, nil }

// Encrypted sends the body as an armored OpenPGP message.
type Encrypted struct {
	Address   string
	PublicKey string
}

// Recipient implements Policy.
func (e Encrypted) Recipient() string { return e.Address }

// Seal implements Policy.
func (e Encrypted) Seal(body string) (string, error) {
	out, err := pgp.Encrypt(e.PublicKey, []byte(body))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ResolvePolicy picks Encrypted when the recipient has a public key and
// Plaintext otherwise.
func ResolvePolicy(r Recipient) Policy {
	addr := strings.TrimSpace(r.Address)
	if strings.TrimSpace(r.PublicKey) == "" {
		return Plaintext{Address: addr}
	}
	return Encrypted{Address: addr, PublicKey: r.PublicKey}
}
