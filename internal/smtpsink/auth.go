// Package smtpsink implements a capturing SMTP server. It accepts
// submissions over STARTTLS or implicit TLS with AUTH PLAIN/LOGIN and keeps
// every received message and command transcript in a Mailbox, so outbound
// notifications can be inspected locally and in tests.
package smtpsink

import (
	"encoding/base64"
	"errors"
	"strings"
)

var (
	errBadEncoding = errors.New("invalid base64 encoding")
	errBadPlain    = errors.New("invalid AUTH PLAIN format")
	errBadCreds    = errors.New("authentication failed")
)

// Authenticator checks SMTP AUTH credentials against one configured account.
type Authenticator struct {
	username string
	password string
}

// NewAuthenticator creates an Authenticator. With both fields empty the sink
// does not offer AUTH at all.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{username: username, password: password}
}

// Enabled reports whether AUTH is offered and required.
func (a *Authenticator) Enabled() bool {
	return a.username != "" || a.password != ""
}

// Verify compares a decoded username and password.
func (a *Authenticator) Verify(user, pass string) error {
	if user != a.username || pass != a.password {
		return errBadCreds
	}
	return nil
}

// DecodePlain splits an AUTH PLAIN response, base64(authzid\0authcid\0passwd).
func DecodePlain(encoded string) (user, pass string, err error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", errBadEncoding
	}
	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return "", "", errBadPlain
	}
	return parts[1], parts[2], nil
}

// DecodeLogin decodes the two AUTH LOGIN challenge responses.
func DecodeLogin(encodedUser, encodedPass string) (user, pass string, err error) {
	u, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return "", "", errBadEncoding
	}
	p, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return "", "", errBadEncoding
	}
	return string(u), string(p), nil
}
