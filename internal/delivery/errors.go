package delivery

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/smtp-notify-lite/internal/provider"
	"github.com/shineum/smtp-notify-lite/internal/transport"
)

// Reason is the failure class of a delivery.
type Reason string

const (
	ReasonNoRecipient Reason = "no-recipient"
	ReasonTransport   Reason = "connect-failure"
	ReasonSecurity    Reason = "tls-failure"
	ReasonAuth        Reason = "auth-failure"
	ReasonProtocol    Reason = "protocol-failure"
	ReasonTimeout     Reason = "timeout"

	// ReasonInternal covers faults inside the agent itself, such as a
	// recovered panic or a missing backend.
	ReasonInternal Reason = "internal"
)

// ErrAlreadyResolved is returned when a delivery result is resolved twice.
var ErrAlreadyResolved = errors.New("delivery result already resolved")

// Error is the error carried by a failed Result.
type Error struct {
	Reason Reason
	Op     string
	Err    error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("delivery %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("delivery %s during %s: %v", e.Reason, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsReason reports whether err is a delivery Error of the given class.
func IsReason(err error, reason Reason) bool {
	var de *Error
	return errors.As(err, &de) && de.Reason == reason
}

// authCodes are SMTP replies that mean the credentials were not accepted.
var authCodes = map[int]bool{530: true, 534: true, 535: true, 538: true}

// classify maps a backend error onto a failure Reason. The order matters: a
// timeout during the TLS handshake is a timeout, not a security failure.
func classify(err error) Reason {
	if transport.IsTimeout(err) {
		return ReasonTimeout
	}

	var te *transport.Error
	hasStage := errors.As(err, &te)
	if hasStage && te.Stage == transport.StageHandshake {
		return ReasonSecurity
	}
	if errors.Is(err, provider.ErrSecurity) || isCertificateError(err) {
		return ReasonSecurity
	}

	var smtpErr *gosmtp.SMTPError
	isSMTP := errors.As(err, &smtpErr)
	if errors.Is(err, provider.ErrAuth) || (isSMTP && authCodes[smtpErr.Code]) {
		return ReasonAuth
	}
	if errors.Is(err, provider.ErrRecipient) {
		return ReasonNoRecipient
	}
	if hasStage {
		return ReasonTransport
	}
	if errors.Is(err, provider.ErrProtocol) || isSMTP {
		return ReasonProtocol
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return ReasonTransport
	}
	return ReasonProtocol
}

func isCertificateError(err error) bool {
	var (
		recordErr   tls.RecordHeaderError
		verifyErr   *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
		certInvalid x509.CertificateInvalidError
		alertErr    tls.AlertError
	)
	return errors.As(err, &recordErr) ||
		errors.As(err, &verifyErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &certInvalid) ||
		errors.As(err, &alertErr)
}

// opFor names the step an error came from, for log and error messages.
func opFor(err error) string {
	var te *transport.Error
	if errors.As(err, &te) {
		return string(te.Stage)
	}
	return "session"
}
