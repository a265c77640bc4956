// Package transport resolves how an outbound SMTP session reaches its server:
// directly or through a SOCKS5 proxy, and with TLS either established on
// connect or left for the SMTP layer to negotiate with STARTTLS.
package transport

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// DefaultConnectTimeout bounds connection establishment when the tenant
// configuration does not set one.
const DefaultConnectTimeout = 30 * time.Second

// Security is the transport security mode of an SMTP server.
type Security string

const (
	// SecurityPlain connects without TLS. STARTTLS is still mandatory.
	SecurityPlain Security = "plain"

	// SecurityStartTLS connects without TLS and requires STARTTLS.
	SecurityStartTLS Security = "starttls-required"

	// SecurityImplicitTLS wraps the connection in TLS before the SMTP greeting.
	SecurityImplicitTLS Security = "implicit-tls"
)

// ParseSecurity maps configuration spellings onto a Security mode. The legacy
// names "TLS" and "SSL" mean STARTTLS and implicit TLS respectively.
func ParseSecurity(s string) (Security, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "starttls", "starttls-required", "tls":
		return SecurityStartTLS, nil
	case "implicit-tls", "implicit", "ssl", "smtps":
		return SecurityImplicitTLS, nil
	case "plain", "none":
		return SecurityPlain, nil
	default:
		return "", fmt.Errorf("unknown security mode %q", s)
	}
}

// Valid reports whether s is a known mode.
func (s Security) Valid() bool {
	switch s {
	case SecurityPlain, SecurityStartTLS, SecurityImplicitTLS:
		return true
	default:
		return false
	}
}

// Config is the per-tenant SMTP configuration. It is read-only to this module.
type Config struct {
	Host     string
	Port     int
	Security Security

	Username string
	Password string

	SourceName    string
	SourceAddress string

	// Anonymize routes the connection through the SOCKS5 proxy.
	Anonymize bool
	ProxyHost string
	ProxyPort int

	ConnectTimeout time.Duration

	// TLSSkipVerify disables certificate verification. Only for development.
	TLSSkipVerify bool
}

// Addr returns the SMTP server address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ProxyAddr returns the SOCKS5 proxy address.
func (c Config) ProxyAddr() string {
	return net.JoinHostPort(c.ProxyHost, strconv.Itoa(c.ProxyPort))
}

// Timeout returns the connect timeout, falling back to DefaultConnectTimeout.
func (c Config) Timeout() time.Duration {
	if c.ConnectTimeout <= 0 {
		return DefaultConnectTimeout
	}
	return c.ConnectTimeout
}

// Validate reports the first unusable field.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return &ValidationError{Field: "host", Message: "SMTP host is required"}
	}
	if c.Port <= 0 || c.Port > 65535 {
		return &ValidationError{Field: "port", Message: "invalid port number: " + strconv.Itoa(c.Port)}
	}
	if !c.Security.Valid() {
		return &ValidationError{Field: "security", Message: "invalid security mode: " + string(c.Security)}
	}
	return c.ValidateProxy()
}

// ValidateProxy checks the SOCKS5 settings when Anonymize is set. API
// backends that never open an SMTP connection validate only this part.
func (c Config) ValidateProxy() error {
	if !c.Anonymize {
		return nil
	}
	if strings.TrimSpace(c.ProxyHost) == "" {
		return &ValidationError{Field: "proxy_host", Message: "SOCKS5 proxy host is required when anonymizing"}
	}
	if c.ProxyPort <= 0 || c.ProxyPort > 65535 {
		return &ValidationError{Field: "proxy_port", Message: "invalid proxy port: " + strconv.Itoa(c.ProxyPort)}
	}
	return nil
}

// ValidationError names a configuration field that cannot be used.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("transport config: %s: %s", e.Field, e.Message)
}
