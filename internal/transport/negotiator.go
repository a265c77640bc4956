package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/net/proxy"

	smtptls "github.com/shineum/smtp-notify-lite/internal/tls"
)

// Stage identifies where connection establishment failed.
type Stage string

const (
	StageConfig    Stage = "config"
	StageProxy     Stage = "proxy"
	StageConnect   Stage = "connect"
	StageHandshake Stage = "handshake"
)

// Error is returned by Dial. Err keeps the underlying network or TLS error.
type Error struct {
	Stage Stage
	Addr  string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Stage, e.Addr, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTimeout reports whether err was caused by a deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Plan is the resolved connection strategy for one Config.
type Plan struct {
	// Target is the SMTP server address.
	Target string

	// Proxy is the SOCKS5 address, empty for a direct connection.
	Proxy string

	// ImplicitTLS wraps the raw connection in TLS before SMTP starts.
	ImplicitTLS bool

	// RequireStartTLS tells the SMTP layer it must upgrade with STARTTLS.
	RequireStartTLS bool

	TLS     *tls.Config
	Timeout time.Duration
}

// Conn is an established transport handed to the SMTP layer.
type Conn struct {
	net.Conn

	// Secure is true when TLS is already active on Conn.
	Secure bool

	// RequireStartTLS mirrors Plan.RequireStartTLS.
	RequireStartTLS bool

	// TLS is the client configuration for a later STARTTLS upgrade.
	TLS *tls.Config
}

// Negotiator turns a Config into a connected transport.
type Negotiator struct {
	// RootCAs overrides the system roots used to verify SMTP servers.
	RootCAs *x509.CertPool

	// Forward is the dialer used for the direct connection or the connection
	// to the proxy. Nil means a net.Dialer bounded by the plan timeout.
	Forward proxy.ContextDialer
}

// NewNegotiator returns a Negotiator using the system roots.
func NewNegotiator() *Negotiator {
	return &Negotiator{}
}

// Plan resolves cfg into a connection strategy without touching the network.
func (n *Negotiator) Plan(cfg Config) Plan {
	p := Plan{
		Target:  cfg.Addr(),
		TLS:     smtptls.ClientConfig(cfg.Host, n.roots(), cfg.TLSSkipVerify),
		Timeout: cfg.Timeout(),
	}
	if cfg.Anonymize {
		p.Proxy = cfg.ProxyAddr()
	}
	if cfg.Security == SecurityImplicitTLS {
		p.ImplicitTLS = true
	} else {
		p.RequireStartTLS = true
	}
	return p
}

// Dial validates cfg, connects according to its Plan and performs the TLS
// handshake for implicit TLS. The whole step is bounded by the connect
// timeout.
func (n *Negotiator) Dial(ctx context.Context, cfg Config) (*Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &Error{Stage: StageConfig, Addr: cfg.Addr(), Err: err}
	}
	plan := n.Plan(cfg)

	ctx, cancel := context.WithTimeout(ctx, plan.Timeout)
	defer cancel()

	raw, err := n.dial(ctx, plan.Proxy, plan.Target, plan.Timeout)
	if err != nil {
		return nil, err
	}

	if !plan.ImplicitTLS {
		return &Conn{Conn: raw, RequireStartTLS: plan.RequireStartTLS, TLS: plan.TLS}, nil
	}

	tlsConn := tls.Client(raw, plan.TLS)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, &Error{Stage: StageHandshake, Addr: plan.Target, Err: err}
	}
	return &Conn{Conn: tlsConn, Secure: true, TLS: plan.TLS}, nil
}

// DialContext returns a dial function for the HTTP clients of API backends.
// With cfg.Anonymize every connection goes through the SOCKS5 proxy and the
// proxy resolves the API host name. Each dial is bounded by the connect
// timeout.
func (n *Negotiator) DialContext(cfg Config) func(ctx context.Context, network, addr string) (net.Conn, error) {
	timeout := cfg.Timeout()
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if err := cfg.ValidateProxy(); err != nil {
			return nil, &Error{Stage: StageConfig, Addr: addr, Err: err}
		}
		var proxyAddr string
		if cfg.Anonymize {
			proxyAddr = cfg.ProxyAddr()
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return n.dial(ctx, proxyAddr, addr, timeout)
	}
}

// HTTPTransport clones base, or http.DefaultTransport when base is nil, and
// routes its connections through DialContext(cfg). Environment proxy
// settings are ignored so an anonymized request cannot bypass SOCKS5.
func (n *Negotiator) HTTPTransport(cfg Config, base *http.Transport) *http.Transport {
	if base == nil {
		base = http.DefaultTransport.(*http.Transport)
	}
	t := base.Clone()
	t.Proxy = nil
	t.DialContext = n.DialContext(cfg)
	return t
}

func (n *Negotiator) dial(ctx context.Context, proxyAddr, target string, timeout time.Duration) (net.Conn, error) {
	var forward proxy.ContextDialer = &net.Dialer{Timeout: timeout}
	if n != nil && n.Forward != nil {
		forward = n.Forward
	}

	if proxyAddr == "" {
		conn, err := forward.DialContext(ctx, "tcp", target)
		if err != nil {
			return nil, &Error{Stage: StageConnect, Addr: target, Err: err}
		}
		return conn, nil
	}

	// The proxy resolves the target host name, so no DNS query leaves this host.
	socks, err := proxy.SOCKS5("tcp", proxyAddr, nil, forwardDialer{forward})
	if err != nil {
		return nil, &Error{Stage: StageProxy, Addr: proxyAddr, Err: err}
	}
	cd, ok := socks.(proxy.ContextDialer)
	if !ok {
		return nil, &Error{Stage: StageProxy, Addr: proxyAddr, Err: errors.New("SOCKS5 dialer does not support contexts")}
	}
	conn, err := cd.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, &Error{Stage: StageProxy, Addr: proxyAddr, Err: err}
	}
	return conn, nil
}

func (n *Negotiator) roots() *x509.CertPool {
	if n == nil {
		return nil
	}
	return n.RootCAs
}

// forwardDialer adapts a ContextDialer to the proxy.Dialer interface that
// proxy.SOCKS5 expects for its upstream connection.
type forwardDialer struct {
	proxy.ContextDialer
}

func (f forwardDialer) Dial(network, addr string) (net.Conn, error) {
	return f.DialContext(context.Background(), network, addr)
}
