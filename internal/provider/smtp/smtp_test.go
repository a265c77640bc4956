package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"reflect"
	"strconv"
	"strings"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/rs/zerolog"

	"github.com/shineum/smtp-notify-lite/internal/compose"
	"github.com/shineum/smtp-notify-lite/internal/email"
	"github.com/shineum/smtp-notify-lite/internal/provider"
	"github.com/shineum/smtp-notify-lite/internal/smtpsink"
	smtptls "github.com/shineum/smtp-notify-lite/internal/tls"
	"github.com/shineum/smtp-notify-lite/internal/transport"
)

type fixture struct {
	sink     *smtpsink.Server
	provider *Provider
	cfg      transport.Config
}

func newFixture(t *testing.T, security transport.Security, sinkCfg smtpsink.ServerConfig, withTLS bool) *fixture {
	t.Helper()

	cert, err := smtptls.SelfSigned()
	if err != nil {
		t.Fatalf("cert: %v", err)
	}
	pool, err := smtptls.CertPool(cert)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if withTLS {
		sinkCfg.TLSConfig = &tls.Config{Certificates: []tls.Certificate{*cert}}
	}
	sinkCfg.ImplicitTLS = security == transport.SecurityImplicitTLS

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sinkCfg.ListenAddr = "127.0.0.1:0"
	sinkCfg.Logger = zerolog.Nop()
	sink, err := smtpsink.Start(ctx, sinkCfg)
	if err != nil {
		t.Fatalf("start sink: %v", err)
	}

	host, portStr, _ := net.SplitHostPort(sink.Addr())
	port, _ := strconv.Atoi(portStr)

	return &fixture{
		sink:     sink,
		provider: New(&transport.Negotiator{RootCAs: pool}, zerolog.Nop()),
		cfg: transport.Config{
			Host:           host,
			Port:           port,
			Security:       security,
			Username:       "notify",
			Password:       "secret",
			SourceName:     "Platform",
			SourceAddress:  "notify@example.org",
			ConnectTimeout: 5 * time.Second,
		},
	}
}

func envelope() *provider.Envelope {
	msg := &email.Message{
		From:    email.Address{Name: "Platform", Address: "notify@example.org"},
		To:      email.Address{Name: "Admin", Address: "admin@example.org"},
		Subject: "Über alert",
		Body:    "line one\n.\nline three",
	}
	return &provider.Envelope{Message: msg, Raw: compose.New("").Build(msg)}
}

func TestName(t *testing.T) {
	t.Parallel()
	if got := New(nil, zerolog.Nop()).Name(); got != "smtp" {
		t.Errorf("Name(): got %q, want %q", got, "smtp")
	}
}

func TestSend_StartTLS(t *testing.T) {
	t.Parallel()

	f := newFixture(t, transport.SecurityStartTLS, smtpsink.ServerConfig{AuthUsername: "notify", AuthPassword: "secret"}, true)
	if err := f.provider.Send(context.Background(), f.cfg, envelope()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	msgs := f.sink.Mailbox().Messages()
	if len(msgs) != 1 {
		t.Fatalf("messages: got %d, want 1", len(msgs))
	}
	got := msgs[0]
	if !got.TLS {
		t.Error("message was not received over TLS")
	}
	if got.AuthUser != "notify" {
		t.Errorf("AuthUser: got %q, want %q", got.AuthUser, "notify")
	}
	if got.MailFrom != "notify@example.org" || !reflect.DeepEqual(got.RcptTo, []string{"admin@example.org"}) {
		t.Errorf("envelope: got %q -> %v", got.MailFrom, got.RcptTo)
	}
	if got.Parsed == nil || got.Parsed.Subject != "Über alert" {
		t.Fatalf("Parsed: got %+v", got.Parsed)
	}
	if body := strings.ReplaceAll(got.Parsed.TextBody, "\r\n", "\n"); !strings.HasPrefix(body, "line one\n.\nline three") {
		t.Errorf("TextBody: got %q", body)
	}

	tr := f.sink.Mailbox().Transcripts()[0]
	want := smtpsink.Transcript{smtpsink.EventGreeting, "EHLO", "STARTTLS", smtpsink.EventTLSHandshake, "EHLO", "AUTH", "MAIL", "RCPT", "DATA"}
	if len(tr) < len(want) || !reflect.DeepEqual(tr[:len(want)], want) {
		t.Errorf("transcript: got %v, want prefix %v", tr, want)
	}
}

func TestSend_ImplicitTLS(t *testing.T) {
	t.Parallel()

	f := newFixture(t, transport.SecurityImplicitTLS, smtpsink.ServerConfig{AuthUsername: "notify", AuthPassword: "secret"}, true)
	if err := f.provider.Send(context.Background(), f.cfg, envelope()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	tr := f.sink.Mailbox().Transcripts()[0]
	if len(tr) < 2 || tr[0] != smtpsink.EventTLSHandshake || tr[1] != smtpsink.EventGreeting {
		t.Errorf("transcript: got %v, want TLS handshake before greeting", tr)
	}
	for _, ev := range tr {
		if ev == "STARTTLS" {
			t.Error("STARTTLS sent on an implicit TLS connection")
		}
	}
}

func TestSend_StartTLSUnavailable(t *testing.T) {
	t.Parallel()

	f := newFixture(t, transport.SecurityPlain, smtpsink.ServerConfig{AuthUsername: "notify", AuthPassword: "secret"}, false)
	err := f.provider.Send(context.Background(), f.cfg, envelope())
	if !errors.Is(err, provider.ErrSecurity) {
		t.Fatalf("got %v, want ErrSecurity", err)
	}
	if n := len(f.sink.Mailbox().Messages()); n != 0 {
		t.Errorf("messages: got %d, want 0", n)
	}
}

func TestSend_AuthRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t, transport.SecurityStartTLS, smtpsink.ServerConfig{AuthUsername: "notify", AuthPassword: "other"}, true)
	err := f.provider.Send(context.Background(), f.cfg, envelope())
	if !errors.Is(err, provider.ErrAuth) {
		t.Fatalf("got %v, want ErrAuth", err)
	}
	var smtpErr *gosmtp.SMTPError
	if !errors.As(err, &smtpErr) || smtpErr.Code != 535 {
		t.Errorf("got %v, want wrapped 535 SMTPError", err)
	}
}

func TestSend_AuthNotOffered(t *testing.T) {
	t.Parallel()

	f := newFixture(t, transport.SecurityStartTLS, smtpsink.ServerConfig{}, true)
	err := f.provider.Send(context.Background(), f.cfg, envelope())
	if !errors.Is(err, provider.ErrAuth) {
		t.Fatalf("got %v, want ErrAuth", err)
	}
	if n := len(f.sink.Mailbox().Messages()); n != 0 {
		t.Errorf("messages: got %d, want 0", n)
	}
}

func TestSend_SessionTimeout(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	accepted := make(chan net.Conn, 4)
	t.Cleanup(func() {
		ln.Close()
		close(accepted)
		for conn := range accepted {
			conn.Close()
		}
	})
	go func() {
		// Accept and never greet.
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	cfg := transport.Config{
		Host:           host,
		Port:           port,
		Security:       transport.SecurityStartTLS,
		ConnectTimeout: 200 * time.Millisecond,
	}

	start := time.Now()
	err = New(nil, zerolog.Nop()).Send(context.Background(), cfg, envelope())
	if err == nil {
		t.Fatal("expected error from silent server")
	}
	if !transport.IsTimeout(err) {
		t.Errorf("IsTimeout(%v): got false", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Send took %v", elapsed)
	}
}

func TestMailboxRejected(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "550", err: &gosmtp.SMTPError{Code: 550, Message: "no such user"}, want: true},
		{name: "553 wrapped", err: errors.Join(errors.New("rcpt"), &gosmtp.SMTPError{Code: 553}), want: true},
		{name: "452 temporary", err: &gosmtp.SMTPError{Code: 452}, want: false},
		{name: "not smtp", err: errors.New("boom"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := mailboxRejected(tt.err); got != tt.want {
				t.Errorf("mailboxRejected(%v): got %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
