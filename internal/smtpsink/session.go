package smtpsink

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shineum/smtp-notify-lite/internal/parser"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 60 * time.Second

// maxMessageSize is the advertised maximum message size (10 MB).
const maxMessageSize = 10 * 1024 * 1024

// session manages the SMTP state machine of one client connection.
type session struct {
	conn       net.Conn
	reader     *bufio.Reader
	writer     *bufio.Writer
	state      int
	auth       *Authenticator
	mailbox    *Mailbox
	transcript *Transcript
	hostname   string
	log        zerolog.Logger

	tlsConfig *tls.Config
	tlsActive bool
	implicit  bool

	authUser string
	mailFrom string
	rcptTo   []string
}

func newSession(conn net.Conn, srv *Server) *session {
	return &session{
		conn:       conn,
		reader:     bufio.NewReader(conn),
		writer:     bufio.NewWriter(conn),
		state:      stateConnected,
		auth:       srv.auth,
		mailbox:    srv.mailbox,
		transcript: srv.mailbox.openSession(),
		hostname:   srv.config.Hostname,
		log:        srv.log.With().Str("remote", conn.RemoteAddr().String()).Logger(),
		tlsConfig:  srv.config.TLSConfig,
		implicit:   srv.config.ImplicitTLS,
	}
}

// handle runs the session until the client disconnects or an error occurs.
func (s *session) handle(ctx context.Context) {
	defer func() { s.conn.Close() }()

	if s.implicit {
		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			return
		}
		if !s.upgrade() {
			return
		}
	}

	s.mailbox.record(s.transcript, EventGreeting)
	s.writeLine("220 %s ESMTP smtp-notify-lite capture", s.hostname)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 Service shutting down")
			return
		default:
		}

		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			s.log.Error().Err(err).Msg("failed to set connection deadline")
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				s.log.Debug().Err(err).Msg("connection read error")
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		s.mailbox.record(s.transcript, cmd)
		if s.handleCommand(cmd, arg) {
			return
		}
	}
}

// handleCommand processes a single SMTP command and returns true if the session should end.
func (s *session) handleCommand(cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		return !s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		return !s.handleDATA()
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

func (s *session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	s.resetTransaction()
	if s.state < stateGreeted {
		s.state = stateGreeted
	}

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.hostname, arg)
	if s.tlsConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.auth.Enabled() {
		s.writeLine("250-AUTH PLAIN LOGIN")
	}
	s.writeLine("250-8BITMIME")
	s.writeLine("250 SIZE %d", maxMessageSize)
}

// handleSTARTTLS upgrades the connection and reports whether the session
// can continue.
func (s *session) handleSTARTTLS() bool {
	if s.tlsConfig == nil {
		s.writeLine("454 TLS not available")
		return true
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return true
	}

	s.writeLine("220 Ready to start TLS")
	if !s.upgrade() {
		return false
	}

	// RFC 3207: the client must greet again after the handshake.
	s.state = stateConnected
	s.authUser = ""
	s.resetTransaction()
	return true
}

func (s *session) upgrade() bool {
	tlsConn := tls.Server(s.conn, s.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.log.Warn().Err(err).Msg("TLS handshake failed")
		return false
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.mailbox.record(s.transcript, EventTLSHandshake)
	return true
}

func (s *session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if !s.auth.Enabled() {
		s.writeLine("503 AUTH not available")
		return
	}
	if s.state >= stateAuthOK {
		s.writeLine("503 Already authenticated")
		return
	}

	parts := strings.SplitN(arg, " ", 2)
	var (
		user, pass string
		err        error
	)
	switch strings.ToUpper(parts[0]) {
	case "PLAIN":
		encoded, ok := s.initialResponse(parts)
		if !ok {
			return
		}
		user, pass, err = DecodePlain(encoded)
	case "LOGIN":
		encodedUser, ok := s.challenge("VXNlcm5hbWU6")
		if !ok {
			return
		}
		encodedPass, ok := s.challenge("UGFzc3dvcmQ6")
		if !ok {
			return
		}
		user, pass, err = DecodeLogin(encodedUser, encodedPass)
	default:
		s.writeLine("504 Unrecognized authentication type")
		return
	}

	if err == nil {
		err = s.auth.Verify(user, pass)
	}
	if err != nil {
		s.log.Debug().Err(err).Str("user", user).Msg("authentication rejected")
		s.writeLine("535 5.7.8 Authentication failed")
		return
	}

	s.authUser = user
	s.state = stateAuthOK
	s.writeLine("235 2.7.0 Authentication successful")
}

// initialResponse returns the inline AUTH PLAIN argument or asks for it.
func (s *session) initialResponse(parts []string) (string, bool) {
	if len(parts) > 1 && parts[1] != "" {
		if parts[1] == "*" {
			s.writeLine("501 Authentication cancelled")
			return "", false
		}
		return parts[1], true
	}
	return s.challenge("")
}

// challenge sends a 334 continuation and reads the client response.
func (s *session) challenge(prompt string) (string, bool) {
	if prompt == "" {
		s.writeLine("334 ")
	} else {
		s.writeLine("334 %s", prompt)
	}
	line, err := s.reader.ReadString('\n')
	if err != nil {
		s.log.Debug().Err(err).Msg("failed to read AUTH response")
		return "", false
	}
	resp := strings.TrimRight(line, "\r\n")
	if resp == "*" {
		s.writeLine("501 Authentication cancelled")
		return "", false
	}
	return resp, true
}

func (s *session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.auth.Enabled() && s.state < stateAuthOK {
		s.writeLine("530 5.7.0 Authentication required")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}
	addr, ok := extractAddress(arg[5:])
	if !ok {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

func (s *session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}
	addr, ok := extractAddress(arg[3:])
	if !ok || addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// handleDATA reads the message body and reports whether the session can continue.
func (s *session) handleDATA() bool {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return true
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	var data strings.Builder
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			s.log.Debug().Err(err).Msg("error reading DATA")
			return false
		}

		if strings.TrimRight(line, "\r\n") == "." {
			break
		}
		// Dot-stuffing: a leading dot was doubled by the client.
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}
		data.WriteString(line)
	}

	raw := []byte(data.String())
	received := Received{
		MailFrom: s.mailFrom,
		RcptTo:   append([]string(nil), s.rcptTo...),
		Raw:      raw,
		TLS:      s.tlsActive,
		AuthUser: s.authUser,
	}
	if msg, err := parser.Parse(raw); err == nil {
		received.Parsed = msg
	} else {
		s.log.Warn().Err(err).Msg("captured message could not be parsed")
	}
	s.mailbox.add(received)

	s.log.Info().
		Str("from", received.MailFrom).
		Strs("to", received.RcptTo).
		Int("size", len(raw)).
		Bool("tls", received.TLS).
		Msg("message captured")

	s.writeLine("250 OK message captured")
	s.resetTransaction()
	return true
}

// resetTransaction clears the mail transaction without affecting the
// greeting or authentication state.
func (s *session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	if s.state > stateAuthOK {
		if s.authUser != "" {
			s.state = stateAuthOK
		} else {
			s.state = stateGreeted
		}
	}
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *session) writeLine(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		s.log.Debug().Err(err).Msg("failed to write to client")
		return
	}
	if err := s.writer.Flush(); err != nil {
		s.log.Debug().Err(err).Msg("failed to flush to client")
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	return cmd, arg
}

// extractAddress extracts an address from a MAIL/RCPT parameter, handling
// both angle-bracket and bare formats. ESMTP parameters after the address
// are ignored. The null reverse-path "<>" yields an empty address.
func extractAddress(s string) (string, bool) {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return "", false
		}
		return s[1:end], true
	}

	if i := strings.IndexByte(s, ' '); i >= 0 {
		s = s[:i]
	}
	return s, s != ""
}
