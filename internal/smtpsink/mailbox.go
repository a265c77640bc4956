package smtpsink

import (
	"sync"

	"github.com/shineum/smtp-notify-lite/internal/parser"
)

// Event names recorded in a Transcript besides the SMTP verbs themselves.
const (
	EventTLSHandshake = "TLS-HANDSHAKE"
	EventGreeting     = "GREETING"
)

// Transcript is the ordered list of events of one client connection: the
// greeting, TLS handshakes and every command verb received.
type Transcript []string

// Received is one accepted message.
type Received struct {
	MailFrom string
	RcptTo   []string
	Raw      []byte
	Parsed   *parser.Message

	// TLS is true when the message arrived over an encrypted connection.
	TLS bool

	// AuthUser is the username the client authenticated as.
	AuthUser string
}

// Mailbox stores received messages and session transcripts. It is safe for
// concurrent use by sessions and readers.
type Mailbox struct {
	mu       sync.Mutex
	messages []Received
	sessions []*Transcript
	notify   chan struct{}
}

// NewMailbox creates an empty Mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{notify: make(chan struct{}, 1)}
}

func (m *Mailbox) add(r Received) {
	m.mu.Lock()
	m.messages = append(m.messages, r)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Mailbox) openSession() *Transcript {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &Transcript{}
	m.sessions = append(m.sessions, t)
	return t
}

func (m *Mailbox) record(t *Transcript, event string) {
	m.mu.Lock()
	*t = append(*t, event)
	m.mu.Unlock()
}

// Messages returns a copy of the messages received so far.
func (m *Mailbox) Messages() []Received {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Received, len(m.messages))
	copy(out, m.messages)
	return out
}

// Transcripts returns a copy of every session transcript.
func (m *Mailbox) Transcripts() []Transcript {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transcript, len(m.sessions))
	for i, t := range m.sessions {
		out[i] = append(Transcript(nil), (*t)...)
	}
	return out
}

// Notify returns a channel that receives a value after new messages arrive.
func (m *Mailbox) Notify() <-chan struct{} {
	return m.notify
}
