// Package compose builds the wire form of outbound notification emails.
package compose

import (
	"bytes"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/shineum/smtp-notify-lite/internal/email"
)

// DefaultMailer is the X-Mailer tag used when none is configured.
const DefaultMailer = "smtp-notify-lite"

// Composer serializes email.Message values into RFC 5322 messages with a single
// text/plain UTF-8 body in quoted-printable transfer encoding.
type Composer struct {
	// Mailer is written to the X-Mailer header.
	Mailer string

	now   func() time.Time
	newID func() string
}

// New creates a Composer stamping messages with the given X-Mailer tag.
func New(mailer string) *Composer {
	if mailer == "" {
		mailer = DefaultMailer
	}
	return &Composer{
		Mailer: mailer,
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
}

// Build returns the serialized message. Invalid UTF-8 sequences are replaced
// with U+FFFD and every non-ASCII character is escaped, so Build never fails.
func (c *Composer) Build(msg *email.Message) []byte {
	var buf bytes.Buffer

	writeHeader(&buf, "Subject", encodeWord(msg.Subject))
	writeHeader(&buf, "Date", c.now().Format(time.RFC1123Z))
	writeHeader(&buf, "To", formatAddress(msg.To))
	writeHeader(&buf, "From", formatAddress(msg.From))
	writeHeader(&buf, "X-Mailer", sanitize(c.Mailer))
	writeHeader(&buf, "Message-ID", fmt.Sprintf("<%s@%s>", c.newID(), domainOf(msg.From.Address)))
	writeHeader(&buf, "MIME-Version", "1.0")
	writeHeader(&buf, "Content-Type", "text/plain; charset=UTF-8")
	writeHeader(&buf, "Content-Transfer-Encoding", "quoted-printable")
	buf.WriteString("\r\n")

	qp := quotedprintable.NewWriter(&buf)
	// Writes into a bytes.Buffer cannot fail.
	_, _ = qp.Write([]byte(normalizeBody(msg.Body)))
	_ = qp.Close()
	buf.WriteString("\r\n")

	return buf.Bytes()
}

func writeHeader(buf *bytes.Buffer, name, value string) {
	buf.WriteString(name)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

// maxWordPayload bounds the encoded text of one RFC 2047 word so that a
// folded "Subject: " line stays within 78 octets.
const maxWordPayload = 56

// encodeWord returns s as-is when it is short printable ASCII. Anything else
// becomes a run of Q-encoded words, one per folded line. Text that already
// looks like an encoded word is encoded too so it decodes to itself.
func encodeWord(s string) string {
	s = sanitize(s)
	if isASCII(s) && len(s) <= maxWordPayload && !strings.Contains(s, "=?") {
		return s
	}

	var words []string
	var word strings.Builder
	for _, r := range s {
		enc := qRune(r)
		if word.Len()+len(enc) > maxWordPayload {
			words = append(words, "=?UTF-8?q?"+word.String()+"?=")
			word.Reset()
		}
		word.WriteString(enc)
	}
	words = append(words, "=?UTF-8?q?"+word.String()+"?=")
	return strings.Join(words, "\r\n ")
}

// qRune Q-encodes one rune. Its bytes are never split across words.
func qRune(r rune) string {
	switch {
	case r == ' ':
		return "_"
	case r > 0x20 && r < 0x7f && r != '=' && r != '?' && r != '_':
		return string(r)
	}
	var b strings.Builder
	buf := make([]byte, utf8.UTFMax)
	for _, c := range buf[:utf8.EncodeRune(buf, r)] {
		fmt.Fprintf(&b, "=%02X", c)
	}
	return b.String()
}

func formatAddress(a email.Address) string {
	addr := "<" + sanitize(a.Address) + ">"
	name := strings.TrimSpace(sanitize(a.Name))
	switch {
	case name == "":
		return addr
	case isPlainPhrase(name):
		return name + " " + addr
	case isASCII(name):
		return quoteString(name) + " " + addr
	case strings.ContainsAny(name, "\"#$%&'(),.:;<>@[]^`{|}~"):
		return mime.BEncoding.Encode("UTF-8", name) + " " + addr
	default:
		return mime.QEncoding.Encode("UTF-8", name) + " " + addr
	}
}

// isPlainPhrase reports whether s can appear unquoted as a display name.
func isPlainPhrase(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == ' ', r == '-', r == '_', r == '!', r == '+':
		default:
			return false
		}
	}
	return true
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

func quoteString(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}

// sanitize turns line breaks into spaces so header values cannot inject
// extra headers.
func sanitize(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	return lineBreaks.Replace(s)
}

var lineBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// normalizeBody converts line endings to CRLF as required on the wire.
func normalizeBody(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		return sanitize(addr[i+1:])
	}
	return "localhost"
}
