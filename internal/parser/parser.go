// Package parser decodes RFC 5322 messages back into their logical fields.
// The capture sink uses it to present received notifications, and the
// composer tests use it to check that encoded text survives the wire.
package parser

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"
)

// armorHeader opens an ASCII-armored OpenPGP message.
const armorHeader = "-----BEGIN PGP MESSAGE-----"

// Message is a decoded notification.
type Message struct {
	From      string
	FromName  string
	To        []string
	Subject   string
	MessageID string
	Mailer    string
	Date      string

	// Charset and Encoding describe the part TextBody was taken from.
	Charset  string
	Encoding string

	// TextBody is the first text/plain part with its transfer encoding undone.
	TextBody string

	// Encrypted is set when TextBody is an armored OpenPGP message.
	Encrypted bool

	Header mail.Header
}

var (
	errNoBoundary = errors.New("multipart body without boundary")
	wordDecoder   = &mime.WordDecoder{}
)

// Parse decodes a raw message. Encoded-word headers are decoded, and the text
// body is returned without its base64 or quoted-printable encoding. HTML and
// attachment parts are skipped.
func Parse(raw []byte) (*Message, error) {
	m, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	h := m.Header
	out := &Message{
		Subject:   decodeHeader(h.Get("Subject")),
		MessageID: h.Get("Message-Id"),
		Mailer:    h.Get("X-Mailer"),
		Date:      h.Get("Date"),
		To:        addresses(h.Get("To")),
		Header:    h,
	}
	if from, err := mail.ParseAddress(h.Get("From")); err == nil {
		out.From, out.FromName = from.Address, from.Name
	} else {
		out.From = h.Get("From")
	}

	if err := out.readText(textproto.MIMEHeader(h), m.Body); err != nil {
		return nil, err
	}
	out.Encrypted = strings.HasPrefix(strings.TrimSpace(out.TextBody), armorHeader)
	return out, nil
}

// readText fills TextBody from the entity with header h, descending into
// multipart bodies until a text part is found. multipart.Reader undoes
// quoted-printable parts itself and drops their encoding header.
func (m *Message) readText(h textproto.MIMEHeader, body io.Reader) error {
	encoding := strings.ToLower(strings.TrimSpace(h.Get("Content-Transfer-Encoding")))

	mediaType, params, err := mime.ParseMediaType(h.Get("Content-Type"))
	if err != nil {
		// Missing or unreadable Content-Type means text/plain.
		mediaType, params = "text/plain", nil
	}

	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		boundary := params["boundary"]
		if boundary == "" {
			return fmt.Errorf("failed to parse multipart message: %w", errNoBoundary)
		}
		mr := multipart.NewReader(body, boundary)
		for m.TextBody == "" {
			part, err := mr.NextPart()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to read next part: %w", err)
			}
			if strings.HasPrefix(part.Header.Get("Content-Disposition"), "attachment") {
				continue
			}
			if err := m.readText(part.Header, part); err != nil {
				return err
			}
		}
		return nil

	case mediaType == "text/plain":
		text, err := decode(body, encoding)
		if err != nil {
			return fmt.Errorf("failed to read message body: %w", err)
		}
		m.TextBody = string(text)
		m.Charset = params["charset"]
		m.Encoding = encoding
	}
	return nil
}

// decode undoes a Content-Transfer-Encoding.
func decode(r io.Reader, encoding string) ([]byte, error) {
	switch encoding {
	case "quoted-printable":
		return io.ReadAll(quotedprintable.NewReader(r))
	case "base64":
		raw, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		s := strings.Map(func(r rune) rune {
			if r == '\r' || r == '\n' {
				return -1
			}
			return r
		}, string(raw))
		if b, err := base64.StdEncoding.DecodeString(s); err == nil {
			return b, nil
		}
		b, err := base64.RawStdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 content: %w", err)
		}
		return b, nil
	default:
		return io.ReadAll(r)
	}
}

// decodeHeader decodes RFC 2047 encoded-words. Malformed input is returned
// as is.
func decodeHeader(v string) string {
	if s, err := wordDecoder.DecodeHeader(v); err == nil {
		return s
	}
	return v
}

// addresses returns the bare mailboxes of an address list header. An
// unparseable list is split on commas.
func addresses(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	list, err := mail.ParseAddressList(v)
	if err != nil {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}
