// Package email defines the outbound message model shared by the composer,
// the delivery providers and the exception reporter.
package email

import (
	"net/mail"
	"strings"
)

// Address is a display name plus mailbox address.
type Address struct {
	Name    string
	Address string
}

// String formats the address for logs. Header encoding is the composer's job.
func (a Address) String() string {
	if a.Name == "" {
		return a.Address
	}
	return (&mail.Address{Name: a.Name, Address: a.Address}).String()
}

// Empty reports whether the address has no mailbox.
func (a Address) Empty() bool {
	return strings.TrimSpace(a.Address) == ""
}

// Message is an outbound plain-text email. A Message is not modified after it
// is handed to the delivery agent.
type Message struct {
	From    Address
	To      Address
	Subject string
	Body    string

	// Charset names the text encoding of Subject and Body. Only UTF-8 is
	// emitted on the wire; an empty value means UTF-8.
	Charset string
}

// HasRecipient reports whether the message has a destination mailbox.
func (m *Message) HasRecipient() bool {
	return m != nil && !m.To.Empty()
}
