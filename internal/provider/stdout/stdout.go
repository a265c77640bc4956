// Package stdout implements a Provider that prints messages instead of
// sending them. It is the offline backend and always succeeds.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shineum/smtp-notify-lite/internal/provider"
	"github.com/shineum/smtp-notify-lite/internal/transport"
)

const separator = "========================================\n"

// Provider prints messages in a human-readable format.
type Provider struct {
	mu sync.Mutex

	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Send prints env. Concurrent deliveries do not interleave their output.
func (p *Provider) Send(_ context.Context, _ transport.Config, env *provider.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Write errors are ignored: printing is best effort by contract.
	_, _ = io.WriteString(p.writer, Format(Entry{
		From:    env.Message.From.String(),
		To:      []string{env.Message.To.String()},
		Subject: env.Message.Subject,
		Body:    env.Message.Body,
		Size:    len(env.Raw),
	}))
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

// Entry is one printed message.
type Entry struct {
	From    string
	To      []string
	Subject string
	Body    string
	Size    int

	// Notes are extra "key: value" lines printed after the subject.
	Notes []string
}

// Format renders e between separator lines.
func Format(e Entry) string {
	var b strings.Builder

	b.WriteString(separator)
	fmt.Fprintf(&b, "From: %s\n", e.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(e.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\n", e.Subject)
	for _, note := range e.Notes {
		b.WriteString(note + "\n")
	}
	if e.Size > 0 {
		fmt.Fprintf(&b, "Size: %s\n", formatSize(e.Size))
	}
	b.WriteString("Body:\n")
	b.WriteString(strings.TrimRight(e.Body, "\r\n") + "\n")
	b.WriteString(separator)

	return b.String()
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
