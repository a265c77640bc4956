package stdout

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/shineum/smtp-notify-lite/internal/email"
	"github.com/shineum/smtp-notify-lite/internal/provider"
	"github.com/shineum/smtp-notify-lite/internal/transport"
)

func envelope(subject, body string) *provider.Envelope {
	return &provider.Envelope{
		Message: &email.Message{
			From:    email.Address{Name: "Platform", Address: "notify@example.org"},
			To:      email.Address{Address: "admin@example.org"},
			Subject: subject,
			Body:    body,
		},
		Raw: make([]byte, 2048),
	}
}

func TestSend_BasicMessage(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	if err := p.Send(context.Background(), transport.Config{}, envelope("Exception", "Traceback:\n  boom\n")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := buf.String()
	for _, want := range []string{
		"From: \"Platform\" <notify@example.org>\n",
		"To: admin@example.org\n",
		"Subject: Exception\n",
		"Size: 2.0 KB\n",
		"Body:\nTraceback:\n  boom\n",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q\n%s", want, output)
		}
	}
	if !strings.HasPrefix(output, separator) {
		t.Error("output should start with separator line")
	}
	if !strings.HasSuffix(output, separator) {
		t.Error("output should end with separator line")
	}
}

func TestSend_ConcurrentOutputDoesNotInterleave(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Send(context.Background(), transport.Config{}, envelope("same", strings.Repeat("x", 200)))
		}()
	}
	wg.Wait()

	block := Format(Entry{
		From:    "\"Platform\" <notify@example.org>",
		To:      []string{"admin@example.org"},
		Subject: "same",
		Body:    strings.Repeat("x", 200),
		Size:    2048,
	})
	if got, want := buf.String(), strings.Repeat(block, 8); got != want {
		t.Errorf("output is not 8 intact blocks:\n%s", got)
	}
}

func TestFormat_Notes(t *testing.T) {
	t.Parallel()

	out := Format(Entry{From: "a", To: []string{"b", "c"}, Subject: "s", Notes: []string{"TLS: true"}})
	if !strings.Contains(out, "To: b, c\n") {
		t.Errorf("recipients not comma-separated:\n%s", out)
	}
	if !strings.Contains(out, "Subject: s\nTLS: true\n") {
		t.Errorf("note not printed after subject:\n%s", out)
	}
	if strings.Contains(out, "Size:") {
		t.Error("size line printed for an empty message")
	}
}

func TestName(t *testing.T) {
	t.Parallel()

	p := New()
	if p.Name() != "stdout" {
		t.Errorf("Name: got %q, want %q", p.Name(), "stdout")
	}
}

func TestFormatSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		bytes int
		want  string
	}{
		{name: "zero bytes", bytes: 0, want: "0 B"},
		{name: "small bytes", bytes: 512, want: "512 B"},
		{name: "kilobytes", bytes: 46080, want: "45.0 KB"},
		{name: "megabytes", bytes: 1258291, want: "1.2 MB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := formatSize(tt.bytes)
			if got != tt.want {
				t.Errorf("formatSize(%d): got %q, want %q", tt.bytes, got, tt.want)
			}
		})
	}
}
