package reporter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"

	"github.com/emersion/go-smtp"

	"github.com/shineum/smtp-notify-lite/internal/delivery"
)

// RequestClosed is the error text of a request that ended before its handler
// finished.
const RequestClosed = "Request closed"

// NonActionable reports whether err is known noise that is logged but never
// mailed: cancellations, double resolutions, SMTP replies from the mail
// backend itself and closed requests.
func NonActionable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, delivery.ErrAlreadyResolved) ||
		errors.Is(err, http.ErrAbortHandler) {
		return true
	}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return true
	}
	return err.Error() == RequestClosed
}

// TypeName returns the type of v without pointer and main package markup.
// Errors wrapped by fmt.Errorf are named after the error they wrap.
func TypeName(v any) string {
	name := fmt.Sprintf("%T", v)
	if err, ok := v.(error); ok {
		for name == "*fmt.wrapError" {
			if err = errors.Unwrap(err); err == nil {
				break
			}
			name = fmt.Sprintf("%T", err)
		}
	}
	return strings.TrimPrefix(strings.TrimLeft(name, "*"), "main.")
}

// Format builds the report text for a failure: type and one-line description,
// then the trace and the full message.
func Format(kind, message, trace string) string {
	description, _, _ := strings.Cut(message, "\n")

	var b strings.Builder
	b.WriteString(kind)
	b.WriteString(" ")
	b.WriteString(description)
	b.WriteString("\n\n")
	if trace != "" {
		b.WriteString(trace)
		b.WriteString("\n")
	}
	b.WriteString(kind)
	b.WriteString(": ")
	b.WriteString(message)
	return b.String()
}

// PlatformHeader prefixes body with the platform identity.
func PlatformHeader(id Identity, body string) string {
	return fmt.Sprintf("Platform: %s (%s)\nVersion: %s\n\n%s", id.Hostname, id.Onion, id.Version, body)
}

// Stack returns the calling goroutine's stack above skip frames, one
// "function\n\tfile:line" pair per frame. Runtime frames are left out and no
// addresses are included, so the same call path always yields the same text.
func Stack(skip int) string {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(skip+2, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var b strings.Builder
	for {
		f, more := frames.Next()
		if f.Function != "" && !strings.HasPrefix(f.Function, "runtime.") {
			fmt.Fprintf(&b, "%s\n\t%s:%d\n", f.Function, f.File, f.Line)
		}
		if !more {
			break
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}
