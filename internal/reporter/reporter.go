// Package reporter mails unhandled errors to the platform operators. Every
// report goes through classification, formatting, per-digest deduplication
// and the hourly cap before one message per recipient is handed to the
// delivery agent. Nothing in this package panics or blocks its caller on
// delivery.
package reporter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/shineum/smtp-notify-lite/internal/delivery"
	"github.com/shineum/smtp-notify-lite/internal/email"
	"github.com/shineum/smtp-notify-lite/internal/throttle"
	"github.com/shineum/smtp-notify-lite/internal/transport"
)

// DuplicateThreshold is the number of identical reports mailed per window.
const DuplicateThreshold = 5

// DefaultProduct prefixes report subjects.
const DefaultProduct = "Platform"

// Deliverer submits one message. *delivery.Agent implements it.
type Deliverer interface {
	Deliver(ctx context.Context, cfg transport.Config, msg *email.Message) <-chan delivery.Result
}

// Identity describes the reporting platform in every report body.
type Identity struct {
	Hostname string
	Onion    string
	Version  string
}

// Tenant is the notification setup reports are sent with.
type Tenant struct {
	Transport    transport.Config
	DeliveryList []Recipient
}

// Settings controls the reporting policy.
type Settings struct {
	// HourlyLimit caps the number of reports mailed per reset window.
	HourlyLimit int64

	// Disabled turns reporting off completely, without logging.
	Disabled bool

	// DevelMode sends every report, unencrypted, to DeveloperAddress only.
	DevelMode        bool
	DeveloperName    string
	DeveloperAddress string

	Product  string
	Identity Identity
}

// Cause tells why a report was not mailed.
type Cause string

const (
	SuppressNonActionable Cause = "non-actionable"
	SuppressDuplicate     Cause = "duplicate"
	SuppressHourlyCap     Cause = "hourly-cap"
	SuppressDisabled      Cause = "disabled"
	SuppressUninitialized Cause = "uninitialized"
)

// SuppressedError describes a report dropped by policy. It is returned inside
// a Decision and never treated as a failure.
type SuppressedError struct {
	Digest string
	Cause  Cause
}

func (e *SuppressedError) Error() string {
	if e.Digest == "" {
		return fmt.Sprintf("exception mail suppressed [reason: %s]", e.Cause)
	}
	return fmt.Sprintf("exception mail suppressed for (%s) [reason: %s]", e.Digest, e.Cause)
}

// Decision is the outcome of one report.
type Decision struct {
	Digest string

	// Dispatched counts the messages handed to the deliverer.
	Dispatched int

	Suppressed *SuppressedError

	// Err is an internal fault of the reporting pipeline. It has already
	// been logged.
	Err error
}

// Reporter is safe for concurrent use.
type Reporter struct {
	deliverer Deliverer
	store     throttle.Store
	settings  Settings
	log       zerolog.Logger
	tenant    atomic.Pointer[Tenant]
}

// New creates a Reporter. A nil store keeps state in memory with the hourly
// reset policy. Reports are suppressed until SetTenant is called.
func New(d Deliverer, store throttle.Store, settings Settings, log zerolog.Logger) *Reporter {
	if store == nil {
		store = throttle.NewMemoryStore(throttle.ResetHourly)
	}
	if settings.Product == "" {
		settings.Product = DefaultProduct
	}
	return &Reporter{
		deliverer: d,
		store:     store,
		settings:  settings,
		log:       log.With().Str("component", "reporter").Logger(),
	}
}

// SetTenant installs the notification setup used for later reports.
func (r *Reporter) SetTenant(t *Tenant) {
	r.tenant.Store(t)
}

// Report mails err unless it is suppressed. The stack of the caller is
// included in the report.
func (r *Reporter) Report(ctx context.Context, err error) (d Decision) {
	defer r.contain(&d)
	if err == nil {
		return d
	}
	r.report(ctx, &d, TypeName(err), err, err.Error(), Stack(1))
	return d
}

// ReportText mails a preformatted report. With args, text is a format string.
func (r *Reporter) ReportText(ctx context.Context, text string, args ...any) (d Decision) {
	defer r.contain(&d)
	if r.settings.Disabled {
		return suppressed("", SuppressDisabled)
	}
	if len(args) > 0 {
		text = fmt.Sprintf(text, args...)
	}
	r.schedule(ctx, &d, text)
	return d
}

func (r *Reporter) report(ctx context.Context, d *Decision, kind string, err error, message, trace string) {
	if r.settings.Disabled {
		*d = suppressed("", SuppressDisabled)
		return
	}
	if NonActionable(err) {
		r.log.Error().Str("type", kind).Str("error", message).Msg("exception mail suppressed [reason: special exception]")
		*d = suppressed("", SuppressNonActionable)
		return
	}

	body := Format(kind, message, trace)
	r.log.Error().Str("report", body).Msg("unhandled exception raised")
	r.schedule(ctx, d, body)
}

// schedule runs the suppression checks and hands one message per recipient
// to the deliverer. d is updated as each step completes, so a panic leaves
// the progress made so far.
func (r *Reporter) schedule(ctx context.Context, d *Decision, text string) {
	tenant := r.tenant.Load()
	if tenant == nil {
		r.log.Error().Msg("cannot send exception mail before complete initialization")
		*d = suppressed("", SuppressUninitialized)
		return
	}

	sum := sha256.Sum256([]byte(text))
	digest := hex.EncodeToString(sum[:])
	d.Digest = digest

	seen, err := r.store.Occurrence(ctx, digest)
	if err != nil {
		r.fault(d, "record exception digest", err)
		return
	}
	if seen > DuplicateThreshold {
		d.Suppressed = &SuppressedError{Digest: digest, Cause: SuppressDuplicate}
		r.log.Error().Int64("occurrences", seen).Msg(d.Suppressed.Error())
		return
	}

	ok, err := r.store.Acquire(ctx, r.settings.HourlyLimit)
	if err != nil {
		r.fault(d, "acquire exception mail slot", err)
		return
	}
	if !ok {
		d.Suppressed = &SuppressedError{Digest: digest, Cause: SuppressHourlyCap}
		r.log.Error().Int64("limit", r.settings.HourlyLimit).Msg(d.Suppressed.Error())
		return
	}

	subject := r.settings.Product + " Exception"
	recipients := tenant.DeliveryList
	if r.settings.DevelMode {
		subject += fmt.Sprintf(" [%s]", r.settings.DeveloperName)
		recipients = []Recipient{{Address: r.settings.DeveloperAddress}}
	}

	body := PlatformHeader(r.settings.Identity, text)

	// Deliveries outlive the request that triggered the report.
	ctx = context.WithoutCancel(ctx)

	var errs []error
	for _, rcpt := range recipients {
		policy := ResolvePolicy(rcpt)
		sealed, err := policy.Seal(body)
		if err != nil {
			r.log.Error().Err(err).Str("to", policy.Recipient()).Msg("cannot encrypt exception mail")
			errs = append(errs, fmt.Errorf("seal for %s: %w", policy.Recipient(), err))
			continue
		}
		r.deliverer.Deliver(ctx, tenant.Transport, &email.Message{
			To:      email.Address{Address: policy.Recipient()},
			Subject: subject,
			Body:    sealed,
		})
		d.Dispatched++
	}
	d.Err = errors.Join(errs...)
}

func (r *Reporter) fault(d *Decision, op string, err error) {
	d.Err = fmt.Errorf("%s: %w", op, err)
	r.log.Error().Err(d.Err).Msg("unexpected exception in exception reporter")
}

// contain turns a panic inside the pipeline into a logged fault. Digest and
// Dispatched keep what the pipeline recorded before it panicked.
func (r *Reporter) contain(d *Decision) {
	if v := recover(); v != nil {
		d.Err = fmt.Errorf("reporter panic: %v", v)
		r.log.Error().Err(d.Err).Msg("unexpected exception in exception reporter")
	}
}

func suppressed(digest string, cause Cause) Decision {
	return Decision{Digest: digest, Suppressed: &SuppressedError{Digest: digest, Cause: cause}}
}
