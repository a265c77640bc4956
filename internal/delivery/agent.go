// Package delivery drives one outbound message from composition to the
// backend and reports the outcome on a channel. Deliver never panics or
// blocks its caller; every failure arrives as a typed Result.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shineum/smtp-notify-lite/internal/compose"
	"github.com/shineum/smtp-notify-lite/internal/email"
	"github.com/shineum/smtp-notify-lite/internal/provider"
	"github.com/shineum/smtp-notify-lite/internal/transport"
)

// Agent delivers messages through a Provider.
type Agent struct {
	provider   provider.Provider
	composer   *compose.Composer
	negotiator *transport.Negotiator
	log        zerolog.Logger
	tracer     trace.Tracer
	dryRun     bool

	wg sync.WaitGroup
}

// Option configures an Agent.
type Option func(*Agent)

// WithDryRun resolves every delivery as Delivered after composing and
// planning the transport, without any network activity.
func WithDryRun(dryRun bool) Option {
	return func(a *Agent) { a.dryRun = dryRun }
}

// WithComposer replaces the default message composer.
func WithComposer(c *compose.Composer) Option {
	return func(a *Agent) { a.composer = c }
}

// WithNegotiator sets the negotiator used to plan dry-run deliveries.
func WithNegotiator(n *transport.Negotiator) Option {
	return func(a *Agent) { a.negotiator = n }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Agent) { a.log = l }
}

// WithTracer sets the tracer. The global otel tracer is used otherwise.
func WithTracer(t trace.Tracer) Option {
	return func(a *Agent) { a.tracer = t }
}

// New creates an Agent sending through p.
func New(p provider.Provider, opts ...Option) *Agent {
	a := &Agent{
		provider:   p,
		composer:   compose.New(compose.DefaultMailer),
		negotiator: transport.NewNegotiator(),
		log:        zerolog.Nop(),
		tracer:     otel.Tracer("github.com/shineum/smtp-notify-lite/internal/delivery"),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With().Str("component", "delivery").Logger()
	return a
}

// DryRun reports whether the agent performs no I/O.
func (a *Agent) DryRun() bool {
	return a.dryRun
}

// Deliver starts delivering msg to its single recipient using cfg and
// returns a channel that receives exactly one Result and is then closed.
// A message without a recipient resolves as Delivered immediately.
func (a *Agent) Deliver(ctx context.Context, cfg transport.Config, msg *email.Message) <-chan Result {
	p := newPromise()
	id := uuid.NewString()

	if !msg.HasRecipient() {
		a.log.Debug().Str("delivery_id", id).Msg("no recipient, nothing to send")
		_ = p.resolve(Result{ID: id, Outcome: Delivered})
		return p.ch
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		start := time.Now()

		defer func() {
			if r := recover(); r != nil {
				err := &Error{Reason: ReasonInternal, Op: "deliver", Err: fmt.Errorf("panic: %v", r)}
				a.log.Error().
					Str("delivery_id", id).
					Str("stack", string(debug.Stack())).
					Err(err).
					Msg("delivery panicked")
				_ = p.resolve(Result{ID: id, Outcome: Failed, Reason: err.Reason, Err: err, Duration: time.Since(start)})
			}
		}()

		_ = p.resolve(a.run(ctx, id, cfg, msg, start))
	}()
	return p.ch
}

// Send delivers msg and waits for the Result.
func (a *Agent) Send(ctx context.Context, cfg transport.Config, msg *email.Message) Result {
	return <-a.Deliver(ctx, cfg, msg)
}

// Wait blocks until every started delivery has resolved.
func (a *Agent) Wait() {
	a.wg.Wait()
}

func (a *Agent) run(ctx context.Context, id string, cfg transport.Config, msg *email.Message, start time.Time) Result {
	ctx, span := a.tracer.Start(ctx, "delivery.Agent.Deliver")
	defer span.End()

	span.SetAttributes(
		attribute.String("delivery.id", id),
		attribute.String("delivery.to", msg.To.Address),
		attribute.String("delivery.security", string(cfg.Security)),
		attribute.Bool("delivery.anonymize", cfg.Anonymize),
		attribute.Bool("delivery.dry_run", a.dryRun),
	)

	log := a.log.With().Str("delivery_id", id).Str("to", msg.To.Address).Logger()

	if a.provider == nil && !a.dryRun {
		return a.fail(span, log, id, start, &Error{Reason: ReasonInternal, Op: "deliver", Err: errors.New("no delivery backend configured")})
	}

	// The caller's message stays untouched; the sender defaults to the tenant source.
	m := *msg
	if m.From.Empty() {
		m.From = email.Address{Name: cfg.SourceName, Address: cfg.SourceAddress}
	}
	env := &provider.Envelope{Message: &m, Raw: a.composer.Build(&m)}

	if a.dryRun {
		plan := a.negotiator.Plan(cfg)
		log.Debug().
			Str("target", plan.Target).
			Str("proxy", plan.Proxy).
			Bool("implicit_tls", plan.ImplicitTLS).
			Int("size", len(env.Raw)).
			Msg("dry run, message not sent")
		span.SetStatus(codes.Ok, "dry run")
		return Result{ID: id, Outcome: Delivered, DryRun: true, Duration: time.Since(start)}
	}

	span.SetAttributes(attribute.String("delivery.provider", a.provider.Name()))

	if err := a.provider.Send(ctx, cfg, env); err != nil {
		return a.fail(span, log, id, start, &Error{Reason: classify(err), Op: opFor(err), Err: err})
	}

	span.SetStatus(codes.Ok, "delivered")
	log.Debug().
		Str("provider", a.provider.Name()).
		Dur("elapsed", time.Since(start)).
		Msg("message delivered")
	return Result{ID: id, Outcome: Delivered, Duration: time.Since(start)}
}

func (a *Agent) fail(span trace.Span, log zerolog.Logger, id string, start time.Time, err *Error) Result {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(err.Reason))
	log.Error().Err(err).Str("reason", string(err.Reason)).Msg("delivery failed")
	return Result{ID: id, Outcome: Failed, Reason: err.Reason, Err: err, Duration: time.Since(start)}
}
