package delivery

import (
	"sync"
	"time"
)

// Outcome is the terminal state of a delivery.
type Outcome int

const (
	Delivered Outcome = iota + 1
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is produced exactly once per delivery.
type Result struct {
	ID      string
	Outcome Outcome

	// Reason and Err are set when Outcome is Failed. Err is always a *Error.
	Reason Reason
	Err    error

	// DryRun is true when no I/O was performed.
	DryRun   bool
	Duration time.Duration
}

// OK reports whether the message was delivered.
func (r Result) OK() bool {
	return r.Outcome == Delivered
}

// promise resolves a single Result onto a buffered channel, then closes it.
type promise struct {
	ch   chan Result
	once sync.Once
}

func newPromise() *promise {
	return &promise{ch: make(chan Result, 1)}
}

func (p *promise) resolve(r Result) error {
	resolved := false
	p.once.Do(func() {
		p.ch <- r
		close(p.ch)
		resolved = true
	})
	if !resolved {
		return ErrAlreadyResolved
	}
	return nil
}
