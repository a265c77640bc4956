// Package throttle keeps the exception-report suppression state: how often
// each report digest has been seen and how many report emails were sent
// against the hourly cap.
package throttle

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ResetPolicy decides when the counters start over.
type ResetPolicy string

const (
	// ResetHourly clears the counter and the digest table at the start of
	// every wall-clock hour (UTC).
	ResetHourly ResetPolicy = "hourly"

	// ResetNever keeps a lifetime cap until Reset or a process restart.
	ResetNever ResetPolicy = "never"
)

// ParseResetPolicy accepts "hourly" (the default for "") and "never".
func ParseResetPolicy(s string) (ResetPolicy, error) {
	switch ResetPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", ResetHourly:
		return ResetHourly, nil
	case ResetNever:
		return ResetNever, nil
	default:
		return "", fmt.Errorf("unknown reset policy %q", s)
	}
}

// Store is the suppression state shared by every reporter of a process, or
// of a fleet when backed by Redis.
type Store interface {
	// Occurrence records one more sighting of digest and returns the count
	// including it.
	Occurrence(ctx context.Context, digest string) (int64, error)

	// Acquire takes one slot of the email cap. It returns false, without
	// changing the counter, once limit emails were sent.
	Acquire(ctx context.Context, limit int64) (bool, error)

	// Reset clears the counter and the digest table.
	Reset(ctx context.Context) error
}

// window returns the start of the period t falls in.
func window(policy ResetPolicy, t time.Time) time.Time {
	if policy == ResetNever {
		return time.Time{}
	}
	return t.UTC().Truncate(time.Hour)
}
