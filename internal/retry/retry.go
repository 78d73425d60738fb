// Package retry re-runs storage operations that fail with transient
// contention (a busy or locked single-writer database).
package retry

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	DefaultMaxRetries = 3
	DefaultBase       = time.Second
)

// ErrTransientContention marks an error as "storage busy, try again shortly".
// Storage drivers either wrap it or install a Classify func on the Policy.
var ErrTransientContention = errors.New("transient storage contention")

// Contention marks err as transient contention while keeping its message.
func Contention(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrTransientContention)
}

// IsContention reports whether err is marked as transient contention.
func IsContention(err error) bool { return errors.Is(err, ErrTransientContention) }

// Policy controls Do.
//
// The zero value makes at most 3 attempts with 1s, 2s backoff between them
// and never reconnects.
type Policy struct {
	// MaxRetries bounds the total number of attempts. Negative means one
	// attempt with no retry.
	MaxRetries int
	Base       time.Duration

	// Classify reports whether err is contention. IsContention is used when nil.
	Classify func(err error) bool

	// Reconnect drops and reacquires the storage connection between attempts.
	// Its error is ignored; the next attempt reports the real state of the store.
	Reconnect func(ctx context.Context) error

	// OnRetry observes each scheduled retry (attempt starts at 1).
	OnRetry func(attempt int, delay time.Duration, err error)

	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (p Policy) withDefaults() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 1
	} else if p.MaxRetries == 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.Base <= 0 {
		p.Base = DefaultBase
	}
	if p.Classify == nil {
		p.Classify = IsContention
	}
	if p.Sleep == nil {
		p.Sleep = sleepCtx
	}
	return p
}

// Delay returns the backoff before retry number attempt (1-based): Base, 2*Base, 4*Base, ...
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Do calls op and retries it while it fails with contention.
//
// Non-contention errors are returned unchanged on first sight. The
// MaxRetries-th contention failure is returned unchanged.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()
	var zero T
	for attempt := 0; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if !p.Classify(err) || attempt+1 >= p.MaxRetries {
			return zero, err
		}
		delay := p.Delay(attempt + 1)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, delay, err)
		}
		if p.Reconnect != nil {
			_ = p.Reconnect(ctx)
		}
		if serr := p.Sleep(ctx, delay); serr != nil {
			return zero, serr
		}
	}
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
