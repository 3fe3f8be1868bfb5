// Package retry implements the adapter retry policy: transient failures are
// retried with exponential backoff and jitter, an expired token is refreshed
// and retried exactly once, everything else surfaces immediately. The policy
// is a pure function of the error kind.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/crosswire-id/crosswire/internal/ioerr"
)

const (
	DefaultMaxRetries = 5
	DefaultBase       = 250 * time.Millisecond
	DefaultJitterPct  = 25
)

// Policy holds the backoff parameters. MaxRetries bounds the retries after
// the initial call, so the default permits six calls in total.
type Policy struct {
	MaxRetries int
	Base       time.Duration
	JitterPct  int
}

// Default returns the documented policy.
func Default() Policy {
	return Policy{MaxRetries: DefaultMaxRetries, Base: DefaultBase, JitterPct: DefaultJitterPct}
}

// Delay computes the backoff before retry attempt n (0-indexed):
// Base * 2^n with ±JitterPct% jitter.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(p.Base) * float64(int64(1)<<uint(attempt))
	jitterRange := base * float64(p.JitterPct) / 100
	jitter := (rand.Float64()*2 - 1) * jitterRange
	return time.Duration(base + jitter)
}

// Do runs fn under the policy. refresh is invoked once, synchronously, when
// fn fails with AuthExpired; a nil refresh disables that path. The context
// deadline caps the whole sequence.
func Do(ctx context.Context, p Policy, refresh func(context.Context) error, fn func(context.Context) error) error {
	refreshed := false
	attempt := 0

	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		switch ioerr.KindOf(err) {
		case ioerr.KindTransient:
			if attempt >= p.MaxRetries {
				return err
			}
			if serr := sleep(ctx, p.Delay(attempt)); serr != nil {
				return serr
			}
			attempt++
		case ioerr.KindAuthExpired:
			if refreshed || refresh == nil {
				return err
			}
			if rerr := refresh(ctx); rerr != nil {
				return rerr
			}
			refreshed = true
		default:
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ioerr.Wrap(ioerr.KindTimeout, "backoff interrupted", ctx.Err())
	case <-timer.C:
		return nil
	}
}
