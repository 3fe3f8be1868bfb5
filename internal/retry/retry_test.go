package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crosswire-id/crosswire/internal/ioerr"
)

func fastPolicy() Policy {
	return Policy{MaxRetries: 5, Base: time.Millisecond, JitterPct: 25}
}

func TestDelayBounds(t *testing.T) {
	p := Policy{MaxRetries: 5, Base: 250 * time.Millisecond, JitterPct: 25}
	for attempt := 0; attempt < 4; attempt++ {
		base := p.Base * (1 << attempt)
		lo := time.Duration(float64(base) * 0.75)
		hi := time.Duration(float64(base) * 1.25)
		for i := 0; i < 50; i++ {
			d := p.Delay(attempt)
			if d < lo || d > hi {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, d, lo, hi)
			}
		}
	}
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), nil, func(context.Context) error {
		calls++
		if calls <= 3 {
			return ioerr.New(ioerr.KindTransient, "throttled")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 4 {
		t.Fatalf("calls: got %d, want 4", calls)
	}
}

func TestDoGivesUpAfterMaxRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), nil, func(context.Context) error {
		calls++
		return ioerr.New(ioerr.KindTransient, "still down")
	})
	if !ioerr.IsKind(err, ioerr.KindTransient) {
		t.Fatalf("want transient, got %v", err)
	}
	// Five retries after the initial call.
	if calls != 6 {
		t.Fatalf("calls: got %d, want 6", calls)
	}
}

func TestDoAuthExpiredRefreshedOnce(t *testing.T) {
	refreshes, calls := 0, 0
	err := Do(context.Background(), fastPolicy(),
		func(context.Context) error {
			refreshes++
			return nil
		},
		func(context.Context) error {
			calls++
			if calls == 1 {
				return ioerr.New(ioerr.KindAuthExpired, "token expired")
			}
			return nil
		})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if refreshes != 1 {
		t.Fatalf("refreshes: got %d, want 1", refreshes)
	}
}

func TestDoAuthExpiredOnlyOnce(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(),
		func(context.Context) error { return nil },
		func(context.Context) error {
			calls++
			return ioerr.New(ioerr.KindAuthExpired, "token expired")
		})
	if !ioerr.IsKind(err, ioerr.KindAuthExpired) {
		t.Fatalf("want auth_expired, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls: got %d, want 2", calls)
	}
}

func TestDoNonRetryableSurfacesImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), nil, func(context.Context) error {
		calls++
		return ioerr.New(ioerr.KindForbidden, "missing scope")
	})
	if !ioerr.IsKind(err, ioerr.KindForbidden) {
		t.Fatalf("want forbidden, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls: got %d, want 1", calls)
	}
}

func TestDoHonorsContextDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	p := Policy{MaxRetries: 5, Base: time.Second, JitterPct: 0}
	err := Do(ctx, p, nil, func(context.Context) error {
		return ioerr.New(ioerr.KindTransient, "down")
	})
	if !ioerr.IsKind(err, ioerr.KindTimeout) {
		t.Fatalf("want timeout, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want wrapped deadline error, got %v", err)
	}
}
