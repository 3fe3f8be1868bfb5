package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/crosswire-id/crosswire/internal/ioerr"
)

func TestCallbackDeliveredOnTickGoroutine(t *testing.T) {
	r := New(2, zerolog.Nop())
	defer r.Close()

	done := make(chan struct{})
	var got any
	_, err := r.Submit(context.Background(),
		func(ctx context.Context) (any, error) { return "result", nil },
		func(v any) { got = v; close(done) },
		func(err error) { t.Errorf("unexpected error: %v", err) },
	)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// The callback must not fire until someone ticks.
	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("callback ran before Tick")
	default:
	}

	deadline := time.After(time.Second)
	for {
		if r.Tick() > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("completion never arrived")
		case <-time.After(time.Millisecond):
		}
	}
	<-done
	if got != "result" {
		t.Fatalf("result: got %v", got)
	}
}

func TestErrorCallback(t *testing.T) {
	r := New(1, zerolog.Nop())
	defer r.Close()

	boom := errors.New("provider exploded")
	var delivered error
	r.Submit(context.Background(),
		func(ctx context.Context) (any, error) { return nil, boom },
		func(any) { t.Error("unexpected success") },
		func(err error) { delivered = err },
	)

	waitTick(t, r)
	if !errors.Is(delivered, boom) {
		t.Fatalf("error: got %v", delivered)
	}
}

func TestCancelDeliversCancelled(t *testing.T) {
	r := New(1, zerolog.Nop())
	defer r.Close()

	var calls int32
	started := make(chan struct{})
	var delivered error

	task, err := r.Submit(context.Background(),
		func(ctx context.Context) (any, error) {
			close(started)
			// Simulate paged provider calls that observe ctx in between.
			for i := 0; i < 50; i++ {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				default:
				}
				atomic.AddInt32(&calls, 1)
				time.Sleep(5 * time.Millisecond)
			}
			return "finished", nil
		},
		func(any) { t.Error("unexpected success after cancel") },
		func(err error) { delivered = err },
	)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	<-started
	time.Sleep(10 * time.Millisecond)
	task.Cancel()
	before := atomic.LoadInt32(&calls)

	waitTick(t, r)
	if !ioerr.IsKind(delivered, ioerr.KindCancelled) {
		t.Fatalf("want cancelled, got %v", delivered)
	}
	// At most one more iteration may have been in flight at cancel time.
	after := atomic.LoadInt32(&calls)
	if after > before+1 {
		t.Fatalf("calls continued after cancel: %d then %d", before, after)
	}
}

func TestWorkerPoolBound(t *testing.T) {
	const workers = 3
	r := New(workers, zerolog.Nop())
	defer r.Close()

	var running, peak int32
	release := make(chan struct{})
	for i := 0; i < 10; i++ {
		r.Submit(context.Background(), func(ctx context.Context) (any, error) {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			<-release
			atomic.AddInt32(&running, -1)
			return nil, nil
		}, nil, nil)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)

	total := 0
	deadline := time.After(2 * time.Second)
	for total < 10 {
		total += r.Tick()
		select {
		case <-deadline:
			t.Fatalf("only %d completions", total)
		case <-time.After(time.Millisecond):
		}
	}

	if p := atomic.LoadInt32(&peak); p > workers {
		t.Fatalf("concurrency peak %d exceeds pool size %d", p, workers)
	}
}

func TestCloseUnblocksParkedSubmit(t *testing.T) {
	r := New(1, zerolog.Nop())

	started := make(chan struct{})
	release := make(chan struct{})
	_, err := r.Submit(context.Background(),
		func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return nil, nil
		}, nil, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	// Fill the job buffer behind the busy worker so the next Submit
	// blocks mid-send.
	for i := 0; i < 4; i++ {
		if _, err := r.Submit(context.Background(),
			func(context.Context) (any, error) { return nil, nil }, nil, nil); err != nil {
			t.Fatalf("filler Submit: %v", err)
		}
	}

	parked := make(chan error, 1)
	go func() {
		_, err := r.Submit(context.Background(),
			func(context.Context) (any, error) { return nil, nil }, nil, nil)
		parked <- err
	}()

	time.Sleep(20 * time.Millisecond)
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	r.Close()

	select {
	case err := <-parked:
		if err != nil && err.Error() != "runner closed" {
			t.Fatalf("parked Submit: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("parked Submit never returned")
	}
}

func TestSubmitAfterClose(t *testing.T) {
	r := New(1, zerolog.Nop())
	r.Close()

	_, err := r.Submit(context.Background(), func(context.Context) (any, error) { return nil, nil }, nil, nil)
	if err == nil {
		t.Fatal("Submit after Close must fail")
	}
}

func waitTick(t *testing.T, r *Runner) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if r.Tick() > 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("no completion delivered")
		case <-time.After(time.Millisecond):
		}
	}
}
