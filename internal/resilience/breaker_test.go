package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestBreaker_Defaults(t *testing.T) {
	t.Parallel()
	b := New(Config{Name: "test"})
	if b.maxFailures != 5 {
		t.Errorf("maxFailures = %d, want 5", b.maxFailures)
	}
	if b.resetAfter != 30*time.Second {
		t.Errorf("resetAfter = %v, want 30s", b.resetAfter)
	}
	if b.probeBudget != 3 {
		t.Errorf("probeBudget = %d, want 3", b.probeBudget)
	}
}

func TestBreaker_ClosedForwardsCalls(t *testing.T) {
	t.Parallel()
	b := New(Config{Name: "test"})
	called := false
	if err := b.Do(func() error { called = true; return nil }); err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if !called {
		t.Fatal("fn was not called")
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	b := New(Config{Name: "test", MaxFailures: 3, ResetAfter: time.Hour})

	for i := 0; i < 3; i++ {
		_ = b.Do(func() error { return errBoom })
	}
	if !b.Tripped() {
		t.Fatal("breaker should be tripped after 3 consecutive failures")
	}

	err := b.Do(func() error {
		t.Error("fn must not run while the breaker is open")
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	b := New(Config{Name: "test", MaxFailures: 3, ResetAfter: time.Hour})

	_ = b.Do(func() error { return errBoom })
	_ = b.Do(func() error { return errBoom })
	_ = b.Do(func() error { return nil })
	_ = b.Do(func() error { return errBoom })
	_ = b.Do(func() error { return errBoom })

	if b.Tripped() {
		t.Fatal("breaker tripped; success should have reset the failure streak")
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	t.Parallel()
	b := New(Config{Name: "test", MaxFailures: 1, ResetAfter: 10 * time.Millisecond, ProbeBudget: 2})

	_ = b.Do(func() error { return errBoom })
	if !b.Tripped() {
		t.Fatal("breaker should trip after one failure")
	}

	time.Sleep(20 * time.Millisecond)

	// Two successful probes close the breaker again.
	for i := 0; i < 2; i++ {
		if err := b.Do(func() error { return nil }); err != nil {
			t.Fatalf("probe %d rejected: %v", i, err)
		}
	}
	if b.Tripped() {
		t.Fatal("breaker still tripped after successful probes")
	}
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("Do() after recovery error: %v", err)
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	t.Parallel()
	b := New(Config{Name: "test", MaxFailures: 1, ResetAfter: 10 * time.Millisecond})

	_ = b.Do(func() error { return errBoom })
	time.Sleep(20 * time.Millisecond)

	_ = b.Do(func() error { return errBoom })
	if !b.Tripped() {
		t.Fatal("breaker should re-open after a failed probe")
	}
}

func TestBreaker_CancellationDoesNotCount(t *testing.T) {
	t.Parallel()
	b := New(Config{Name: "test", MaxFailures: 2, ResetAfter: time.Hour})

	// Far more cancellations than the failure budget; none of them are
	// evidence about the service, so the breaker must stay closed.
	for i := 0; i < 10; i++ {
		err := b.Do(func() error {
			return fmt.Errorf("classify: %w", context.Canceled)
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Do() error = %v, want the cancellation passed through", err)
		}
	}
	if b.Tripped() {
		t.Fatal("breaker tripped on cancelled calls")
	}

	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("Do() after cancellations error: %v", err)
	}
}

func TestBreaker_CancelledProbeStaysHalfOpen(t *testing.T) {
	t.Parallel()
	b := New(Config{Name: "test", MaxFailures: 1, ResetAfter: 10 * time.Millisecond, ProbeBudget: 1})

	_ = b.Do(func() error { return errBoom })
	time.Sleep(20 * time.Millisecond)

	// A cancelled probe neither re-opens the breaker nor spends the probe
	// budget; the next real probe still gets through and closes it.
	_ = b.Do(func() error { return context.Canceled })
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("probe after cancellation rejected: %v", err)
	}
	if b.Tripped() {
		t.Fatal("breaker still tripped after a successful probe")
	}
}
