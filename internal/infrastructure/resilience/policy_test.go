package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// fakeClock drives Policy time deterministically.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestPolicy(cfg Config) (*Policy, *fakeClock) {
	p := NewPolicy(cfg, zap.NewNop())
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	p.now = clock.Now
	p.sleep = func(time.Duration) {}
	return p, clock
}

func TestPolicy_RetriesWithBackoff(t *testing.T) {
	ctx := context.Background()

	t.Run("retries up to max then surfaces terminal error", func(t *testing.T) {
		p, _ := newTestPolicy(Config{MaxRetries: 3, MaxConsecutiveFailures: 100})

		var delays []time.Duration
		p.sleep = func(d time.Duration) { delays = append(delays, d) }

		calls := 0
		_, err := Execute(ctx, p, func(ctx context.Context) (int, error) {
			calls++
			return 0, errors.New("boom")
		})
		if err == nil || err.Error() != "boom" {
			t.Fatalf("expected terminal error, got %v", err)
		}
		if calls != 4 {
			t.Errorf("expected 4 attempts (1 + 3 retries), got %d", calls)
		}
		if len(delays) != 3 {
			t.Fatalf("expected 3 backoff sleeps, got %d", len(delays))
		}
		if delays[1] != 2*delays[0] || delays[2] != 2*delays[1] {
			t.Errorf("expected exponential backoff, got %v", delays)
		}
	})

	t.Run("succeeds mid-retry without surfacing earlier failures", func(t *testing.T) {
		p, _ := newTestPolicy(Config{MaxRetries: 3, MaxConsecutiveFailures: 100})

		calls := 0
		got, err := Execute(ctx, p, func(ctx context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", errors.New("transient")
			}
			return "ok", nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != "ok" {
			t.Errorf("expected ok, got %q", got)
		}
	})
}

func TestPolicy_CircuitBreaker(t *testing.T) {
	ctx := context.Background()
	failing := func(ctx context.Context) (int, error) { return 0, errors.New("down") }

	t.Run("opens after max consecutive failures", func(t *testing.T) {
		p, _ := newTestPolicy(Config{
			MaxConsecutiveFailures: 4,
			CircuitBreakDuration:   time.Minute,
		})

		opened := 0
		p.OnBreak(func() { opened++ })

		calls := 0
		counted := func(ctx context.Context) (int, error) {
			calls++
			return 0, errors.New("down")
		}

		for i := 0; i < 4; i++ {
			if _, err := Execute(ctx, p, counted); errors.Is(err, ErrCircuitOpen) {
				t.Fatalf("call %d should not be short-circuited", i+1)
			}
		}
		if calls != 4 {
			t.Fatalf("expected 4 network calls, got %d", calls)
		}

		// 5th call fails immediately without touching the network.
		_, err := Execute(ctx, p, counted)
		if !errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("expected ErrCircuitOpen, got %v", err)
		}
		if calls != 4 {
			t.Errorf("open circuit must not issue network calls, got %d", calls)
		}
		if opened != 1 {
			t.Errorf("expected onBreak once, fired %d times", opened)
		}
	})

	t.Run("allows exactly one probe after break duration", func(t *testing.T) {
		p, clock := newTestPolicy(Config{
			MaxConsecutiveFailures: 2,
			CircuitBreakDuration:   time.Minute,
		})

		for i := 0; i < 2; i++ {
			Execute(ctx, p, failing)
		}
		if _, err := Execute(ctx, p, failing); !errors.Is(err, ErrCircuitOpen) {
			t.Fatal("circuit should be open")
		}

		clock.Advance(time.Minute + time.Second)

		probeCalls := 0
		probe := func(ctx context.Context) (int, error) {
			probeCalls++
			// A second caller arriving mid-probe is rejected.
			if _, err := Execute(ctx, p, failing); !errors.Is(err, ErrCircuitOpen) {
				t.Error("concurrent caller during probe should get ErrCircuitOpen")
			}
			return 42, nil
		}

		got, err := Execute(ctx, p, probe)
		if err != nil {
			t.Fatalf("probe should be admitted: %v", err)
		}
		if got != 42 || probeCalls != 1 {
			t.Errorf("expected single successful probe, calls=%d", probeCalls)
		}

		// Success closed the circuit and reset the failure count.
		if _, err := Execute(ctx, p, func(ctx context.Context) (int, error) { return 1, nil }); err != nil {
			t.Errorf("circuit should be closed: %v", err)
		}
	})

	t.Run("failed probe reopens for a full cool-down", func(t *testing.T) {
		p, clock := newTestPolicy(Config{
			MaxConsecutiveFailures: 1,
			CircuitBreakDuration:   time.Minute,
		})

		Execute(ctx, p, failing)
		clock.Advance(61 * time.Second)

		if _, err := Execute(ctx, p, failing); errors.Is(err, ErrCircuitOpen) {
			t.Fatal("probe should have been admitted")
		}
		if _, err := Execute(ctx, p, failing); !errors.Is(err, ErrCircuitOpen) {
			t.Fatal("failed probe should reopen the circuit")
		}

		clock.Advance(61 * time.Second)
		calls := 0
		Execute(ctx, p, func(ctx context.Context) (int, error) {
			calls++
			return 0, nil
		})
		if calls != 1 {
			t.Errorf("expected a fresh probe after second cool-down, got %d calls", calls)
		}
	})
}

func TestPolicy_Degraded(t *testing.T) {
	ctx := context.Background()

	t.Run("fires observer when a success exceeds the threshold", func(t *testing.T) {
		p, clock := newTestPolicy(Config{
			MaxConsecutiveFailures: 10,
			DegradedThreshold:      time.Second,
		})

		var reported time.Duration
		p.OnDegraded(func(elapsed time.Duration) { reported = elapsed })

		_, err := Execute(ctx, p, func(ctx context.Context) (int, error) {
			clock.Advance(3 * time.Second)
			return 1, nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if reported != 3*time.Second {
			t.Errorf("expected degraded callback with 3s, got %v", reported)
		}
	})

	t.Run("fast success does not fire", func(t *testing.T) {
		p, _ := newTestPolicy(Config{DegradedThreshold: time.Second})

		fired := false
		p.OnDegraded(func(time.Duration) { fired = true })

		Execute(ctx, p, func(ctx context.Context) (int, error) { return 1, nil })
		if fired {
			t.Error("degraded observer should not fire for fast calls")
		}
	})

	t.Run("slow success is logged even without observers", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		p := NewPolicy(Config{DegradedThreshold: time.Second}, zap.New(core))
		clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
		p.now = clock.Now
		p.sleep = func(time.Duration) {}

		_, err := Execute(ctx, p, func(ctx context.Context) (int, error) {
			clock.Advance(2 * time.Second)
			return 1, nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if logs.FilterMessage("Upstream call degraded").Len() != 1 {
			t.Error("expected a degraded log entry with no observers registered")
		}
	})

	t.Run("nil observer registration is ignored", func(t *testing.T) {
		p, _ := newTestPolicy(Config{})
		p.OnBreak(nil)
		p.OnDegraded(nil)

		if _, err := Execute(ctx, p, func(ctx context.Context) (int, error) { return 1, nil }); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestPolicy_ContextCancellation(t *testing.T) {
	p, _ := newTestPolicy(Config{MaxRetries: 5})

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p.sleep = func(time.Duration) { cancel() }

	_, err := Execute(ctx, p, func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("down")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected retries to stop after cancellation, got %d calls", calls)
	}
}
