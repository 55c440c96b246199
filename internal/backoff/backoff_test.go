package backoff

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestDelayMonotonicWithoutJitter(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Cap: 5 * time.Second}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 12; attempt++ {
		d := p.Delay(attempt)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %s < %s", attempt, d, prev)
		}
		if d > p.Cap {
			t.Fatalf("delay %s exceeds cap %s at attempt %d", d, p.Cap, attempt)
		}
		prev = d
	}
}

func TestDelayJitterBound(t *testing.T) {
	p := Policy{Base: time.Second, Cap: 4 * time.Second, JitterFrac: 0.3}
	limit := time.Duration(float64(p.Cap) * 1.3)

	for attempt := 1; attempt <= 20; attempt++ {
		for i := 0; i < 50; i++ {
			if d := p.Delay(attempt); d > limit {
				t.Fatalf("delay %s exceeds cap*1.3=%s at attempt %d", d, limit, attempt)
			}
		}
	}
}

func TestDelayHugeAttemptStaysCapped(t *testing.T) {
	p := Policy{Base: time.Second, Cap: 8 * time.Second}
	if d := p.Delay(500); d != p.Cap {
		t.Fatalf("expected cap for huge attempt, got %s", d)
	}
}

type statusErr int

func (e statusErr) Error() string       { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) HTTPStatusCode() int { return int(e) }

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("plain"), false},
		{statusErr(429), true},
		{statusErr(503), true},
		{statusErr(400), false},
		{context.Canceled, false},
		{Permanent(statusErr(500)), false},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Fatalf("Retryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	p := Policy{Base: time.Millisecond, Cap: 2 * time.Millisecond, MaxAttempts: 3}

	calls := 0
	err := Retry(context.Background(), p, func(context.Context, int) error {
		calls++
		return statusErr(502)
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestRetrySucceedsMidway(t *testing.T) {
	p := Policy{Base: time.Millisecond, Cap: 2 * time.Millisecond, MaxAttempts: 3}

	calls := 0
	err := Retry(context.Background(), p, func(_ context.Context, attempt int) error {
		calls++
		if attempt < 2 {
			return statusErr(500)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}

func TestRetryStopsOnPermanent(t *testing.T) {
	p := Policy{Base: time.Millisecond, Cap: 2 * time.Millisecond, MaxAttempts: 5}

	calls := 0
	err := Retry(context.Background(), p, func(context.Context, int) error {
		calls++
		return Permanent(errors.New("bad input"))
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected single attempt with error, got calls=%d err=%v", calls, err)
	}
}

func TestRetryObservesContextCancellation(t *testing.T) {
	p := Policy{Base: time.Hour, Cap: time.Hour, MaxAttempts: 3}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Retry(ctx, p, func(context.Context, int) error {
		return statusErr(500)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("retry did not observe cancellation promptly")
	}
}
