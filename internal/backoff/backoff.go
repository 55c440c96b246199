package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"time"
)

// Policy computes retry delays: capped exponential growth plus bounded jitter.
// MaxAttempts counts the first call as attempt 1, so MaxAttempts=3 means at
// most two retries after the initial failure.
type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	JitterFrac  float64
	MaxAttempts int
}

// Default matches the model-call and OCR wrappers: 3 attempts, 500ms base,
// 8s cap, up to 30% jitter.
func Default() Policy {
	return Policy{
		Base:        500 * time.Millisecond,
		Cap:         8 * time.Second,
		JitterFrac:  0.3,
		MaxAttempts: 3,
	}
}

// Delay returns the wait before retrying after the given attempt (1-based).
// Ignoring jitter the result is monotonic in attempt and never exceeds Cap;
// with jitter it never exceeds Cap * (1 + JitterFrac).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := float64(p.Base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > p.Cap || exp > float64(math.MaxInt64) {
		wait = p.Cap
	}
	if p.JitterFrac <= 0 {
		return wait
	}
	jitter := time.Duration(rand.Float64() * p.JitterFrac * float64(wait))
	return wait + jitter
}

// PermanentError marks a failure that must not be retried, such as a
// business-rule violation surfaced by the collaborator.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Retry gives up immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// HTTPStatusCoder is implemented by errors that carry an HTTP status from a
// remote collaborator.
type HTTPStatusCoder interface {
	HTTPStatusCode() int
}

// Retryable classifies transient failures: timeouts, temporary network
// errors, and HTTP 408/429/5xx. Context cancellation and permanent errors
// are never retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
	}
	var sc HTTPStatusCoder
	if errors.As(err, &sc) {
		code := sc.HTTPStatusCode()
		if code == 408 || code == 429 {
			return true
		}
		return code >= 500 && code <= 599
	}
	return false
}

// Retry runs fn up to p.MaxAttempts times, sleeping p.Delay between attempts.
// It stops early on context cancellation and on non-retryable errors, and
// returns the last error when attempts are exhausted.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay(attempt)):
		}
	}
	return err
}
