package engine

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/rendis/procgraph/pkg/schema"
)

// Backoff strategies for RetryPolicy.
const (
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// RetryPolicy controls how RetrySink retries a failing sink.
type RetryPolicy struct {
	Attempts int           // total attempts, including the first; <= 0 means 1
	Delay    time.Duration // base delay
	Backoff  string        // constant (default), linear or exponential
	MaxDelay time.Duration // 0: uncapped
}

// backoff returns the delay before retry number attempt (0-based).
func (p RetryPolicy) backoff(attempt int) time.Duration {
	var d time.Duration
	switch p.Backoff {
	case BackoffExponential:
		d = p.Delay << attempt
	case BackoffLinear:
		d = p.Delay * time.Duration(attempt+1)
	default:
		d = p.Delay
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// RetrySink retries transient failures of the wrapped sink. The event is
// rejected only after the last attempt fails.
type RetrySink struct {
	Sink   DeltaSink
	Policy RetryPolicy
	Logger *slog.Logger
}

func (s *RetrySink) Apply(ctx context.Context, instanceID string, batch Batch) error {
	attempts := max(s.Policy.Attempts, 1)
	var err error
	for attempt := range attempts {
		if err = s.Sink.Apply(ctx, instanceID, batch); err == nil {
			return nil
		}
		if !IsRetryable(err) || attempt == attempts-1 {
			break
		}
		delay := s.Policy.backoff(attempt)
		if s.Logger != nil {
			s.Logger.Warn("delta sink failed, retrying",
				"instance_id", instanceID, "sequence", batch.Event.Sequence, "attempt", attempt+1, "delay", delay, "error", err)
		}
		if werr := waitFor(ctx, delay); werr != nil {
			return werr
		}
	}
	return err
}

// IsRetryable classifies sink errors. Cancellation and engine errors are
// final; network errors, deadlines and store errors are retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pe *schema.ProcError
	if errors.As(err, &pe) {
		return pe.Code == schema.ErrCodeStore
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"database is locked",
		"busy",
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func waitFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
