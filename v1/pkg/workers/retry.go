package workers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"strings"
	"time"

	"artifact-scanner/v1/pkg/logger"
)

// RetryPolicy defines retry behavior
type RetryPolicy struct {
	MaxAttempts       int           `mapstructure:"max_attempts" yaml:"max_attempts" json:"max_attempts"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff" yaml:"max_backoff" json:"max_backoff"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier" json:"backoff_multiplier"`
	JitterPercent     float64       `mapstructure:"jitter_percent" yaml:"jitter_percent" json:"jitter_percent"`
	// RetryableErrors are substrings of error messages worth another attempt,
	// checked in addition to network timeouts.
	RetryableErrors []string `mapstructure:"retryable_errors" yaml:"retryable_errors" json:"retryable_errors"`
}

// DefaultRetryPolicy returns the policy used for fetching blobs
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		JitterPercent:     0.1,
		RetryableErrors: []string{
			"connection reset",
			"connection refused",
			"no such host",
			"temporary failure",
			"timeout",
			"SlowDown",
			"InternalError",
			"ServiceUnavailable",
			"RequestTimeout",
		},
	}
}

// NoRetry runs an operation exactly once
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// IsRetryable reports whether err is worth another attempt under the policy.
// Context errors never are.
func (p RetryPolicy) IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := err.Error()
	for _, pattern := range p.RetryableErrors {
		if pattern != "" && strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// Backoff returns the delay before attempt+1, with jitter applied
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	multiplier := p.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}

	backoff := float64(p.InitialBackoff) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxBackoff > 0 && backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}
	return p.addJitter(time.Duration(backoff))
}

func (p RetryPolicy) addJitter(duration time.Duration) time.Duration {
	if p.JitterPercent <= 0 {
		return duration
	}

	jitter := math.Min(p.JitterPercent, 1.0)
	factor := 1.0 + (rand.Float64()*2-1)*jitter
	return time.Duration(float64(duration) * factor)
}

// RetryError is returned when every attempt failed
type RetryError struct {
	Attempts int
	Err      error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// Retry runs op until it succeeds, fails with a non-retryable error, runs out
// of attempts or ctx is done. onRetry, when non-nil, is called before each
// backoff sleep.
func Retry(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) error, onRetry func(attempt int, err error)) error {
	log := logger.WithName("retry")

	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = op(ctx); err == nil {
			if attempt > 1 {
				log.V(2).InfoS("Succeeded after retry", "attempt", attempt)
			}
			return nil
		}

		if !policy.IsRetryable(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}

		backoff := policy.Backoff(attempt)
		if onRetry != nil {
			onRetry(attempt, err)
		}
		log.V(2).InfoS("Attempt failed, will retry",
			"attempt", attempt,
			"nextAttempt", attempt+1,
			"backoff", backoff,
			"error", err)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("cancelled during backoff: %w", ctx.Err())
		case <-timer.C:
		}
	}

	if maxAttempts == 1 {
		return err
	}
	return &RetryError{Attempts: maxAttempts, Err: err}
}

// RetryableTask wraps a Task with a retry policy
type RetryableTask struct {
	Task    Task
	Policy  RetryPolicy
	Metrics *Metrics
}

// NewRetryableTask creates a new retryable task
func NewRetryableTask(task Task, policy RetryPolicy, metrics *Metrics) *RetryableTask {
	return &RetryableTask{Task: task, Policy: policy, Metrics: metrics}
}

func (rt *RetryableTask) ID() string {
	return rt.Task.ID()
}

func (rt *RetryableTask) Execute(ctx context.Context) error {
	return Retry(ctx, rt.Policy, rt.Task.Execute, func(attempt int, err error) {
		if rt.Metrics != nil {
			rt.Metrics.RecordRetry(attempt, err)
		}
	})
}
