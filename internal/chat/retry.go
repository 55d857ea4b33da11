package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
)

// RetryConfig configures the retry behavior for model calls.
type RetryConfig struct {
	MaxRetries      int           // retry attempts after the first call
	InitialInterval time.Duration // first backoff delay
	MaxInterval     time.Duration // backoff ceiling
}

// DefaultRetryConfig is used when the orchestrator is built without explicit
// retry settings; the values match the retry.* configuration defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// rateLimitPatterns identify provider backpressure; exhausting retries on
// one of these surfaces as ErrBackpressure instead of ErrUpstreamFailure.
var rateLimitPatterns = []string{"rate limit", "quota exceeded", "429"}

// retryablePatterns groups error substrings by category.
// Matched case-insensitively against err.Error().
//
// String matching is used because genkit and the provider SDKs expose no
// typed errors for transient failures. Authentication and malformed-request
// errors match none of these groups and fail immediately.
var retryablePatterns = [][]string{
	rateLimitPatterns,                            // rate limiting
	{"500", "502", "503", "504", "unavailable"},  // transient server errors
	{"connection reset", "timeout", "temporary"}, // network errors
}

// rateLimitedError reports whether err looks like provider backpressure.
func rateLimitedError(err error) bool {
	return err != nil && matchesAny(strings.ToLower(err.Error()), rateLimitPatterns)
}

// retryableError reports whether err is transient and worth another attempt.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, group := range retryablePatterns {
		if matchesAny(msg, group) {
			return true
		}
	}
	return false
}

// matchesAny expects msg already lowercased; the pattern tables hold only
// lowercase entries so the fold happens once per error, not per pattern.
func matchesAny(msg string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// executeWithRetry calls the model with exponential backoff on transient
// failures. Every attempt, including retries, first waits on the process-wide
// rate limiter. The returned count is the number of retries performed, not
// total attempts.
func (o *Orchestrator) executeWithRetry(ctx context.Context, tr *trace, system string, messages []*ai.Message) (*ai.ModelResponse, int, error) {
	var lastErr error
	delay := o.retryConfig.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= o.retryConfig.MaxRetries; attempt++ {
		if o.limiter != nil {
			if err := o.limiter.Wait(ctx); err != nil {
				return nil, attempt, fmt.Errorf("rate limit wait: %w", err)
			}
		}

		o.transition(tr, StateLLMCalling)
		resp, err := o.model.Generate(ctx, system, messages)
		if err == nil {
			o.logger.Debug("model call succeeded",
				"attempts", attempt+1,
				"elapsed", time.Since(start))
			return resp, attempt, nil
		}

		lastErr = err

		if !retryableError(err) {
			return nil, attempt, fmt.Errorf("model call: %w", err)
		}

		if attempt == o.retryConfig.MaxRetries {
			break
		}

		o.transition(tr, StateRetrying)
		o.logger.Debug("retrying after transient error",
			"attempt", attempt+1,
			"delay", delay,
			"elapsed", time.Since(start),
			"error", err)

		select {
		case <-ctx.Done():
			return nil, attempt, fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, o.retryConfig.MaxInterval)
		}
	}

	return nil, o.retryConfig.MaxRetries, fmt.Errorf("model call after %d retries (elapsed: %v): %w",
		o.retryConfig.MaxRetries, time.Since(start), lastErr)
}
