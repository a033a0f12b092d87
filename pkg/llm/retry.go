package llm

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

// RetryConfig defines backoff behavior for the retry wrapper.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

// DefaultRetryConfig provides reasonable defaults.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:    3,
	InitialDelay:  200 * time.Millisecond,
	MaxDelay:      10 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// RetryableClient wraps a Client with exponential backoff on transient
// failures. Non-transient errors return immediately.
type RetryableClient struct {
	client Client
	config RetryConfig
}

// NewRetryableClient wraps client with retry logic.
func NewRetryableClient(client Client, config RetryConfig) *RetryableClient {
	return &RetryableClient{client: client, config: config}
}

// Complete implements Client with retries.
func (r *RetryableClient) Complete(ctx context.Context, in Request) (Response, error) {
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(r.delay(attempt)):
			}
		}

		resp, err := r.client.Complete(ctx, in)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !isTransient(err) || attempt == r.config.MaxRetries {
			break
		}
	}

	return Response{}, fmt.Errorf("failed after %d attempts: %w", r.config.MaxRetries+1, lastErr)
}

func (r *RetryableClient) delay(attempt int) time.Duration {
	delay := time.Duration(float64(r.config.InitialDelay) * math.Pow(r.config.BackoffFactor, float64(attempt-1)))
	if delay > r.config.MaxDelay {
		delay = r.config.MaxDelay
	}
	if r.config.Jitter {
		delay += time.Duration(rand.Int63n(int64(delay)/5 + 1)) //nolint:gosec // jitter, not crypto
	}
	return delay
}

// isTransient classifies errors worth retrying: rate limits, server errors,
// and network flakiness.
func isTransient(err error) bool {
	msg := err.Error()
	for _, marker := range []string{
		"429", "rate", "overloaded",
		"500", "502", "503", "504",
		"timeout", "connection", "network", "temporary",
		"empty response",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
