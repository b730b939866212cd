// Package httputil issues HTTP requests against the diagnostics server with
// retry, for CLI commands that may start before the daemon is listening.
package httputil

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/breeze-rmm/frametiming/internal/logging"
)

var log = logging.L("httputil")

// RetryConfig controls how often and how patiently a request is retried.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFrac    float64 // ±fraction of the delay
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  250 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterFrac:    0.3,
	}
}

// StatusError reports a retryable status that persisted through every attempt.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// retryable lists gateway and throttling statuses. 503 is not among them:
// /healthz answers 503 when an output is unhealthy, and that is a result.
func retryable(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Get fetches url, retrying connection errors and retryable statuses with
// exponential backoff. The caller closes the returned body.
func Get(ctx context.Context, client *http.Client, url string, cfg RetryConfig) (*http.Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := applyJitter(delay, cfg.JitterFrac)
			log.Debug("retrying request", "attempt", attempt, "delay", wait, "url", url, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			delay = min(time.Duration(float64(delay)*cfg.BackoffFactor), cfg.MaxDelay)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		if !retryable(resp.StatusCode) {
			return resp, nil
		}
		resp.Body.Close()
		lastErr = &StatusError{StatusCode: resp.StatusCode, URL: url}
	}

	log.Warn("giving up", "url", url, "attempts", cfg.MaxRetries+1, "error", lastErr)
	return nil, lastErr
}

func applyJitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	out := time.Duration(float64(d) * (1 + frac*(2*rand.Float64()-1)))
	return max(out, 0)
}
