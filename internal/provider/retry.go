package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"
)

// retryPolicy bounds how often a transport call is reissued and how long to
// wait between attempts. Backoff grows quadratically with a random jitter on
// top.
type retryPolicy struct {
	attempts  int           // reissues after the first try
	baseDelay time.Duration // unit of the quadratic backoff
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{attempts: 3, baseDelay: time.Second}
}

func (p retryPolicy) backoff(attempt int) time.Duration {
	base := time.Duration(attempt*attempt) * p.baseDelay
	return base + time.Duration(rand.Int64N(int64(base/2+1)))
}

// statusError carries a non-2xx response that exhausted the policy.
type statusError struct {
	statusCode int
	body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.statusCode, e.body)
}

// retryableStatus reports whether the server response is worth reissuing:
// 5xx and rate limiting, never client errors.
func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

// do executes an HTTP request under the policy. buildReq is invoked per
// attempt so the body reader is fresh each time. Responses with
// non-retryable status codes are returned to the caller unread.
func (p retryPolicy) do(ctx context.Context, client *http.Client, buildReq func() (*http.Request, error), logger *slog.Logger) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= p.attempts; attempt++ {
		if attempt > 0 {
			wait := p.backoff(attempt)
			logger.Warn("retrying request", "attempt", attempt+1, "backoff", wait)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			if attempt < p.attempts {
				logger.Warn("request failed, will retry", "error", err)
				continue
			}
			return nil, fmt.Errorf("request failed after %d retries: %w", p.attempts, err)
		}

		if retryableStatus(resp.StatusCode) {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = &statusError{statusCode: resp.StatusCode, body: string(body)}
			if attempt < p.attempts {
				logger.Warn("server error, will retry", "status", resp.StatusCode)
				continue
			}
			return nil, fmt.Errorf("server error after %d retries: %w", p.attempts, lastErr)
		}

		return resp, nil
	}

	return nil, lastErr
}
