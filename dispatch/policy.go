package dispatch

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/marcelsud/webhook-relay/ledger"
)

/* Policy bounds retries of one (event, destination) pair
 * Attempt 1 is the first delivery; MaxRetries more attempts may follow
 * The wait before retry n is BaseDelay * Multiplier^(n-1), capped at MaxDelay
 */
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	// RetryableStatuses are non-5xx statuses that are also retried, e.g. 429
	RetryableStatuses []int
}

// DefaultPolicy retries 3 times after 500ms, 1s and 2s
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		Multiplier: 2,
		MaxDelay:   10 * time.Second,
	}
}

// Validate checks the policy bounds
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative (got %d)", p.MaxRetries)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("retry delays cannot be negative")
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be at least 1 (got %v)", p.Multiplier)
	}
	for _, status := range p.RetryableStatuses {
		if status < 100 || status > 599 {
			return fmt.Errorf("retryable status must be between 100 and 599 (got %d)", status)
		}
	}
	return nil
}

// Attempts is the total number of attempts allowed per destination
func (p Policy) Attempts() int {
	return 1 + p.MaxRetries
}

// Backoff returns the wait before the given retry (1-based)
func (p Policy) Backoff(retry int) time.Duration {
	if retry < 1 {
		return 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(retry-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

/* Classify turns a send result into the attempt outcome
 * Network errors and 5xx are Failed and retryable
 * Any other answer, 4xx included, is a terminal Success carrying the status
 */
func (p Policy) Classify(res Result) (ledger.Outcome, bool) {
	switch {
	case res.Err != nil:
		return ledger.Failure(res.Err.Error(), 0), true
	case res.StatusCode >= 500:
		return ledger.Failure(fmt.Sprintf("status %d", res.StatusCode), res.StatusCode), true
	case slices.Contains(p.RetryableStatuses, res.StatusCode):
		return ledger.Failure(fmt.Sprintf("status %d", res.StatusCode), res.StatusCode), true
	default:
		return ledger.Succeeded(res.StatusCode), false
	}
}
