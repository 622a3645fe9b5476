package crawl

import (
	"fmt"
	"time"
)

// RetryPolicy turns transient failures into delayed retries with capped
// exponential backoff: delay = BaseDelay * 2^retry, never above MaxDelay.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy mirrors the configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  5 * time.Second,
		MaxDelay:   5 * time.Minute,
	}
}

// Validate rejects settings outside their meaningful ranges.
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("retry policy max retries %d is negative", p.MaxRetries)
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("retry policy base delay %v is not positive", p.BaseDelay)
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("retry policy max delay %v is below base delay %v", p.MaxDelay, p.BaseDelay)
	}
	return nil
}

// Next reports whether a task that failed transiently with the given retry
// count may try again, and after what delay. The count is the number of
// retries already consumed, so the first failure asks with 0.
func (p RetryPolicy) Next(retries int) (time.Duration, bool) {
	if retries >= p.MaxRetries {
		return 0, false
	}
	return p.Delay(retries), true
}

// Delay computes the backoff before retry number retries+1.
func (p RetryPolicy) Delay(retries int) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < retries; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
