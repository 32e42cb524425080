package queue

import "time"

// Policy controls how failed jobs are retried.
type Policy struct {
	// MaxRetries is how many times a failed job is scheduled again before
	// it is abandoned.
	MaxRetries int

	// BaseDelay is the delay before the first retry. Each later retry
	// doubles it.
	BaseDelay time.Duration
}

// DefaultPolicy retries three times after 1s, 2s and 4s.
var DefaultPolicy = Policy{MaxRetries: 3, BaseDelay: time.Second}

// Delay returns the backoff before retry number n (1-based).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return p.BaseDelay << (n - 1)
}

// Classifier reports whether a job error is worth retrying.
type Classifier func(err error) bool

// RetryAll treats every error as transient.
func RetryAll(error) bool { return true }
