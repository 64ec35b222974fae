package session

import "time"

// RetryPolicy is the reconnection schedule: a bounded number of attempts with
// a fixed backoff ladder. Not safe for concurrent use; the session serializes
// access.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     []time.Duration

	attempt int
}

// DefaultRetryPolicy matches the channel client's posture: five attempts with
// delays capped at five seconds.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: 5,
		Backoff: []time.Duration{
			time.Second,
			2 * time.Second,
			4 * time.Second,
			5 * time.Second,
			5 * time.Second,
		},
	}
}

// Next consumes an attempt and returns the delay before it. ok is false when
// the attempts are exhausted.
func (p *RetryPolicy) Next() (delay time.Duration, ok bool) {
	if p.attempt >= p.MaxAttempts {
		return 0, false
	}
	i := p.attempt
	if i >= len(p.Backoff) {
		i = len(p.Backoff) - 1
	}
	p.attempt++
	return p.Backoff[i], true
}

// Reset restores the full attempt budget, typically after a healthy stretch.
func (p *RetryPolicy) Reset() {
	p.attempt = 0
}

// Attempts reports how many attempts have been consumed since the last reset.
func (p *RetryPolicy) Attempts() int {
	return p.attempt
}
