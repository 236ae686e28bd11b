// Package retry supplies the jittered exponential backoff shape used by
// both the connection manager (§4.5) and the liveness monitor's reconnect
// task (§4.4): delay = min(base*2^(attempt-1) + uniform[0,jitter), max).
// It implements github.com/cenkalti/backoff/v4's BackOff interface so
// callers drive retries through backoff.RetryNotify rather than a
// hand-rolled loop.
package retry

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// JitteredBackoff computes attempt-indexed delays capped at Max, with up
// to MaxAttempts total tries before NextBackOff signals backoff.Stop.
type JitteredBackoff struct {
	Base        time.Duration
	Max         time.Duration
	Jitter      time.Duration
	MaxAttempts int

	attempt int
}

var _ backoff.BackOff = (*JitteredBackoff)(nil)

// NewConnect builds the connection manager's policy: base 0.5s, max 5s,
// jitter uniform[0,0.5s), 3 attempts.
func NewConnect() *JitteredBackoff {
	return &JitteredBackoff{Base: 500 * time.Millisecond, Max: 5 * time.Second, Jitter: 500 * time.Millisecond, MaxAttempts: 3}
}

// NewReconnect builds the liveness monitor's reconnect-task policy: base
// 1.0s, max 30s, jitter uniform[0,1s), 5 attempts.
func NewReconnect() *JitteredBackoff {
	return &JitteredBackoff{Base: time.Second, Max: 30 * time.Second, Jitter: time.Second, MaxAttempts: 5}
}

// Attempt returns the 1-based index of the attempt that just finished
// (the attempt NextBackOff was last called to schedule a delay after).
func (b *JitteredBackoff) Attempt() int {
	return b.attempt
}

// Reset restarts the attempt counter; backoff.Retry/RetryNotify call it
// before the first attempt.
func (b *JitteredBackoff) Reset() {
	b.attempt = 0
}

// NextBackOff returns the delay before the next attempt, or
// backoff.Stop once MaxAttempts has been reached.
//
// backoff.Retry/RetryNotify call the operation once up front and only
// consult NextBackOff after a failure, so the operation's total call
// count is 1 + (number of delays this returns before Stop). To cap the
// total at MaxAttempts, this must stop once MaxAttempts-1 delays have
// already been handed out — i.e. on the call where attempt reaches
// MaxAttempts, not MaxAttempts+1.
func (b *JitteredBackoff) NextBackOff() time.Duration {
	b.attempt++
	if b.attempt >= b.MaxAttempts {
		return backoff.Stop
	}

	delay := b.Base * time.Duration(uint64(1)<<uint(b.attempt-1))
	if b.Jitter > 0 {
		delay += time.Duration(rand.Float64() * float64(b.Jitter))
	}
	if delay > b.Max {
		delay = b.Max
	}
	return delay
}
