package client

import (
	"errors"
	"time"
)

const (
	DefaultBaseDelay   = time.Second
	DefaultMaxAttempts = 5
)

var ErrAttemptsExhausted = errors.New("client: reconnect attempts exhausted")

// Backoff counts reconnect attempts. Attempt n waits Base * 2^(n-1); once
// MaxAttempts have been used it stays failed until Reset.
type Backoff struct {
	base        time.Duration
	maxAttempts int
	attempts    int
}

func NewBackoff(base time.Duration, maxAttempts int) *Backoff {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Backoff{base: base, maxAttempts: maxAttempts}
}

// Next consumes an attempt and returns how long to wait before it.
func (b *Backoff) Next() (time.Duration, error) {
	if b.attempts >= b.maxAttempts {
		return 0, ErrAttemptsExhausted
	}
	b.attempts++
	return b.base << (b.attempts - 1), nil
}

// Reset is called after a successful connection.
func (b *Backoff) Reset() { b.attempts = 0 }

func (b *Backoff) Attempts() int { return b.attempts }

func (b *Backoff) Failed() bool { return b.attempts >= b.maxAttempts }
