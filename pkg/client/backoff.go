package client

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff yields capped exponential delays with full jitter: the n-th
// delay is uniform in [0, min(Max, Base*2^n)).
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	mu      sync.Mutex
	attempt int
	rand    *rand.Rand
}

// NewBackoff returns a backoff with the given bounds.
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max < base {
		max = base
	}
	return &Backoff{
		Base: base,
		Max:  max,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// DefaultBackoff is 500ms growing to 30s.
func DefaultBackoff() *Backoff {
	return NewBackoff(500*time.Millisecond, 30*time.Second)
}

// Ceiling is the upper bound of the next delay.
func (b *Backoff) Ceiling() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ceiling()
}

func (b *Backoff) ceiling() time.Duration {
	c := b.Base
	for i := 0; i < b.attempt; i++ {
		c *= 2
		if c >= b.Max {
			return b.Max
		}
	}
	return c
}

// Next returns the delay before the next attempt and advances.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.ceiling()
	if c <= 0 {
		return 0
	}
	if c < b.Max {
		b.attempt++
	}
	if b.rand == nil {
		b.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return time.Duration(b.rand.Int63n(int64(c)))
}

// Reset starts over from Base after a successful connection.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}

// Attempts returns how many delays were handed out since the last reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
