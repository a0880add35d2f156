// Package retry implements the capped exponential backoff shared by payment
// attempts and webhook redelivery.
package retry

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Config configures retry behavior
type Config struct {
	MaxAttempts       int           `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay" yaml:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	// Jitter stretches each delay by up to this fraction. It only ever adds
	// time and may not exceed BackoffMultiplier-1, so a stretched delay never
	// passes the next un-stretched one.
	Jitter float64 `json:"jitter" yaml:"jitter"`
}

// multiplier is the effective BackoffMultiplier
func (c Config) multiplier() float64 {
	if c.BackoffMultiplier < 1.0 {
		return DefaultConfig().BackoffMultiplier
	}
	return c.BackoffMultiplier
}

// Validate rejects a jitter that would let delays shrink between attempts
func (c Config) Validate() error {
	if c.Jitter < 0 {
		return fmt.Errorf("retry jitter must not be negative")
	}
	if limit := c.multiplier() - 1; c.Jitter > limit {
		return fmt.Errorf("retry jitter %.2f exceeds backoff multiplier minus one (%.2f)", c.Jitter, limit)
	}
	return nil
}

// DefaultConfig returns the default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       5,
		InitialDelay:      1 * time.Second,
		MaxDelay:          5 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// Policy implements exponential backoff retry logic
type Policy struct {
	config Config

	mu   sync.Mutex
	rand *rand.Rand
}

// NewPolicy creates a new retry policy, filling unset fields from DefaultConfig
func NewPolicy(config Config) *Policy {
	defaults := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = defaults.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	config.BackoffMultiplier = config.multiplier()
	if config.Jitter < 0 {
		config.Jitter = 0
	}
	if limit := config.BackoffMultiplier - 1; config.Jitter > limit {
		config.Jitter = limit
	}

	return &Policy{
		config: config,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Config returns the effective configuration
func (p *Policy) Config() Config {
	return p.config
}

// MaxAttempts is the retry cap
func (p *Policy) MaxAttempts() int {
	return p.config.MaxAttempts
}

// Exhausted reports whether no further retry may be scheduled after n
// retries (or delivery attempts) have been made.
func (p *Policy) Exhausted(n int) bool {
	return n >= p.config.MaxAttempts
}

// Delay is the un-jittered wait before retry n+1:
// min(maxDelay, initialDelay * multiplier^n).
func (p *Policy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	delay := float64(p.config.InitialDelay) * math.Pow(p.config.BackoffMultiplier, float64(n))
	if delay > float64(p.config.MaxDelay) {
		return p.config.MaxDelay
	}
	return time.Duration(delay)
}

// JitteredDelay adds up to Jitter*Delay(n) of random spread, still capped
func (p *Policy) JitteredDelay(n int) time.Duration {
	delay := p.Delay(n)
	if p.config.Jitter == 0 {
		return delay
	}
	p.mu.Lock()
	f := p.rand.Float64()
	p.mu.Unlock()

	jittered := time.Duration(float64(delay) * (1 + p.config.Jitter*f))
	if jittered > p.config.MaxDelay {
		return p.config.MaxDelay
	}
	return jittered
}

// NextRetryTime calculates when retry n+1 should occur
func (p *Policy) NextRetryTime(now time.Time, n int) time.Time {
	return now.Add(p.JitteredDelay(n))
}
