package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewPolicy_Defaults(t *testing.T) {
	p := NewPolicy(Config{})
	cfg := p.Config()

	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.InitialDelay)
	assert.Equal(t, 5*time.Minute, cfg.MaxDelay)
	assert.Equal(t, 2.0, cfg.BackoffMultiplier)
}

func TestPolicy_Delay(t *testing.T) {
	p := NewPolicy(Config{
		MaxAttempts:       3,
		InitialDelay:      1000 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2,
	})

	assert.Equal(t, 1000*time.Millisecond, p.Delay(0))
	assert.Equal(t, 2000*time.Millisecond, p.Delay(1))
	assert.Equal(t, 4000*time.Millisecond, p.Delay(2))
	assert.Equal(t, 5*time.Second, p.Delay(3), "capped at max delay")
	assert.Equal(t, 5*time.Second, p.Delay(30))
}

func TestPolicy_DelayNonDecreasing(t *testing.T) {
	p := NewPolicy(Config{
		MaxAttempts:       10,
		InitialDelay:      300 * time.Millisecond,
		MaxDelay:          time.Minute,
		BackoffMultiplier: 1.7,
		Jitter:            0.5,
	})

	prev := time.Duration(0)
	for n := 0; n < 20; n++ {
		d := p.Delay(n)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, time.Minute)
		prev = d
	}
}

func TestNewPolicy_ClampsJitterToMultiplier(t *testing.T) {
	tests := []struct {
		name       string
		multiplier float64
		jitter     float64
		want       float64
	}{
		{"flat backoff drops jitter", 1.0, 0.5, 0},
		{"jitter above growth", 1.5, 0.9, 0.5},
		{"jitter within growth", 2.0, 0.3, 0.3},
		{"default multiplier", 0, 1.5, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPolicy(Config{BackoffMultiplier: tt.multiplier, Jitter: tt.jitter})
			assert.InDelta(t, tt.want, p.Config().Jitter, 1e-9)
		})
	}
}

func TestPolicy_JitteredDelayNonDecreasing(t *testing.T) {
	for _, cfg := range []Config{
		{InitialDelay: time.Second, MaxDelay: time.Hour, BackoffMultiplier: 1.0, Jitter: 0.5},
		{InitialDelay: time.Second, MaxDelay: time.Hour, BackoffMultiplier: 1.2, Jitter: 0.9},
		{InitialDelay: 300 * time.Millisecond, MaxDelay: time.Minute, BackoffMultiplier: 1.7, Jitter: 0.7},
	} {
		p := NewPolicy(cfg)
		for round := 0; round < 50; round++ {
			prev := time.Duration(0)
			for n := 0; n < 12; n++ {
				d := p.JitteredDelay(n)
				assert.GreaterOrEqual(t, d, prev, "multiplier %.1f retry %d", cfg.BackoffMultiplier, n)
				prev = d
			}
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.NoError(t, Config{BackoffMultiplier: 2, Jitter: 1}.Validate())
	assert.NoError(t, Config{Jitter: 0.5}.Validate(), "unset multiplier defaults to 2")
	assert.Error(t, Config{BackoffMultiplier: 1, Jitter: 0.5}.Validate())
	assert.Error(t, Config{BackoffMultiplier: 1.5, Jitter: 0.6}.Validate())
	assert.Error(t, Config{Jitter: -0.1}.Validate())
}

func TestPolicy_JitterBounds(t *testing.T) {
	p := NewPolicy(Config{
		InitialDelay:      time.Second,
		MaxDelay:          time.Hour,
		BackoffMultiplier: 2,
		Jitter:            0.1,
	})

	for i := 0; i < 100; i++ {
		d := p.JitteredDelay(1)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 2200*time.Millisecond)
	}
}

func TestPolicy_JitterRespectsCap(t *testing.T) {
	p := NewPolicy(Config{
		InitialDelay:      time.Second,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2,
		Jitter:            0.9,
	})
	for i := 0; i < 50; i++ {
		assert.Equal(t, time.Second, p.JitteredDelay(4))
	}
}

func TestPolicy_Exhausted(t *testing.T) {
	p := NewPolicy(Config{MaxAttempts: 3})

	assert.False(t, p.Exhausted(0))
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(4))
}

func TestPolicy_NextRetryTime(t *testing.T) {
	p := NewPolicy(Config{InitialDelay: time.Second, MaxDelay: time.Minute, BackoffMultiplier: 2})
	now := time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, now.Add(4*time.Second), p.NextRetryTime(now, 2))
}
