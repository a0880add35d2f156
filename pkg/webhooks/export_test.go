package webhooks

import "time"

func (p *Pipeline) SetNow(fn func() time.Time) { p.now = fn }

func (rl *Relay) SetNow(fn func() time.Time) { rl.now = fn }

func (rl *RateLimiter) SetNow(fn func() time.Time) { rl.now = fn }
