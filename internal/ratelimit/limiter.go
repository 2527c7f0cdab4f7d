// Package ratelimit enforces per-channel token-bucket budgets. Urgent
// traffic may draw from a reserved sub-budget so saturation on a channel
// cannot delay it. A denied acquire carries a wait hint; the worker
// defers the record instead of blocking.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/naebak/notifications-service/internal/config"
	"github.com/naebak/notifications-service/internal/model"
)

const minWaitHint = time.Second

// Limiter holds one token bucket per channel plus the urgent reserve.
type Limiter struct {
	buckets map[model.Channel]*rate.Limiter
	urgent  *rate.Limiter
}

// New builds the limiter from configured budgets. A zero budget means
// the channel is unthrottled.
func New(cfg config.RateLimits) *Limiter {
	return &Limiter{
		buckets: map[model.Channel]*rate.Limiter{
			model.ChannelEmail: bucket(cfg.Email),
			model.ChannelSMS:   bucket(cfg.SMS),
			model.ChannelPush:  bucket(cfg.Push),
			model.ChannelInApp: bucket(cfg.InApp),
		},
		urgent: bucket(cfg.UrgentReserve),
	}
}

// Acquire takes one token for a dispatch on the channel. When denied it
// returns a hint for how long the record should stay invisible before
// the next try.
func (l *Limiter) Acquire(c model.Channel, p model.Priority) (bool, time.Duration) {
	lim := l.buckets[c]
	if lim == nil {
		return true, 0
	}

	if lim.Allow() {
		return true, 0
	}

	// Channel budget exhausted; urgent traffic may use the reserve.
	if p == model.PriorityUrgent && l.urgent != nil {
		if l.urgent.Allow() {
			return true, 0
		}
	}

	return false, l.waitHint(lim)
}

func (l *Limiter) waitHint(lim *rate.Limiter) time.Duration {
	res := lim.Reserve()
	if !res.OK() {
		return minWaitHint
	}

	hint := res.Delay()
	res.Cancel()

	if hint < minWaitHint {
		hint = minWaitHint
	}
	return hint
}

func bucket(b config.Budget) *rate.Limiter {
	if b.PerSecond <= 0 {
		return nil
	}

	burst := b.Burst
	if burst <= 0 {
		burst = 1
	}

	return rate.NewLimiter(rate.Limit(b.PerSecond), burst)
}
