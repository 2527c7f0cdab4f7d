package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/naebak/notifications-service/internal/config"
	"github.com/naebak/notifications-service/internal/model"
)

func TestLimiter_Acquire_WithinBudget(t *testing.T) {
	l := New(config.RateLimits{
		Email: config.Budget{PerSecond: 10, Burst: 5},
	})

	granted, hint := l.Acquire(model.ChannelEmail, model.PriorityNormal)
	assert.True(t, granted)
	assert.Zero(t, hint)
}

func TestLimiter_Acquire_ExhaustedDeniesWithHint(t *testing.T) {
	l := New(config.RateLimits{
		SMS: config.Budget{PerSecond: 1, Burst: 1},
	})

	granted, _ := l.Acquire(model.ChannelSMS, model.PriorityNormal)
	assert.True(t, granted)

	granted, hint := l.Acquire(model.ChannelSMS, model.PriorityNormal)
	assert.False(t, granted)
	assert.GreaterOrEqual(t, hint, time.Second)
}

func TestLimiter_Acquire_UrgentUsesReserve(t *testing.T) {
	l := New(config.RateLimits{
		SMS:           config.Budget{PerSecond: 1, Burst: 1},
		UrgentReserve: config.Budget{PerSecond: 1, Burst: 1},
	})

	// Drain the channel budget.
	granted, _ := l.Acquire(model.ChannelSMS, model.PriorityNormal)
	assert.True(t, granted)

	// Normal traffic is denied, urgent draws from the reserve.
	granted, _ = l.Acquire(model.ChannelSMS, model.PriorityNormal)
	assert.False(t, granted)

	granted, _ = l.Acquire(model.ChannelSMS, model.PriorityUrgent)
	assert.True(t, granted)

	// The reserve is also drained now.
	granted, hint := l.Acquire(model.ChannelSMS, model.PriorityUrgent)
	assert.False(t, granted)
	assert.GreaterOrEqual(t, hint, time.Second)
}

func TestLimiter_Acquire_ZeroBudgetUnthrottled(t *testing.T) {
	l := New(config.RateLimits{})

	for i := 0; i < 100; i++ {
		granted, _ := l.Acquire(model.ChannelInApp, model.PriorityLow)
		assert.True(t, granted)
	}
}
