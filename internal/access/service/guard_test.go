package service_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gymcloud/accessd/internal/access/service"
	"github.com/gymcloud/accessd/internal/access/types"
)

func TestGuard_Disabled(t *testing.T) {
	g := service.NewGuard()
	cfg := types.DeviceConfig{}
	for i := 0; i < 1000; i++ {
		_, ok := g.Admit("d1", cfg, ptr(int64(1)), monday9)
		assert.True(t, ok)
	}
}

func TestGuard_RateWindowSlides(t *testing.T) {
	g := service.NewGuard()
	cfg := types.DeviceConfig{MaxEventsPerMinute: 2, RateLimitWindowSeconds: 10}

	_, ok := g.Admit("d1", cfg, nil, monday9)
	assert.True(t, ok)
	_, ok = g.Admit("d1", cfg, nil, monday9.Add(5*time.Second))
	assert.True(t, ok)
	reason, ok := g.Admit("d1", cfg, nil, monday9.Add(9*time.Second))
	assert.False(t, ok)
	assert.Equal(t, types.ReasonRateLimited, reason)

	_, ok = g.Admit("d2", cfg, nil, monday9.Add(9*time.Second))
	assert.True(t, ok, "windows are per device")

	_, ok = g.Admit("d1", cfg, nil, monday9.Add(10*time.Second))
	assert.True(t, ok, "the first hit has left the window")
}

func TestGuard_PassbackPerSubject(t *testing.T) {
	g := service.NewGuard()
	cfg := types.DeviceConfig{AntiPassbackSeconds: 30}

	_, ok := g.Admit("d1", cfg, ptr(int64(5)), monday9)
	assert.True(t, ok)
	reason, ok := g.Admit("d1", cfg, ptr(int64(5)), monday9.Add(10*time.Second))
	assert.False(t, ok)
	assert.Equal(t, types.ReasonAntiPassback, reason)

	_, ok = g.Admit("d2", cfg, ptr(int64(5)), monday9.Add(10*time.Second))
	assert.True(t, ok, "passback is per device")

	_, ok = g.Admit("d1", cfg, ptr(int64(5)), monday9.Add(30*time.Second))
	assert.True(t, ok)
}

func TestGuard_ForgetResets(t *testing.T) {
	g := service.NewGuard()
	cfg := types.DeviceConfig{AntiPassbackSeconds: 60}

	_, ok := g.Admit("d1", cfg, ptr(int64(5)), monday9)
	assert.True(t, ok)
	g.Forget("d1")
	_, ok = g.Admit("d1", cfg, ptr(int64(5)), monday9.Add(time.Second))
	assert.True(t, ok)
}
