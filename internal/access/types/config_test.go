package types_test

import (
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gymcloud/accessd/internal/access/types"
)

func TestNormalize_Defaults(t *testing.T) {
	cfg, err := types.DeviceConfig{}.Normalize()
	require.NoError(t, err)

	assert.Equal(t, types.ConfigVersion, cfg.Version)
	assert.Equal(t, "UTC", cfg.Timezone)
	assert.Equal(t, types.DefaultUnlockMS, cfg.UnlockProfile.UnlockMS)
	assert.Equal(t, types.DeliveryInline, cfg.UnlockProfile.Delivery)
	assert.EqualValues(t, types.DefaultRateWindowSeconds, cfg.RateLimitWindowSeconds)
	assert.Zero(t, cfg.AntiPassbackSeconds, "0 keeps anti-passback disabled")
	assert.Zero(t, cfg.MaxEventsPerMinute, "0 keeps rate limiting disabled")
}

func TestNormalize_ClampsRanges(t *testing.T) {
	cfg, err := types.DeviceConfig{
		UnlockProfile:          types.UnlockProfile{Kind: "relay", UnlockMS: 50},
		AntiPassbackSeconds:    1,
		MaxEventsPerMinute:     100000,
		RateLimitWindowSeconds: 999999,
	}.Normalize()
	require.NoError(t, err)

	assert.Equal(t, types.MinUnlockMS, cfg.UnlockProfile.UnlockMS)
	assert.EqualValues(t, types.MinAntiPassbackSeconds, cfg.AntiPassbackSeconds)
	assert.EqualValues(t, types.MaxEventsPerMinuteCap, cfg.MaxEventsPerMinute)
	assert.EqualValues(t, types.MaxRateWindowSeconds, cfg.RateLimitWindowSeconds)

	cfg, err = types.DeviceConfig{
		UnlockProfile:       types.UnlockProfile{UnlockMS: 60000},
		AntiPassbackSeconds: 200000,
	}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, types.MaxUnlockMS, cfg.UnlockProfile.UnlockMS)
	assert.EqualValues(t, types.MaxAntiPassbackSeconds, cfg.AntiPassbackSeconds)
}

func TestNormalize_Rejects(t *testing.T) {
	cases := map[string]types.DeviceConfig{
		"version":        {Version: 7},
		"timezone":       {Timezone: "Mars/Olympus"},
		"delivery":       {UnlockProfile: types.UnlockProfile{Delivery: "carrier-pigeon"}},
		"event type":     {AllowedEventTypes: []types.EventType{"retina"}},
		"bad clock":      {AllowedHours: []types.HoursRule{{Days: []int{1}, Start: "8:00", End: "10:00"}}},
		"day range":      {AllowedHours: []types.HoursRule{{Days: []int{0}, Start: "08:00", End: "10:00"}}},
		"no days":        {AllowedHours: []types.HoursRule{{Start: "08:00", End: "10:00"}}},
		"crosses night":  {AllowedHours: []types.HoursRule{{Days: []int{5}, Start: "22:00", End: "02:00"}}},
		"empty interval": {AllowedHours: []types.HoursRule{{Days: []int{5}, Start: "10:00", End: "10:00"}}},
		"minute range":   {AllowedHours: []types.HoursRule{{Days: []int{5}, Start: "10:60", End: "11:00"}}},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := cfg.Normalize()
			require.Error(t, err)
			assert.True(t, errors.Is(err, types.ErrValidation), "expected ErrValidation, got %v", err)

			var ve *types.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.NotEmpty(t, ve.Field)
		})
	}
}

func TestNormalize_DedupesDaysAndTypes(t *testing.T) {
	cfg, err := types.DeviceConfig{
		AllowedHours:      []types.HoursRule{{Days: []int{5, 1, 1, 3}, Start: "08:00", End: "24:00"}},
		AllowedEventTypes: []types.EventType{types.EventFob, types.EventFob, types.EventDNI},
	}.Normalize()
	require.NoError(t, err)

	assert.Equal(t, []int{1, 3, 5}, cfg.AllowedHours[0].Days)
	assert.Equal(t, []types.EventType{types.EventFob, types.EventDNI}, cfg.AllowedEventTypes)
}

func TestWithinHours(t *testing.T) {
	cfg, err := types.DeviceConfig{
		Timezone: "America/Argentina/Buenos_Aires",
		AllowedHours: []types.HoursRule{
			{Days: []int{1, 2, 3, 4, 5}, Start: "08:00", End: "22:00"},
		},
	}.Normalize()
	require.NoError(t, err)

	loc, err := time.LoadLocation("America/Argentina/Buenos_Aires")
	require.NoError(t, err)

	// 2026-10-19 is a Monday.
	monday := func(h, m int) time.Time { return time.Date(2026, 10, 19, h, m, 0, 0, loc) }

	assert.True(t, cfg.WithinHours(monday(8, 0)), "start is inclusive")
	assert.True(t, cfg.WithinHours(monday(21, 59)))
	assert.False(t, cfg.WithinHours(monday(22, 0)), "end is exclusive")
	assert.False(t, cfg.WithinHours(monday(7, 59)))
	assert.False(t, cfg.WithinHours(time.Date(2026, 10, 18, 12, 0, 0, 0, loc)), "sunday not listed")

	// The same instant expressed in UTC is converted to device local time.
	assert.True(t, cfg.WithinHours(monday(9, 0).UTC()))
}

func TestWithinHours_EmptyMeansAlways(t *testing.T) {
	cfg, err := types.DeviceConfig{}.Normalize()
	require.NoError(t, err)
	for h := 0; h < 24; h++ {
		assert.True(t, cfg.WithinHours(time.Date(2026, 10, 18, h, 30, 0, 0, time.UTC)))
	}
}

func TestWithinHours_OvernightNeedsTwoRules(t *testing.T) {
	cfg, err := types.DeviceConfig{
		AllowedHours: []types.HoursRule{
			{Days: []int{5}, Start: "22:00", End: "24:00"},
			{Days: []int{6}, Start: "00:00", End: "02:00"},
		},
	}.Normalize()
	require.NoError(t, err)

	// 2026-10-23 is a Friday.
	assert.True(t, cfg.WithinHours(time.Date(2026, 10, 23, 23, 30, 0, 0, time.UTC)))
	assert.True(t, cfg.WithinHours(time.Date(2026, 10, 24, 1, 30, 0, 0, time.UTC)))
	assert.False(t, cfg.WithinHours(time.Date(2026, 10, 24, 2, 0, 0, 0, time.UTC)))
}

func TestAllowsEventType(t *testing.T) {
	open := types.DeviceConfig{}
	assert.True(t, open.AllowsEventType(types.EventDNI))

	fobOnly := types.DeviceConfig{AllowedEventTypes: []types.EventType{types.EventFob}}
	assert.True(t, fobOnly.AllowsEventType(types.EventFob))
	assert.False(t, fobOnly.AllowsEventType(types.EventCard))
}

func TestMaskValue(t *testing.T) {
	assert.Equal(t, "", types.MaskValue("  "))
	assert.Equal(t, "****", types.MaskValue("ABCD"))
	assert.Equal(t, "AB****EF", types.MaskValue("ABCDEF"))
	assert.Equal(t, "04****9A", types.MaskValue("04A1B2C3D49A"))
}

func TestDevicePhase(t *testing.T) {
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	later := now.Add(5 * time.Minute)

	assert.Equal(t, types.PhasePaired, types.Device{AuthTokenHash: "h"}.Phase(now))
	assert.Equal(t, types.PhasePairing, types.Device{PairingCodeHash: "c", PairingExpiresAt: &later}.Phase(now))
	assert.Equal(t, types.PhaseUnpaired, types.Device{PairingCodeHash: "c", PairingExpiresAt: &later}.Phase(later))
	assert.Equal(t, types.PhaseUnpaired, types.Device{}.Phase(now))
}

func TestLocation_ResolvesAndReusesZone(t *testing.T) {
	cfg, err := types.DeviceConfig{Timezone: "America/Argentina/Buenos_Aires"}.Normalize()
	require.NoError(t, err)

	loc := cfg.Location()
	assert.Equal(t, "America/Argentina/Buenos_Aires", loc.String())
	assert.Same(t, loc, cfg.Location())

	// 12:30 UTC on a Monday is 09:30 in Buenos Aires (UTC-3).
	cfg.AllowedHours = []types.HoursRule{{Days: []int{1}, Start: "09:00", End: "10:00"}}
	assert.True(t, cfg.WithinHours(time.Date(2026, 10, 19, 12, 30, 0, 0, time.UTC)))

	assert.Equal(t, time.UTC, types.DeviceConfig{Timezone: "Nowhere/Land"}.Location())
}
