package types

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ConfigVersion is the only device config document version this build
// understands. Documents without a version are treated as version 1.
const ConfigVersion = 1

const (
	MinUnlockMS     = 250
	MaxUnlockMS     = 15000
	DefaultUnlockMS = 3000

	MinAntiPassbackSeconds = 5
	MaxAntiPassbackSeconds = 86400

	MaxEventsPerMinuteCap = 600

	MinRateWindowSeconds     = 1
	MaxRateWindowSeconds     = 3600
	DefaultRateWindowSeconds = 60
)

// UnlockDelivery says how an allowed event reaches the relay.
type UnlockDelivery string

const (
	// DeliveryInline: the agent pulses the relay itself on an allow response.
	DeliveryInline UnlockDelivery = "inline"
	// DeliveryCommand: the server enqueues an unlock command the agent polls.
	DeliveryCommand UnlockDelivery = "command"
)

// UnlockProfile describes the output mechanism. Apart from the clamped
// pulse length and delivery mode it is opaque to the core and handed to the
// agent verbatim.
type UnlockProfile struct {
	Kind     string         `json:"kind,omitempty"`
	Ref      string         `json:"ref,omitempty"`
	UnlockMS int            `json:"unlock_ms,omitempty"`
	Delivery UnlockDelivery `json:"delivery,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
}

// Configured reports whether an unlock action exists for the device.
func (p UnlockProfile) Configured() bool { return strings.TrimSpace(p.Kind) != "" }

// HoursRule is one allowed interval: ISO weekdays (1=Monday..7=Sunday), start
// inclusive, end exclusive, "HH:MM" in the device timezone. An interval never
// crosses midnight; "24:00" is accepted as an end bound.
type HoursRule struct {
	Days  []int  `json:"days"`
	Start string `json:"start"`
	End   string `json:"end"`
}

// Contains reports whether the ISO weekday and minute-of-day fall inside the
// rule. Rules are expected to have passed Normalize.
func (r HoursRule) Contains(isoWeekday, minuteOfDay int) bool {
	start, err := parseClock(r.Start)
	if err != nil {
		return false
	}
	end, err := parseClock(r.End)
	if err != nil {
		return false
	}
	dayOK := false
	for _, d := range r.Days {
		if d == isoWeekday {
			dayOK = true
			break
		}
	}
	return dayOK && minuteOfDay >= start && minuteOfDay < end
}

// DeviceConfig is the versioned policy document stored with each device.
//
// Zero values carry documented meaning:
//   - Timezone "" means UTC.
//   - AllowedHours empty means always allowed.
//   - AllowedEventTypes empty means every event type is allowed.
//   - AntiPassbackSeconds 0 disables anti-passback.
//   - MaxEventsPerMinute 0 disables rate limiting.
//   - RateLimitWindowSeconds 0 means 60.
type DeviceConfig struct {
	Version                int           `json:"version"`
	UnlockProfile          UnlockProfile `json:"unlock_profile"`
	AllowManualUnlock      bool          `json:"allow_manual_unlock"`
	AllowRemoteUnlock      bool          `json:"allow_remote_unlock"`
	Timezone               string        `json:"timezone,omitempty"`
	AllowedHours           []HoursRule   `json:"allowed_hours,omitempty"`
	AllowedEventTypes      []EventType   `json:"allowed_event_types,omitempty"`
	DNIRequiresPIN         bool          `json:"dni_requires_pin"`
	AntiPassbackSeconds    uint32        `json:"anti_passback_seconds"`
	MaxEventsPerMinute     uint32        `json:"max_events_per_minute"`
	RateLimitWindowSeconds uint32        `json:"rate_limit_window_seconds,omitempty"`
}

// Normalize validates the document and returns a copy with defaults filled
// in and numeric ranges clamped. Structural problems are ValidationErrors;
// out-of-range numbers are clamped rather than rejected.
func (c DeviceConfig) Normalize() (DeviceConfig, error) {
	out := c

	switch out.Version {
	case 0:
		out.Version = ConfigVersion
	case ConfigVersion:
	default:
		return DeviceConfig{}, invalid("version", "unsupported config version %d", c.Version)
	}

	out.Timezone = strings.TrimSpace(out.Timezone)
	if out.Timezone == "" {
		out.Timezone = "UTC"
	}
	if _, err := loadZone(out.Timezone); err != nil {
		return DeviceConfig{}, invalid("timezone", "unknown timezone %q", out.Timezone)
	}

	p := out.UnlockProfile
	p.Kind = strings.TrimSpace(p.Kind)
	switch {
	case p.UnlockMS == 0:
		p.UnlockMS = DefaultUnlockMS
	case p.UnlockMS < MinUnlockMS:
		p.UnlockMS = MinUnlockMS
	case p.UnlockMS > MaxUnlockMS:
		p.UnlockMS = MaxUnlockMS
	}
	switch p.Delivery {
	case "":
		p.Delivery = DeliveryInline
	case DeliveryInline, DeliveryCommand:
	default:
		return DeviceConfig{}, invalid("unlock_profile.delivery", "unknown delivery %q", p.Delivery)
	}
	out.UnlockProfile = p

	hours := make([]HoursRule, 0, len(c.AllowedHours))
	for i, r := range c.AllowedHours {
		nr, err := normalizeRule(r)
		if err != nil {
			return DeviceConfig{}, invalid(fmt.Sprintf("allowed_hours[%d]", i), "%v", err)
		}
		hours = append(hours, nr)
	}
	out.AllowedHours = hours

	seen := make(map[EventType]struct{}, len(c.AllowedEventTypes))
	evTypes := make([]EventType, 0, len(c.AllowedEventTypes))
	for _, t := range c.AllowedEventTypes {
		if !t.Valid() {
			return DeviceConfig{}, invalid("allowed_event_types", "unknown event type %q", t)
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		evTypes = append(evTypes, t)
	}
	out.AllowedEventTypes = evTypes

	if out.AntiPassbackSeconds > 0 {
		out.AntiPassbackSeconds = clampU32(out.AntiPassbackSeconds, MinAntiPassbackSeconds, MaxAntiPassbackSeconds)
	}
	if out.MaxEventsPerMinute > 0 {
		out.MaxEventsPerMinute = clampU32(out.MaxEventsPerMinute, 1, MaxEventsPerMinuteCap)
	}
	if out.RateLimitWindowSeconds == 0 {
		out.RateLimitWindowSeconds = DefaultRateWindowSeconds
	} else {
		out.RateLimitWindowSeconds = clampU32(out.RateLimitWindowSeconds, MinRateWindowSeconds, MaxRateWindowSeconds)
	}

	return out, nil
}

// zones caches loaded locations by IANA name; time.LoadLocation reads
// zoneinfo on every call.
var zones sync.Map

func loadZone(name string) (*time.Location, error) {
	if v, ok := zones.Load(name); ok {
		return v.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, err
	}
	v, _ := zones.LoadOrStore(name, loc)
	return v.(*time.Location), nil
}

// Location returns the device timezone, falling back to UTC.
func (c DeviceConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := loadZone(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// AllowsEventType applies the allowed_event_types filter.
func (c DeviceConfig) AllowsEventType(t EventType) bool {
	if len(c.AllowedEventTypes) == 0 {
		return true
	}
	for _, a := range c.AllowedEventTypes {
		if a == t {
			return true
		}
	}
	return false
}

// WithinHours reports whether now, converted to the device timezone, falls
// inside at least one allowed_hours rule. No rules means always.
func (c DeviceConfig) WithinHours(now time.Time) bool {
	if len(c.AllowedHours) == 0 {
		return true
	}
	local := now.In(c.Location())
	wd := int(local.Weekday())
	if wd == 0 {
		wd = 7
	}
	minute := local.Hour()*60 + local.Minute()
	for _, r := range c.AllowedHours {
		if r.Contains(wd, minute) {
			return true
		}
	}
	return false
}

// RateWindow is the sliding window used by the rate limit.
func (c DeviceConfig) RateWindow() time.Duration {
	s := c.RateLimitWindowSeconds
	if s == 0 {
		s = DefaultRateWindowSeconds
	}
	return time.Duration(s) * time.Second
}

// AntiPassback is the passback cooldown, zero when disabled.
func (c DeviceConfig) AntiPassback() time.Duration {
	return time.Duration(c.AntiPassbackSeconds) * time.Second
}

func normalizeRule(r HoursRule) (HoursRule, error) {
	if len(r.Days) == 0 {
		return HoursRule{}, fmt.Errorf("days must not be empty")
	}
	days := make([]int, 0, len(r.Days))
	seen := make(map[int]struct{}, len(r.Days))
	for _, d := range r.Days {
		if d < 1 || d > 7 {
			return HoursRule{}, fmt.Errorf("day %d outside 1..7", d)
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		days = append(days, d)
	}
	sort.Ints(days)

	start, err := parseClock(r.Start)
	if err != nil {
		return HoursRule{}, fmt.Errorf("start: %w", err)
	}
	end, err := parseClock(r.End)
	if err != nil {
		return HoursRule{}, fmt.Errorf("end: %w", err)
	}
	if start >= 24*60 {
		return HoursRule{}, fmt.Errorf("start must be before 24:00")
	}
	if start >= end {
		return HoursRule{}, fmt.Errorf("start %s must be before end %s (split overnight ranges into two rules)", r.Start, r.End)
	}
	return HoursRule{Days: days, Start: formatClock(start), End: formatClock(end)}, nil
}

// parseClock parses "HH:MM" into minutes since midnight. 24:00 is allowed.
func parseClock(s string) (int, error) {
	s = strings.TrimSpace(s)
	if len(s) != 5 || s[2] != ':' {
		return 0, fmt.Errorf("%q is not HH:MM", s)
	}
	h, errH := strconv.Atoi(s[:2])
	m, errM := strconv.Atoi(s[3:])
	if errH != nil || errM != nil {
		return 0, fmt.Errorf("%q is not HH:MM", s)
	}
	if h < 0 || m < 0 || m > 59 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("%q out of range", s)
	}
	return h*60 + m, nil
}

func formatClock(min int) string {
	return fmt.Sprintf("%02d:%02d", min/60, min%60)
}

func clampU32(v, lo, hi uint32) uint32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
