// Package ratelimit parses rate-limit reset times from agent output and tracks
// per-target wait windows.
package ratelimit

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// epochPattern matches the machine-readable reset stamp some CLIs append,
// e.g. "Claude AI usage limit reached|1712345678".
var epochPattern = regexp.MustCompile(`\|(\d{10})\b`)

// relativePattern matches "try again in 5 minutes", "retry after 30s",
// "resets in 2h 15m".
var relativePattern = regexp.MustCompile(`(?i)\b(?:try again|retry|resets?|available again|wait)\s+(?:after|in|for)?\s*((?:\d+\s*(?:hours?|hrs?|h|minutes?|mins?|m|seconds?|secs?|s)\b[\s,]*(?:and\s+)?)+)`)

var retryAfterPattern = regexp.MustCompile(`(?i)retry-after[:=]\s*(\d+)`)

var componentPattern = regexp.MustCompile(`(?i)(\d+)\s*(hours?|hrs?|h|minutes?|mins?|m|seconds?|secs?|s)\b`)

// clockPattern matches wall-clock resets: "resets 3pm (America/New_York)",
// "reset at 12:00 UTC", "will reset at 5:30am".
var clockPattern = regexp.MustCompile(`(?i)\bresets?\s+(?:at\s+)?(\d{1,2})(?::(\d{2}))?\s*([ap]\.?m\.?)?(?:\s*\(([A-Za-z_]+(?:/[A-Za-z_+\-]+)*)\)|\s+(UTC|GMT|Z)\b)?`)

// ResetDelay extracts how long until a rate limit resets, relative to now.
// The second return value is false when no reset information was found.
// Wall-clock resets at or before now roll over to the next day; callers are
// expected to Clamp the result.
func ResetDelay(text string, now time.Time) (time.Duration, bool) {
	if text == "" {
		return 0, false
	}

	if m := epochPattern.FindStringSubmatch(text); m != nil {
		sec, err := strconv.ParseInt(m[1], 10, 64)
		if err == nil {
			d := time.Unix(sec, 0).Sub(now)
			if d < 0 {
				d = 0
			}
			return d, true
		}
	}

	if m := retryAfterPattern.FindStringSubmatch(text); m != nil {
		if sec, err := strconv.Atoi(m[1]); err == nil && sec > 0 {
			return time.Duration(sec) * time.Second, true
		}
	}

	if m := relativePattern.FindStringSubmatch(text); m != nil {
		if d := sumComponents(m[1]); d > 0 {
			return d, true
		}
	}

	for _, m := range clockPattern.FindAllStringSubmatch(text, -1) {
		if d, ok := clockDelay(m, now); ok {
			return d, true
		}
	}

	return 0, false
}

func sumComponents(s string) time.Duration {
	var total time.Duration
	for _, c := range componentPattern.FindAllStringSubmatch(s, -1) {
		n, err := strconv.Atoi(c[1])
		if err != nil {
			continue
		}
		switch unit := strings.ToLower(c[2]); {
		case strings.HasPrefix(unit, "h"):
			total += time.Duration(n) * time.Hour
		case strings.HasPrefix(unit, "m"):
			total += time.Duration(n) * time.Minute
		default:
			total += time.Duration(n) * time.Second
		}
	}
	return total
}

func clockDelay(m []string, now time.Time) (time.Duration, bool) {
	hourStr, minStr, meridiem, zone, abbrev := m[1], m[2], m[3], m[4], m[5]
	// A bare number ("resets 3 times") is not a clock time.
	if minStr == "" && meridiem == "" {
		return 0, false
	}

	hour, err := strconv.Atoi(hourStr)
	if err != nil {
		return 0, false
	}
	minute := 0
	if minStr != "" {
		if minute, err = strconv.Atoi(minStr); err != nil || minute > 59 {
			return 0, false
		}
	}
	if meridiem != "" {
		if hour < 1 || hour > 12 {
			return 0, false
		}
		pm := strings.HasPrefix(strings.ToLower(meridiem), "p")
		hour %= 12
		if pm {
			hour += 12
		}
	} else if hour > 23 {
		return 0, false
	}

	loc := now.Location()
	switch {
	case abbrev != "":
		loc = time.UTC
	case zone != "":
		if l, err := time.LoadLocation(zone); err == nil {
			loc = l
		}
	}

	local := now.In(loc)
	reset := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !reset.After(local) {
		reset = reset.AddDate(0, 0, 1)
	}
	return reset.Sub(local), true
}

// Clamp caps d at ceiling. A non-positive ceiling disables clamping.
func Clamp(d, ceiling time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}

// FormatDelay formats a duration as a human-readable string.
func FormatDelay(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.1fm", d.Minutes())
	}
	h := d / time.Hour
	return fmt.Sprintf("%dh%02dm", h, (d-h*time.Hour)/time.Minute)
}
