package ratelimit

import (
	"strconv"
	"testing"
	"time"
)

func TestResetDelay(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		text   string
		want   time.Duration
		wantOK bool
	}{
		{"epoch stamp", "Claude AI usage limit reached|" + itoa(now.Add(90*time.Minute).Unix()), 90 * time.Minute, true},
		{"epoch in the past", "usage limit reached|" + itoa(now.Add(-time.Minute).Unix()), 0, true},
		{"retry-after header", "HTTP 429 retry-after: 42", 42 * time.Second, true},
		{"relative minutes", "Too many requests, try again in 5 minutes.", 5 * time.Minute, true},
		{"relative compound", "Limit resets in 2h 15m", 2*time.Hour + 15*time.Minute, true},
		{"relative seconds", "please retry after 30s", 30 * time.Second, true},
		{"clock utc", "Your limit resets 15:30 UTC", 90 * time.Minute, true},
		{"clock pm same day", "5-hour limit reached ∙ resets 4pm", 2 * time.Hour, true},
		{"clock rolls to next day", "limit reached, resets at 1pm UTC", 23 * time.Hour, true},
		{"bare number is not a clock", "resets 3 counters", 0, false},
		{"no reset info", "usage limit reached", 0, false},
		{"empty", "", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ResetDelay(tt.text, now)
			if ok != tt.wantOK {
				t.Fatalf("ResetDelay(%q) ok = %v, want %v", tt.text, ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("ResetDelay(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestResetDelay_NamedZone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	now := time.Date(2026, 1, 15, 13, 0, 0, 0, loc)

	got, ok := ResetDelay("Your limit will reset at 3pm (America/New_York).", now.UTC())
	if !ok {
		t.Fatal("expected reset to parse")
	}
	if got != 2*time.Hour {
		t.Errorf("expected 2h, got %v", got)
	}
}

func TestResetDelay_MidnightRolloverIsClamped(t *testing.T) {
	// A reset of 12:00 UTC seen one minute later reads as almost a day away.
	now := time.Date(2026, 3, 10, 12, 1, 0, 0, time.UTC)
	raw, ok := ResetDelay("usage limit reached, resets 12:00 UTC", now)
	if !ok {
		t.Fatal("expected reset to parse")
	}
	if raw != 23*time.Hour+59*time.Minute {
		t.Fatalf("expected raw 23h59m, got %v", raw)
	}
	if got := Clamp(raw, 4*time.Hour); got != 4*time.Hour {
		t.Errorf("expected clamp to exactly 4h, got %v", got)
	}
}

func TestClamp(t *testing.T) {
	tests := []struct {
		d, ceiling, want time.Duration
	}{
		{23*time.Hour + 59*time.Minute, 4 * time.Hour, 4 * time.Hour},
		{time.Hour, 4 * time.Hour, time.Hour},
		{-time.Second, time.Hour, 0},
		{48 * time.Hour, 0, 48 * time.Hour},
	}
	for _, tt := range tests {
		if got := Clamp(tt.d, tt.ceiling); got != tt.want {
			t.Errorf("Clamp(%v, %v) = %v, want %v", tt.d, tt.ceiling, got, tt.want)
		}
	}
}

func TestFormatDelay(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{500 * time.Millisecond, "500ms"},
		{1500 * time.Millisecond, "1.5s"},
		{90 * time.Second, "1.5m"},
		{4*time.Hour + 5*time.Minute, "4h05m"},
	}
	for _, tt := range tests {
		if got := FormatDelay(tt.d); got != tt.want {
			t.Errorf("FormatDelay(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
