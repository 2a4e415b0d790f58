package schedule

import (
	"errors"
	"testing"
	"time"
)

func TestParseISO8601Duration(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{"PT5M", 5 * time.Minute},
		{"PT1H30M", 90 * time.Minute},
		{"PT1H30M15S", 90*time.Minute + 15*time.Second},
		{"PT0.5S", 500 * time.Millisecond},
		{"P1D", 24 * time.Hour},
		{"P1DT2H", 26 * time.Hour},
		{"P2W", 14 * 24 * time.Hour},
		{"P1M", 30 * 24 * time.Hour},
		{"P1Y", 365 * 24 * time.Hour},
		{"P1YT1S", 365*24*time.Hour + time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseISO8601Duration(tt.input)
			if err != nil {
				t.Fatalf("ParseISO8601Duration(%q) error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseISO8601Duration(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseISO8601Duration_Invalid(t *testing.T) {
	invalid := []string{"", "5M", "P", "PT", "PTM", "PT5X", "PT5", "QT5M"}

	for _, input := range invalid {
		if _, err := ParseISO8601Duration(input); err == nil {
			t.Errorf("ParseISO8601Duration(%q): expected error, got nil", input)
		}
	}

	if _, err := ParseISO8601Duration("PT5X"); !errors.Is(err, ErrInvalidDurationFormat) {
		t.Errorf("expected ErrInvalidDurationFormat, got %v", err)
	}
	if _, err := ParseISO8601Duration(""); !errors.Is(err, ErrDurationEmpty) {
		t.Errorf("expected ErrDurationEmpty, got %v", err)
	}
}

func TestFormatISO8601Duration(t *testing.T) {
	tests := []struct {
		input time.Duration
		want  string
	}{
		{0, "PT0S"},
		{5 * time.Minute, "PT5M"},
		{90 * time.Minute, "PT1H30M"},
		{90*time.Minute + 15*time.Second, "PT1H30M15S"},
	}

	for _, tt := range tests {
		if got := FormatISO8601Duration(tt.input); got != tt.want {
			t.Errorf("FormatISO8601Duration(%v) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestDurationRoundTrip(t *testing.T) {
	for _, d := range []time.Duration{time.Second, 5 * time.Minute, 26 * time.Hour} {
		parsed, err := ParseISO8601Duration(FormatISO8601Duration(d))
		if err != nil {
			t.Fatalf("round trip %v: %v", d, err)
		}
		if parsed != d {
			t.Errorf("round trip %v: got %v", d, parsed)
		}
	}
}
