package recurrence

import (
	"testing"
	"time"
)

// Test helpers

func mustParse(t *testing.T, days, hours, minutes string) *Schedule {
	t.Helper()
	s, err := Parse(days, hours, minutes)
	if err != nil {
		t.Fatalf("Parse(%q, %q, %q) unexpected error: %v", days, hours, minutes, err)
	}
	return s
}

func makeTime(year, month, day, hour, minute int) time.Time {
	return time.Date(year, time.Month(month), day, hour, minute, 0, 0, time.UTC)
}

func TestParse_Valid(t *testing.T) {
	tests := []struct {
		desc                 string
		days, hours, minutes string
	}{
		{"all empty", "", "", ""},
		{"wildcards", "*", "*", "*"},
		{"weekdays at 8:30", "1-5", "8", "30"},
		{"lists", "0,6", "9,12,18", "0,30"},
		{"steps", "*", "*/6", "*/15"},
		{"range step", "*", "8-18/2", "0"},
		{"offset step", "*", "*", "5/10"},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			if _, err := Parse(tt.days, tt.hours, tt.minutes); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		desc                 string
		days, hours, minutes string
	}{
		{"day out of range", "7", "", ""},
		{"hour out of range", "", "24", ""},
		{"minute out of range", "", "", "60"},
		{"negative", "", "", "-1"},
		{"reversed range", "5-1", "", ""},
		{"zero step", "", "*/0", ""},
		{"garbage", "", "", "abc"},
		{"empty list item", "1,,2", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			if _, err := Parse(tt.days, tt.hours, tt.minutes); err == nil {
				t.Errorf("expected error for days=%q hours=%q minutes=%q", tt.days, tt.hours, tt.minutes)
			}
		})
	}
}

func TestSchedule_Next(t *testing.T) {
	// 2026-01-05 is a Monday
	tests := []struct {
		desc                 string
		days, hours, minutes string
		after                time.Time
		want                 time.Time
	}{
		{
			desc:  "every minute is strictly after",
			after: makeTime(2026, 1, 5, 10, 0),
			want:  makeTime(2026, 1, 5, 10, 1),
		},
		{
			desc:  "seconds are truncated",
			after: time.Date(2026, 1, 5, 10, 0, 59, 0, time.UTC),
			want:  makeTime(2026, 1, 5, 10, 1),
		},
		{
			desc: "later today", days: "1-5", hours: "8", minutes: "30",
			after: makeTime(2026, 1, 5, 7, 0),
			want:  makeTime(2026, 1, 5, 8, 30),
		},
		{
			desc: "exact match moves to next day", days: "1-5", hours: "8", minutes: "30",
			after: makeTime(2026, 1, 5, 8, 30),
			want:  makeTime(2026, 1, 6, 8, 30),
		},
		{
			desc: "friday evening skips the weekend", days: "1-5", hours: "8", minutes: "30",
			after: makeTime(2026, 1, 9, 20, 0),
			want:  makeTime(2026, 1, 12, 8, 30),
		},
		{
			desc: "weekly on sunday", days: "0", hours: "0", minutes: "0",
			after: makeTime(2026, 1, 4, 0, 0),
			want:  makeTime(2026, 1, 11, 0, 0),
		},
		{
			desc: "next hour in list", hours: "9,12,18", minutes: "0",
			after: makeTime(2026, 1, 5, 9, 0),
			want:  makeTime(2026, 1, 5, 12, 0),
		},
		{
			desc: "quarter hours", minutes: "*/15",
			after: makeTime(2026, 1, 5, 10, 46),
			want:  makeTime(2026, 1, 5, 11, 0),
		},
		{
			desc: "crosses year boundary", hours: "0", minutes: "0",
			after: makeTime(2026, 12, 31, 23, 59),
			want:  makeTime(2027, 1, 1, 0, 0),
		},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			s := mustParse(t, tt.days, tt.hours, tt.minutes)
			got := s.Next(tt.after)
			if !got.Equal(tt.want) {
				t.Errorf("Next(%v) = %v, want %v", tt.after, got, tt.want)
			}
		})
	}
}

func TestSchedule_NextHonorsLocation(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	s := mustParse(t, "", "8", "0")

	got := s.Next(time.Date(2026, 1, 5, 7, 0, 0, 0, loc))
	want := time.Date(2026, 1, 5, 8, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
}

func TestNextExecution(t *testing.T) {
	now := makeTime(2026, 1, 5, 12, 0)

	t.Run("one-shot in the future", func(t *testing.T) {
		start := makeTime(2026, 1, 6, 9, 0)
		next, err := NextExecution(start, false, "", "", "", now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if next == nil || !next.Equal(start) {
			t.Errorf("next = %v, want %v", next, start)
		}
	})

	t.Run("one-shot in the past runs at start", func(t *testing.T) {
		start := makeTime(2026, 1, 1, 9, 0)
		next, _ := NextExecution(start, false, "", "", "", now)
		if next == nil || !next.Equal(start) {
			t.Errorf("next = %v, want %v", next, start)
		}
	})

	t.Run("repeating with future start matching exactly", func(t *testing.T) {
		start := makeTime(2026, 1, 6, 8, 30)
		next, _ := NextExecution(start, true, "1-5", "8", "30", now)
		if next == nil || !next.Equal(start) {
			t.Errorf("next = %v, want %v", next, start)
		}
	})

	t.Run("repeating with past start", func(t *testing.T) {
		start := makeTime(2025, 12, 1, 0, 0)
		next, _ := NextExecution(start, true, "1-5", "8", "30", now)
		want := makeTime(2026, 1, 6, 8, 30)
		if next == nil || !next.Equal(want) {
			t.Errorf("next = %v, want %v", next, want)
		}
	})

	t.Run("invalid fields", func(t *testing.T) {
		if _, err := NextExecution(now, true, "9", "", "", now); err == nil {
			t.Error("expected error")
		}
	})
}
