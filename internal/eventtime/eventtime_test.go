package eventtime

import (
	"errors"
	"testing"
	"time"
)

func prague(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Prague")
	if err != nil {
		t.Fatalf("load tz: %v", err)
	}
	return loc
}

func TestParse(t *testing.T) {
	t.Parallel()
	loc := prague(t)

	tests := []struct {
		name string
		text string
		want time.Time
	}{
		{
			// CEST, so 15:00 local is 13:00 UTC.
			name: "summer range",
			text: "Dobíječka 9.9.2025 15:00 - 18:00",
			want: time.Date(2025, 9, 9, 15, 0, 0, 0, loc),
		},
		{
			name: "winter no range",
			text: "Akce začíná 24.12.2025 8:05",
			want: time.Date(2025, 12, 24, 8, 5, 0, 0, loc),
		},
		{
			name: "padded day and month",
			text: "01.02.2026 09:30",
			want: time.Date(2026, 2, 1, 9, 30, 0, 0, loc),
		},
		{
			name: "embedded in prose",
			text: "dobij kredit a 9.9.2025 15:00-18:00 dostaneš bonus",
			want: time.Date(2025, 9, 9, 15, 0, 0, 0, loc),
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.text, loc)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.text, err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("Parse(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestParseSummerTimeIsUTCOffset(t *testing.T) {
	t.Parallel()
	loc := prague(t)
	got, err := Parse("Dobíječka 9.9.2025 15:00 - 18:00", loc)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	want := time.Date(2025, 9, 9, 13, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got.UTC(), want)
	}
}

func TestParseTransitionBoundaries(t *testing.T) {
	t.Parallel()
	loc := prague(t)

	tests := []struct {
		name string
		text string
		want time.Time
	}{
		{
			// Clocks fall back 3:00 CEST -> 2:00 CET; 2:30 exists twice and
			// resolves to the standard-time occurrence.
			name: "ambiguous fall-back",
			text: "Dobíječka 26.10.2025 2:30 - 4:00",
			want: time.Date(2025, 10, 26, 1, 30, 0, 0, time.UTC),
		},
		{
			// Clocks jump 2:00 CET -> 3:00 CEST; 2:30 does not exist and
			// normalizes ahead to 3:30 CEST.
			name: "skipped spring-forward",
			text: "Dobíječka 30.3.2025 2:30 - 4:00",
			want: time.Date(2025, 3, 30, 1, 30, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.text, loc)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.text, err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("Parse(%q) = %v, want %v", tt.text, got.UTC(), tt.want)
			}
		})
	}
}

func TestParseNoTimestamp(t *testing.T) {
	t.Parallel()
	loc := prague(t)
	for _, text := range []string{
		"",
		"Kaktus akce bez data",
		"9.9.2025",      // date only
		"15:00 - 18:00", // time only
	} {
		if _, err := Parse(text, loc); !errors.Is(err, ErrNoTimestamp) {
			t.Fatalf("Parse(%q) err = %v, want ErrNoTimestamp", text, err)
		}
	}
}

func TestParseRejectsImpossibleDates(t *testing.T) {
	t.Parallel()
	loc := prague(t)
	for _, text := range []string{
		"32.1.2025 12:00",
		"1.13.2025 12:00",
		"1.1.2025 24:30",
		"1.1.2025 12:60",
		"31.2.2025 12:00", // normalizes to March, round trip rejects it
	} {
		if _, err := Parse(text, loc); !errors.Is(err, ErrNoTimestamp) {
			t.Fatalf("Parse(%q) err = %v, want ErrNoTimestamp", text, err)
		}
	}
}

func TestParseUsesFirstMatch(t *testing.T) {
	t.Parallel()
	loc := prague(t)
	got, err := Parse("1.3.2026 10:00 a potom 2.3.2026 11:00", loc)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	want := time.Date(2026, 3, 1, 10, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("got %v, want first occurrence %v", got, want)
	}
}
