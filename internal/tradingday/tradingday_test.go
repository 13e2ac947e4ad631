package tradingday

import (
	"testing"
	"time"
)

func TestTradeDateUsesEastern(t *testing.T) {
	// 2026-03-03 01:00 UTC is still 2026-03-02 in New York.
	utc := time.Date(2026, 3, 3, 1, 0, 0, 0, time.UTC)
	if got := TradeDate(utc); got != "2026-03-02" {
		t.Errorf("trade date = %s, want 2026-03-02", got)
	}
	// Midday UTC maps to the same calendar day.
	utc = time.Date(2026, 3, 3, 18, 0, 0, 0, time.UTC)
	if got := TradeDate(utc); got != "2026-03-03" {
		t.Errorf("trade date = %s, want 2026-03-03", got)
	}
}

func TestIsMarketOpen(t *testing.T) {
	cases := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"mid session Tuesday", time.Date(2026, 3, 3, 12, 0, 0, 0, Eastern), true},
		{"before open", time.Date(2026, 3, 3, 9, 29, 0, 0, Eastern), false},
		{"at open", time.Date(2026, 3, 3, 9, 30, 0, 0, Eastern), true},
		{"at close", time.Date(2026, 3, 3, 16, 0, 0, 0, Eastern), false},
		{"saturday", time.Date(2026, 3, 7, 12, 0, 0, 0, Eastern), false},
		{"good friday", time.Date(2026, 4, 3, 12, 0, 0, 0, Eastern), false},
		{"christmas", time.Date(2026, 12, 25, 12, 0, 0, 0, Eastern), false},
	}
	for _, tc := range cases {
		if got := IsMarketOpen(tc.t); got != tc.want {
			t.Errorf("%s: IsMarketOpen = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestStatusString(t *testing.T) {
	open := time.Date(2026, 3, 3, 12, 0, 0, 0, Eastern)
	if got := StatusString(open); got != "market open" {
		t.Errorf("open status = %q, want 'market open'", got)
	}

	closed := time.Date(2026, 3, 6, 17, 0, 0, 0, Eastern)
	got := StatusString(closed)
	if got != "market closed, next open Mon 09:30 ET" {
		t.Errorf("closed status = %q, want 'market closed, next open Mon 09:30 ET'", got)
	}
	for _, r := range got {
		if r > 127 {
			t.Errorf("status contains non-ASCII rune %q", r)
		}
	}
}

func TestNextOpenSkipsWeekend(t *testing.T) {
	// Friday after close rolls to Monday 9:30.
	friday := time.Date(2026, 3, 6, 17, 0, 0, 0, Eastern)
	next := NextOpen(friday)
	want := time.Date(2026, 3, 9, 9, 30, 0, 0, Eastern)
	if !next.Equal(want) {
		t.Errorf("next open = %v, want %v", next, want)
	}
}
