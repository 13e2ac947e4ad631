// Package tradingday buckets times onto the US trading calendar.
// The trading date and market-hours checks are pinned to US Eastern
// regardless of the display timezone used by snapshots.
package tradingday

import (
	"fmt"
	"time"
)

// Eastern is the exchange timezone. The IANA zone carries the DST
// transitions; the fixed-offset fallback only applies on hosts with
// no tzdata.
var Eastern = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.FixedZone("EST", -5*3600)
	}
	return loc
}()

// Regular session hours in Eastern time.
const (
	OpenHour    = 9
	OpenMinute  = 30
	CloseHour   = 16
	CloseMinute = 0
)

// TradeDate returns the trading-date bucket (YYYY-MM-DD) for t.
func TradeDate(t time.Time) string {
	return t.In(Eastern).Format("2006-01-02")
}

// IsWeekday returns true if t is Mon–Fri in Eastern time.
func IsWeekday(t time.Time) bool {
	wd := t.In(Eastern).Weekday()
	return wd >= time.Monday && wd <= time.Friday
}

// IsTradingDay returns true if t is a weekday and not a holiday.
func IsTradingDay(t time.Time) bool {
	return IsWeekday(t) && !IsHoliday(t)
}

// IsMarketOpen returns true if t falls within the regular session
// (9:30 AM – 4:00 PM ET, Mon–Fri, excluding holidays).
func IsMarketOpen(t time.Time) bool {
	if !IsTradingDay(t) {
		return false
	}
	et := t.In(Eastern)
	hm := et.Hour()*60 + et.Minute()
	return hm >= OpenHour*60+OpenMinute && hm < CloseHour*60+CloseMinute
}

// NextOpen returns the next regular-session open at or after t.
func NextOpen(t time.Time) time.Time {
	et := t.In(Eastern)

	todayOpen := time.Date(et.Year(), et.Month(), et.Day(), OpenHour, OpenMinute, 0, 0, Eastern)
	if et.Before(todayOpen) && IsTradingDay(et) {
		return todayOpen
	}

	d := et.AddDate(0, 0, 1)
	for i := 0; i < 10; i++ {
		if IsTradingDay(d) {
			return time.Date(d.Year(), d.Month(), d.Day(), OpenHour, OpenMinute, 0, 0, Eastern)
		}
		d = d.AddDate(0, 0, 1)
	}
	return time.Date(et.Year(), et.Month(), et.Day()+1, OpenHour, OpenMinute, 0, 0, Eastern)
}

// StatusString returns a human-readable market status for health
// reporting.
func StatusString(t time.Time) string {
	if IsMarketOpen(t) {
		return "market open"
	}
	next := NextOpen(t)
	return fmt.Sprintf("market closed, next open %s ET", next.Format("Mon 15:04"))
}
