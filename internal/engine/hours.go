package engine

import "time"

// KST is the exchange timezone (UTC+9, no DST).
var kst = time.FixedZone("KST", 9*60*60)

// Regular trading hours of the Korea Exchange, in minutes since midnight.
// Both bounds are inclusive.
const (
	marketOpenMinute  = 9 * 60
	marketCloseMinute = 15*60 + 30
)

// marketSession reports whether the market is open at the given instant.
// When closed it also returns the reason ("weekend", "before_open",
// "after_close") and a human-readable hint for the next open.
func marketSession(now time.Time) (open bool, reason, nextOpen string) {
	t := now.In(kst)

	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false, "weekend", "월요일 09:00"
	}

	minute := t.Hour()*60 + t.Minute()
	switch {
	case minute < marketOpenMinute:
		return false, "before_open", "오늘 09:00"
	case minute > marketCloseMinute:
		return false, "after_close", "내일 09:00"
	}
	return true, "", ""
}
