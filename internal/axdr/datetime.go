package axdr

import "time"

// DateTimeLen is the wire size of a date-time value.
const DateTimeLen = 12

// Wildcard marks a date-time field as "any" in recurrence patterns; a
// value with every byte set to Wildcard means "not specified".
const Wildcard = 0xFF

// DateTime is the 12-byte wire representation of a calendar timestamp:
// year (2 bytes, big endian), month, day of month, day of week, hour,
// minute, second, hundredths, deviation (2 bytes), clock status.
type DateTime [DateTimeLen]byte

// NotSpecifiedDateTime returns the all-0xFF sentinel used when a time
// attribute has never been set.
func NotSpecifiedDateTime() DateTime {
	var dt DateTime
	for i := range dt {
		dt[i] = Wildcard
	}
	return dt
}

// DateTimeFrom converts a local time into its wire representation. The
// deviation and clock-status bytes are left "not specified".
func DateTimeFrom(t time.Time) DateTime {
	var dt DateTime
	year := t.Year()
	dt[0] = byte(year >> 8)
	dt[1] = byte(year)
	dt[2] = byte(t.Month())
	dt[3] = byte(t.Day())
	dt[4] = byte(isoWeekday(t))
	dt[5] = byte(t.Hour())
	dt[6] = byte(t.Minute())
	dt[7] = byte(t.Second())
	dt[8] = 0
	dt[9] = Wildcard
	dt[10] = Wildcard
	dt[11] = 0
	return dt
}

// isoWeekday maps Go's Sunday-first weekday onto the wire's 1=Monday scheme.
func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

// IsNotSpecified reports whether every date and time field carries the
// sentinel value.
func (dt DateTime) IsNotSpecified() bool {
	for i := 0; i < 9; i++ {
		if dt[i] != Wildcard {
			return false
		}
	}
	return true
}

// IsConcrete reports whether the value names a single point in time: no
// wildcards in the year, month, day, hour, minute, second or hundredths
// fields. The weekday and deviation fields may stay unspecified.
func (dt DateTime) IsConcrete() bool {
	if dt[0] == Wildcard && dt[1] == Wildcard {
		return false
	}
	for _, i := range []int{2, 3, 5, 6, 7, 8} {
		if dt[i] == Wildcard {
			return false
		}
	}
	return true
}

// Time converts a concrete value back into a local time. ok is false for
// the "not specified" sentinel and for values containing wildcards.
func (dt DateTime) Time() (time.Time, bool) {
	if !dt.IsConcrete() {
		return time.Time{}, false
	}
	year := int(dt[0])<<8 | int(dt[1])
	return time.Date(year, time.Month(dt[2]), int(dt[3]),
		int(dt[5]), int(dt[6]), int(dt[7]), 0, time.Local), true
}

// MatchesMinute compares the value against a moment at minute resolution.
// Wildcarded fields match anything, so a recurrence pattern such as
// "day 1, 00:00 of every month" fires once per month. The seconds field
// is ignored because the comparison is driven by a per-minute tick.
func (dt DateTime) MatchesMinute(t time.Time) bool {
	if dt.IsNotSpecified() {
		return false
	}
	if dt[0] != Wildcard || dt[1] != Wildcard {
		if int(dt[0])<<8|int(dt[1]) != t.Year() {
			return false
		}
	}
	if dt[2] != Wildcard && int(dt[2]) != int(t.Month()) {
		return false
	}
	if dt[3] != Wildcard && int(dt[3]) != t.Day() {
		return false
	}
	if dt[4] != Wildcard && int(dt[4]) != isoWeekday(t) {
		return false
	}
	if dt[5] != Wildcard && int(dt[5]) != t.Hour() {
		return false
	}
	if dt[6] != Wildcard && int(dt[6]) != t.Minute() {
		return false
	}
	return true
}

// Before reports whether a concrete value lies at or before the given
// moment. Non-concrete values never compare.
func (dt DateTime) Before(t time.Time) bool {
	v, ok := dt.Time()
	if !ok {
		return false
	}
	return !v.After(t)
}
