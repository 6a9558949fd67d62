package timestamp

import "time"

// Truncation produces the canonical bucket key for time-bucketed
// aggregation. Each function maps every instant inside a bucket to the
// bucket's opening instant, so grouping by the truncated value groups by
// bucket. All truncation is performed in UTC.

// TruncateMinute truncates a timestamp to the start of its minute.
func TruncateMinute(ms int64) int64 {
	if ms == 0 {
		return 0
	}
	t := time.UnixMilli(ms).UTC()
	return t.Truncate(time.Minute).UnixMilli()
}

// TruncateHour truncates a timestamp to the start of its hour.
func TruncateHour(ms int64) int64 {
	if ms == 0 {
		return 0
	}
	t := time.UnixMilli(ms).UTC()
	return t.Truncate(time.Hour).UnixMilli()
}

// TruncateDay truncates a timestamp to midnight UTC of its calendar day.
func TruncateDay(ms int64) int64 {
	if ms == 0 {
		return 0
	}
	t := time.UnixMilli(ms).UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).UnixMilli()
}

// TruncateMonth truncates a timestamp to the first day of its calendar month.
func TruncateMonth(ms int64) int64 {
	if ms == 0 {
		return 0
	}
	t := time.UnixMilli(ms).UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).UnixMilli()
}

// TruncateSecond truncates a timestamp to the start of its second.
func TruncateSecond(ms int64) int64 {
	if ms == 0 {
		return 0
	}
	t := time.UnixMilli(ms).UTC()
	return t.Truncate(time.Second).UnixMilli()
}
