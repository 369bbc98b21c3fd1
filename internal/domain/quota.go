package domain

import "time"

const dayLayout = "2006-01-02"

// QuotaRecord is the persisted send count for one user on one calendar day.
type QuotaRecord struct {
	UserID string
	Date   string
	Count  int
}

// DayKey formats t as the calendar date used to key quota records.
// A nil location means UTC.
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(dayLayout)
}
