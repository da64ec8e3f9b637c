package domain

import (
	"fmt"
	"strings"
	"time"
)

// StatsPeriod selects the reporting window for delivery statistics. Windows
// start at wall-clock boundaries, not rolling offsets.
type StatsPeriod string

const (
	PeriodHour  StatsPeriod = "HOUR"
	PeriodDay   StatsPeriod = "DAY"
	PeriodWeek  StatsPeriod = "WEEK"
	PeriodMonth StatsPeriod = "MONTH"
)

func (p StatsPeriod) String() string { return string(p) }

func (p StatsPeriod) IsValid() bool {
	switch p {
	case PeriodHour, PeriodDay, PeriodWeek, PeriodMonth:
		return true
	}
	return false
}

func ParseStatsPeriodFromString(s string) (StatsPeriod, error) {
	p := StatsPeriod(strings.ToUpper(strings.TrimSpace(s)))
	if !p.IsValid() {
		return "", fmt.Errorf("%w: invalid stats period %q", ErrValidation, s)
	}
	return p, nil
}

// WindowStart returns the wall-clock boundary the period starts at: top of
// the hour, midnight, Monday midnight, or the first of the month.
func (p StatsPeriod) WindowStart(now time.Time) time.Time {
	switch p {
	case PeriodHour:
		return now.Truncate(time.Hour)
	case PeriodDay:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	case PeriodWeek:
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		offset := (int(now.Weekday()) + 6) % 7 // days since Monday
		return midnight.AddDate(0, 0, -offset)
	case PeriodMonth:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	}
	return now
}

// ChannelStats is derived reporting data; it is always recomputable from the
// delivery records in the window and is cached only for performance.
type ChannelStats struct {
	Channel         Channel
	Period          StatsPeriod
	WindowStart     time.Time
	TotalSent       int
	TotalDelivered  int
	TotalFailed     int
	TotalBounced    int
	DeliveryRate    float64
	AvgDeliveryTime time.Duration
	RetryRate       float64
	CircuitTripped  bool
	ComputedAt      time.Time
}

// OverallStats aggregates delivery statistics across every channel.
type OverallStats struct {
	Period          StatsPeriod
	WindowStart     time.Time
	TotalSent       int
	TotalDelivered  int
	TotalFailed     int
	TotalBounced    int
	DeliveryRate    float64
	AvgDeliveryTime time.Duration
	RetryRate       float64
	Channels        []ChannelStats
	ComputedAt      time.Time
}
