// Package models defines the core domain entities: anomaly events, the
// per-sector view model, and curated (picked) entries.
package models

import (
	"errors"
	"strconv"
	"strings"
)

// Period is one of the two trading half-days.
type Period int

const (
	Morning Period = iota
	Afternoon
)

// Wire spellings of the two periods.
const (
	MorningLabel   = "上午"
	AfternoonLabel = "下午"
)

// Categories that count as limit-up.
const (
	CategorySealedLimitUp = "封涨停板"
	CategoryLimitUpOpened = "打开涨停板"
)

var limitUpCategories = map[string]bool{
	CategorySealedLimitUp: true,
	CategoryLimitUpOpened: true,
}

// IsLimitUp reports whether category is one of the limit-up categories.
func IsLimitUp(category string) bool {
	return limitUpCategories[category]
}

// ParsePeriod maps a wire label to a Period.
func ParsePeriod(s string) (Period, bool) {
	switch strings.TrimSpace(s) {
	case MorningLabel:
		return Morning, true
	case AfternoonLabel:
		return Afternoon, true
	}
	return Morning, false
}

// PeriodFromTime derives the half-day from an "HH:MM:SS" timestamp.
func PeriodFromTime(ts string) (Period, bool) {
	if len(ts) < 2 {
		return Morning, false
	}
	hour, err := strconv.Atoi(ts[:2])
	if err != nil {
		return Morning, false
	}
	if hour < 12 {
		return Morning, true
	}
	return Afternoon, true
}

// String returns the wire label.
func (p Period) String() string {
	if p == Afternoon {
		return AfternoonLabel
	}
	return MorningLabel
}

// MarshalText encodes the period with its wire label.
func (p Period) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a wire label.
func (p *Period) UnmarshalText(b []byte) error {
	v, ok := ParsePeriod(string(b))
	if !ok {
		return errors.New("unknown period: " + string(b))
	}
	*p = v
	return nil
}

// AnomalyEvent is one normalized stock anomaly from the stream.
// Value is the canonical decimal string of the rounded change, or "" when
// the wire value was not numeric.
type AnomalyEvent struct {
	Sector   string `json:"sector"`
	Time     string `json:"time"`
	Period   Period `json:"period"`
	Name     string `json:"name"`
	Code     string `json:"code"`
	Value    string `json:"value"`
	Category string `json:"category"`
	Sign     string `json:"sign,omitempty"`
	Info     string `json:"info,omitempty"`
}

// Validate checks the fields a record cannot be displayed without.
func (e *AnomalyEvent) Validate() error {
	if e.Sector == "" {
		return errors.New("sector name must not be empty")
	}
	if e.Time == "" {
		return errors.New("time must not be empty")
	}
	if e.Name == "" {
		return errors.New("stock name must not be empty")
	}
	if e.Code == "" {
		return errors.New("stock code must not be empty")
	}
	return nil
}

// Slot identifies a (time, period) pair within a trading day.
type Slot struct {
	Time   string `json:"time"`
	Period Period `json:"period"`
}

// After reports whether s sorts after o: time first, period second.
func (s Slot) After(o Slot) bool {
	if s.Time != o.Time {
		return s.Time > o.Time
	}
	return s.Period > o.Period
}
