package types

import (
	"fmt"
	"time"
)

// DayLayout is the textual layout of a Day.
const DayLayout = "2006-01-02"

// Day is a calendar date in the dataset timezone, formatted as YYYY-MM-DD.
// The textual form sorts chronologically.
type Day string

// DayOf returns the calendar day of t in loc.
func DayOf(t time.Time, loc *time.Location) Day {
	return Day(t.In(loc).Format(DayLayout))
}

// ParseDay validates s and returns it as a Day.
func ParseDay(s string) (Day, error) {
	t, err := time.Parse(DayLayout, s)
	if err != nil {
		return "", fmt.Errorf("parse day %q: %w", s, err)
	}
	return Day(t.Format(DayLayout)), nil
}

// Time returns midnight UTC of the day. Invalid days yield the zero time.
func (d Day) Time() time.Time {
	t, _ := time.Parse(DayLayout, string(d))
	return t
}

// Next returns the following calendar day.
func (d Day) Next() Day {
	return Day(d.Time().AddDate(0, 0, 1).Format(DayLayout))
}

// Weekday returns the day of the week.
func (d Day) Weekday() time.Weekday {
	return d.Time().Weekday()
}

// DaysBetween lists every day from start to end inclusive. It returns nil
// when end precedes start.
func DaysBetween(start, end Day) []Day {
	if end < start {
		return nil
	}
	var days []Day
	for d := start; d <= end; d = d.Next() {
		days = append(days, d)
	}
	return days
}

// EntityDay is the aggregation unit: one user on one calendar day.
type EntityDay struct {
	User string `json:"user"`
	Day  Day    `json:"day"`
}

func (k EntityDay) String() string {
	return k.User + "@" + string(k.Day)
}

// Less orders entity-days by user, then chronologically.
func (k EntityDay) Less(o EntityDay) bool {
	if k.User != o.User {
		return k.User < o.User
	}
	return k.Day < o.Day
}

// FeatureSchema names the columns of every FeatureVector in a table.
type FeatureSchema struct {
	Version string   `json:"version" yaml:"version"`
	Names   []string `json:"names" yaml:"names"`
}

// Index returns the position of name in the schema, or -1.
func (s FeatureSchema) Index(name string) int {
	for i, n := range s.Names {
		if n == name {
			return i
		}
	}
	return -1
}

// Value returns the named feature of v, or 0 when the schema has no such column.
func (s FeatureSchema) Value(v FeatureVector, name string) float64 {
	i := s.Index(name)
	if i < 0 || i >= len(v.Values) {
		return 0
	}
	return v.Values[i]
}

// FeatureVector holds the aggregated features of one entity-day.
type FeatureVector struct {
	User   string    `json:"user"`
	Day    Day       `json:"day"`
	Role   string    `json:"role,omitempty"`
	Values []float64 `json:"values"`
}

// Key returns the entity-day the vector describes.
func (v FeatureVector) Key() EntityDay {
	return EntityDay{User: v.User, Day: v.Day}
}

// FeatureTable is the output of the feature builder: a schema plus one
// vector per entity-day, ordered by user then day.
type FeatureTable struct {
	Schema  FeatureSchema
	Vectors []FeatureVector
}
