package daterange

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidRange = errors.New("daterange: return must be after departure")
	ErrInvalidDate  = errors.New("daterange: unrecognised date")
)

var layouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Trip is the half-open interval [Departure, Return) of a round trip.
type Trip struct {
	Departure time.Time
	Return    time.Time
}

// Parse reads the form's departure and return timestamps.
func Parse(departure, ret string) (Trip, error) {
	dep, err := parseTime(departure)
	if err != nil {
		return Trip{}, err
	}
	back, err := parseTime(ret)
	if err != nil {
		return Trip{}, err
	}
	return New(dep, back)
}

func New(departure, ret time.Time) (Trip, error) {
	t := Trip{Departure: departure.UTC(), Return: ret.UTC()}
	if err := t.Validate(); err != nil {
		return Trip{}, err
	}
	return t, nil
}

func (t Trip) Validate() error {
	if t.Departure.IsZero() || t.Return.IsZero() {
		return ErrInvalidRange
	}
	if !t.Return.After(t.Departure) {
		return ErrInvalidRange
	}
	return nil
}

// Days counts started calendar days away, at least one.
func (t Trip) Days() int {
	d := int(t.Return.Sub(t.Departure).Hours() / 24)
	if d < 1 {
		return 1
	}
	return d
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, raw)
}
