// Package crontime computes UTC trigger instants for cron expressions
// evaluated in an IANA time zone.
//
// Expressions are standard 5-field cron (minute hour dom month dow),
// validated by robfig/cron's parser. Occurrence math is done here on the
// wall clock of the schedule's zone, because naive zone arithmetic drifts
// by the DST offset twice a year. Resolution policy for transitions:
//   - nonexistent wall time (clocks jumped forward): the occurrence is the
//     first valid instant at or after the nominal time
//   - ambiguous wall time (clocks fell back): the occurrence is the earlier
//     of the two instants
package crontime

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrInvalidCron           = errors.New("invalid cron expression")
	ErrUnknownTimeZone       = errors.New("unknown time zone")
	ErrNoOccurrenceInHorizon = errors.New("no occurrence within horizon")
)

// DefaultHorizon bounds how far ahead Next searches before giving up on
// expressions that never fire (e.g. "0 0 31 2 *").
const DefaultHorizon = 2 * 366 * 24 * time.Hour

// gapScanMinutes bounds the forward scan across a spring-forward gap.
// Real zones jump by at most a few hours.
const gapScanMinutes = 6 * 60

// starBit marks a field that was written as "*" in the expression.
// Mirrors robfig/cron's internal convention; needed for the standard
// dom/dow union rule.
const starBit uint64 = 1 << 63

// Strict 5-field parser: no seconds, no @descriptors.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Expr is a compiled cron expression. The zero value matches nothing.
type Expr struct {
	minute, hour, dom, month, dow uint64
	src                           string
}

// Compile parses and validates a 5-field cron expression.
func Compile(expr string) (Expr, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return Expr{}, fmt.Errorf("%w: empty expression", ErrInvalidCron)
	}
	// The zone always comes from the schedule, never from the expression.
	if strings.HasPrefix(s, "TZ=") || strings.HasPrefix(s, "CRON_TZ=") {
		return Expr{}, fmt.Errorf("%w: inline timezone prefix not allowed", ErrInvalidCron)
	}
	sched, err := parser.Parse(s)
	if err != nil {
		return Expr{}, fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	ss, ok := sched.(*cron.SpecSchedule)
	if !ok {
		return Expr{}, fmt.Errorf("%w: %q", ErrInvalidCron, expr)
	}
	return Expr{
		minute: ss.Minute,
		hour:   ss.Hour,
		dom:    ss.Dom,
		month:  ss.Month,
		dow:    ss.Dow,
		src:    s,
	}, nil
}

func (x Expr) String() string { return x.src }

// LoadZone resolves an IANA zone name.
func LoadZone(tz string) (*time.Location, error) {
	name := strings.TrimSpace(tz)
	if name == "" {
		return nil, fmt.Errorf("%w: empty zone name", ErrUnknownTimeZone)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTimeZone, name)
	}
	return loc, nil
}

// Validate checks an expression/zone pair without computing anything.
func Validate(expr, tz string) error {
	if _, err := Compile(expr); err != nil {
		return err
	}
	_, err := LoadZone(tz)
	return err
}

// Next returns the first occurrence of expr (evaluated in tz) strictly
// after fromUTC, as a UTC instant. Pure: no clock access.
func Next(expr, tz string, fromUTC time.Time) (time.Time, error) {
	x, err := Compile(expr)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := LoadZone(tz)
	if err != nil {
		return time.Time{}, err
	}
	return x.Next(loc, fromUTC)
}

// Next returns the first occurrence strictly after fromUTC within
// DefaultHorizon.
func (x Expr) Next(loc *time.Location, fromUTC time.Time) (time.Time, error) {
	return x.NextWithin(loc, fromUTC, DefaultHorizon)
}

// NextWithin is Next with an explicit lookahead bound.
func (x Expr) NextWithin(loc *time.Location, fromUTC time.Time, horizon time.Duration) (time.Time, error) {
	if loc == nil {
		return time.Time{}, fmt.Errorf("%w: nil location", ErrUnknownTimeZone)
	}
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	from := fromUTC.UTC()

	// Walk wall-clock fields as plain integers; time.Date in a real zone
	// silently normalizes nonexistent times, which would hide the gap.
	start := from.In(loc).Truncate(time.Minute).Add(time.Minute)
	y, mo, d, h, mi := start.Year(), int(start.Month()), start.Day(), start.Hour(), start.Minute()

	limit := wallAsUTC(y, mo, d, h, mi).Add(horizon)

	for {
		if wallAsUTC(y, mo, d, h, mi).After(limit) {
			return time.Time{}, fmt.Errorf("%w: %q in %s", ErrNoOccurrenceInHorizon, x.src, loc)
		}

		if x.month&(1<<uint(mo)) == 0 {
			mo, d, h, mi = mo+1, 1, 0, 0
			if mo > 12 {
				mo, y = 1, y+1
			}
			continue
		}
		if !x.dayMatches(y, mo, d) {
			d, h, mi = d+1, 0, 0
			if d > daysIn(y, mo) {
				d = 1
				mo++
				if mo > 12 {
					mo, y = 1, y+1
				}
			}
			continue
		}
		if x.hour&(1<<uint(h)) == 0 {
			h, mi = h+1, 0
			if h > 23 {
				y, mo, d, h, mi = addWallMinutes(y, mo, d, 23, 59, 1)
			}
			continue
		}
		if x.minute&(1<<uint(mi)) == 0 {
			y, mo, d, h, mi = addWallMinutes(y, mo, d, h, mi, 1)
			continue
		}

		// Fields match. Resolve the wall tuple to an instant under the
		// transition policy; during a fall-back hour the earlier instant
		// may be <= from, in which case that occurrence already happened.
		if inst, ok := resolve(loc, y, mo, d, h, mi); ok && inst.After(from) {
			return inst, nil
		}
		y, mo, d, h, mi = addWallMinutes(y, mo, d, h, mi, 1)
	}
}

// dayMatches applies the standard cron dom/dow rule: when both fields are
// restricted the day matches either; when one is "*" the other constrains.
func (x Expr) dayMatches(y, mo, d int) bool {
	domOK := x.dom&(1<<uint(d)) != 0
	dowOK := x.dow&(1<<uint(weekday(y, mo, d))) != 0
	if x.dom&starBit != 0 || x.dow&starBit != 0 {
		return domOK && dowOK
	}
	return domOK || dowOK
}

func weekday(y, mo, d int) time.Weekday {
	return time.Date(y, time.Month(mo), d, 12, 0, 0, 0, time.UTC).Weekday()
}

func daysIn(y, mo int) int {
	// Day 0 of the next month is the last day of this one.
	return time.Date(y, time.Month(mo)+1, 0, 12, 0, 0, 0, time.UTC).Day()
}

func wallAsUTC(y, mo, d, h, mi int) time.Time {
	return time.Date(y, time.Month(mo), d, h, mi, 0, 0, time.UTC)
}

// addWallMinutes advances a wall tuple by k minutes with exact rollover.
// Done in UTC where time.Date never normalizes across transitions.
func addWallMinutes(y, mo, d, h, mi, k int) (int, int, int, int, int) {
	t := wallAsUTC(y, mo, d, h, mi).Add(time.Duration(k) * time.Minute)
	return t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute()
}

// resolve maps a wall tuple in loc to a single UTC instant.
// Ambiguous tuples (fall-back) yield the earlier instant. Nonexistent
// tuples (spring-forward) yield the first valid instant after the gap.
func resolve(loc *time.Location, y, mo, d, h, mi int) (time.Time, bool) {
	if inst, ok := instantFor(loc, y, mo, d, h, mi); ok {
		return inst, true
	}
	for k := 1; k <= gapScanMinutes; k++ {
		y2, mo2, d2, h2, mi2 := addWallMinutes(y, mo, d, h, mi, k)
		if inst, ok := instantFor(loc, y2, mo2, d2, h2, mi2); ok {
			return inst, true
		}
	}
	return time.Time{}, false
}

// instantFor finds the instants whose wall clock in loc equals the tuple,
// by probing the zone offsets in effect around it. Returns the earliest
// match; ok=false means the tuple does not exist (gap).
func instantFor(loc *time.Location, y, mo, d, h, mi int) (time.Time, bool) {
	wall := wallAsUTC(y, mo, d, h, mi)

	// Real offsets span UTC-12..UTC+14, so probing 14h on both sides sees
	// every offset in effect near the tuple.
	var offs []int
	for _, p := range [...]time.Duration{-14 * time.Hour, 0, 14 * time.Hour} {
		_, off := wall.Add(p).In(loc).Zone()
		dup := false
		for _, o := range offs {
			if o == off {
				dup = true
				break
			}
		}
		if !dup {
			offs = append(offs, off)
		}
	}

	var best time.Time
	found := false
	for _, off := range offs {
		cand := wall.Add(-time.Duration(off) * time.Second)
		w := cand.In(loc)
		if w.Year() == y && int(w.Month()) == mo && w.Day() == d && w.Hour() == h && w.Minute() == mi {
			if !found || cand.Before(best) {
				best = cand
				found = true
			}
		}
	}
	return best, found
}
