// Package timeseries resamples sparse balance series onto a shared grid so
// several accounts can be charted together.
package timeseries

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Point is one observation.
type Point struct {
	Time  time.Time
	Value decimal.Decimal
}

// Series is the ordered observations of one account.
type Series struct {
	AccountID string
	Points    []Point
}

const day = 24 * time.Hour

// Step picks the grid spacing for a span: hourly up to 45 days, daily up to a
// year, weekly up to five years, else 30 days.
func Step(span time.Duration) time.Duration {
	switch {
	case span <= 45*day:
		return time.Hour
	case span <= 365*day:
		return day
	case span <= 5*365*day:
		return 7 * day
	default:
		return 30 * day
	}
}

// Grid returns start, start+step, ... up to and including end.
func Grid(start, end time.Time, step time.Duration) []time.Time {
	if step <= 0 || end.Before(start) {
		return nil
	}
	var out []time.Time
	for t := start; !t.After(end); t = t.Add(step) {
		out = append(out, t)
	}
	return out
}

// Sort orders points by time, keeping the input order of equal times.
func Sort(points []Point) {
	sort.SliceStable(points, func(i, j int) bool { return points[i].Time.Before(points[j].Time) })
}

// Interpolate evaluates the piecewise-linear function through points at each
// grid time. Times before the first point take its value, times after the
// last take the last value. points must be sorted.
func Interpolate(points []Point, grid []time.Time) []Point {
	if len(points) == 0 {
		return nil
	}
	out := make([]Point, 0, len(grid))
	i := 0
	for _, t := range grid {
		for i < len(points)-1 && points[i+1].Time.Before(t) {
			i++
		}
		prev := points[i]
		next := points[min(i+1, len(points)-1)]

		var v decimal.Decimal
		switch {
		case !t.After(prev.Time) || prev.Time.Equal(next.Time):
			v = prev.Value
		case !t.Before(next.Time):
			v = next.Value
		default:
			elapsed := decimal.NewFromInt(int64(t.Sub(prev.Time) / time.Second))
			span := decimal.NewFromInt(int64(next.Time.Sub(prev.Time) / time.Second))
			v = prev.Value.Add(next.Value.Sub(prev.Value).Mul(elapsed).DivRound(span, 12))
		}
		out = append(out, Point{Time: t, Value: v})
	}
	return out
}

// Normalize resamples every series onto one grid spanning all of them. The
// grid step follows Step of the overall span.
func Normalize(all []Series) []Series {
	var start, end time.Time
	for _, s := range all {
		for _, p := range s.Points {
			if start.IsZero() || p.Time.Before(start) {
				start = p.Time
			}
			if end.IsZero() || p.Time.After(end) {
				end = p.Time
			}
		}
	}
	if start.IsZero() {
		return nil
	}
	grid := Grid(start, end, Step(end.Sub(start)))
	out := make([]Series, 0, len(all))
	for _, s := range all {
		pts := append([]Point(nil), s.Points...)
		Sort(pts)
		out = append(out, Series{AccountID: s.AccountID, Points: Interpolate(pts, grid)})
	}
	return out
}
