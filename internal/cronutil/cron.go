// Package cronutil wraps robfig/cron/v3 for the Manifest Manager's "is a
// Cron manifest due" computation and an interval-to-cron display
// approximation.
package cronutil

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Schedule wraps a parsed cron expression.
type Schedule struct {
	expr  string
	sched cron.Schedule
}

// Parse parses a standard five-field cron expression.
func Parse(expr string) (*Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("cronutil: parse %q: %w", expr, err)
	}
	return &Schedule{expr: expr, sched: s}, nil
}

// Next returns the next fire time strictly after from.
func (s *Schedule) Next(from time.Time) time.Time {
	return s.sched.Next(from)
}

// IsDue reports whether the schedule's first fire time at or after
// lastChecked (to the second) is <= now, i.e. whether a tick should consider
// this cron manifest due. A fire time exactly at lastChecked counts.
func (s *Schedule) IsDue(lastChecked, now time.Time) bool {
	return !s.Next(lastChecked.Add(-time.Second)).After(now)
}

// String returns the original expression.
func (s *Schedule) String() string { return s.expr }

// ApproximateFromInterval renders an IntervalSeconds cadence as a display
// cron string, rounding to the nearest divisor of 60 minutes. Intervals
// under a minute collapse to "every minute"; this is display-only and is
// never used to compute due-ness for Interval-type manifests (those use
// IntervalSeconds directly).
func ApproximateFromInterval(intervalSeconds int64) string {
	minutes := intervalSeconds / 60
	if minutes < 1 {
		return "* * * * *"
	}
	divisor := nearestDivisorOf60(minutes)
	if divisor == 60 {
		return "0 * * * *"
	}
	if divisor == 1 {
		return "* * * * *"
	}
	return fmt.Sprintf("*/%d * * * *", divisor)
}

var divisorsOf60 = []int64{1, 2, 3, 4, 5, 6, 10, 12, 15, 20, 30, 60}

func nearestDivisorOf60(minutes int64) int64 {
	best := divisorsOf60[0]
	bestDiff := abs64(minutes - best)
	for _, d := range divisorsOf60[1:] {
		if diff := abs64(minutes - d); diff < bestDiff {
			best, bestDiff = d, diff
		}
	}
	return best
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
