package definition

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/senseyeio/duration"
)

// TimerKind identifies the dialect of a timer event definition.
type TimerKind string

const (
	// TimerDate fires once at an absolute RFC 3339 instant.
	TimerDate TimerKind = "date"
	// TimerDuration fires once after an ISO-8601 duration.
	TimerDuration TimerKind = "duration"
	// TimerCycle fires repeatedly at an ISO-8601 interval, bounded
	// (R<n>/<duration>) or unbounded (R/<duration>).
	TimerCycle TimerKind = "cycle"
	// TimerCron fires on a standard 5-field cron schedule, unbounded.
	TimerCron TimerKind = "cron"
)

// Unbounded marks a schedule with no repetition limit.
const Unbounded = -1

type (
	// TimerDefinition is the authored form of a timer event. Exactly one
	// field must be set; Compile rejects everything else at deploy time.
	TimerDefinition struct {
		// Date is an RFC 3339 instant, e.g. "2026-03-01T09:00:00Z".
		Date string
		// Duration is an ISO-8601 duration, e.g. "PT5M".
		Duration string
		// Cycle is "R<n>/<ISO-8601 duration>" or "R/<ISO-8601 duration>".
		Cycle string
		// Cron is a standard 5-field cron expression, e.g. "*/10 * * * *".
		Cron string

		schedule *Schedule
	}

	// Schedule is the compiled form of a timer definition.
	Schedule struct {
		kind    TimerKind
		at      time.Time
		step    duration.Duration
		repeats int
		cron    cron.Schedule
	}
)

// Compile parses the timer definition into a Schedule. It is idempotent and
// called by Validate for every timer in a definition.
func (t *TimerDefinition) Compile() error {
	if t.schedule != nil {
		return nil
	}
	set := 0
	for _, v := range []string{t.Date, t.Duration, t.Cycle, t.Cron} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return errors.New("timer requires exactly one of date, duration, cycle or cron")
	}
	switch {
	case t.Date != "":
		at, err := time.Parse(time.RFC3339, t.Date)
		if err != nil {
			return fmt.Errorf("invalid timer date %q: %w", t.Date, err)
		}
		t.schedule = &Schedule{kind: TimerDate, at: at.UTC(), repeats: 1}
	case t.Duration != "":
		d, err := duration.ParseISO8601(t.Duration)
		if err != nil {
			return fmt.Errorf("invalid timer duration %q: %w", t.Duration, err)
		}
		t.schedule = &Schedule{kind: TimerDuration, step: d, repeats: 1}
	case t.Cycle != "":
		reps, d, err := parseCycle(t.Cycle)
		if err != nil {
			return err
		}
		t.schedule = &Schedule{kind: TimerCycle, step: d, repeats: reps}
	default:
		sched, err := cron.ParseStandard(t.Cron)
		if err != nil {
			return fmt.Errorf("invalid timer cron %q: %w", t.Cron, err)
		}
		t.schedule = &Schedule{kind: TimerCron, cron: sched, repeats: Unbounded}
	}
	return nil
}

// Schedule returns the compiled schedule, or nil before Compile.
func (t *TimerDefinition) Schedule() *Schedule {
	return t.schedule
}

// parseCycle splits "R<n>/<duration>" into its repetition count and step.
func parseCycle(cycle string) (int, duration.Duration, error) {
	head, tail, ok := strings.Cut(cycle, "/")
	if !ok || !strings.HasPrefix(head, "R") {
		return 0, duration.Duration{}, fmt.Errorf("invalid timer cycle %q: want R<n>/<duration>", cycle)
	}
	reps := Unbounded
	if digits := head[1:]; digits != "" {
		n, err := strconv.Atoi(digits)
		if err != nil || n < 1 {
			return 0, duration.Duration{}, fmt.Errorf("invalid timer cycle repetitions in %q", cycle)
		}
		reps = n
	}
	d, err := duration.ParseISO8601(tail)
	if err != nil {
		return 0, duration.Duration{}, fmt.Errorf("invalid timer cycle duration in %q: %w", cycle, err)
	}
	return reps, d, nil
}

// Kind returns the timer dialect.
func (s *Schedule) Kind() TimerKind {
	return s.kind
}

// Repeats returns the total number of firings, or Unbounded.
func (s *Schedule) Repeats() int {
	return s.repeats
}

// FirstDue returns the first instant at or after which the timer fires.
func (s *Schedule) FirstDue(now time.Time) time.Time {
	switch s.kind {
	case TimerDate:
		return s.at
	case TimerDuration, TimerCycle:
		return s.step.Shift(now.UTC())
	default:
		return s.cron.Next(now.UTC())
	}
}

// NextDue returns the due instant following a firing at prev. The zero time
// means the schedule does not repeat.
func (s *Schedule) NextDue(prev time.Time) time.Time {
	switch s.kind {
	case TimerCycle:
		return s.step.Shift(prev.UTC())
	case TimerCron:
		return s.cron.Next(prev.UTC())
	default:
		return time.Time{}
	}
}
