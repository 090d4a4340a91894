package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/craftvisor/internal/store"
)

// Trigger says when a task fires. It is one of Cron, EveryHours,
// EveryMinutes, EveryDaysAt or Reaction.
type Trigger interface {
	Kind() string
}

// Cron fires on a standard cron expression with an optional seconds field.
type Cron struct{ Expr string }

type EveryHours struct{ N int }

type EveryMinutes struct{ N int }

// EveryDaysAt fires at Hour:Minute every N days, counted from Anchor's date.
type EveryDaysAt struct {
	N            int
	Hour, Minute int
	Anchor       time.Time
}

// Reaction never fires on its own; it runs after its parent.
type Reaction struct{}

func (Cron) Kind() string         { return store.IntervalCron }
func (EveryHours) Kind() string   { return store.IntervalHours }
func (EveryMinutes) Kind() string { return store.IntervalMinutes }
func (EveryDaysAt) Kind() string  { return store.IntervalDays }
func (Reaction) Kind() string     { return store.IntervalReaction }

// Parser accepts 5 or 6 field expressions and descriptors such as @daily.
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// TriggerOf translates a persisted row into its trigger.
func TriggerOf(s store.Schedule) (Trigger, error) {
	switch s.IntervalType {
	case store.IntervalCron:
		if s.CronExpression == "" {
			return nil, fmt.Errorf("cron schedule without expression")
		}
		return Cron{Expr: s.CronExpression}, nil
	case store.IntervalHours:
		if s.Interval <= 0 {
			return nil, fmt.Errorf("interval must be > 0, got %d", s.Interval)
		}
		return EveryHours{N: s.Interval}, nil
	case store.IntervalMinutes:
		if s.Interval <= 0 {
			return nil, fmt.Errorf("interval must be > 0, got %d", s.Interval)
		}
		return EveryMinutes{N: s.Interval}, nil
	case store.IntervalDays:
		if s.Interval <= 0 {
			return nil, fmt.Errorf("interval must be > 0, got %d", s.Interval)
		}
		return EveryDaysAt{N: s.Interval, Hour: s.StartTime.Hour(), Minute: s.StartTime.Minute(), Anchor: s.StartTime}, nil
	case store.IntervalReaction:
		return Reaction{}, nil
	}
	return nil, fmt.Errorf("unknown interval type %q", s.IntervalType)
}

// engineSchedule builds the cron schedule for t. now anchors EveryDaysAt
// when the task has no start time.
func engineSchedule(t Trigger, now time.Time) (cron.Schedule, error) {
	switch v := t.(type) {
	case Cron:
		return Parser.Parse(v.Expr)
	case EveryHours:
		return cron.Every(time.Duration(v.N) * time.Hour), nil
	case EveryMinutes:
		return cron.Every(time.Duration(v.N) * time.Minute), nil
	case EveryDaysAt:
		anchor := v.Anchor
		if anchor.IsZero() {
			anchor = now
		}
		y, m, d := anchor.Date()
		return daysAt{
			every: v.N,
			first: time.Date(y, m, d, v.Hour, v.Minute, 0, 0, anchor.Location()),
		}, nil
	case Reaction:
		return nil, fmt.Errorf("reaction tasks have no schedule")
	}
	return nil, fmt.Errorf("unsupported trigger %T", t)
}

// daysAt fires at first and then every `every` calendar days.
type daysAt struct {
	every int
	first time.Time
}

func (s daysAt) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	days := int(t.Sub(s.first).Hours() / 24)
	next := s.first.AddDate(0, 0, days-days%s.every)
	for !next.After(t) {
		next = next.AddDate(0, 0, s.every)
	}
	return next
}

// onceAt fires a single time at `at`, or right away if `at` already passed
// when the engine first asks.
type onceAt struct {
	at   time.Time
	used bool
}

func (s *onceAt) Next(t time.Time) time.Time {
	if s.used {
		return time.Time{}
	}
	s.used = true
	if s.at.Before(t) {
		return t
	}
	return s.at
}
