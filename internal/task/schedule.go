package task

import (
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule decides when a recurring task runs next.
type Schedule interface {
	Next(after time.Time) time.Time
}

// FixedDelay runs d after the previous completion.
func FixedDelay(d time.Duration) Schedule { return fixedDelay{d} }

type fixedDelay struct{ d time.Duration }

func (f fixedDelay) Next(after time.Time) time.Time { return after.Add(f.d) }

// Cron parses a standard 5-field cron expression into a Schedule.
func Cron(expr string) (Schedule, error) {
	s, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, err
	}
	return cronSchedule{s}, nil
}

// MustCron is Cron for statically known expressions; panics on a bad one.
func MustCron(expr string) Schedule {
	s, err := Cron(expr)
	if err != nil {
		panic(err)
	}
	return s
}

type cronSchedule struct{ s cron.Schedule }

func (c cronSchedule) Next(after time.Time) time.Time { return c.s.Next(after) }

// ValidateCron reports whether expr is a parseable cron expression.
func ValidateCron(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}
