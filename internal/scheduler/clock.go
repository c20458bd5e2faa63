package scheduler

import "time"

// Clock supplies the scheduler's notion of now. Injectable so liveness
// behavior is testable without real waiting.
type Clock interface {
	Now() time.Time
}

// SystemClock is the default wall clock.
var SystemClock Clock = systemClock{}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
