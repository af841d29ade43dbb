package clock

import (
	"time"
)

type systemClock struct{}

// SystemClock is a Clock backed by time.Now().
var SystemClock Clock = systemClock{}

func (systemClock) Now() time.Time {
	return time.Now()
}
