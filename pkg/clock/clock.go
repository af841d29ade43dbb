package clock

import (
	"time"
)

// Clock provides the current time to the tip worker, which uses it to
// measure how long requests and checkpoint operations take. Tests
// substitute a mock to obtain deterministic durations.
type Clock interface {
	Now() time.Time
}
