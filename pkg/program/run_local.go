package program

import (
	"context"
	"sync"
)

// RunLocal runs a routine and everything it spawns until completion,
// returning the first error that was reported. The first error cancels
// all remaining routines. Unlike RunMain(), it neither installs signal
// handlers nor terminates the process, which makes it suitable for
// command line tools and tests that need a tip worker to be shut down
// only after the routines feeding it requests have finished.
func RunLocal(ctx context.Context, routine Routine) error {
	innerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		once       sync.Once
		firstError error
	)
	run(innerCtx, func(err error) {
		once.Do(func() {
			firstError = err
			cancel()
		})
	}, routine)
	return firstError
}
