package util

import (
	"golang.org/x/sync/errgroup"
)

// ParallelMap applies a function to every element of a list, using at
// most the provided number of goroutines. Results are returned in the
// same order as the input. If one or more calls fail, one of the
// errors is returned.
func ParallelMap[T, R any](concurrency int, items []T, f func(T) (R, error)) ([]R, error) {
	results := make([]R, len(items))
	var group errgroup.Group
	if concurrency > 0 {
		group.SetLimit(concurrency)
	}
	for i, item := range items {
		group.Go(func() error {
			result, err := f(item)
			if err != nil {
				return err
			}
			results[i] = result
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
