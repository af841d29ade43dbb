package program_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/buildbarn/bb-checkpoint/pkg/program"
	"github.com/buildbarn/bb-checkpoint/pkg/testutil"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestRunLocal(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		var count atomic.Int32
		require.NoError(t, program.RunLocal(context.Background(), func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
			for i := 0; i < 10; i++ {
				siblingsGroup.Go(func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
					count.Add(1)
					return nil
				})
			}
			return nil
		}))
		require.Equal(t, int32(10), count.Load())
	})

	t.Run("FirstErrorCancelsSiblings", func(t *testing.T) {
		err := program.RunLocal(context.Background(), func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
			siblingsGroup.Go(func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
				<-ctx.Done()
				return status.Error(codes.Canceled, "Sibling canceled")
			})
			return status.Error(codes.Internal, "Tip worker crashed")
		})
		testutil.RequireEqualStatus(t, status.Error(codes.Internal, "Tip worker crashed"), err)
	})

	t.Run("DependenciesTerminateLast", func(t *testing.T) {
		var siblingsDone atomic.Bool
		require.NoError(t, program.RunLocal(context.Background(), func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
			dependenciesGroup.Go(func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
				<-ctx.Done()
				if !siblingsDone.Load() {
					return status.Error(codes.Internal, "Dependency terminated before its dependents")
				}
				return nil
			})
			siblingsGroup.Go(func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
				siblingsDone.Store(true)
				return nil
			})
			return nil
		}))
	})
}
