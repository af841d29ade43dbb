package random_test

import (
	"testing"

	"github.com/buildbarn/bb-checkpoint/pkg/random"
	"github.com/stretchr/testify/require"
)

func TestSeededSingleThreadedGenerator(t *testing.T) {
	t.Run("Deterministic", func(t *testing.T) {
		g1 := random.NewSeededSingleThreadedGenerator(1234)
		g2 := random.NewSeededSingleThreadedGenerator(1234)
		for i := 0; i < 100; i++ {
			require.Equal(t, g1.Uint64(), g2.Uint64())
		}
	})

	t.Run("DifferentSeeds", func(t *testing.T) {
		g1 := random.NewSeededSingleThreadedGenerator(1)
		g2 := random.NewSeededSingleThreadedGenerator(2)
		same := true
		for i := 0; i < 10; i++ {
			if g1.Uint64() != g2.Uint64() {
				same = false
			}
		}
		require.False(t, same)
	})

	t.Run("IntN", func(t *testing.T) {
		g := random.NewSeededSingleThreadedGenerator(42)
		for i := 0; i < 100; i++ {
			v := g.IntN(42)
			require.LessOrEqual(t, 0, v)
			require.Greater(t, 42, v)
		}
	})

	t.Run("Float64", func(t *testing.T) {
		g := random.NewSeededSingleThreadedGenerator(42)
		for i := 0; i < 100; i++ {
			v := g.Float64()
			require.LessOrEqual(t, 0.0, v)
			require.Greater(t, 1.0, v)
		}
	})
}
