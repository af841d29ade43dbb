package path_test

import (
	"testing"

	"github.com/buildbarn/bb-checkpoint/pkg/filesystem/path"
	"github.com/stretchr/testify/require"
)

func TestNewComponent(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		c, ok := path.NewComponent("vmemory_0.bin")
		require.True(t, ok)
		require.Equal(t, "vmemory_0.bin", c.String())
	})

	t.Run("Invalid", func(t *testing.T) {
		for _, name := range []string{"", ".", "..", "a/b", "nul\x00"} {
			_, ok := path.NewComponent(name)
			require.False(t, ok, name)
		}
	})

	t.Run("MustPanics", func(t *testing.T) {
		require.Panics(t, func() { path.MustNewComponent("..") })
	})
}

func TestComponentFormatting(t *testing.T) {
	c := path.MustNewComponentf("%016x", uint64(42))
	require.Equal(t, "000000000000002a", c.String())
	require.Equal(t, "000000000000002a.tmp", c.WithSuffix(".tmp").String())
}
