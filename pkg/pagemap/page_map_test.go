package pagemap_test

import (
	"bytes"
	"fmt"
	"os"
	"testing"

	"github.com/buildbarn/bb-checkpoint/pkg/filesystem"
	"github.com/buildbarn/bb-checkpoint/pkg/filesystem/path"
	"github.com/buildbarn/bb-checkpoint/pkg/pagemap"
	"github.com/stretchr/testify/require"
)

func overlayName(height uint64) path.Component {
	return path.MustNewComponentf("%016x_vmemory_0.overlay", height)
}

// newTestPaths creates the paths of a page map at a given height,
// where overlays exist for all provided earlier heights.
func newTestPaths(t *testing.T, d filesystem.Directory, height uint64, overlayHeights ...uint64) *pagemap.Paths {
	paths := &pagemap.Paths{
		Directory:   filesystem.NopDirectoryCloser(d),
		BaseFile:    path.MustNewComponent("vmemory_0.bin"),
		NextOverlay: overlayName(height),
	}
	for _, h := range overlayHeights {
		paths.ExistingOverlays = append(paths.ExistingOverlays, overlayName(h))
	}
	return paths
}

func page(b byte) []byte {
	return bytes.Repeat([]byte{b}, pagemap.PageSize)
}

// requireSameContent compares the logical contents of page maps,
// treating absent pages as zero pages.
func requireSameContent(t *testing.T, expected, actual pagemap.PageDelta) {
	zero := make([]byte, pagemap.PageSize)
	for index, data := range expected {
		if got, ok := actual[index]; ok {
			require.Equal(t, data, got, "page %d", index)
		} else {
			require.Equal(t, zero, data, "page %d", index)
		}
	}
	for index, data := range actual {
		if _, ok := expected[index]; !ok {
			require.Equal(t, zero, data, "page %d", index)
		}
	}
}

func TestPersistDestinationLayered(t *testing.T) {
	d, err := filesystem.NewLocalDirectory(t.TempDir())
	require.NoError(t, err)
	defer d.Close()

	t.Run("EmptyDelta", func(t *testing.T) {
		paths := newTestPaths(t, d, 1)
		require.NoError(t, pagemap.NewPersistDestination(paths, pagemap.StorageModeLayered).Write(pagemap.PageDelta{}))
		_, err := d.Lstat(overlayName(1))
		require.True(t, os.IsNotExist(err))
	})

	t.Run("NewOverlay", func(t *testing.T) {
		paths := newTestPaths(t, d, 1)
		require.NoError(t, pagemap.NewPersistDestination(paths, pagemap.StorageModeLayered).Write(pagemap.PageDelta{
			3: page(0x33),
			1: page(0x11),
		}))

		info, err := d.Lstat(overlayName(1))
		require.NoError(t, err)
		require.Equal(t, int64(2*pagemap.PageSize+2*8+16), info.SizeBytes())

		pages, err := newTestPaths(t, d, 2, 1).LoadPages()
		require.NoError(t, err)
		require.Equal(t, pagemap.PageDelta{1: page(0x11), 3: page(0x33)}, pages)
	})

	t.Run("SameHeightCombines", func(t *testing.T) {
		paths := newTestPaths(t, d, 1, 1)
		require.NoError(t, pagemap.NewPersistDestination(paths, pagemap.StorageModeLayered).Write(pagemap.PageDelta{
			3: page(0x34),
			5: []byte("short"),
		}))

		pages, err := newTestPaths(t, d, 2, 1).LoadPages()
		require.NoError(t, err)
		shortPage := make([]byte, pagemap.PageSize)
		copy(shortPage, "short")
		require.Equal(t, pagemap.PageDelta{1: page(0x11), 3: page(0x34), 5: shortPage}, pages)

		numPages, err := newTestPaths(t, d, 2, 1).NumPages()
		require.NoError(t, err)
		require.Equal(t, uint64(6), numPages)
	})
}

func TestPersistDestinationLegacy(t *testing.T) {
	d, err := filesystem.NewLocalDirectory(t.TempDir())
	require.NoError(t, err)
	defer d.Close()

	paths := newTestPaths(t, d, 1)
	dst := pagemap.NewPersistDestination(paths, pagemap.StorageModeLegacy)
	require.NoError(t, dst.Write(pagemap.PageDelta{2: page(0x22)}))
	require.NoError(t, dst.Write(pagemap.PageDelta{0: page(0x01)}))

	_, err = d.Lstat(overlayName(1))
	require.True(t, os.IsNotExist(err))
	info, err := d.Lstat(path.MustNewComponent("vmemory_0.bin"))
	require.NoError(t, err)
	require.Equal(t, int64(3*pagemap.PageSize), info.SizeBytes())

	pages, err := paths.LoadPages()
	require.NoError(t, err)
	require.Equal(t, pagemap.PageDelta{
		0: page(0x01),
		1: make([]byte, pagemap.PageSize),
		2: page(0x22),
	}, pages)
}

func TestPathsDeleteFiles(t *testing.T) {
	d, err := filesystem.NewLocalDirectory(t.TempDir())
	require.NoError(t, err)
	defer d.Close()

	// Deleting a page map that has no files is a no-op.
	require.NoError(t, newTestPaths(t, d, 5, 1, 2).DeleteFiles())

	require.NoError(t, pagemap.NewPersistDestination(newTestPaths(t, d, 1), pagemap.StorageModeLegacy).Write(pagemap.PageDelta{0: page(1)}))
	require.NoError(t, pagemap.NewPersistDestination(newTestPaths(t, d, 2), pagemap.StorageModeLayered).Write(pagemap.PageDelta{0: page(2)}))
	numFiles, storageSizeBytes, err := newTestPaths(t, d, 3, 2).StorageSize()
	require.NoError(t, err)
	require.Equal(t, 2, numFiles)
	require.Equal(t, int64(2*pagemap.PageSize+8+16), storageSizeBytes)

	require.NoError(t, newTestPaths(t, d, 3, 1, 2).DeleteFiles())
	entries, err := d.ReadDir()
	require.NoError(t, err)
	require.Empty(t, entries)
}

// writeLayers creates a base file with baseNumPages pages, followed by
// one overlay per provided height that each modify a single page.
func writeLayers(t *testing.T, d filesystem.Directory, baseNumPages int, overlayHeights []uint64) {
	if baseNumPages > 0 {
		base := pagemap.PageDelta{}
		for i := 0; i < baseNumPages; i++ {
			base[pagemap.PageIndex(i)] = page(0xff)
		}
		require.NoError(t, pagemap.NewPersistDestination(newTestPaths(t, d, 0), pagemap.StorageModeLegacy).Write(base))
	}
	for i, h := range overlayHeights {
		require.NoError(t, pagemap.NewPersistDestination(newTestPaths(t, d, h), pagemap.StorageModeLayered).Write(pagemap.PageDelta{
			pagemap.PageIndex(i % 4): page(byte(h)),
		}))
	}
}

func TestNewMergeCandidate(t *testing.T) {
	t.Run("SingleFile", func(t *testing.T) {
		d, err := filesystem.NewLocalDirectory(t.TempDir())
		require.NoError(t, err)
		defer d.Close()
		writeLayers(t, d, 10, nil)

		m, err := pagemap.NewMergeCandidate(newTestPaths(t, d, 1), 10)
		require.NoError(t, err)
		require.Nil(t, m)
	})

	t.Run("Pyramid", func(t *testing.T) {
		// A large base file with a single small overlay on top
		// is already in the desired shape.
		d, err := filesystem.NewLocalDirectory(t.TempDir())
		require.NoError(t, err)
		defer d.Close()
		writeLayers(t, d, 100, []uint64{1})

		m, err := pagemap.NewMergeCandidate(newTestPaths(t, d, 2, 1), 100)
		require.NoError(t, err)
		require.Nil(t, m)
	})

	t.Run("PartialMerge", func(t *testing.T) {
		// Equally sized overlays violate the pyramid property,
		// but the base file is large enough to be left alone.
		d, err := filesystem.NewLocalDirectory(t.TempDir())
		require.NoError(t, err)
		defer d.Close()
		writeLayers(t, d, 100, []uint64{1, 2, 3})
		before, err := newTestPaths(t, d, 4, 1, 2, 3).LoadPages()
		require.NoError(t, err)

		paths := newTestPaths(t, d, 4, 1, 2, 3)
		m, err := pagemap.NewMergeCandidate(paths, 100)
		require.NoError(t, err)
		require.NotNil(t, m)
		require.False(t, m.IsFullMerge())
		require.Equal(t, 3, m.NumInputFiles())
		require.Equal(t, int64(3*(pagemap.PageSize+8+16)), m.InputSizeBytes())
		require.Equal(t, []path.Component{overlayName(4), overlayName(1), overlayName(2), overlayName(3)}, m.ModifiedFiles())

		_, err = m.Apply()
		require.NoError(t, err)
		for _, h := range []uint64{1, 2, 3} {
			_, err := d.Lstat(overlayName(h))
			require.True(t, os.IsNotExist(err))
		}
		after, err := newTestPaths(t, d, 5, 4).LoadPages()
		require.NoError(t, err)
		requireSameContent(t, before, after)
	})

	t.Run("FullMergeDueToOverhead", func(t *testing.T) {
		// The logical size of the page map is small compared to
		// the files on disk.
		d, err := filesystem.NewLocalDirectory(t.TempDir())
		require.NoError(t, err)
		defer d.Close()
		writeLayers(t, d, 10, []uint64{1})

		m, err := pagemap.NewMergeCandidate(newTestPaths(t, d, 2, 1), 2)
		require.NoError(t, err)
		require.NotNil(t, m)
		require.True(t, m.IsFullMerge())
		require.Equal(t, 2, m.NumInputFiles())
		require.Equal(t, []path.Component{path.MustNewComponent("vmemory_0.bin"), overlayName(1)}, m.ModifiedFiles())
	})

	t.Run("TooManyFiles", func(t *testing.T) {
		// Overlays of strictly decreasing size still need to be
		// merged once there are too many of them.
		d, err := filesystem.NewLocalDirectory(t.TempDir())
		require.NoError(t, err)
		defer d.Close()
		var heights []uint64
		for h := uint64(1); h <= 9; h++ {
			delta := pagemap.PageDelta{}
			for i := uint64(0); i < 1<<(10-h); i++ {
				delta[pagemap.PageIndex(i)] = page(byte(h))
			}
			require.NoError(t, pagemap.NewPersistDestination(newTestPaths(t, d, h), pagemap.StorageModeLayered).Write(delta))
			heights = append(heights, h)
		}

		paths := newTestPaths(t, d, 10, heights...)
		m, err := pagemap.NewMergeCandidate(paths, 1<<10)
		require.NoError(t, err)
		require.NotNil(t, m)
		require.False(t, m.IsFullMerge())
		require.Equal(t, 9-pagemap.MaxNumberOfFiles+1, m.NumInputFiles())
		before, err := paths.LoadPages()
		require.NoError(t, err)

		_, err = m.Apply()
		require.NoError(t, err)
		numFiles, _, err := newTestPaths(t, d, 11, 1, 2, 3, 4, 5, 6, 10).StorageSize()
		require.NoError(t, err)
		require.Equal(t, pagemap.MaxNumberOfFiles, numFiles)
		after, err := newTestPaths(t, d, 11, 1, 2, 3, 4, 5, 6, 10).LoadPages()
		require.NoError(t, err)
		requireSameContent(t, before, after)
	})
}

func TestNewFullMergeCandidate(t *testing.T) {
	d, err := filesystem.NewLocalDirectory(t.TempDir())
	require.NoError(t, err)
	defer d.Close()

	// Without overlays there is nothing to merge.
	writeLayers(t, d, 4, nil)
	m, err := pagemap.NewFullMergeCandidate(newTestPaths(t, d, 1))
	require.NoError(t, err)
	require.Nil(t, m)

	writeLayers(t, d, 0, []uint64{1, 2, 3, 4, 5, 6})
	paths := newTestPaths(t, d, 7, 1, 2, 3, 4, 5, 6)
	before, err := paths.LoadPages()
	require.NoError(t, err)
	m, err = pagemap.NewFullMergeCandidate(paths)
	require.NoError(t, err)
	require.True(t, m.IsFullMerge())
	require.Equal(t, 7, m.NumInputFiles())
	_, err = m.Apply()
	require.NoError(t, err)

	entries, err := d.ReadDir()
	require.NoError(t, err)
	require.Len(t, entries, 1, fmt.Sprint(entries))
	after, err := newTestPaths(t, d, 7).LoadPages()
	require.NoError(t, err)
	requireSameContent(t, before, after)
	require.Equal(t, page(6), after[1])
}

func TestInMemoryPageMap(t *testing.T) {
	d, err := filesystem.NewLocalDirectory(t.TempDir())
	require.NoError(t, err)
	defer d.Close()

	m := pagemap.NewInMemoryPageMap(2)
	require.True(t, m.UnflushedDeltaIsEmpty())
	m.WritePage(4, []byte("hello"))
	require.False(t, m.UnflushedDeltaIsEmpty())
	require.Equal(t, uint64(5), m.NumPages())

	require.NoError(t, m.PersistUnflushedDelta(pagemap.NewPersistDestination(newTestPaths(t, d, 3), pagemap.StorageModeLayered)))
	require.True(t, m.UnflushedDeltaIsEmpty())

	pages, err := newTestPaths(t, d, 4, 3).LoadPages()
	require.NoError(t, err)
	require.Len(t, pages, 1)
	require.Equal(t, []byte("hello"), pages[4][:5])
}
