package manifest_test

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/buildbarn/bb-checkpoint/pkg/filesystem"
	"github.com/buildbarn/bb-checkpoint/pkg/filesystem/path"
	"github.com/buildbarn/bb-checkpoint/pkg/manifest"
	"github.com/buildbarn/bb-checkpoint/pkg/pagemap"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	testChunkSize    = 2 * pagemap.PageSize
	testCanisterPath = "canister_states/0000000000000001"
)

// createTestState creates a small state consisting of a canister with
// a five page memory, and a system metadata file.
func createTestState(t *testing.T) filesystem.DirectoryCloser {
	root, err := filesystem.NewLocalDirectory(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { root.Close() })

	canisterStates, err := filesystem.EnterOrCreateDirectory(root, path.MustNewComponent("canister_states"))
	require.NoError(t, err)
	defer canisterStates.Close()
	canister, err := filesystem.EnterOrCreateDirectory(canisterStates, path.MustNewComponent("0000000000000001"))
	require.NoError(t, err)
	defer canister.Close()

	var memory []byte
	for i := 0; i < 5; i++ {
		memory = append(memory, bytes.Repeat([]byte{byte(i + 1)}, pagemap.PageSize)...)
	}
	require.NoError(t, filesystem.WriteFile(canister, path.MustNewComponent("vmemory_0.bin"), memory))
	require.NoError(t, filesystem.WriteFile(canister, path.MustNewComponent("canister.pbuf"), []byte("canister state bits")))
	require.NoError(t, filesystem.WriteFile(canister, path.MustNewComponent("queues.pbuf"), nil))
	require.NoError(t, filesystem.WriteFile(root, path.MustNewComponent("system_metadata.pbuf"), []byte("metadata")))
	return root
}

// overwritePage replaces the contents of a page of the canister's
// memory.
func overwritePage(t *testing.T, root filesystem.Directory, index int, b byte) {
	canisterStates, err := root.EnterDirectory(path.MustNewComponent("canister_states"))
	require.NoError(t, err)
	defer canisterStates.Close()
	canister, err := canisterStates.EnterDirectory(path.MustNewComponent("0000000000000001"))
	require.NoError(t, err)
	defer canister.Close()
	f, err := canister.OpenWrite(path.MustNewComponent("vmemory_0.bin"), filesystem.DontCreate)
	require.NoError(t, err)
	_, err = f.WriteAt(bytes.Repeat([]byte{b}, pagemap.PageSize), int64(index)*pagemap.PageSize)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestComputerCompute(t *testing.T) {
	root := createTestState(t)
	computer := manifest.NewComputer(4)

	m, err := computer.Compute(root, manifest.StateSyncV3, testChunkSize, nil)
	require.NoError(t, err)

	require.Equal(t, manifest.StateSyncV3, m.Version)
	var paths []string
	for _, f := range m.FileTable {
		paths = append(paths, f.RelativePath)
	}
	require.Equal(t, []string{
		testCanisterPath + "/canister.pbuf",
		testCanisterPath + "/queues.pbuf",
		testCanisterPath + "/vmemory_0.bin",
		"system_metadata.pbuf",
	}, paths)
	require.Equal(t, uint64(5*pagemap.PageSize+19+8), m.StateSizeBytes())

	// Empty files have no chunks. The memory is split up into three
	// chunks, the last of which is smaller.
	require.Len(t, m.ChunkTable, 5)
	require.Equal(t, manifest.ChunkInfo{FileIndex: 0, SizeBytes: 19, Offset: 0, Hash: m.ChunkTable[0].Hash}, m.ChunkTable[0])
	require.Equal(t, uint32(2), m.ChunkTable[1].FileIndex)
	require.Equal(t, uint64(2*testChunkSize), m.ChunkTable[3].Offset)
	require.Equal(t, uint32(pagemap.PageSize), m.ChunkTable[3].SizeBytes)
	require.Equal(t, uint32(3), m.ChunkTable[4].FileIndex)

	// Computing the manifest again yields the same results.
	m2, err := computer.Compute(root, manifest.StateSyncV3, testChunkSize, nil)
	require.NoError(t, err)
	require.Equal(t, m, m2)
}

func TestComputerUnsupportedVersion(t *testing.T) {
	root := createTestState(t)
	_, err := manifest.NewComputer(1).Compute(root, manifest.MaxSupportedStateSyncVersion+1, testChunkSize, nil)
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestComputerIncremental(t *testing.T) {
	root := createTestState(t)
	computer := manifest.NewComputer(4)
	base, err := computer.Compute(root, manifest.StateSyncV3, testChunkSize, nil)
	require.NoError(t, err)

	t.Run("Unchanged", func(t *testing.T) {
		m, err := computer.Compute(root, manifest.StateSyncV3, testChunkSize, &manifest.ManifestDelta{
			BaseManifest: base,
			BaseHeight:   10,
			TargetHeight: 11,
		})
		require.NoError(t, err)
		require.Equal(t, base, m)
	})

	t.Run("DirtyPage", func(t *testing.T) {
		overwritePage(t, root, 3, 0xff)
		delta := &manifest.ManifestDelta{
			BaseManifest: base,
			BaseHeight:   10,
			TargetHeight: 11,
		}
		delta.AddDirtyPages(testCanisterPath+"/vmemory_0.bin", []pagemap.PageIndex{3})

		incremental, err := computer.Compute(root, manifest.StateSyncV3, testChunkSize, delta)
		require.NoError(t, err)
		full, err := computer.Compute(root, manifest.StateSyncV3, testChunkSize, nil)
		require.NoError(t, err)
		require.Equal(t, full, incremental)

		// Only the chunk containing the modified page changes.
		require.Equal(t, base.ChunkTable[1], full.ChunkTable[1])
		require.NotEqual(t, base.ChunkTable[2], full.ChunkTable[2])
		require.Equal(t, base.ChunkTable[3], full.ChunkTable[3])
		require.NotEqual(t,
			manifest.ComputeBundledManifest(base).RootHash,
			manifest.ComputeBundledManifest(full).RootHash)
	})
}

func TestComputerRehashDetectsCorruption(t *testing.T) {
	root := createTestState(t)
	computer := manifest.NewComputer(1)
	base, err := computer.Compute(root, manifest.StateSyncV3, testChunkSize, nil)
	require.NoError(t, err)

	// Modify the first chunk of the memory without reporting it.
	overwritePage(t, root, 0, 0xee)

	t.Run("Rehashed", func(t *testing.T) {
		// The memory's first chunk is at index 1 in the chunk
		// table, meaning it is hashed again at height 9.
		_, err := computer.Compute(root, manifest.StateSyncV3, testChunkSize, &manifest.ManifestDelta{
			BaseManifest: base,
			BaseHeight:   8,
			TargetHeight: 9,
		})
		require.Equal(t, codes.DataLoss, status.Code(err))
	})

	t.Run("Reused", func(t *testing.T) {
		m, err := computer.Compute(root, manifest.StateSyncV3, testChunkSize, &manifest.ManifestDelta{
			BaseManifest: base,
			BaseHeight:   8,
			TargetHeight: 11,
		})
		require.NoError(t, err)
		require.Equal(t, base, m)
	})

	t.Run("MarkedDirty", func(t *testing.T) {
		delta := &manifest.ManifestDelta{
			BaseManifest: base,
			BaseHeight:   8,
			TargetHeight: 9,
		}
		delta.MarkFileDirty(testCanisterPath + "/vmemory_0.bin")
		// Pages added to a file that is fully dirty are ignored.
		delta.AddDirtyPages(testCanisterPath+"/vmemory_0.bin", []pagemap.PageIndex{4})
		require.Nil(t, delta.DirtyFiles[testCanisterPath+"/vmemory_0.bin"])

		m, err := computer.Compute(root, manifest.StateSyncV3, testChunkSize, delta)
		require.NoError(t, err)
		require.NotEqual(t, base.ChunkTable[1].Hash, m.ChunkTable[1].Hash)
	})
}

func TestComputeBundledManifest(t *testing.T) {
	root := createTestState(t)
	computer := manifest.NewComputer(2)

	t.Run("V2", func(t *testing.T) {
		m, err := computer.Compute(root, manifest.StateSyncV2, testChunkSize, nil)
		require.NoError(t, err)
		bundled := manifest.ComputeBundledManifest(m)
		require.Equal(t, manifest.HashManifest(m), bundled.RootHash)
		require.Len(t, bundled.MetaManifest.SubManifestHashes, 1)
	})

	t.Run("V3", func(t *testing.T) {
		m, err := computer.Compute(root, manifest.StateSyncV3, testChunkSize, nil)
		require.NoError(t, err)
		bundled := manifest.ComputeBundledManifest(m)
		require.Equal(t, manifest.HashMetaManifest(bundled.MetaManifest), bundled.RootHash)

		// Round trip through the encoding used for persisting
		// metadata.
		decoded, err := manifest.UnmarshalBundledManifest(manifest.MarshalBundledManifest(bundled))
		require.NoError(t, err)
		require.Equal(t, bundled, decoded)
	})

	t.Run("LargeManifest", func(t *testing.T) {
		// Manifests larger than the chunk size are split up into
		// multiple sub-manifests.
		m := &manifest.Manifest{Version: manifest.StateSyncV3}
		for i := 0; i < 20000; i++ {
			m.FileTable = append(m.FileTable, manifest.FileInfo{
				RelativePath: fmt.Sprintf("canister_states/%016x/canister.pbuf", i),
				SizeBytes:    100,
			})
		}
		bundled := manifest.ComputeBundledManifest(m)
		encodedSize := len(manifest.MarshalManifest(m))
		require.Greater(t, encodedSize, manifest.DefaultChunkSize)
		require.Len(t, bundled.MetaManifest.SubManifestHashes, (encodedSize+manifest.DefaultChunkSize-1)/manifest.DefaultChunkSize)
	})
}

func TestUnmarshalManifestInvalid(t *testing.T) {
	t.Run("Truncated", func(t *testing.T) {
		_, err := manifest.UnmarshalManifest([]byte{0x12, 0x05})
		require.Equal(t, codes.InvalidArgument, status.Code(err))
	})

	t.Run("BadChunkFileIndex", func(t *testing.T) {
		_, err := manifest.UnmarshalManifest(manifest.MarshalManifest(&manifest.Manifest{
			Version:    manifest.StateSyncV1,
			ChunkTable: []manifest.ChunkInfo{{FileIndex: 3, SizeBytes: 1}},
		}))
		require.Equal(t, codes.InvalidArgument, status.Code(err))
	})

	t.Run("MissingFields", func(t *testing.T) {
		_, err := manifest.UnmarshalBundledManifest(nil)
		require.Equal(t, codes.InvalidArgument, status.Code(err))
	})
}

func TestBuildFileGroupChunks(t *testing.T) {
	newManifest := func(version uint32, numFiles int, sizeBytes uint32) *manifest.Manifest {
		m := &manifest.Manifest{Version: version}
		for i := 0; i < numFiles; i++ {
			m.FileTable = append(m.FileTable, manifest.FileInfo{
				RelativePath: fmt.Sprintf("canister_states/%016x/canister.pbuf", i),
				SizeBytes:    uint64(sizeBytes),
			})
			m.ChunkTable = append(m.ChunkTable, manifest.ChunkInfo{
				FileIndex: uint32(i),
				SizeBytes: sizeBytes,
			})
		}
		return m
	}

	t.Run("V1", func(t *testing.T) {
		require.Empty(t, manifest.BuildFileGroupChunks(newManifest(manifest.StateSyncV1, 10, 100)))
	})

	t.Run("Split", func(t *testing.T) {
		groups := manifest.BuildFileGroupChunks(newManifest(manifest.StateSyncV2, 400, 3000))
		require.Len(t, groups, 2)
		require.Equal(t, manifest.FileGroupChunkIDOffset, groups[0].ID)
		require.Len(t, groups[0].ChunkIndices, manifest.DefaultChunkSize/3000)
		require.Equal(t, manifest.FileGroupChunkIDOffset+1, groups[1].ID)
		require.Len(t, groups[1].ChunkIndices, 400-manifest.DefaultChunkSize/3000)
		require.Equal(t, uint32(manifest.DefaultChunkSize/3000), groups[1].ChunkIndices[0])
	})

	t.Run("LargeFilesExcluded", func(t *testing.T) {
		require.Empty(t, manifest.BuildFileGroupChunks(newManifest(manifest.StateSyncV3, 3, manifest.MaxFileSizeToGroup+1)))
	})

	t.Run("OtherFilesExcluded", func(t *testing.T) {
		m := newManifest(manifest.StateSyncV3, 2, 100)
		m.FileTable[0].RelativePath = "canister_states/0000000000000000/queues.pbuf"
		groups := manifest.BuildFileGroupChunks(m)
		require.Equal(t, []manifest.FileGroupChunk{{
			ID:           manifest.FileGroupChunkIDOffset,
			ChunkIndices: []uint32{1},
		}}, groups)
	})
}

func TestChunkIDRanges(t *testing.T) {
	require.Equal(t, uint64(1<<30), manifest.FileGroupChunkIDRangeLength)
	require.Equal(t, uint64(1<<31), manifest.SubManifestChunkIDRangeLength)
	require.Equal(t, uint32(1<<31+2), manifest.SubManifestChunkID(2))
}
