package statelayout_test

import (
	"testing"

	"github.com/buildbarn/bb-checkpoint/pkg/filesystem"
	"github.com/buildbarn/bb-checkpoint/pkg/filesystem/path"
	"github.com/buildbarn/bb-checkpoint/pkg/pagemap"
	"github.com/buildbarn/bb-checkpoint/pkg/statelayout"
	"github.com/buildbarn/bb-checkpoint/pkg/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func newTestStateLayout(t *testing.T) (filesystem.DirectoryCloser, *statelayout.StateLayout) {
	root, err := filesystem.NewLocalDirectory(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { root.Close() })

	layout, err := statelayout.NewStateLayout(root, uuid.NewRandom, 2, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { layout.Close() })
	return root, layout
}

func writeCanister(t *testing.T, tip *statelayout.CheckpointLayout, id statelayout.CanisterID, wasm []byte) {
	canister, err := tip.Canister(id)
	require.NoError(t, err)
	defer canister.Close()
	require.NoError(t, canister.WriteCanisterStateBits([]byte("bits")))
	require.NoError(t, canister.WriteWasmBinary(wasm))
}

func TestPageMapKindFiles(t *testing.T) {
	require.Equal(t, "vmemory_0.bin", statelayout.WasmMemory.BaseFile().String())
	require.Equal(t, "000000000000002a_stable_memory.overlay", statelayout.StableMemory.OverlayFile(42).String())

	height, ok := statelayout.WasmChunkStore.ParseOverlayFile("00000000000000ff_wasm_chunk_store.overlay")
	require.True(t, ok)
	require.Equal(t, statelayout.Height(0xff), height)

	_, ok = statelayout.WasmMemory.ParseOverlayFile("00000000000000ff_wasm_chunk_store.overlay")
	require.False(t, ok)
	_, ok = statelayout.WasmMemory.ParseOverlayFile("ff_vmemory_0.overlay")
	require.False(t, ok)

	pageMapType := statelayout.PageMapType{Kind: statelayout.StableMemory, CanisterID: 0x1234}
	require.Equal(t, "canister_states/0000000000001234/stable_memory.bin", pageMapType.RelativePath(pageMapType.Kind.BaseFile()))
}

func TestSystemMetadata(t *testing.T) {
	m := &statelayout.SystemMetadata{StateSyncVersion: 3, Payload: []byte("opaque")}
	parsed, err := statelayout.UnmarshalSystemMetadata(m.Marshal())
	require.NoError(t, err)
	require.Equal(t, m, parsed)

	_, err = statelayout.UnmarshalSystemMetadata([]byte{0x08})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestStateLayoutCreatesDirectories(t *testing.T) {
	root, _ := newTestStateLayout(t)
	for _, name := range []string{"checkpoints", "fs_tmp", "tip"} {
		info, err := root.Lstat(path.MustNewComponent(name))
		require.NoError(t, err)
		require.Equal(t, filesystem.FileTypeDirectory, info.Type())
	}
}

func TestStateLayoutRemovesStaleScratchpads(t *testing.T) {
	root, err := filesystem.NewLocalDirectory(t.TempDir())
	require.NoError(t, err)
	defer root.Close()
	fsTmp, err := filesystem.EnterOrCreateDirectory(root, path.MustNewComponent("fs_tmp"))
	require.NoError(t, err)
	require.NoError(t, fsTmp.Mkdir(path.MustNewComponent("stale"), 0o755))

	layout, err := statelayout.NewStateLayout(root, uuid.NewRandom, 1, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer layout.Close()

	entries, err := fsTmp.ReadDir()
	require.NoError(t, err)
	require.Empty(t, entries)
	require.NoError(t, fsTmp.Close())
}

func TestStateLayoutTipToCheckpoint(t *testing.T) {
	_, layout := newTestStateLayout(t)
	tipHandler := layout.TipHandler()
	tip := tipHandler.Tip(10)
	require.False(t, tip.IsReadOnly())
	require.NoError(t, tip.WriteSystemMetadata(&statelayout.SystemMetadata{StateSyncVersion: 2}))
	require.NoError(t, tip.WriteIngressHistory([]byte("ingress")))
	writeCanister(t, tip, 7, []byte("wasm7"))
	writeCanister(t, tip, 3, []byte("wasm3"))

	paths, err := tip.PageMapPaths(statelayout.PageMapType{Kind: statelayout.WasmMemory, CanisterID: 3})
	require.NoError(t, err)
	require.NoError(t, pagemap.NewPersistDestination(paths, pagemap.StorageModeLayered).Write(pagemap.PageDelta{
		0: make([]byte, pagemap.PageSize),
	}))
	require.NoError(t, paths.Close())

	checkpoint, err := layout.TipToCheckpoint(tip, 10)
	require.NoError(t, err)
	defer checkpoint.Close()
	require.True(t, checkpoint.IsReadOnly())
	require.Equal(t, statelayout.Height(10), checkpoint.Height())

	ids, err := checkpoint.CanisterIDs()
	require.NoError(t, err)
	require.Equal(t, []statelayout.CanisterID{3, 7}, ids)

	m, err := checkpoint.SystemMetadata()
	require.NoError(t, err)
	require.Equal(t, uint32(2), m.StateSyncVersion)

	paths, err = checkpoint.PageMapPaths(statelayout.PageMapType{Kind: statelayout.WasmMemory, CanisterID: 3})
	require.NoError(t, err)
	require.Equal(t, []path.Component{statelayout.WasmMemory.OverlayFile(10)}, paths.ExistingOverlays)
	numPages, err := paths.NumPages()
	require.NoError(t, err)
	require.Equal(t, uint64(1), numPages)
	require.NoError(t, paths.Close())

	// Checkpoints are read-only.
	testutil.RequirePrefixedStatus(
		t,
		status.Error(codes.PermissionDenied, "Cannot write \"stats.pbuf\" to read-only checkpoint"),
		checkpoint.WriteStats([]byte("stats")))

	// Checkpoints at the same height may not be created twice.
	_, err = layout.TipToCheckpoint(tip, 10)
	testutil.RequireEqualStatus(t, status.Error(codes.AlreadyExists, "Checkpoint at height 10 already exists"), err)

	heights, err := layout.CheckpointHeights()
	require.NoError(t, err)
	require.Equal(t, []statelayout.Height{10}, heights)

	// The tip must be left intact.
	ids, err = tip.CanisterIDs()
	require.NoError(t, err)
	require.Equal(t, []statelayout.CanisterID{3, 7}, ids)
}

func TestStateLayoutCheckpointNotFound(t *testing.T) {
	_, layout := newTestStateLayout(t)
	_, err := layout.Checkpoint(5)
	testutil.RequireEqualStatus(t, status.Error(codes.NotFound, "No checkpoint at height 5"), err)
}

func TestStateLayoutRemoveCheckpoint(t *testing.T) {
	_, layout := newTestStateLayout(t)
	tip := layout.TipHandler().Tip(4)
	writeCanister(t, tip, 1, []byte("wasm"))
	checkpoint, err := layout.TipToCheckpoint(tip, 4)
	require.NoError(t, err)
	require.NoError(t, checkpoint.Close())

	require.NoError(t, layout.RemoveCheckpoint(4))
	heights, err := layout.CheckpointHeights()
	require.NoError(t, err)
	require.Empty(t, heights)
}

func TestTipHandlerResetTipTo(t *testing.T) {
	_, layout := newTestStateLayout(t)
	tipHandler := layout.TipHandler()
	tip := tipHandler.Tip(1)
	writeCanister(t, tip, 1, []byte("wasm"))
	checkpoint, err := layout.TipToCheckpoint(tip, 1)
	require.NoError(t, err)
	defer checkpoint.Close()

	// Diverge the tip from the checkpoint.
	writeCanister(t, tip, 2, []byte("wasm"))
	require.NoError(t, tip.WriteStats([]byte("stats")))

	require.NoError(t, tipHandler.ResetTipTo(checkpoint))
	ids, err := tip.CanisterIDs()
	require.NoError(t, err)
	require.Equal(t, []statelayout.CanisterID{1}, ids)
	_, err = tip.Directory().Lstat(path.MustNewComponent("stats.pbuf"))
	require.Error(t, err)

	// Resetting to nothing empties the tip.
	require.NoError(t, tipHandler.ResetTipTo(nil))
	entries, err := tip.Directory().ReadDir()
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestTipHandlerFilterTipCanisters(t *testing.T) {
	_, layout := newTestStateLayout(t)
	tipHandler := layout.TipHandler()
	tip := tipHandler.Tip(1)
	for _, id := range []statelayout.CanisterID{1, 2, 3} {
		writeCanister(t, tip, id, []byte("wasm"))
	}

	require.NoError(t, tipHandler.FilterTipCanisters(1, map[statelayout.CanisterID]struct{}{
		2: {},
		9: {},
	}))
	ids, err := tip.CanisterIDs()
	require.NoError(t, err)
	require.Equal(t, []statelayout.CanisterID{2}, ids)
}

func TestCanisterLayoutWasmBinary(t *testing.T) {
	_, layout := newTestStateLayout(t)
	canister, err := layout.TipHandler().Tip(1).Canister(5)
	require.NoError(t, err)
	defer canister.Close()

	has, err := canister.HasWasmBinary()
	require.NoError(t, err)
	require.False(t, has)

	require.NoError(t, canister.WriteWasmBinary([]byte("module")))
	has, err = canister.HasWasmBinary()
	require.NoError(t, err)
	require.True(t, has)

	require.NoError(t, canister.RemoveWasmBinary())
	require.NoError(t, canister.RemoveWasmBinary())
	has, err = canister.HasWasmBinary()
	require.NoError(t, err)
	require.False(t, has)
}

func TestDirectoryBackedStatesMetadataStore(t *testing.T) {
	d, err := filesystem.NewLocalDirectory(t.TempDir())
	require.NoError(t, err)
	defer d.Close()
	store := statelayout.NewDirectoryBackedStatesMetadataStore(d, zaptest.NewLogger(t))

	t.Run("Missing", func(t *testing.T) {
		records, err := store.ReadStatesMetadata()
		require.NoError(t, err)
		require.Empty(t, records)
	})

	t.Run("RoundTrip", func(t *testing.T) {
		records := []statelayout.StateMetadataRecord{
			{Height: 10, BundledManifest: []byte("manifest")},
			{Height: 20},
		}
		require.NoError(t, store.WriteStatesMetadata(records))
		readRecords, err := store.ReadStatesMetadata()
		require.NoError(t, err)
		require.Equal(t, records, readRecords)

		// Temporary files should not be left behind.
		_, err = d.Lstat(path.MustNewComponent("states_metadata.pbuf.new"))
		require.Error(t, err)
	})

	t.Run("Corrupted", func(t *testing.T) {
		require.NoError(t, filesystem.WriteFile(d, path.MustNewComponent("states_metadata.pbuf"), []byte{0x0a, 0xff}))
		records, err := store.ReadStatesMetadata()
		require.NoError(t, err)
		require.Empty(t, records)
	})
}
