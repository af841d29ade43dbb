package statelayout

import (
	"os"
	"sort"

	"github.com/buildbarn/bb-checkpoint/pkg/filesystem"
	"github.com/buildbarn/bb-checkpoint/pkg/filesystem/path"
	"github.com/buildbarn/bb-checkpoint/pkg/util"
	"github.com/google/uuid"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	componentTip         = path.MustNewComponent("tip")
	componentCheckpoints = path.MustNewComponent("checkpoints")
	componentFsTmp       = path.MustNewComponent("fs_tmp")
)

// UUIDGenerator is a function that generates random UUIDs. It is used
// to name scratchpad directories.
type UUIDGenerator func() (uuid.UUID, error)

func checkpointComponent(height Height) path.Component {
	return path.MustNewComponentf("%016x", uint64(height))
}

// StateLayout provides access to the directory structure of a state
// root, containing the tip, all checkpoints and scratchpad directories.
type StateLayout struct {
	tip           filesystem.DirectoryCloser
	checkpoints   filesystem.DirectoryCloser
	fsTmp         filesystem.DirectoryCloser
	uuidGenerator UUIDGenerator
	concurrency   int
	metadataStore StatesMetadataStore
}

// NewStateLayout opens a state root, creating the tip, checkpoints and
// scratchpad directories if they don't exist yet. Leftover scratchpads
// of a previous run are removed.
func NewStateLayout(root filesystem.Directory, uuidGenerator UUIDGenerator, concurrency int, logger *zap.Logger) (*StateLayout, error) {
	tip, err := filesystem.EnterOrCreateDirectory(root, componentTip)
	if err != nil {
		return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to open tip directory")
	}
	checkpoints, err := filesystem.EnterOrCreateDirectory(root, componentCheckpoints)
	if err != nil {
		tip.Close()
		return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to open checkpoints directory")
	}
	fsTmp, err := filesystem.EnterOrCreateDirectory(root, componentFsTmp)
	if err != nil {
		tip.Close()
		checkpoints.Close()
		return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to open scratchpad directory")
	}
	if err := fsTmp.RemoveAllChildren(); err != nil {
		tip.Close()
		checkpoints.Close()
		fsTmp.Close()
		return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to remove stale scratchpads")
	}
	return &StateLayout{
		tip:           tip,
		checkpoints:   checkpoints,
		fsTmp:         fsTmp,
		uuidGenerator: uuidGenerator,
		concurrency:   concurrency,
		metadataStore: NewDirectoryBackedStatesMetadataStore(root, logger),
	}, nil
}

// Close releases all directory handles.
func (sl *StateLayout) Close() error {
	return util.StatusFromMultiple(nonNilErrors(sl.tip.Close(), sl.checkpoints.Close(), sl.fsTmp.Close()))
}

func nonNilErrors(errs ...error) []error {
	var result []error
	for _, err := range errs {
		if err != nil {
			result = append(result, err)
		}
	}
	return result
}

// StatesMetadataStore returns the store in which checkpoint metadata is
// persisted.
func (sl *StateLayout) StatesMetadataStore() StatesMetadataStore {
	return sl.metadataStore
}

// TipHandler returns a handle for manipulating the tip. Only the tip
// worker should make use of it.
func (sl *StateLayout) TipHandler() *TipHandler {
	return &TipHandler{layout: sl}
}

// CheckpointHeights returns the heights of all checkpoints, in
// increasing order.
func (sl *StateLayout) CheckpointHeights() ([]Height, error) {
	entries, err := sl.checkpoints.ReadDir()
	if err != nil {
		return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to read checkpoints directory")
	}
	heights := make([]Height, 0, len(entries))
	for _, entry := range entries {
		if height, ok := parseHexComponent(entry.Name().String()); ok && entry.Type() == filesystem.FileTypeDirectory {
			heights = append(heights, Height(height))
		}
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	return heights, nil
}

// Checkpoint returns a read-only layout of the checkpoint at a given
// height. The caller must close the layout when done.
func (sl *StateLayout) Checkpoint(height Height) (*CheckpointLayout, error) {
	d, err := sl.checkpoints.EnterDirectory(checkpointComponent(height))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.Errorf(codes.NotFound, "No checkpoint at height %d", height)
		}
		return nil, util.StatusWrapfWithCode(err, codes.Internal, "Failed to open checkpoint at height %d", height)
	}
	return &CheckpointLayout{
		directory: d,
		closer:    d,
		height:    height,
		readOnly:  true,
	}, nil
}

// RemoveCheckpoint removes the checkpoint at a given height.
func (sl *StateLayout) RemoveCheckpoint(height Height) error {
	if err := sl.checkpoints.RemoveAll(checkpointComponent(height)); err != nil {
		if os.IsNotExist(err) {
			return status.Errorf(codes.NotFound, "No checkpoint at height %d", height)
		}
		return util.StatusWrapfWithCode(err, codes.Internal, "Failed to remove checkpoint at height %d", height)
	}
	return nil
}

// TipToCheckpoint creates a checkpoint at a given height containing a
// copy of the tip. The copy is first created in a scratchpad directory
// and synchronized to disk. It is then moved into place atomically, so
// that checkpoints are either absent or complete.
//
// The tip directory itself is never renamed, as the tip worker holds
// handles to it.
func (sl *StateLayout) TipToCheckpoint(tip *CheckpointLayout, height Height) (*CheckpointLayout, error) {
	name := checkpointComponent(height)
	if _, err := sl.checkpoints.Lstat(name); err == nil {
		return nil, status.Errorf(codes.AlreadyExists, "Checkpoint at height %d already exists", height)
	} else if !os.IsNotExist(err) {
		return nil, util.StatusWrapfWithCode(err, codes.Internal, "Failed to check for existence of checkpoint at height %d", height)
	}

	scratchpadID, err := sl.uuidGenerator()
	if err != nil {
		return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to generate scratchpad name")
	}
	scratchpadName := path.MustNewComponent(scratchpadID.String())
	if err := sl.fsTmp.Mkdir(scratchpadName, 0o755); err != nil {
		return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to create scratchpad")
	}
	scratchpad, err := sl.fsTmp.EnterDirectory(scratchpadName)
	if err != nil {
		return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to open scratchpad")
	}
	err = copyLayout(tip.directory, scratchpad, sl.concurrency)
	scratchpad.Close()
	if err != nil {
		sl.fsTmp.RemoveAll(scratchpadName)
		return nil, util.StatusWrapfWithCode(err, codes.Internal, "Failed to copy tip to scratchpad")
	}

	if err := sl.fsTmp.Rename(scratchpadName, sl.checkpoints, name); err != nil {
		sl.fsTmp.RemoveAll(scratchpadName)
		return nil, util.StatusWrapfWithCode(err, codes.Internal, "Failed to move scratchpad to checkpoint at height %d", height)
	}
	if err := sl.checkpoints.Sync(); err != nil {
		return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to synchronize checkpoints directory")
	}
	return sl.Checkpoint(height)
}

// copyLayout copies the contents of a state into an empty directory.
// Canister directories are copied in parallel.
func copyLayout(src, dst filesystem.Directory, concurrency int) error {
	entries, err := src.ReadDir()
	if err != nil {
		return util.StatusWrap(err, "Failed to read state directory")
	}
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case entry.Type() == filesystem.FileTypeRegularFile:
			if err := filesystem.CloneOrCopyFile(src, name, dst, name); err != nil {
				return util.StatusWrapf(err, "Failed to copy %#v", name.String())
			}
		case name == componentCanisterStates && entry.Type() == filesystem.FileTypeDirectory:
			if err := copyCanisterStates(src, dst, concurrency); err != nil {
				return err
			}
		default:
			return status.Errorf(codes.InvalidArgument, "State directory contains unexpected file %#v", name.String())
		}
	}
	return dst.Sync()
}

func copyCanisterStates(src, dst filesystem.Directory, concurrency int) error {
	if err := dst.Mkdir(componentCanisterStates, 0o755); err != nil {
		return util.StatusWrap(err, "Failed to create canister states directory")
	}
	srcCanisters, err := src.EnterDirectory(componentCanisterStates)
	if err != nil {
		return util.StatusWrap(err, "Failed to open canister states directory")
	}
	defer srcCanisters.Close()
	dstCanisters, err := dst.EnterDirectory(componentCanisterStates)
	if err != nil {
		return util.StatusWrap(err, "Failed to open canister states directory")
	}
	defer dstCanisters.Close()

	entries, err := srcCanisters.ReadDir()
	if err != nil {
		return util.StatusWrap(err, "Failed to read canister states directory")
	}
	if _, err := util.ParallelMap(concurrency, entries, func(entry filesystem.FileInfo) (struct{}, error) {
		return struct{}{}, copyCanisterDirectory(srcCanisters, dstCanisters, entry.Name())
	}); err != nil {
		return err
	}
	return dstCanisters.Sync()
}

func copyCanisterDirectory(srcCanisters, dstCanisters filesystem.Directory, name path.Component) error {
	if err := dstCanisters.Mkdir(name, 0o755); err != nil {
		return util.StatusWrapf(err, "Failed to create directory of canister %#v", name.String())
	}
	src, err := srcCanisters.EnterDirectory(name)
	if err != nil {
		return util.StatusWrapf(err, "Failed to open directory of canister %#v", name.String())
	}
	defer src.Close()
	dst, err := dstCanisters.EnterDirectory(name)
	if err != nil {
		return util.StatusWrapf(err, "Failed to open directory of canister %#v", name.String())
	}
	defer dst.Close()
	if err := filesystem.CloneOrCopyDirectory(src, dst); err != nil {
		return util.StatusWrapf(err, "Canister %#v", name.String())
	}
	return nil
}

// TipHandler provides mutating access to the tip directory.
type TipHandler struct {
	layout *StateLayout
}

// Tip returns a writable layout of the tip at a given height.
func (th *TipHandler) Tip(height Height) *CheckpointLayout {
	return &CheckpointLayout{
		directory: th.layout.tip,
		height:    height,
	}
}

// ResetTipTo replaces the contents of the tip with a copy of a
// checkpoint. Passing a nil checkpoint empties the tip.
func (th *TipHandler) ResetTipTo(checkpoint *CheckpointLayout) error {
	tip := th.layout.tip
	if err := tip.RemoveAllChildren(); err != nil {
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to empty tip")
	}
	if checkpoint == nil {
		return nil
	}
	if err := copyLayout(checkpoint.directory, tip, th.layout.concurrency); err != nil {
		return util.StatusWrapfWithCode(err, codes.Internal, "Failed to copy checkpoint at height %d to tip", checkpoint.height)
	}
	return nil
}

// FilterTipCanisters removes the directories of all canisters from the
// tip that are not part of the provided set.
func (th *TipHandler) FilterTipCanisters(height Height, keep map[CanisterID]struct{}) error {
	tip := th.Tip(height)
	ids, err := tip.CanisterIDs()
	if err != nil {
		return err
	}
	var canisterStates filesystem.DirectoryCloser
	for _, id := range ids {
		if _, ok := keep[id]; ok {
			continue
		}
		if canisterStates == nil {
			if canisterStates, err = th.layout.tip.EnterDirectory(componentCanisterStates); err != nil {
				return util.StatusWrapWithCode(err, codes.Internal, "Failed to open canister states directory")
			}
			defer canisterStates.Close()
		}
		if err := canisterStates.RemoveAll(id.component()); err != nil {
			return util.StatusWrapfWithCode(err, codes.Internal, "Failed to remove directory of canister %s", id)
		}
	}
	return nil
}
