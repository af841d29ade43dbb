package statelayout

import (
	"io"
	"os"
	"sort"

	"github.com/buildbarn/bb-checkpoint/pkg/filesystem"
	"github.com/buildbarn/bb-checkpoint/pkg/filesystem/path"
	"github.com/buildbarn/bb-checkpoint/pkg/pagemap"
	"github.com/buildbarn/bb-checkpoint/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	componentCanisterStates = path.MustNewComponent("canister_states")

	// Files stored at the top level of a state.
	componentSystemMetadata = path.MustNewComponent("system_metadata.pbuf")
	componentIngressHistory = path.MustNewComponent("ingress_history.pbuf")
	componentSubnetQueues   = path.MustNewComponent("subnet_queues.pbuf")
	componentSplitFrom      = path.MustNewComponent("split_from.pbuf")
	componentStats          = path.MustNewComponent("stats.pbuf")

	// Files stored in the directory of a canister.
	componentCanisterStateBits = path.MustNewComponent("canister.pbuf")
	componentCanisterQueues    = path.MustNewComponent("queues.pbuf")
	componentWasmBinary        = path.MustNewComponent("software.wasm")
)

// CheckpointLayout provides access to the files of a state at a given
// height. It is used both for immutable checkpoints and for the tip.
type CheckpointLayout struct {
	directory filesystem.Directory
	closer    io.Closer
	height    Height
	readOnly  bool
}

// Close releases the directory handle of a checkpoint. Closing a
// layout of the tip has no effect, as the tip directory handle is
// owned by the StateLayout.
func (cl *CheckpointLayout) Close() error {
	if cl.closer == nil {
		return nil
	}
	return cl.closer.Close()
}

// Height of the state stored in the layout.
func (cl *CheckpointLayout) Height() Height {
	return cl.height
}

// Directory returns the root directory of the state.
func (cl *CheckpointLayout) Directory() filesystem.Directory {
	return cl.directory
}

// IsReadOnly returns true if the layout refers to a checkpoint, as
// opposed to the tip.
func (cl *CheckpointLayout) IsReadOnly() bool {
	return cl.readOnly
}

// CanisterIDs returns the IDs of all canisters that have a directory
// in the state, in increasing order.
func (cl *CheckpointLayout) CanisterIDs() ([]CanisterID, error) {
	d, err := cl.directory.EnterDirectory(componentCanisterStates)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to open canister states directory")
	}
	defer d.Close()
	entries, err := d.ReadDir()
	if err != nil {
		return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to read canister states directory")
	}
	ids := make([]CanisterID, 0, len(entries))
	for _, entry := range entries {
		id, ok := parseHexComponent(entry.Name().String())
		if !ok || entry.Type() != filesystem.FileTypeDirectory {
			return nil, status.Errorf(codes.InvalidArgument, "Canister states directory contains unexpected file %#v", entry.Name().String())
		}
		ids = append(ids, CanisterID(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// PageMapTypes returns the page map types of all canisters stored in
// the state.
func (cl *CheckpointLayout) PageMapTypes() ([]PageMapType, error) {
	ids, err := cl.CanisterIDs()
	if err != nil {
		return nil, err
	}
	pageMapTypes := make([]PageMapType, 0, len(ids)*len(AllPageMapKinds))
	for _, id := range ids {
		for _, kind := range AllPageMapKinds {
			pageMapTypes = append(pageMapTypes, PageMapType{Kind: kind, CanisterID: id})
		}
	}
	return pageMapTypes, nil
}

func (cl *CheckpointLayout) enterCanisterDirectory(id CanisterID) (filesystem.DirectoryCloser, error) {
	if cl.readOnly {
		canisterStates, err := cl.directory.EnterDirectory(componentCanisterStates)
		if err != nil {
			return nil, err
		}
		defer canisterStates.Close()
		return canisterStates.EnterDirectory(id.component())
	}
	canisterStates, err := filesystem.EnterOrCreateDirectory(cl.directory, componentCanisterStates)
	if err != nil {
		return nil, err
	}
	defer canisterStates.Close()
	return filesystem.EnterOrCreateDirectory(canisterStates, id.component())
}

// Canister returns the layout of the directory of a single canister.
// The directory is created if the layout is writable.
func (cl *CheckpointLayout) Canister(id CanisterID) (*CanisterLayout, error) {
	d, err := cl.enterCanisterDirectory(id)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.Errorf(codes.NotFound, "Canister %s does not exist at height %d", id, cl.height)
		}
		return nil, util.StatusWrapfWithCode(err, codes.Internal, "Failed to open directory of canister %s", id)
	}
	return &CanisterLayout{directory: d}, nil
}

// PageMapPaths resolves the base file and overlays of a page map. The
// directory of the canister is created if the layout is writable. The
// caller must close the returned paths.
func (cl *CheckpointLayout) PageMapPaths(pageMapType PageMapType) (*pagemap.Paths, error) {
	d, err := cl.enterCanisterDirectory(pageMapType.CanisterID)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.Errorf(codes.NotFound, "Canister %s does not exist at height %d", pageMapType.CanisterID, cl.height)
		}
		return nil, util.StatusWrapfWithCode(err, codes.Internal, "Failed to open directory of canister %s", pageMapType.CanisterID)
	}
	entries, err := d.ReadDir()
	if err != nil {
		d.Close()
		return nil, util.StatusWrapfWithCode(err, codes.Internal, "Failed to read directory of canister %s", pageMapType.CanisterID)
	}
	kind := pageMapType.Kind
	var overlays []path.Component
	for _, entry := range entries {
		if _, ok := kind.ParseOverlayFile(entry.Name().String()); ok {
			overlays = append(overlays, entry.Name())
		}
	}
	return &pagemap.Paths{
		Directory:        d,
		BaseFile:         kind.BaseFile(),
		ExistingOverlays: overlays,
		NextOverlay:      kind.OverlayFile(cl.height),
	}, nil
}

// OpenPageMapBaseFile opens the base file of a page map for reading
// and writing, returning its size. Unlike PageMapPaths(), no
// directories are created. A nil file is returned if the base file
// does not exist.
func (cl *CheckpointLayout) OpenPageMapBaseFile(pageMapType PageMapType) (filesystem.FileReadWriter, int64, error) {
	if cl.readOnly {
		return nil, 0, status.Errorf(codes.PermissionDenied, "Cannot write page map %s of read-only checkpoint at height %d", pageMapType, cl.height)
	}
	canisterStates, err := cl.directory.EnterDirectory(componentCanisterStates)
	if os.IsNotExist(err) {
		return nil, 0, nil
	} else if err != nil {
		return nil, 0, util.StatusWrapWithCode(err, codes.Internal, "Failed to open canister states directory")
	}
	defer canisterStates.Close()
	d, err := canisterStates.EnterDirectory(pageMapType.CanisterID.component())
	if os.IsNotExist(err) {
		return nil, 0, nil
	} else if err != nil {
		return nil, 0, util.StatusWrapfWithCode(err, codes.Internal, "Failed to open directory of canister %s", pageMapType.CanisterID)
	}
	defer d.Close()

	name := pageMapType.Kind.BaseFile()
	info, err := d.Lstat(name)
	if os.IsNotExist(err) {
		return nil, 0, nil
	} else if err != nil {
		return nil, 0, util.StatusWrapfWithCode(err, codes.Internal, "Failed to obtain properties of %#v", name.String())
	}
	f, err := d.OpenReadWrite(name, filesystem.DontCreate)
	if err != nil {
		return nil, 0, util.StatusWrapfWithCode(err, codes.Internal, "Failed to open %#v", name.String())
	}
	return f, info.SizeBytes(), nil
}

// SystemMetadata reads and parses the system metadata of the state.
func (cl *CheckpointLayout) SystemMetadata() (*SystemMetadata, error) {
	data, err := filesystem.ReadFile(cl.directory, componentSystemMetadata)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.Errorf(codes.NotFound, "State at height %d has no system metadata", cl.height)
		}
		return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to read system metadata")
	}
	return UnmarshalSystemMetadata(data)
}

// WriteSystemMetadata replaces the system metadata of the state.
func (cl *CheckpointLayout) WriteSystemMetadata(m *SystemMetadata) error {
	return cl.writeFile(componentSystemMetadata, m.Marshal())
}

// WriteIngressHistory replaces the serialized ingress history.
func (cl *CheckpointLayout) WriteIngressHistory(data []byte) error {
	return cl.writeFile(componentIngressHistory, data)
}

// WriteSubnetQueues replaces the serialized subnet queues.
func (cl *CheckpointLayout) WriteSubnetQueues(data []byte) error {
	return cl.writeFile(componentSubnetQueues, data)
}

// WriteStats replaces the serialized statistics of the state.
func (cl *CheckpointLayout) WriteStats(data []byte) error {
	return cl.writeFile(componentStats, data)
}

// WriteSplitFrom stores the marker indicating that the state is the
// result of a subnet split. A nil marker removes it.
func (cl *CheckpointLayout) WriteSplitFrom(data []byte) error {
	if data == nil {
		if err := filesystem.RemoveIfExists(cl.directory, componentSplitFrom); err != nil {
			return util.StatusWrapWithCode(err, codes.Internal, "Failed to remove split marker")
		}
		return nil
	}
	return cl.writeFile(componentSplitFrom, data)
}

func (cl *CheckpointLayout) writeFile(name path.Component, data []byte) error {
	if cl.readOnly {
		return status.Errorf(codes.PermissionDenied, "Cannot write %#v to read-only checkpoint at height %d", name.String(), cl.height)
	}
	if err := filesystem.WriteFile(cl.directory, name, data); err != nil {
		return util.StatusWrapfWithCode(err, codes.Internal, "Failed to write %#v", name.String())
	}
	return nil
}

// CanisterLayout provides access to the files in the directory of a
// single canister.
type CanisterLayout struct {
	directory filesystem.DirectoryCloser
}

// Close releases the directory handle.
func (c *CanisterLayout) Close() error {
	return c.directory.Close()
}

// WriteCanisterStateBits replaces the serialized canister state.
func (c *CanisterLayout) WriteCanisterStateBits(data []byte) error {
	return c.writeFile(componentCanisterStateBits, data)
}

// WriteQueues replaces the serialized canister queues.
func (c *CanisterLayout) WriteQueues(data []byte) error {
	return c.writeFile(componentCanisterQueues, data)
}

// HasWasmBinary returns whether the canister has a Wasm module
// stored on disk.
func (c *CanisterLayout) HasWasmBinary() (bool, error) {
	if _, err := c.directory.Lstat(componentWasmBinary); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, util.StatusWrapWithCode(err, codes.Internal, "Failed to obtain properties of Wasm binary")
	}
	return true, nil
}

// WriteWasmBinary replaces the canister's Wasm module.
func (c *CanisterLayout) WriteWasmBinary(data []byte) error {
	return c.writeFile(componentWasmBinary, data)
}

// RemoveWasmBinary removes the canister's Wasm module, if any.
func (c *CanisterLayout) RemoveWasmBinary() error {
	if err := filesystem.RemoveIfExists(c.directory, componentWasmBinary); err != nil {
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to remove Wasm binary")
	}
	return nil
}

func (c *CanisterLayout) writeFile(name path.Component, data []byte) error {
	if err := filesystem.WriteFile(c.directory, name, data); err != nil {
		return util.StatusWrapfWithCode(err, codes.Internal, "Failed to write %#v", name.String())
	}
	return nil
}
