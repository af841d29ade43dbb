package statelayout

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/buildbarn/bb-checkpoint/pkg/filesystem/path"
)

// Height of the replicated state. Checkpoints and the tip are
// identified by the height of the state they contain.
type Height uint64

// CanisterID identifies a canister whose state is stored in its own
// directory underneath canister_states/.
type CanisterID uint64

func (id CanisterID) String() string {
	return fmt.Sprintf("%016x", uint64(id))
}

func (id CanisterID) component() path.Component {
	return path.MustNewComponentf("%016x", uint64(id))
}

func parseHexComponent(name string) (uint64, bool) {
	if len(name) != 16 {
		return 0, false
	}
	v, err := strconv.ParseUint(name, 16, 64)
	return v, err == nil
}

// PageMapKind identifies one of the memory regions of a canister that
// is stored as a page map.
type PageMapKind int

const (
	// WasmMemory is the heap of the canister's Wasm module.
	WasmMemory PageMapKind = iota
	// StableMemory is the canister's stable memory.
	StableMemory
	// WasmChunkStore holds chunks of Wasm modules uploaded to the
	// canister.
	WasmChunkStore
)

// AllPageMapKinds lists every kind of page map a canister may have.
var AllPageMapKinds = []PageMapKind{WasmMemory, StableMemory, WasmChunkStore}

func (k PageMapKind) fileStem() string {
	switch k {
	case WasmMemory:
		return "vmemory_0"
	case StableMemory:
		return "stable_memory"
	case WasmChunkStore:
		return "wasm_chunk_store"
	default:
		panic("Unknown page map kind")
	}
}

func (k PageMapKind) String() string {
	switch k {
	case WasmMemory:
		return "wasm_memory"
	case StableMemory:
		return "stable_memory"
	case WasmChunkStore:
		return "wasm_chunk_store"
	default:
		return "unknown"
	}
}

// BaseFile returns the name of the base file of page maps of this
// kind.
func (k PageMapKind) BaseFile() path.Component {
	return path.MustNewComponent(k.fileStem() + ".bin")
}

func (k PageMapKind) overlaySuffix() string {
	return "_" + k.fileStem() + ".overlay"
}

// OverlayFile returns the name of the overlay file of page maps of
// this kind created at a given height. Names start with the height in
// zero-padded hexadecimal, so that sorting overlays by name sorts them
// by height.
func (k PageMapKind) OverlayFile(height Height) path.Component {
	return path.MustNewComponentf("%016x%s", uint64(height), k.overlaySuffix())
}

// ParseOverlayFile returns the height encoded in the name of an
// overlay file of this kind.
func (k PageMapKind) ParseOverlayFile(name string) (Height, bool) {
	heightStr, ok := strings.CutSuffix(name, k.overlaySuffix())
	if !ok {
		return 0, false
	}
	height, ok := parseHexComponent(heightStr)
	return Height(height), ok
}

// PageMapType identifies a single page map within a state.
type PageMapType struct {
	Kind       PageMapKind
	CanisterID CanisterID
}

func (t PageMapType) String() string {
	return fmt.Sprintf("%s/%s", t.CanisterID, t.Kind)
}

// RelativePath returns the path of a file belonging to the page map,
// relative to the root of a checkpoint. It matches the paths stored in
// manifests.
func (t PageMapType) RelativePath(name path.Component) string {
	return fmt.Sprintf("%s/%s/%s", componentCanisterStates, t.CanisterID.component(), name)
}
