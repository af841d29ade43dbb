package tip

import (
	"github.com/buildbarn/bb-checkpoint/pkg/pagemap"
	"github.com/buildbarn/bb-checkpoint/pkg/statelayout"
	"github.com/buildbarn/bb-checkpoint/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ReplicatedState is a snapshot of the replicated state at a given
// height, in the form in which it is written to the tip. Apart from
// the page maps, all fields are stored as opaque serialized messages.
type ReplicatedState struct {
	IngressHistory []byte
	SystemMetadata *statelayout.SystemMetadata
	// Nil if the subnet is not in the process of being split.
	SplitFrom    []byte
	SubnetQueues []byte
	Stats        []byte
	Canisters    []*CanisterState
}

// CanisterState is the state of a single canister.
type CanisterState struct {
	ID        statelayout.CanisterID
	Queues    []byte
	StateBits []byte
	// Nil if no Wasm module is installed.
	ExecutionState *ExecutionState
	WasmChunkStore pagemap.PageMap
}

// ExecutionState contains the parts of a canister's state that only
// exist while a Wasm module is installed.
type ExecutionState struct {
	// Nil if the Wasm module did not change since the last
	// checkpoint, meaning it is already present in the tip.
	WasmBinary   []byte
	WasmMemory   pagemap.PageMap
	StableMemory pagemap.PageMap
}

func serializeToTip(tip *statelayout.CheckpointLayout, state *ReplicatedState, storageMode pagemap.StorageMode, concurrency int) error {
	if err := tip.WriteIngressHistory(state.IngressHistory); err != nil {
		return err
	}
	if state.SystemMetadata != nil {
		if err := tip.WriteSystemMetadata(state.SystemMetadata); err != nil {
			return err
		}
	}
	if err := tip.WriteSplitFrom(state.SplitFrom); err != nil {
		return err
	}
	if err := tip.WriteSubnetQueues(state.SubnetQueues); err != nil {
		return err
	}
	if err := tip.WriteStats(state.Stats); err != nil {
		return err
	}

	_, err := util.ParallelMap(concurrency, state.Canisters, func(canister *CanisterState) (struct{}, error) {
		if err := serializeCanisterToTip(tip, canister, storageMode); err != nil {
			return struct{}{}, util.StatusWrapf(err, "Canister %s", canister.ID)
		}
		return struct{}{}, nil
	})
	return err
}

func serializeCanisterToTip(tip *statelayout.CheckpointLayout, canister *CanisterState, storageMode pagemap.StorageMode) error {
	canisterLayout, err := tip.Canister(canister.ID)
	if err != nil {
		return err
	}
	defer canisterLayout.Close()

	if err := canisterLayout.WriteQueues(canister.Queues); err != nil {
		return err
	}

	if executionState := canister.ExecutionState; executionState != nil {
		if executionState.WasmBinary != nil {
			if err := canisterLayout.WriteWasmBinary(executionState.WasmBinary); err != nil {
				return err
			}
		} else if present, err := canisterLayout.HasWasmBinary(); err != nil {
			return err
		} else if !present {
			return status.Error(codes.FailedPrecondition, "Wasm binary is unchanged, but not present in the tip")
		}
		if err := persistDelta(tip, canister.ID, statelayout.WasmMemory, executionState.WasmMemory, storageMode); err != nil {
			return err
		}
		if err := persistDelta(tip, canister.ID, statelayout.StableMemory, executionState.StableMemory, storageMode); err != nil {
			return err
		}
	} else {
		for _, kind := range []statelayout.PageMapKind{statelayout.WasmMemory, statelayout.StableMemory} {
			if err := deletePageMap(tip, canister.ID, kind); err != nil {
				return err
			}
		}
		if err := canisterLayout.RemoveWasmBinary(); err != nil {
			return err
		}
	}

	if err := persistDelta(tip, canister.ID, statelayout.WasmChunkStore, canister.WasmChunkStore, storageMode); err != nil {
		return err
	}
	return canisterLayout.WriteCanisterStateBits(canister.StateBits)
}

// persistDelta writes all pages of a page map that were modified since
// the last checkpoint and have not been flushed yet.
func persistDelta(tip *statelayout.CheckpointLayout, id statelayout.CanisterID, kind statelayout.PageMapKind, pageMap pagemap.PageMap, storageMode pagemap.StorageMode) error {
	if pageMap == nil {
		return nil
	}
	pageMapType := statelayout.PageMapType{Kind: kind, CanisterID: id}
	paths, err := tip.PageMapPaths(pageMapType)
	if err != nil {
		return err
	}
	defer paths.Close()
	if err := pageMap.PersistDelta(pagemap.NewPersistDestination(paths, storageMode)); err != nil {
		return util.StatusWrapf(err, "Failed to persist delta of page map %s", pageMapType)
	}
	return nil
}

func deletePageMap(tip *statelayout.CheckpointLayout, id statelayout.CanisterID, kind statelayout.PageMapKind) error {
	pageMapType := statelayout.PageMapType{Kind: kind, CanisterID: id}
	paths, err := tip.PageMapPaths(pageMapType)
	if err != nil {
		return err
	}
	defer paths.Close()
	if err := paths.DeleteFiles(); err != nil {
		return util.StatusWrapf(err, "Failed to delete page map %s", pageMapType)
	}
	return nil
}
