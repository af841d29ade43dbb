package tip

import (
	"fmt"

	"github.com/buildbarn/bb-checkpoint/pkg/statelayout"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type tipStateKind int

const (
	// The tip has been turned into a checkpoint. It needs to be reset
	// before it can be used again.
	tipStateEmpty tipStateKind = iota
	// The tip contains the state at a given height, and page deltas
	// may be written on top of it.
	tipStateReadyForPageDeltas
	// The full state at a given height has been written to the tip.
	// The only thing left to do is turning it into a checkpoint.
	tipStateSerialized
)

type tipState struct {
	kind   tipStateKind
	height statelayout.Height
}

func (s tipState) String() string {
	switch s.kind {
	case tipStateEmpty:
		return "Empty"
	case tipStateReadyForPageDeltas:
		return fmt.Sprintf("ReadyForPageDeltas(%d)", s.height)
	case tipStateSerialized:
		return fmt.Sprintf("Serialized(%d)", s.height)
	default:
		panic("Unknown tip state")
	}
}

// downgradeState tracks the migration of the tip and the first
// checkpoint created from it after layered storage was disabled. While
// layered storage is disabled, overlays left behind in the tip are
// merged into base files once. The first checkpoint created afterwards
// needs a manifest computed from scratch, as the layout of its files no
// longer matches that of its predecessor.
//
// The state is never persisted. It is recomputed after every restart
// by inspecting the tip for overlays.
type downgradeState int

const (
	downgradeStateUnknown downgradeState = iota
	downgradeStateDowngradedTip
	downgradeStateDowngradedCheckpoint
	downgradeStateNotNeeded
)

func (s downgradeState) String() string {
	switch s {
	case downgradeStateUnknown:
		return "Unknown"
	case downgradeStateDowngradedTip:
		return "DowngradedTip"
	case downgradeStateDowngradedCheckpoint:
		return "DowngradedCheckpoint"
	case downgradeStateNotNeeded:
		return "NotNeeded"
	default:
		panic("Unknown downgrade state")
	}
}

func checkNotEmpty(state tipState) error {
	if state.kind == tipStateEmpty {
		return status.Error(codes.FailedPrecondition, "Tip is empty")
	}
	return nil
}

func checkReadyForPageDeltas(state tipState, height statelayout.Height) error {
	if state.kind != tipStateReadyForPageDeltas {
		return status.Errorf(codes.FailedPrecondition, "Tip is in state %s, while ReadyForPageDeltas was expected", state)
	}
	if height < state.height {
		return status.Errorf(codes.FailedPrecondition, "Height %d is below the height of the tip, which is in state %s", height, state)
	}
	return nil
}

// validateRequest checks whether a request may be processed, given the
// current state of the tip. Errors indicate that the caller violated
// the protocol of the tip worker.
func validateRequest(state tipState, haveLatestManifest bool, request Request) error {
	switch r := request.(type) {
	case ResetTipAndMergeRequest:
		if r.Checkpoint == nil {
			return status.Error(codes.InvalidArgument, "No checkpoint provided")
		}
		return nil
	case FilterTipCanistersRequest:
		return checkNotEmpty(state)
	case FlushPageMapDeltaRequest:
		return checkReadyForPageDeltas(state, r.Height)
	case DefragTipRequest:
		return checkNotEmpty(state)
	case SerializeToTipRequest:
		if r.State == nil {
			return status.Error(codes.InvalidArgument, "No state provided")
		}
		return checkReadyForPageDeltas(state, r.Height)
	case TipToCheckpointRequest:
		if state.kind != tipStateSerialized || state.height != r.Height {
			return status.Errorf(codes.FailedPrecondition, "Tip is in state %s, while Serialized(%d) was expected", state, r.Height)
		}
		if !haveLatestManifest {
			return status.Error(codes.FailedPrecondition, "The manifest of the previous checkpoint has not been computed yet")
		}
		return nil
	case ComputeManifestRequest:
		if r.Checkpoint == nil || r.States == nil || r.PersistMetadataGuard == nil {
			return status.Error(codes.InvalidArgument, "Checkpoint, states and persist metadata guard must be provided")
		}
		return nil
	case WaitRequest, NoopRequest:
		return nil
	default:
		return status.Errorf(codes.InvalidArgument, "Unknown request type %T", request)
	}
}
