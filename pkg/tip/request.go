package tip

import (
	"sync"

	"github.com/buildbarn/bb-checkpoint/pkg/manifest"
	"github.com/buildbarn/bb-checkpoint/pkg/pagemap"
	"github.com/buildbarn/bb-checkpoint/pkg/statelayout"
	"github.com/buildbarn/bb-checkpoint/pkg/util"
)

// Request is a unit of work processed by the tip worker. Requests are
// processed one at a time, in the order in which they were sent.
type Request interface {
	// kind is used to label metrics and log entries.
	kind() string
}

// PageMapTypeWithNumPages pairs a page map with its logical size.
type PageMapTypeWithNumPages struct {
	PageMapType statelayout.PageMapType
	NumPages    uint64
}

// PageMapToFlush is a page map whose delta needs to be written to the
// tip.
type PageMapToFlush struct {
	PageMapType statelayout.PageMapType
	// Remove all existing files of the page map before persisting
	// its delta, for example because the canister's memory was
	// replaced.
	Truncate bool
	// Page map whose unflushed delta should be persisted. If nil,
	// only truncation is performed.
	PageMap pagemap.PageMap
}

// TipToCheckpointResult is sent in response to a
// TipToCheckpointRequest.
type TipToCheckpointResult struct {
	Checkpoint *statelayout.CheckpointLayout
	Err        error
}

// ResetTipAndMergeRequest replaces the contents of the tip with those
// of a checkpoint. Afterwards, page maps are merged to limit the number
// of files and storage overhead.
type ResetTipAndMergeRequest struct {
	Checkpoint               *statelayout.CheckpointLayout
	PageMapTypesWithNumPages []PageMapTypeWithNumPages
}

func (ResetTipAndMergeRequest) kind() string { return "reset_tip_to" }

// FilterTipCanistersRequest removes all canisters from the tip that are
// not part of a set.
type FilterTipCanistersRequest struct {
	Height statelayout.Height
	IDs    map[statelayout.CanisterID]struct{}
}

func (FilterTipCanistersRequest) kind() string { return "filter_tip_canisters" }

// FlushPageMapDeltaRequest writes the unflushed deltas of page maps to
// the tip.
type FlushPageMapDeltaRequest struct {
	Height   statelayout.Height
	PageMaps []PageMapToFlush
}

func (FlushPageMapDeltaRequest) kind() string { return "flush_unflushed_delta" }

// DefragTipRequest rewrites a pseudo-randomly chosen region of one of
// the page maps in the tip.
type DefragTipRequest struct {
	Height       statelayout.Height
	PageMapTypes []statelayout.PageMapType
}

func (DefragTipRequest) kind() string { return "defrag_tip" }

// SerializeToTipRequest writes a replicated state to the tip, so that
// it can be turned into a checkpoint.
type SerializeToTipRequest struct {
	Height statelayout.Height
	State  *ReplicatedState
}

func (SerializeToTipRequest) kind() string { return "serialize_to_tip" }

// TipToCheckpointRequest creates a checkpoint from the tip. The result
// is sent to Reply, which should have a capacity of at least one.
type TipToCheckpointRequest struct {
	Height statelayout.Height
	Reply  chan<- TipToCheckpointResult
}

func (TipToCheckpointRequest) kind() string { return "tip_to_checkpoint" }

// ComputeManifestRequest computes the manifest of a checkpoint and
// stores it in the shared state. If provided, the delta is used to
// avoid hashing files that did not change.
type ComputeManifestRequest struct {
	Checkpoint           *statelayout.CheckpointLayout
	Delta                *manifest.ManifestDelta
	States               *SharedState
	PersistMetadataGuard *sync.Mutex
}

func (ComputeManifestRequest) kind() string { return "compute_manifest" }

// WaitRequest causes the worker to send a value to Reply once all
// previously sent requests have been processed.
type WaitRequest struct {
	Reply chan<- struct{}
}

func (WaitRequest) kind() string { return "wait" }

// NoopRequest does nothing.
type NoopRequest struct{}

func (NoopRequest) kind() string { return "noop" }

// CheckpointPageMapTypesWithNumPages lists all page maps of a
// checkpoint together with their logical sizes, as needed by
// ResetTipAndMergeRequest.
func CheckpointPageMapTypesWithNumPages(checkpoint *statelayout.CheckpointLayout, concurrency int) ([]PageMapTypeWithNumPages, error) {
	pageMapTypes, err := checkpoint.PageMapTypes()
	if err != nil {
		return nil, err
	}
	return util.ParallelMap(concurrency, pageMapTypes, func(pageMapType statelayout.PageMapType) (PageMapTypeWithNumPages, error) {
		paths, err := checkpoint.PageMapPaths(pageMapType)
		if err != nil {
			return PageMapTypeWithNumPages{}, err
		}
		defer paths.Close()
		numPages, err := paths.NumPages()
		if err != nil {
			return PageMapTypeWithNumPages{}, util.StatusWrapf(err, "Page map %s", pageMapType)
		}
		return PageMapTypeWithNumPages{
			PageMapType: pageMapType,
			NumPages:    numPages,
		}, nil
	})
}
