package tip

import (
	"time"

	"github.com/buildbarn/bb-checkpoint/pkg/clock"
	"github.com/buildbarn/bb-checkpoint/pkg/filesystem/path"
	"github.com/buildbarn/bb-checkpoint/pkg/manifest"
	"github.com/buildbarn/bb-checkpoint/pkg/pagemap"
	"github.com/buildbarn/bb-checkpoint/pkg/statelayout"
	"github.com/buildbarn/bb-checkpoint/pkg/util"

	"go.uber.org/zap"
)

const (
	// DefaultNumberOfCheckpointThreads is the number of page maps or
	// canisters that are processed in parallel by default.
	DefaultNumberOfCheckpointThreads = 16
	// DefaultDefragSizeBytes is the default amount of data that is
	// rewritten by a single defragmentation request.
	DefaultDefragSizeBytes = 1 << 29
	// DefaultDefragSampleCount is the default number of page maps
	// from which a file to defragment is chosen.
	DefaultDefragSampleCount = 100
)

// Configuration of the tip worker.
type Configuration struct {
	StorageMode               pagemap.StorageMode
	NumberOfCheckpointThreads int
	DefragSizeBytes           int64
	DefragSampleCount         int
	// Size of the chunks into which files are split when computing
	// manifests. Zero means manifest.DefaultChunkSize.
	ChunkSizeBytes uint32
	MaliciousFlags MaliciousFlags
}

func (c *Configuration) setDefaults() {
	if c.NumberOfCheckpointThreads <= 0 {
		c.NumberOfCheckpointThreads = DefaultNumberOfCheckpointThreads
	}
	if c.DefragSizeBytes <= 0 {
		c.DefragSizeBytes = DefaultDefragSizeBytes
	}
	if c.DefragSampleCount <= 0 {
		c.DefragSampleCount = DefaultDefragSampleCount
	}
	if c.ChunkSizeBytes == 0 {
		c.ChunkSizeBytes = manifest.DefaultChunkSize
	}
}

type worker struct {
	logger        *zap.Logger
	layout        *statelayout.StateLayout
	tipHandler    *statelayout.TipHandler
	clock         clock.Clock
	configuration Configuration
	computer      *manifest.Computer
	queue         *requestQueue

	// State below is only accessed by the worker goroutine.
	tipState           tipState
	haveLatestManifest bool
	downgradeState     downgradeState

	tipRewrittenFiles        rewrittenFiles
	checkpointRewrittenFiles map[statelayout.Height]rewrittenFiles
}

// SpawnWorker launches the goroutine that owns the tip directory of a
// state layout. All modifications to the tip must be performed by
// sending requests through the returned Sender.
//
// The worker terminates the process through logger.Fatal() when a
// request cannot be processed, as the tip is left in an unknown
// state. The only exception is the creation of checkpoints, whose
// errors are returned to the caller.
func SpawnWorker(logger *zap.Logger, layout *statelayout.StateLayout, clock clock.Clock, configuration Configuration) *Sender {
	registerWorkerMetrics()
	configuration.setDefaults()

	initialDowngradeState := downgradeStateUnknown
	if configuration.StorageMode == pagemap.StorageModeLayered {
		initialDowngradeState = downgradeStateNotNeeded
	}
	w := &worker{
		logger:        logger,
		layout:        layout,
		tipHandler:    layout.TipHandler(),
		clock:         clock,
		configuration: configuration,
		computer:      manifest.NewComputer(configuration.NumberOfCheckpointThreads),
		queue:         newRequestQueue(),

		tipState:           tipState{kind: tipStateReadyForPageDeltas},
		haveLatestManifest: true,
		downgradeState:     initialDowngradeState,

		checkpointRewrittenFiles: map[statelayout.Height]rewrittenFiles{},
	}
	done := make(chan struct{})
	go w.run(done)
	return &Sender{
		queue: w.queue,
		done:  done,
	}
}

func (w *worker) run(done chan<- struct{}) {
	defer close(done)
	for {
		request, ok := w.queue.pop()
		if !ok {
			return
		}
		if err := validateRequest(w.tipState, w.haveLatestManifest, request); err != nil {
			w.fatal(
				"Invariant violation",
				zap.String("fault", "invariant_violation"),
				zap.String("request", request.kind()),
				zap.Stringer("tip_state", w.tipState),
				zap.Error(err))
			continue
		}

		start := w.clock.Now()
		w.handleRequest(request)
		workerRequestDurationSeconds.WithLabelValues(request.kind()).Observe(w.clock.Now().Sub(start).Seconds())
	}
}

func (w *worker) handleRequest(request Request) {
	switch r := request.(type) {
	case ResetTipAndMergeRequest:
		w.handleResetTipAndMerge(r)
	case FilterTipCanistersRequest:
		if err := w.tipHandler.FilterTipCanisters(r.Height, r.IDs); err != nil {
			w.fatal("Failed to filter tip canisters", zap.Uint64("height", uint64(r.Height)), zap.Error(err))
		}
	case FlushPageMapDeltaRequest:
		w.handleFlushPageMapDelta(r)
	case DefragTipRequest:
		w.handleDefragTip(r)
	case SerializeToTipRequest:
		w.handleSerializeToTip(r)
	case TipToCheckpointRequest:
		w.handleTipToCheckpoint(r)
	case ComputeManifestRequest:
		w.handleComputeManifest(r)
	case WaitRequest:
		r.Reply <- struct{}{}
	case NoopRequest:
	default:
		panic("Unknown request type")
	}
}

// fatal terminates the process. Errors passed to it are not
// recoverable, as the contents of the tip are no longer known.
func (w *worker) fatal(msg string, fields ...zap.Field) {
	w.logger.Fatal(msg, fields...)
}

func (w *worker) observeOperation(operation string, start time.Time) {
	workerCheckpointOperationDurationSeconds.WithLabelValues(operation).Observe(w.clock.Now().Sub(start).Seconds())
}

func (w *worker) handleResetTipAndMerge(r ResetTipAndMergeRequest) {
	height := r.Checkpoint.Height()
	start := w.clock.Now()
	if err := w.tipHandler.ResetTipTo(r.Checkpoint); err != nil {
		w.fatal("Failed to reset tip to checkpoint", zap.Uint64("height", uint64(height)), zap.Error(err))
		return
	}
	w.observeOperation("reset_tip", start)
	w.tipRewrittenFiles = rewrittenFiles{resetHeight: height}

	start = w.clock.Now()
	if w.configuration.StorageMode == pagemap.StorageModeLayered {
		w.merge(height, r.PageMapTypesWithNumPages)
	} else if w.downgradeState == downgradeStateUnknown {
		// Layered storage got disabled. Overlays that were
		// created before need to be folded into base files once.
		if w.mergeFull(height, r.PageMapTypesWithNumPages) {
			w.downgradeState = downgradeStateDowngradedTip
		} else {
			w.downgradeState = downgradeStateNotNeeded
		}
	}
	w.observeOperation("merge", start)

	w.tipState = tipState{kind: tipStateReadyForPageDeltas, height: height}
}

func (w *worker) handleFlushPageMapDelta(r FlushPageMapDeltaRequest) {
	tip := w.tipHandler.Tip(r.Height)
	truncatedFiles, err := util.ParallelMap(w.configuration.NumberOfCheckpointThreads, r.PageMaps, func(p PageMapToFlush) ([]path.Component, error) {
		paths, err := tip.PageMapPaths(p.PageMapType)
		if err != nil {
			return nil, util.StatusWrapf(err, "Failed to get paths of page map %s", p.PageMapType)
		}
		defer paths.Close()
		var truncatedFiles []path.Component
		if p.Truncate {
			truncatedFiles = append(append(truncatedFiles, paths.BaseFile), paths.ExistingOverlays...)
			if err := paths.DeleteFiles(); err != nil {
				return nil, util.StatusWrapf(err, "Failed to truncate page map %s", p.PageMapType)
			}
		}
		if p.PageMap != nil && !p.PageMap.UnflushedDeltaIsEmpty() {
			if err := p.PageMap.PersistUnflushedDelta(pagemap.NewPersistDestination(paths, w.configuration.StorageMode)); err != nil {
				return nil, util.StatusWrapf(err, "Failed to persist unflushed delta of page map %s", p.PageMapType)
			}
		}
		return truncatedFiles, nil
	})
	if err != nil {
		w.fatal("Failed to flush page map deltas", zap.Uint64("height", uint64(r.Height)), zap.Error(err))
		return
	}
	for i, names := range truncatedFiles {
		if len(names) > 0 {
			w.tipRewrittenFiles.add(r.PageMaps[i].PageMapType, names)
		}
	}
	w.tipState = tipState{kind: tipStateReadyForPageDeltas, height: r.Height}
}

func (w *worker) handleDefragTip(r DefragTipRequest) {
	tip := w.tipHandler.Tip(r.Height)
	if err := defragTip(
		w.logger,
		tip,
		r.PageMapTypes,
		w.configuration.DefragSizeBytes,
		w.configuration.DefragSampleCount,
		uint64(r.Height),
	); err != nil {
		w.fatal("Failed to defragment tip", zap.Uint64("height", uint64(r.Height)), zap.Error(err))
		return
	}
	w.tipState = tipState{kind: tipStateReadyForPageDeltas, height: r.Height}
}

func (w *worker) handleSerializeToTip(r SerializeToTipRequest) {
	start := w.clock.Now()
	tip := w.tipHandler.Tip(r.Height)
	if err := serializeToTip(tip, r.State, w.configuration.StorageMode, w.configuration.NumberOfCheckpointThreads); err != nil {
		w.fatal("Failed to serialize state to tip", zap.Uint64("height", uint64(r.Height)), zap.Error(err))
		return
	}
	w.observeOperation("serialize_to_tip", start)
	w.tipState = tipState{kind: tipStateSerialized, height: r.Height}
}

func (w *worker) handleTipToCheckpoint(r TipToCheckpointRequest) {
	start := w.clock.Now()
	checkpoint, err := w.layout.TipToCheckpoint(w.tipHandler.Tip(r.Height), r.Height)
	w.observeOperation("tip_to_checkpoint", start)

	// Even if creating the checkpoint failed, the tip needs to be
	// reset before it can be used again.
	w.tipState = tipState{kind: tipStateEmpty}
	if err == nil {
		w.checkpointRewrittenFiles[r.Height] = w.tipRewrittenFiles
		w.haveLatestManifest = false
		if w.downgradeState == downgradeStateDowngradedTip {
			w.downgradeState = downgradeStateDowngradedCheckpoint
		}
	} else {
		w.logger.Error("Failed to create checkpoint", zap.Uint64("height", uint64(r.Height)), zap.Error(err))
	}
	w.tipRewrittenFiles = rewrittenFiles{}
	r.Reply <- TipToCheckpointResult{
		Checkpoint: checkpoint,
		Err:        err,
	}
}
