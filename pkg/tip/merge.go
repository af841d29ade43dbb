package tip

import (
	"sort"

	"github.com/buildbarn/bb-checkpoint/pkg/filesystem/path"
	"github.com/buildbarn/bb-checkpoint/pkg/pagemap"
	"github.com/buildbarn/bb-checkpoint/pkg/statelayout"
	"github.com/buildbarn/bb-checkpoint/pkg/util"
	"github.com/dustin/go-humanize"

	"go.uber.org/zap"
)

// mergeCandidate is the subset of pagemap.MergeCandidate used by the
// merge planner.
type mergeCandidate interface {
	IsFullMerge() bool
	InputSizeBytes() int64
	Apply() (int64, error)
}

var _ mergeCandidate = (*pagemap.MergeCandidate)(nil)

type mergeCandidateAndMetrics struct {
	// Nil if the page map does not need to be merged.
	candidate mergeCandidate

	numFilesBefore int
	// Storage used by the page map before merging, and an estimate
	// of the storage used after merging.
	storageSizeBytesBefore int64
	storageSizeBytesAfter  int64
	// Logical size of the page map.
	pageMapSizeBytes int64
	// Estimate of the amount of data written by the merge.
	writeSizeBytes int64
}

func newMergeCandidateAndMetrics(candidate mergeCandidate, numFilesBefore int, storageSizeBytesBefore int64, numPages uint64) mergeCandidateAndMetrics {
	pageMapSizeBytes := int64(numPages) * pagemap.PageSize
	m := mergeCandidateAndMetrics{
		candidate:              candidate,
		numFilesBefore:         numFilesBefore,
		storageSizeBytesBefore: storageSizeBytesBefore,
		storageSizeBytesAfter:  storageSizeBytesBefore,
		pageMapSizeBytes:       pageMapSizeBytes,
	}
	if candidate != nil {
		if candidate.IsFullMerge() {
			m.storageSizeBytesAfter = pageMapSizeBytes
			m.writeSizeBytes = pageMapSizeBytes
		} else {
			// In the worst case the merged overlays contain
			// disjoint pages, meaning no storage is saved.
			m.writeSizeBytes = min(pageMapSizeBytes, candidate.InputSizeBytes())
		}
	}
	return m
}

func (m *mergeCandidateAndMetrics) savedBytes() int64 {
	return m.storageSizeBytesBefore - m.storageSizeBytesAfter
}

// mergePlan contains the merges that should be applied to the tip, and
// the statistics that were used to select them.
type mergePlan struct {
	scheduled           []mergeCandidateAndMetrics
	pageMapSizeBytes    int64
	storageSizeBytes    int64
	maxStorageSizeBytes int64
	storageSavedBytes   int64
	mergesByFileCount   int
}

// planMerges selects the merges to apply, given a candidate for every
// page map. It attempts to achieve two goals:
//
//   - The total storage used by all page maps is at most 2.5 times
//     their logical size. The overhead of individual page maps is not
//     bounded.
//   - The number of files of each page map remains small.
//
// Page maps with the most files are merged first, where the amount of
// data merged for this purpose is limited to a quarter of the logical
// size of all page maps, so that merges are spread over multiple
// checkpoint intervals. Afterwards, full merges are added in order of
// decreasing storage saved per byte written, until the overhead goal is
// met.
//
// The selection only depends on the order and metrics of the
// candidates, so that all replicas end up with identical layouts.
func planMerges(candidates []mergeCandidateAndMetrics) mergePlan {
	var plan mergePlan
	for _, m := range candidates {
		plan.pageMapSizeBytes += m.pageMapSizeBytes
		plan.storageSizeBytes += m.storageSizeBytesBefore
	}
	plan.maxStorageSizeBytes = plan.pageMapSizeBytes*2 + plan.pageMapSizeBytes/2

	var applicable []mergeCandidateAndMetrics
	for _, m := range candidates {
		if m.candidate != nil {
			applicable = append(applicable, m)
		}
	}

	sort.SliceStable(applicable, func(i, j int) bool {
		return applicable[i].numFilesBefore > applicable[j].numFilesBefore
	})
	storageToMergeForFileCount := plan.pageMapSizeBytes / 4
	var mergedForFileCount int64
	for _, m := range applicable {
		if mergedForFileCount >= storageToMergeForFileCount || m.numFilesBefore < pagemap.MaxNumberOfFiles {
			break
		}
		mergedForFileCount += m.pageMapSizeBytes
		plan.mergesByFileCount++
	}
	plan.scheduled = append(plan.scheduled, applicable[:plan.mergesByFileCount]...)
	remaining := applicable[plan.mergesByFileCount:]

	for _, m := range plan.scheduled {
		plan.storageSavedBytes += m.savedBytes()
	}

	// Order the remaining candidates by decreasing ratio of storage
	// saved to bytes written, using fixed point arithmetic.
	ratioKey := func(m *mergeCandidateAndMetrics) int64 {
		if m.writeSizeBytes == 0 {
			return 0
		}
		return -1000 * m.savedBytes() / m.writeSizeBytes
	}
	sort.SliceStable(remaining, func(i, j int) bool {
		return ratioKey(&remaining[i]) < ratioKey(&remaining[j])
	})
	storageToSave := plan.storageSizeBytes - plan.maxStorageSizeBytes
	for _, m := range remaining {
		if plan.storageSavedBytes >= storageToSave {
			break
		}
		// Partial merges don't reduce storage. There are enough
		// full merges to reach the goal before getting to them.
		if !m.candidate.IsFullMerge() {
			continue
		}
		plan.storageSavedBytes += m.savedBytes()
		plan.scheduled = append(plan.scheduled, m)
	}
	return plan
}

type pageMapMergeCandidate struct {
	pageMapType statelayout.PageMapType
	paths       *pagemap.Paths
	candidate   *pagemap.MergeCandidate
	metrics     mergeCandidateAndMetrics
}

// merge plans and applies merges of all non-empty page maps in the tip.
func (w *worker) merge(height statelayout.Height, pageMapTypesWithNumPages []PageMapTypeWithNumPages) {
	nonEmpty := make([]PageMapTypeWithNumPages, 0, len(pageMapTypesWithNumPages))
	for _, p := range pageMapTypesWithNumPages {
		if p.NumPages > 0 {
			nonEmpty = append(nonEmpty, p)
		}
	}

	tip := w.tipHandler.Tip(height)
	results, err := util.ParallelMap(w.configuration.NumberOfCheckpointThreads, nonEmpty, func(p PageMapTypeWithNumPages) (pageMapMergeCandidate, error) {
		paths, err := tip.PageMapPaths(p.PageMapType)
		if err != nil {
			return pageMapMergeCandidate{}, util.StatusWrapf(err, "Failed to get paths of page map %s", p.PageMapType)
		}
		numFiles, storageSizeBytes, err := paths.StorageSize()
		if err != nil {
			paths.Close()
			return pageMapMergeCandidate{}, util.StatusWrapf(err, "Failed to get storage size of page map %s", p.PageMapType)
		}
		candidate, err := pagemap.NewMergeCandidate(paths, p.NumPages)
		if err != nil {
			paths.Close()
			return pageMapMergeCandidate{}, util.StatusWrapf(err, "Failed to get merge candidate of page map %s", p.PageMapType)
		}
		r := pageMapMergeCandidate{
			pageMapType: p.PageMapType,
			paths:       paths,
			candidate:   candidate,
		}
		if candidate == nil {
			r.metrics = newMergeCandidateAndMetrics(nil, numFiles, storageSizeBytes, p.NumPages)
		} else {
			r.metrics = newMergeCandidateAndMetrics(candidate, numFiles, storageSizeBytes, p.NumPages)
		}
		return r, nil
	})
	if err != nil {
		w.fatal("Failed to compute merge candidates", zap.Uint64("height", uint64(height)), zap.Error(err))
		return
	}
	// Candidates refer to the directories of the page maps, so they
	// may only be closed after merging.
	defer func() {
		for _, r := range results {
			r.paths.Close()
		}
	}()

	candidates := make([]mergeCandidateAndMetrics, 0, len(results))
	for _, r := range results {
		candidates = append(candidates, r.metrics)
	}
	plan := planMerges(candidates)
	w.logger.Info(
		"Merging page maps",
		zap.Uint64("height", uint64(height)),
		zap.Int("scheduled", len(plan.scheduled)),
		zap.Int("page_maps", len(nonEmpty)),
		zap.String("page_map_size", humanize.IBytes(uint64(plan.pageMapSizeBytes))),
		zap.String("storage_size", humanize.IBytes(uint64(plan.storageSizeBytes))),
		zap.String("max_storage_size", humanize.IBytes(uint64(plan.maxStorageSizeBytes))),
		zap.Int64("storage_saved_bytes", plan.storageSavedBytes),
		zap.Int("merges_by_file_count", plan.mergesByFileCount))

	if err := w.applyMerges(plan.scheduled); err != nil {
		w.fatal("Failed to apply merge", zap.Uint64("height", uint64(height)), zap.Error(err))
		return
	}

	scheduled := make(map[mergeCandidate]struct{}, len(plan.scheduled))
	for _, m := range plan.scheduled {
		scheduled[m.candidate] = struct{}{}
	}
	for _, r := range results {
		if r.candidate != nil {
			if _, ok := scheduled[r.candidate]; ok {
				w.tipRewrittenFiles.add(r.pageMapType, r.candidate.ModifiedFiles())
			}
		}
	}
}

// mergeFull folds all overlays into base files, returning whether any
// page map had overlays. This is performed once when layered storage
// is disabled.
func (w *worker) mergeFull(height statelayout.Height, pageMapTypesWithNumPages []PageMapTypeWithNumPages) bool {
	tip := w.tipHandler.Tip(height)
	rewritten, err := util.ParallelMap(w.configuration.NumberOfCheckpointThreads, pageMapTypesWithNumPages, func(p PageMapTypeWithNumPages) ([]path.Component, error) {
		paths, err := tip.PageMapPaths(p.PageMapType)
		if err != nil {
			return nil, util.StatusWrapf(err, "Failed to get paths of page map %s", p.PageMapType)
		}
		defer paths.Close()
		candidate, err := pagemap.NewFullMergeCandidate(paths)
		if err != nil {
			return nil, util.StatusWrapf(err, "Failed to get merge candidate of page map %s", p.PageMapType)
		}
		if candidate == nil {
			return nil, nil
		}
		writtenBytes, err := candidate.Apply()
		if err != nil {
			return nil, util.StatusWrapf(err, "Failed to merge page map %s", p.PageMapType)
		}
		workerMergesFull.Inc()
		workerMergedBytes.Add(float64(writtenBytes))
		return candidate.ModifiedFiles(), nil
	})
	if err != nil {
		w.fatal("Failed to merge overlays for downgrade", zap.Uint64("height", uint64(height)), zap.Error(err))
		return false
	}

	numRewritten := 0
	for i, names := range rewritten {
		if len(names) > 0 {
			w.tipRewrittenFiles.add(pageMapTypesWithNumPages[i].PageMapType, names)
			numRewritten++
		}
	}
	if numRewritten > 0 {
		w.logger.Info("Merged overlays into base files, as layered storage is disabled", zap.Uint64("height", uint64(height)), zap.Int("page_maps", numRewritten))
	}
	return numRewritten > 0
}

func (w *worker) applyMerges(scheduled []mergeCandidateAndMetrics) error {
	_, err := util.ParallelMap(w.configuration.NumberOfCheckpointThreads, scheduled, func(m mergeCandidateAndMetrics) (struct{}, error) {
		writtenBytes, err := m.candidate.Apply()
		if err != nil {
			return struct{}{}, err
		}
		if m.candidate.IsFullMerge() {
			workerMergesFull.Inc()
		} else {
			workerMergesPartial.Inc()
		}
		workerMergedBytes.Add(float64(writtenBytes))
		return struct{}{}, nil
	})
	return err
}
