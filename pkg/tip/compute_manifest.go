package tip

import (
	"github.com/buildbarn/bb-checkpoint/pkg/manifest"
	"github.com/dustin/go-humanize"

	"go.uber.org/zap"
)

func (w *worker) handleComputeManifest(r ComputeManifestRequest) {
	checkpoint := r.Checkpoint
	height := checkpoint.Height()
	systemMetadata, err := checkpoint.SystemMetadata()
	if err != nil {
		w.fatal("Failed to read system metadata", zap.Uint64("height", uint64(height)), zap.Error(err))
		return
	}
	version := systemMetadata.StateSyncVersion
	if version > manifest.MaxSupportedStateSyncVersion {
		w.fatal(
			"Unable to compute a manifest with an unsupported state sync version",
			zap.Uint64("height", uint64(height)),
			zap.Uint32("state_sync_version", version),
			zap.Uint32("max_supported_state_sync_version", manifest.MaxSupportedStateSyncVersion))
		return
	}

	delta := r.Delta
	if w.downgradeState == downgradeStateDowngradedCheckpoint {
		// Overlays of the base checkpoint were merged into base
		// files, meaning that files may have changed that are not
		// part of the delta.
		w.logger.Info("Computing manifest without delta, as overlays were merged", zap.Uint64("height", uint64(height)))
		delta = nil
	} else if delta != nil {
		delta = w.extendManifestDelta(height, delta)
		if delta == nil {
			w.logger.Info(
				"Computing manifest without delta, as files may have been rewritten since the base height",
				zap.Uint64("height", uint64(height)),
				zap.Uint64("base_height", r.Delta.BaseHeight))
		}
	}

	start := w.clock.Now()
	m, err := w.computer.Compute(checkpoint.Directory(), version, w.configuration.ChunkSizeBytes, delta)
	if err != nil {
		w.fatal("Failed to compute manifest", zap.Uint64("height", uint64(height)), zap.Error(err))
		return
	}
	w.observeOperation("compute_manifest", start)

	stateSizeBytes := m.StateSizeBytes()
	workerStateSizeBytes.Set(float64(stateSizeBytes))
	workerLastComputedManifestHeight.Set(float64(height))

	fileGroupChunks := manifest.BuildFileGroupChunks(m)
	bundledManifest := manifest.ComputeBundledManifest(m)
	bundledManifest.RootHash = maliciouslyAlterRootHash(w.logger, w.configuration.MaliciousFlags, height, bundledManifest.RootHash)
	w.logger.Info(
		"Computed manifest",
		zap.Uint64("height", uint64(height)),
		zap.Uint32("version", m.Version),
		zap.Stringer("root_hash", bundledManifest.RootHash),
		zap.String("state_size", humanize.IBytes(stateSizeBytes)),
		zap.Int("files", len(m.FileTable)),
		zap.Int("chunks", len(m.ChunkTable)))

	numFileGroupChunks := uint64(len(fileGroupChunks))
	workerFileGroupChunks.Set(float64(numFileGroupChunks))
	if numFileGroupChunks > manifest.FileGroupChunkIDRangeLength/2 {
		w.logger.Error(
			"The number of file group chunks is greater than half of the available chunk ID range",
			zap.String("fault", "chunk_id_usage_nearing_limits"),
			zap.Uint64("file_group_chunks", numFileGroupChunks),
			zap.Uint64("file_group_chunk_id_range_length", manifest.FileGroupChunkIDRangeLength))
		workerChunkIDUsageNearingLimits.Inc()
	}
	numSubManifestChunks := uint64(len(bundledManifest.MetaManifest.SubManifestHashes))
	workerSubManifestChunks.Set(float64(numSubManifestChunks))
	if numSubManifestChunks > manifest.SubManifestChunkIDRangeLength/2 {
		w.logger.Error(
			"The number of sub-manifest chunks is greater than half of the available chunk ID range",
			zap.String("fault", "chunk_id_usage_nearing_limits"),
			zap.Uint64("sub_manifest_chunks", numSubManifestChunks),
			zap.Uint64("sub_manifest_chunk_id_range_length", manifest.SubManifestChunkIDRangeLength))
		workerChunkIDUsageNearingLimits.Inc()
	}

	if err := r.States.SetBundledManifest(height, bundledManifest, r.PersistMetadataGuard); err != nil {
		w.fatal("Failed to store manifest", zap.Uint64("height", uint64(height)), zap.Error(err))
		return
	}
	w.haveLatestManifest = true
	w.pruneRewrittenFiles(height)
	if w.downgradeState == downgradeStateDowngradedCheckpoint {
		w.downgradeState = downgradeStateNotNeeded
	}
}
