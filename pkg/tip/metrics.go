package tip

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	workerPrometheusMetrics sync.Once

	workerRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "buildbarn",
			Subsystem: "checkpoint",
			Name:      "tip_request_duration_seconds",
			Help:      "Amount of time spent by the tip worker processing requests, in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2.0, 20),
		},
		[]string{"request"})

	workerCheckpointOperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "buildbarn",
			Subsystem: "checkpoint",
			Name:      "checkpoint_operation_duration_seconds",
			Help:      "Amount of time spent performing individual steps of creating checkpoints, in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2.0, 20),
		},
		[]string{"operation"})

	workerStateSizeBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "buildbarn",
			Subsystem: "checkpoint",
			Name:      "state_size_bytes",
			Help:      "Total size of all files of the most recent checkpoint whose manifest was computed.",
		})
	workerLastComputedManifestHeight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "buildbarn",
			Subsystem: "checkpoint",
			Name:      "last_computed_manifest_height",
			Help:      "Height of the most recent checkpoint whose manifest was computed.",
		})
	workerFileGroupChunks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "buildbarn",
			Subsystem: "checkpoint",
			Name:      "manifest_file_group_chunks",
			Help:      "Number of file-group chunks of the most recently computed manifest.",
		})
	workerSubManifestChunks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "buildbarn",
			Subsystem: "checkpoint",
			Name:      "manifest_sub_manifest_chunks",
			Help:      "Number of sub-manifest chunks of the most recently computed manifest.",
		})
	workerChunkIDUsageNearingLimits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "checkpoint",
			Name:      "chunk_id_usage_nearing_limits_total",
			Help:      "Number of times a manifest used more than half of the chunk IDs available to file-group chunks or sub-manifest chunks.",
		})

	workerMerges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "checkpoint",
			Name:      "page_map_merges_total",
			Help:      "Number of page map merges applied to the tip.",
		},
		[]string{"type"})
	workerMergesFull    = workerMerges.WithLabelValues("full")
	workerMergesPartial = workerMerges.WithLabelValues("partial")

	workerMergedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "checkpoint",
			Name:      "page_map_merged_bytes_total",
			Help:      "Number of bytes of page data written while merging page maps.",
		})

	workerDefragmentedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "checkpoint",
			Name:      "tip_defragmented_bytes_total",
			Help:      "Number of bytes of page map base files rewritten to defragment the tip.",
		})
)

func registerWorkerMetrics() {
	workerPrometheusMetrics.Do(func() {
		prometheus.MustRegister(workerRequestDurationSeconds)
		prometheus.MustRegister(workerCheckpointOperationDurationSeconds)
		prometheus.MustRegister(workerStateSizeBytes)
		prometheus.MustRegister(workerLastComputedManifestHeight)
		prometheus.MustRegister(workerFileGroupChunks)
		prometheus.MustRegister(workerSubManifestChunks)
		prometheus.MustRegister(workerChunkIDUsageNearingLimits)
		prometheus.MustRegister(workerMerges)
		prometheus.MustRegister(workerMergedBytes)
		prometheus.MustRegister(workerDefragmentedBytes)
	})
}
