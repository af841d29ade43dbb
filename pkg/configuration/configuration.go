package configuration

import (
	"github.com/buildbarn/bb-checkpoint/pkg/manifest"
	"github.com/buildbarn/bb-checkpoint/pkg/pagemap"
	"github.com/buildbarn/bb-checkpoint/pkg/tip"
	"github.com/buildbarn/bb-checkpoint/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// LoggingConfiguration controls the construction of the logger through
// util.NewLogger().
type LoggingConfiguration struct {
	Level    string `json:"level"`
	Encoding string `json:"encoding"`
}

// MaliciousFlagsConfiguration enables deliberate misbehavior for
// testing. It only takes effect in binaries built with the
// malicious_code build tag.
type MaliciousFlagsConfiguration struct {
	CorruptOwnStateAtHeights []uint64 `json:"corruptOwnStateAtHeights"`
}

// ApplicationConfiguration is the configuration of bb_checkpoint and
// checkpoint_tool.
type ApplicationConfiguration struct {
	StateRoot                 string                       `json:"stateRoot"`
	LayeredStorage            bool                         `json:"layeredStorage"`
	NumberOfCheckpointThreads int                          `json:"numberOfCheckpointThreads"`
	DefragSizeBytes           int64                        `json:"defragSizeBytes"`
	DefragSampleCount         int                          `json:"defragSampleCount"`
	ChunkSizeBytes            uint32                       `json:"chunkSizeBytes"`
	MetricsListenAddress      string                       `json:"metricsListenAddress"`
	EnablePprof               bool                         `json:"enablePprof"`
	Logging                   LoggingConfiguration         `json:"logging"`
	MaliciousFlags            *MaliciousFlagsConfiguration `json:"maliciousFlags"`
}

// GetApplicationConfiguration loads a Jsonnet configuration file and
// fills in defaults for fields that were left unset.
func GetApplicationConfiguration(path string) (*ApplicationConfiguration, error) {
	var configuration ApplicationConfiguration
	if err := util.UnmarshalConfigurationFromFile(path, &configuration); err != nil {
		return nil, util.StatusWrapf(err, "Failed to read configuration from %#v", path)
	}
	SetDefaults(&configuration)
	if err := Validate(&configuration); err != nil {
		return nil, err
	}
	return &configuration, nil
}

// SetDefaults fills in default values for all optional fields.
func SetDefaults(configuration *ApplicationConfiguration) {
	if configuration.NumberOfCheckpointThreads == 0 {
		configuration.NumberOfCheckpointThreads = tip.DefaultNumberOfCheckpointThreads
	}
	if configuration.DefragSizeBytes == 0 {
		configuration.DefragSizeBytes = tip.DefaultDefragSizeBytes
	}
	if configuration.DefragSampleCount == 0 {
		configuration.DefragSampleCount = tip.DefaultDefragSampleCount
	}
	if configuration.ChunkSizeBytes == 0 {
		configuration.ChunkSizeBytes = manifest.DefaultChunkSize
	}
	if configuration.MetricsListenAddress == "" {
		configuration.MetricsListenAddress = ":9980"
	}
	if configuration.Logging.Level == "" {
		configuration.Logging.Level = "info"
	}
	if configuration.Logging.Encoding == "" {
		configuration.Logging.Encoding = "json"
	}
}

// Validate checks the configuration for values that cannot be used.
// It is expected to be called after SetDefaults().
func Validate(configuration *ApplicationConfiguration) error {
	if configuration.StateRoot == "" {
		return status.Error(codes.InvalidArgument, "No state root provided")
	}
	if configuration.NumberOfCheckpointThreads < 0 {
		return status.Errorf(codes.InvalidArgument, "Invalid number of checkpoint threads: %d", configuration.NumberOfCheckpointThreads)
	}
	if configuration.DefragSizeBytes < 0 {
		return status.Errorf(codes.InvalidArgument, "Invalid defragmentation size: %d", configuration.DefragSizeBytes)
	}
	if configuration.DefragSampleCount < 0 {
		return status.Errorf(codes.InvalidArgument, "Invalid defragmentation sample count: %d", configuration.DefragSampleCount)
	}
	if configuration.ChunkSizeBytes%pagemap.PageSize != 0 {
		return status.Errorf(codes.InvalidArgument, "Chunk size %d is not a multiple of the page size", configuration.ChunkSizeBytes)
	}
	return nil
}

// StorageMode returns the storage mode of page maps written to the
// tip.
func (c *ApplicationConfiguration) StorageMode() pagemap.StorageMode {
	if c.LayeredStorage {
		return pagemap.StorageModeLayered
	}
	return pagemap.StorageModeLegacy
}

// TipWorkerConfiguration converts the configuration to the form
// accepted by tip.SpawnWorker().
func (c *ApplicationConfiguration) TipWorkerConfiguration() tip.Configuration {
	configuration := tip.Configuration{
		StorageMode:               c.StorageMode(),
		NumberOfCheckpointThreads: c.NumberOfCheckpointThreads,
		DefragSizeBytes:           c.DefragSizeBytes,
		DefragSampleCount:         c.DefragSampleCount,
		ChunkSizeBytes:            c.ChunkSizeBytes,
	}
	if c.MaliciousFlags != nil {
		configuration.MaliciousFlags.CorruptOwnStateAtHeights = c.MaliciousFlags.CorruptOwnStateAtHeights
	}
	return configuration
}
