package configuration_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/buildbarn/bb-checkpoint/pkg/configuration"
	"github.com/buildbarn/bb-checkpoint/pkg/manifest"
	"github.com/buildbarn/bb-checkpoint/pkg/pagemap"
	"github.com/buildbarn/bb-checkpoint/pkg/testutil"
	"github.com/buildbarn/bb-checkpoint/pkg/tip"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func writeConfiguration(t *testing.T, contents string) string {
	path := filepath.Join(t.TempDir(), "bb_checkpoint.jsonnet")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestGetApplicationConfiguration(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		t.Setenv("STATE_ROOT", "/var/lib/state")
		c, err := configuration.GetApplicationConfiguration(writeConfiguration(t, `{
			stateRoot: std.extVar('STATE_ROOT'),
		}`))
		require.NoError(t, err)
		require.Equal(t, &configuration.ApplicationConfiguration{
			StateRoot:                 "/var/lib/state",
			NumberOfCheckpointThreads: tip.DefaultNumberOfCheckpointThreads,
			DefragSizeBytes:           tip.DefaultDefragSizeBytes,
			DefragSampleCount:         tip.DefaultDefragSampleCount,
			ChunkSizeBytes:            manifest.DefaultChunkSize,
			MetricsListenAddress:      ":9980",
			Logging: configuration.LoggingConfiguration{
				Level:    "info",
				Encoding: "json",
			},
		}, c)
		require.Equal(t, tip.Configuration{
			StorageMode:               pagemap.StorageModeLegacy,
			NumberOfCheckpointThreads: tip.DefaultNumberOfCheckpointThreads,
			DefragSizeBytes:           tip.DefaultDefragSizeBytes,
			DefragSampleCount:         tip.DefaultDefragSampleCount,
			ChunkSizeBytes:            manifest.DefaultChunkSize,
		}, c.TipWorkerConfiguration())
	})

	t.Run("Explicit", func(t *testing.T) {
		c, err := configuration.GetApplicationConfiguration(writeConfiguration(t, `{
			stateRoot: '/state',
			layeredStorage: true,
			numberOfCheckpointThreads: 4,
			defragSizeBytes: 1024 * 1024,
			defragSampleCount: 10,
			chunkSizeBytes: 64 * 1024,
			metricsListenAddress: 'localhost:1234',
			enablePprof: true,
			logging: { level: 'debug', encoding: 'console' },
			maliciousFlags: { corruptOwnStateAtHeights: [7, 9] },
		}`))
		require.NoError(t, err)
		require.Equal(t, tip.Configuration{
			StorageMode:               pagemap.StorageModeLayered,
			NumberOfCheckpointThreads: 4,
			DefragSizeBytes:           1 << 20,
			DefragSampleCount:         10,
			ChunkSizeBytes:            1 << 16,
			MaliciousFlags: tip.MaliciousFlags{
				CorruptOwnStateAtHeights: []uint64{7, 9},
			},
		}, c.TipWorkerConfiguration())
		require.Equal(t, "localhost:1234", c.MetricsListenAddress)
		require.True(t, c.EnablePprof)
		require.Equal(t, configuration.LoggingConfiguration{Level: "debug", Encoding: "console"}, c.Logging)
	})

	t.Run("UnknownField", func(t *testing.T) {
		_, err := configuration.GetApplicationConfiguration(writeConfiguration(t, `{
			stateRoot: '/state',
			grpcServers: [],
		}`))
		require.Equal(t, codes.InvalidArgument, status.Code(err))
	})

	t.Run("MissingStateRoot", func(t *testing.T) {
		_, err := configuration.GetApplicationConfiguration(writeConfiguration(t, `{}`))
		testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "No state root provided"), err)
	})

	t.Run("InvalidChunkSize", func(t *testing.T) {
		_, err := configuration.GetApplicationConfiguration(writeConfiguration(t, `{
			stateRoot: '/state',
			chunkSizeBytes: 1000,
		}`))
		testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "Chunk size 1000 is not a multiple of the page size"), err)
	})

	t.Run("NonexistentFile", func(t *testing.T) {
		_, err := configuration.GetApplicationConfiguration(filepath.Join(t.TempDir(), "nonexistent.jsonnet"))
		require.Error(t, err)
	})
}
