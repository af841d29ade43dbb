package main

import (
	"fmt"

	"github.com/buildbarn/bb-checkpoint/pkg/manifest"
	"github.com/buildbarn/bb-checkpoint/pkg/statelayout"
	"github.com/buildbarn/bb-checkpoint/pkg/util"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// computeCheckpointManifest computes the manifest of a checkpoint from
// scratch, using the state sync version stored in its system metadata.
func computeCheckpointManifest(sr *stateRoot, height statelayout.Height, concurrency int, chunkSizeBytes uint32) (*manifest.BundledManifest, error) {
	checkpoint, err := sr.layout.Checkpoint(height)
	if err != nil {
		return nil, err
	}
	defer checkpoint.Close()

	systemMetadata, err := checkpoint.SystemMetadata()
	if err != nil {
		return nil, err
	}
	if systemMetadata.StateSyncVersion > manifest.MaxSupportedStateSyncVersion {
		return nil, status.Errorf(codes.FailedPrecondition, "State sync version %d is not supported", systemMetadata.StateSyncVersion)
	}
	m, err := manifest.NewComputer(concurrency).Compute(checkpoint.Directory(), systemMetadata.StateSyncVersion, chunkSizeBytes, nil)
	if err != nil {
		return nil, util.StatusWrapf(err, "Failed to compute manifest of checkpoint at height %d", height)
	}
	return manifest.ComputeBundledManifest(m), nil
}

func newManifestCommand(flags *rootFlags) *cobra.Command {
	var chunkSizeBytes uint32
	var listFiles bool
	cmd := &cobra.Command{
		Use:   "manifest HEIGHT",
		Short: "Compute the manifest of a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			height, err := parseHeight(args[0])
			if err != nil {
				return err
			}
			sr, err := flags.open()
			if err != nil {
				return err
			}
			defer sr.Close()

			bundledManifest, err := computeCheckpointManifest(sr, height, flags.numberOfCheckpointThreads, chunkSizeBytes)
			if err != nil {
				return err
			}
			m := bundledManifest.Manifest
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Version:        %d\n", m.Version)
			fmt.Fprintf(out, "Root hash:      %s\n", bundledManifest.RootHash)
			fmt.Fprintf(out, "State size:     %s\n", humanize.IBytes(m.StateSizeBytes()))
			fmt.Fprintf(out, "Files:          %d\n", len(m.FileTable))
			fmt.Fprintf(out, "Chunks:         %d\n", len(m.ChunkTable))
			fmt.Fprintf(out, "File groups:    %d\n", len(manifest.BuildFileGroupChunks(m)))
			fmt.Fprintf(out, "Sub-manifests:  %d\n", len(bundledManifest.MetaManifest.SubManifestHashes))
			if listFiles {
				for _, f := range m.FileTable {
					fmt.Fprintf(out, "%s\t%d\t%s\n", f.Hash, f.SizeBytes, f.RelativePath)
				}
			}
			return nil
		},
	}
	cmd.Flags().Uint32Var(&chunkSizeBytes, "chunk-size", manifest.DefaultChunkSize, "size of the chunks into which files are split")
	cmd.Flags().BoolVar(&listFiles, "files", false, "print the hash, size and path of every file")
	return cmd
}
