package main

import (
	"fmt"

	"github.com/buildbarn/bb-checkpoint/pkg/manifest"
	"github.com/buildbarn/bb-checkpoint/pkg/tip"
	"github.com/spf13/cobra"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func newVerifyCommand(flags *rootFlags) *cobra.Command {
	var chunkSizeBytes uint32
	cmd := &cobra.Command{
		Use:   "verify HEIGHT",
		Short: "Recompute the manifest of a checkpoint and compare it against the stored one",
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

			states, err := tip.LoadSharedState(sr.layout, sr.logger)
			if err != nil {
				return err
			}
			metadata, ok := states.Get(height)
			for _, h := range states.Heights() {
				if m, ok := states.RemoveCheckpoint(h); ok {
					m.Checkpoint.Close()
				}
			}
			if !ok {
				return status.Errorf(codes.NotFound, "No checkpoint at height %d", height)
			}
			stored := metadata.BundledManifest
			if stored == nil {
				return status.Errorf(codes.NotFound, "No manifest has been stored for the checkpoint at height %d", height)
			}
			computed, err := computeCheckpointManifest(sr, height, flags.numberOfCheckpointThreads, chunkSizeBytes)
			if err != nil {
				return err
			}
			if computed.RootHash != stored.RootHash {
				return status.Errorf(codes.DataLoss, "Root hash of the checkpoint at height %d is %s, while %s was stored", height, computed.RootHash, stored.RootHash)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Checkpoint at height %d matches root hash %s\n", height, stored.RootHash)
			return nil
		},
	}
	cmd.Flags().Uint32Var(&chunkSizeBytes, "chunk-size", manifest.DefaultChunkSize, "size of the chunks into which files were split")
	return cmd
}
