package main

import (
	"fmt"

	"github.com/buildbarn/bb-checkpoint/pkg/tip"
	"github.com/spf13/cobra"
)

func newListCheckpointsCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list-checkpoints",
		Short: "List all checkpoints and the root hashes of their manifests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sr, err := flags.open()
			if err != nil {
				return err
			}
			defer sr.Close()

			states, err := tip.LoadSharedState(sr.layout, sr.logger)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, height := range states.Heights() {
				metadata, _ := states.Get(height)
				if metadata.BundledManifest == nil {
					fmt.Fprintf(out, "%d\t(manifest not computed)\n", height)
				} else {
					fmt.Fprintf(out, "%d\t%s\n", height, metadata.BundledManifest.RootHash)
				}
				metadata.Checkpoint.Close()
			}
			return nil
		},
	}
}
