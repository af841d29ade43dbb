package main

import (
	"context"

	"github.com/buildbarn/bb-checkpoint/pkg/clock"
	"github.com/buildbarn/bb-checkpoint/pkg/pagemap"
	"github.com/buildbarn/bb-checkpoint/pkg/program"
	"github.com/buildbarn/bb-checkpoint/pkg/statelayout"
	"github.com/buildbarn/bb-checkpoint/pkg/tip"
	"github.com/spf13/cobra"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func newDefragCommand(flags *rootFlags) *cobra.Command {
	var configuration tip.Configuration
	var layeredStorage bool
	cmd := &cobra.Command{
		Use:   "defrag",
		Short: "Reset the tip to the latest checkpoint and run a single round of defragmentation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sr, err := flags.open()
			if err != nil {
				return err
			}
			defer sr.Close()

			heights, err := sr.layout.CheckpointHeights()
			if err != nil {
				return err
			}
			if len(heights) == 0 {
				return status.Error(codes.FailedPrecondition, "State root does not contain any checkpoints")
			}
			height := heights[len(heights)-1]
			checkpoint, err := sr.layout.Checkpoint(height)
			if err != nil {
				return err
			}
			defer checkpoint.Close()
			pageMapTypes, err := tip.CheckpointPageMapTypesWithNumPages(checkpoint, flags.numberOfCheckpointThreads)
			if err != nil {
				return err
			}
			types := make([]statelayout.PageMapType, 0, len(pageMapTypes))
			for _, p := range pageMapTypes {
				types = append(types, p.PageMapType)
			}

			configuration.NumberOfCheckpointThreads = flags.numberOfCheckpointThreads
			if layeredStorage {
				configuration.StorageMode = pagemap.StorageModeLayered
			}
			if err := program.RunLocal(cmd.Context(), func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
				sender := tip.SpawnWorker(sr.logger, sr.layout, clock.SystemClock, configuration)
				dependenciesGroup.Go(func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
					<-ctx.Done()
					sender.Close()
					return nil
				})
				sender.Send(tip.ResetTipAndMergeRequest{
					Checkpoint:               checkpoint,
					PageMapTypesWithNumPages: pageMapTypes,
				})
				sender.Send(tip.DefragTipRequest{
					Height:       height,
					PageMapTypes: types,
				})
				sender.Wait()
				return nil
			}); err != nil {
				return err
			}
			sr.logger.Info("Defragmented tip", zap.Uint64("height", uint64(height)), zap.Int("page_maps", len(types)))
			return nil
		},
	}
	cmd.Flags().Int64Var(&configuration.DefragSizeBytes, "size-bytes", tip.DefaultDefragSizeBytes, "maximum number of bytes to rewrite")
	cmd.Flags().IntVar(&configuration.DefragSampleCount, "samples", tip.DefaultDefragSampleCount, "number of page maps from which a file is chosen")
	cmd.Flags().BoolVar(&layeredStorage, "layered-storage", false, "merge overlays according to the layered storage policy when resetting the tip")
	return cmd
}
