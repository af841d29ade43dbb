package main

import (
	"context"
	"os"
	"sync"

	"github.com/buildbarn/bb-checkpoint/pkg/clock"
	"github.com/buildbarn/bb-checkpoint/pkg/configuration"
	"github.com/buildbarn/bb-checkpoint/pkg/filesystem"
	"github.com/buildbarn/bb-checkpoint/pkg/global"
	"github.com/buildbarn/bb-checkpoint/pkg/program"
	"github.com/buildbarn/bb-checkpoint/pkg/statelayout"
	"github.com/buildbarn/bb-checkpoint/pkg/tip"
	"github.com/buildbarn/bb-checkpoint/pkg/util"
	"github.com/google/uuid"

	"go.uber.org/zap"
)

// bb_checkpoint owns the tip of a state root. At startup it resets the
// tip to the latest checkpoint and computes the manifests of all
// checkpoints for which none has been stored. Afterwards it exposes
// Prometheus metrics until terminated.
func main() {
	// Errors that occur before the configuration is loaded are
	// logged with default settings.
	zap.ReplaceGlobals(zap.Must(util.NewLogger("info", "json")))
	if len(os.Args) != 2 {
		zap.L().Fatal("Usage: bb_checkpoint bb_checkpoint.jsonnet")
	}

	program.RunMain(func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
		applicationConfiguration, err := configuration.GetApplicationConfiguration(os.Args[1])
		if err != nil {
			return err
		}
		logger, err := util.NewLogger(applicationConfiguration.Logging.Level, applicationConfiguration.Logging.Encoding)
		if err != nil {
			return util.StatusWrap(err, "Failed to create logger")
		}
		zap.ReplaceGlobals(logger)

		root, err := filesystem.NewLocalDirectory(applicationConfiguration.StateRoot)
		if err != nil {
			return util.StatusWrapf(err, "Failed to open state root %#v", applicationConfiguration.StateRoot)
		}
		layout, err := statelayout.NewStateLayout(root, uuid.NewRandom, applicationConfiguration.NumberOfCheckpointThreads, logger)
		if err != nil {
			root.Close()
			return util.StatusWrap(err, "Failed to open state layout")
		}
		states, err := tip.LoadSharedState(layout, logger)
		if err != nil {
			layout.Close()
			root.Close()
			return util.StatusWrap(err, "Failed to load checkpoint metadata")
		}

		tipWorkerConfiguration := applicationConfiguration.TipWorkerConfiguration()
		sender := tip.SpawnWorker(logger, layout, clock.SystemClock, tipWorkerConfiguration)
		dependenciesGroup.Go(func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
			<-ctx.Done()
			sender.Close()
			for _, height := range states.Heights() {
				if metadata, ok := states.RemoveCheckpoint(height); ok {
					metadata.Checkpoint.Close()
				}
			}
			return util.StatusFromMultiple(nonNilErrors(layout.Close(), root.Close()))
		})

		diagnosticsServer := global.NewDiagnosticsServer(applicationConfiguration.MetricsListenAddress, applicationConfiguration.EnablePprof)
		siblingsGroup.Go(diagnosticsServer.Serve)

		if err := resetTipToLatestCheckpoint(logger, sender, states, tipWorkerConfiguration.NumberOfCheckpointThreads); err != nil {
			return err
		}
		computeMissingManifests(logger, sender, states)
		sender.Wait()
		diagnosticsServer.SetReady()
		logger.Info("Tip is ready", zap.Int("checkpoints", len(states.Heights())))
		return nil
	})
}

func resetTipToLatestCheckpoint(logger *zap.Logger, sender *tip.Sender, states *tip.SharedState, concurrency int) error {
	height, metadata, ok := states.Latest()
	if !ok {
		logger.Info("No checkpoints present, starting with an empty tip")
		return nil
	}
	pageMapTypes, err := tip.CheckpointPageMapTypesWithNumPages(metadata.Checkpoint, concurrency)
	if err != nil {
		return util.StatusWrapf(err, "Failed to list page maps of checkpoint at height %d", height)
	}
	logger.Info("Resetting tip to latest checkpoint", zap.Uint64("height", uint64(height)), zap.Int("page_maps", len(pageMapTypes)))
	sender.Send(tip.ResetTipAndMergeRequest{
		Checkpoint:               metadata.Checkpoint,
		PageMapTypesWithNumPages: pageMapTypes,
	})
	return nil
}

func computeMissingManifests(logger *zap.Logger, sender *tip.Sender, states *tip.SharedState) {
	var persistMetadataGuard sync.Mutex
	for _, height := range states.HeightsWithoutManifest() {
		metadata, ok := states.Get(height)
		if !ok {
			continue
		}
		logger.Info("Computing missing manifest", zap.Uint64("height", uint64(height)))
		sender.Send(tip.ComputeManifestRequest{
			Checkpoint:           metadata.Checkpoint,
			States:               states,
			PersistMetadataGuard: &persistMetadataGuard,
		})
	}
}

func nonNilErrors(errs ...error) []error {
	var nonNil []error
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	return nonNil
}
