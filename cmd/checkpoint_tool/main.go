package main

import (
	"os"
	"strconv"

	"github.com/buildbarn/bb-checkpoint/pkg/filesystem"
	"github.com/buildbarn/bb-checkpoint/pkg/statelayout"
	"github.com/buildbarn/bb-checkpoint/pkg/tip"
	"github.com/buildbarn/bb-checkpoint/pkg/util"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// rootFlags are shared by all subcommands.
type rootFlags struct {
	stateRoot                 string
	numberOfCheckpointThreads int
	logLevel                  string
}

// stateRoot holds the handles of an opened state root.
type stateRoot struct {
	directory filesystem.DirectoryCloser
	layout    *statelayout.StateLayout
	logger    *zap.Logger
}

func (f *rootFlags) open() (*stateRoot, error) {
	if f.stateRoot == "" {
		return nil, status.Error(codes.InvalidArgument, "No state root provided")
	}
	logger, err := util.NewLogger(f.logLevel, "console")
	if err != nil {
		return nil, err
	}
	directory, err := filesystem.NewLocalDirectory(f.stateRoot)
	if err != nil {
		return nil, util.StatusWrapf(err, "Failed to open state root %#v", f.stateRoot)
	}
	layout, err := statelayout.NewStateLayout(directory, uuid.NewRandom, f.numberOfCheckpointThreads, logger)
	if err != nil {
		directory.Close()
		return nil, util.StatusWrap(err, "Failed to open state layout")
	}
	return &stateRoot{
		directory: directory,
		layout:    layout,
		logger:    logger,
	}, nil
}

func (sr *stateRoot) Close() {
	sr.layout.Close()
	sr.directory.Close()
	sr.logger.Sync()
}

func parseHeight(arg string) (statelayout.Height, error) {
	height, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "Invalid height %#v", arg)
	}
	return statelayout.Height(height), nil
}

func newRootCommand() *cobra.Command {
	var flags rootFlags
	rootCmd := &cobra.Command{
		Use:   "checkpoint_tool",
		Short: "Inspect and maintain the checkpoints of a state root",
		Long: "checkpoint_tool operates on the checkpoints and tip of a state root. " +
			"It must not be run against a state root that is in use by bb_checkpoint, " +
			"as opening the state root removes leftover scratchpad directories.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.stateRoot, "state-root", "", "path of the state root")
	rootCmd.PersistentFlags().IntVar(&flags.numberOfCheckpointThreads, "threads", tip.DefaultNumberOfCheckpointThreads, "number of files or page maps to process in parallel")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "warn", "minimum level of log messages")

	rootCmd.AddCommand(
		newListCheckpointsCommand(&flags),
		newManifestCommand(&flags),
		newVerifyCommand(&flags),
		newDefragCommand(&flags),
	)
	return rootCmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
