package program

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// RunMain runs the routines of a daemon until one of the following
// occurs:
//
//   - All routines have returned. The process exits with code 0.
//
//   - A routine returns an error. The error is logged, all routines
//     are canceled, and the process exits with code 1.
//
//   - SIGINT or SIGTERM is received. All routines are canceled, after
//     which the process raises the same signal against itself.
//
// Cancelation respects dependencies between routines, so that the tip
// worker only shuts down after everything sending requests to it has
// returned. Messages are written to the global logger, meaning routines
// may call zap.ReplaceGlobals() once the logging configuration is
// known.
func RunMain(routine Routine) {
	ctx, cancel := context.WithCancel(context.Background())

	var (
		shutdownOnce sync.Once
		exit         func()
	)
	shutdown := func(exitFunc func()) {
		shutdownOnce.Do(func() {
			exit = exitFunc
			cancel()
		})
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		receivedSignal := <-signalChan
		zap.L().Info("Received signal, initiating graceful shutdown", zap.Stringer("signal", receivedSignal))
		shutdown(func() { raise(receivedSignal) })
	}()

	run(ctx, func(err error) {
		zap.L().Error("Fatal error", zap.Error(err))
		shutdown(func() { os.Exit(1) })
	}, routine)

	shutdown(func() { os.Exit(0) })
	exit()
}

// raise terminates the process with a signal, so that the parent
// observes the same termination status it would have seen without
// graceful shutdown.
func raise(s os.Signal) {
	signal.Reset(s)
	if sig, ok := s.(syscall.Signal); ok {
		syscall.Kill(os.Getpid(), sig)
		// Delivery is asynchronous.
		time.Sleep(5 * time.Second)
	}
	os.Exit(1)
}
