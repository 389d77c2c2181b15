package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kadoa-realtime/internal/config"
	"kadoa-realtime/internal/logging"
	"kadoa-realtime/internal/runtime"

	flags "github.com/jessevdk/go-flags"
)

var BuildVersion = "dev"

const (
	runErrorExitCode = 1
	shutdownTimeout  = 15 * time.Second
)

func main() {
	rootCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	opts, err := config.ParseOptions(os.Args[1:])
	if err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := config.ValidateRequired(opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	var lock *instanceLock
	if !opts.AllowMultiple {
		var lockedByOther bool
		var lockErr error
		lock, lockedByOther, lockErr = acquireInstanceLock()
		if lockErr != nil {
			fmt.Fprintln(os.Stderr, "failed to initialize single-instance lock:", lockErr)
			os.Exit(2)
		}
		if lockedByOther {
			fmt.Fprintln(os.Stderr, "Kadoa realtime listener is already running (use --allow-multiple to override).")
			os.Exit(1)
		}
	}

	code := run(rootCtx, opts)
	_ = lock.Release()
	os.Exit(code)
}

func run(rootCtx context.Context, opts config.Options) int {
	logger := logging.New(opts.Debug)
	defer logger.Close()
	if opts.LogToFile {
		if err := logger.EnableFilePersistence(0); err != nil {
			logger.Warn("failed to enable file log persistence", logging.Field("error", err))
		} else if dir, err := logging.DefaultLogDirPath(); err == nil {
			logger.Info("persisting logs", logging.Field("dir", dir))
		}
	}
	logger.Info("starting realtime listener", logging.Field("version", BuildVersion))

	controller := runtime.NewController(rootCtx, os.Stdout)
	err := controller.Start(BuildVersion, opts, logger, runtime.StartHooks{
		OnStatus: func(status string) {
			logger.Info("connection status", logging.Field("status", status))
		},
	})
	if err != nil {
		logger.Error("failed to start listener", logging.Field("error", err))
		return runErrorExitCode
	}

	select {
	case <-controller.Done():
	case <-rootCtx.Done():
		logger.Info("shutting down", logging.Field("state", controller.State().String()))
		if !controller.StopAndWait(shutdownTimeout) {
			logger.Warn("listener did not stop in time", logging.Field("state", controller.State().String()))
			return runErrorExitCode
		}
	}
	if err := controller.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return runErrorExitCode
	}
	return 0
}
