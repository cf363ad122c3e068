package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"golang.org/x/term"

	"github.com/Rudd-O/borg-offsite-backup/internal/borg"
	"github.com/Rudd-O/borg-offsite-backup/internal/cli"
	"github.com/Rudd-O/borg-offsite-backup/internal/config"
	"github.com/Rudd-O/borg-offsite-backup/internal/logging"
	"github.com/Rudd-O/borg-offsite-backup/internal/orchestrator"
	"github.com/Rudd-O/borg-offsite-backup/internal/system"
	"github.com/Rudd-O/borg-offsite-backup/internal/types"
	"github.com/Rudd-O/borg-offsite-backup/internal/version"
	"github.com/Rudd-O/borg-offsite-backup/pkg/utils"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) (exitCode int) {
	logger := logging.New(types.LogLevelInfo, term.IsTerminal(int(os.Stderr.Fd())))
	logging.SetDefaultLogger(logger)

	defer func() {
		if r := recover(); r != nil {
			logger.Critical("PANIC: %v", r)
			fmt.Fprintf(os.Stderr, "%s\n", debug.Stack())
			exitCode = types.ExitPanic.Int()
		}
	}()

	args, err := cli.Parse(os.Stderr, argv)
	if err != nil {
		logger.Error("%v", err)
		return types.ExitUsage.Int()
	}

	if args.ShowVersion || args.Subcommand == "version" {
		fmt.Println(version.String())
		return types.ExitSuccess.Int()
	}
	if args.Debug {
		logger.SetLevel(types.LogLevelDebug)
	}

	ctx := context.Background()

	// help needs neither configuration nor connectivity.
	if args.ShowHelp || args.Subcommand == "help" || args.Subcommand == "--help" {
		code, err := borg.Help(ctx, system.NewRunner())
		if err != nil {
			logger.Error("Cannot run the archive tool: %v", err)
			return types.ExitFailure.Int()
		}
		return code
	}

	cfg, err := config.Load(args.ConfigPath)
	if err != nil {
		logger.Error("%v", err)
		return types.ExitUsage.Int()
	}

	if !utils.FileExists(cfg.KeyFile) {
		logger.Warning("Key file %s does not exist; the archive tool may refuse to talk to the repository", cfg.KeyFile)
	}

	driver := orchestrator.New(cfg, logger)
	if args.TelemetryFile != "" {
		driver.SetTelemetryFile(args.TelemetryFile)
		driver.SetTelemetryTimeout(args.TelemetryTimeout)
	}

	// The first signal only requests cancellation: the call in flight
	// finishes and teardown runs in full. A second signal means someone
	// wants the process gone now.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		sig := <-sigChan
		logger.Warning("Received %v, finishing the current operation and cleaning up", sig)
		driver.RequestCancel()
		sig = <-sigChan
		logger.Critical("Received %v again, exiting without cleanup", sig)
		os.Exit(128 + int(sig.(syscall.Signal)))
	}()

	switch args.Subcommand {
	case "create":
		return driver.Create(ctx)
	case "telemetry":
		return driver.Telemetry(ctx)
	default:
		return driver.PassThrough(ctx, args.Subcommand, args.Extra)
	}
}
