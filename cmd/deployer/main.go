package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/smartcontractkit/deployment-sequencer/commands"
	"github.com/smartcontractkit/deployment-sequencer/pkg/logger"
)

const (
	exitOK = iota
	exitFailed
	exitSetup
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		return exitSetup
	}

	// The logger exists before the config file is read, so only LOG_LEVEL selects its level.
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	lggr, err := logger.NewWithLevel(level)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitSetup
	}
	defer func() { _ = lggr.Sync() }()

	cmd, err := commands.NewCommand(commands.Config{Logger: lggr})
	if err != nil {
		lggr.Errorw("Failed to build commands", "err", err)
		return exitSetup
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = cmd.ExecuteContext(ctx); err != nil {
		return exitFailed
	}

	return exitOK
}
