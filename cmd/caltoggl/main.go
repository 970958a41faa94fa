package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/beekhof/calendar-toggl/internal/errors"
)

// Version is set via -ldflags at build time.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newApp(os.Stdin, os.Stdout, os.Stderr).RunContext(ctx, os.Args)
	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(exitCode(err))
}

// exitCode maps configuration errors to 2 and every other failure to 1.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, errors.ErrConfig) {
		return 2
	}
	if exitErr, ok := err.(cli.ExitCoder); ok && exitErr.ExitCode() != 0 {
		return exitErr.ExitCode()
	}
	return 1
}
