package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"llmdispatch/internal/version"
)

const usage = `llmdispatch sends one prompt to several LLM providers and merges the answers.

Usage:
  llmdispatch <command> [flags]

Commands:
  ask            Dispatch a prompt to the configured providers
  benchmark      Measure provider reliability and latency
  history        Show benchmark runs recorded with --record
  mock-provider  Serve a local mock of the supported provider APIs
  version        Print build information
  help           Show this help message

Run "llmdispatch <command> --help" for command flags.`

// Process exit codes.
const (
	ExitFailure        = 1
	ExitUsage          = 2
	ExitBelowThreshold = 3
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func usageError(format string, args ...any) error {
	return &ExitError{Code: ExitUsage, Err: fmt.Errorf(format, args...)}
}

// ExitCode maps a command error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Execute runs the CLI dispatcher with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	return run(ctx, args, os.Stdout, os.Stderr)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		return printUsage(stdout)
	}

	switch args[0] {
	case "ask":
		return ask(ctx, args[1:], stdout, stderr)
	case "benchmark":
		return benchmarkCmd(ctx, args[1:], stdout, stderr)
	case "history":
		return historyCmd(ctx, args[1:], stdout, stderr)
	case "mock-provider":
		return mockProvider(ctx, args[1:], stdout, stderr)
	case "version", "--version":
		fmt.Fprintln(stdout, version.String())
		return nil
	case "help", "-h", "--help":
		return printUsage(stdout)
	default:
		return usageError("unknown command %q\n\n%s", args[0], usage)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, strings.TrimSpace(usage))
	return nil
}
