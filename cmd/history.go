package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"llmdispatch/internal/history"
)

const historyUsage = `Usage:
  llmdispatch history --db <path> [flags]

Lists benchmark runs recorded with "benchmark --record", newest first. With
--provider it prints that provider's results across runs instead.`

func historyCmd(ctx context.Context, args []string, stdout, _ io.Writer) error {
	fs := newFlagSet("history", historyUsage, stdout)

	var (
		db       string
		provider string
		limit    int
		output   string
	)
	fs.StringVar(&db, "db", "", "SQLite history database written by benchmark --record")
	fs.StringVarP(&provider, "provider", "p", "", "show the trend of one provider")
	fs.IntVarP(&limit, "limit", "n", 10, "maximum number of entries")
	fs.StringVarP(&output, "output", "o", formatText, "json, yaml or text")

	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}
	if err := checkFormat(output, formatJSON, formatYAML, formatText); err != nil {
		return err
	}
	switch {
	case db == "":
		return usageError("history requires --db\n\n%s", historyUsage)
	case limit <= 0:
		return usageError("--limit must be positive, got %d", limit)
	case fs.NArg() > 0:
		return usageError("history takes no arguments, got %q", fs.Args())
	}
	// Open would create an empty database; a typo should not.
	if _, err := os.Stat(db); err != nil {
		return usageError("history database: %w", err)
	}

	store, err := history.Open(db)
	if err != nil {
		return &ExitError{Code: ExitUsage, Err: err}
	}
	defer store.Close()

	if provider != "" {
		trend, err := store.ProviderTrend(ctx, provider, limit)
		if err != nil {
			return fmt.Errorf("read history: %w", err)
		}
		return render(stdout, output, trend, func(w io.Writer) error {
			return writeTrendText(w, provider, trend)
		})
	}

	runs, err := store.Recent(ctx, limit)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	return render(stdout, output, runs, func(w io.Writer) error {
		return writeRunsText(w, runs)
	})
}
