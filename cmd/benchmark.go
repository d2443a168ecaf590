package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"llmdispatch/internal/benchmark"
	"llmdispatch/internal/dispatch"
	"llmdispatch/internal/history"
)

const benchmarkUsage = `Usage:
  llmdispatch benchmark [flags]

Calls every selected provider once per round and reports success rates and
latency percentiles. Exits 0 when the overall success rate reaches the
threshold, 3 when it does not and 2 on usage or configuration errors.`

func benchmarkCmd(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("benchmark", benchmarkUsage, stdout)

	var (
		cfgPath     string
		providers   []string
		rounds      int
		timeout     time.Duration
		callTimeout time.Duration
		threshold   float64
		interval    time.Duration
		retries     int
		stream      bool
		record      string
		output      string
		logLevel    string
	)
	fs.StringVarP(&cfgPath, "config", "c", "", "path to YAML configuration file")
	fs.StringSliceVarP(&providers, "provider", "p", nil, "providers to benchmark (default all configured)")
	fs.IntVar(&rounds, "rounds", 0, "number of rounds (default from config)")
	fs.DurationVar(&timeout, "timeout", 0, "bound for the whole run (default from config)")
	fs.DurationVar(&callTimeout, "call-timeout", 0, "bound for each call (default from config)")
	fs.Float64Var(&threshold, "threshold", 0, "required overall success rate in [0,1] (default from config)")
	fs.DurationVar(&interval, "interval", 0, "minimum spacing between round starts")
	fs.IntVar(&retries, "retries", 0, "retries per call")
	fs.BoolVar(&stream, "stream", false, "use streaming calls (default from config)")
	fs.StringVar(&record, "record", "", "append the report to this SQLite history database")
	fs.StringVarP(&output, "output", "o", formatText, "json, yaml or text")
	fs.StringVar(&logLevel, "log-level", "", "override log.level")

	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}
	if err := checkFormat(output, formatJSON, formatYAML, formatText); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return usageError("benchmark takes no arguments, got %q", fs.Args())
	}

	rt, err := newRuntime(cfgPath, logLevel, stderr)
	if err != nil {
		return err
	}
	defer rt.close()

	bc := rt.cfg.Benchmark
	if fs.Changed("rounds") {
		bc.Rounds = rounds
	}
	if fs.Changed("timeout") {
		bc.Timeout = timeout
	}
	if fs.Changed("call-timeout") {
		bc.CallTimeout = callTimeout
	}
	if fs.Changed("threshold") {
		bc.Threshold = threshold
	}
	if fs.Changed("interval") {
		bc.Interval = interval
	}
	if fs.Changed("stream") {
		bc.Stream = stream
	}
	switch {
	case bc.Rounds <= 0:
		return usageError("--rounds must be positive, got %d", bc.Rounds)
	case bc.Threshold < 0 || bc.Threshold > 1:
		return usageError("--threshold must be between 0 and 1, got %v", bc.Threshold)
	case retries < 0:
		return usageError("--retries must not be negative, got %d", retries)
	}

	opts, err := benchmark.OptionsFromConfig(bc)
	if err != nil {
		return &ExitError{Code: ExitUsage, Err: err}
	}
	opts.MaxRetries = retries
	opts.Logger = rt.log

	var store *history.Store
	if record != "" {
		// Open before the run so a bad path fails fast.
		if store, err = history.Open(record); err != nil {
			return &ExitError{Code: ExitUsage, Err: err}
		}
		defer store.Close()
	}

	report, err := benchmark.New(rt.engine(), opts).Run(ctx, rt.targets(providers, true))
	if err != nil {
		if errors.Is(err, benchmark.ErrNoProviders) || errors.Is(err, dispatch.ErrNoProviders) {
			return usageError("no providers configured or selected")
		}
		return &ExitError{Code: ExitUsage, Err: err}
	}

	switch {
	case store != nil && report.Cancelled:
		rt.log.WithFields(logrus.Fields{"path": record, "event": "benchmark_not_recorded"}).Warn("benchmark cancelled, not recorded")
	case store != nil:
		id, err := store.Record(ctx, report, time.Now())
		if err != nil {
			return fmt.Errorf("record benchmark: %w", err)
		}
		rt.log.WithFields(logrus.Fields{"run_id": id, "path": record, "event": "benchmark_recorded"}).Info("benchmark recorded")
	}

	renderErr := render(stdout, output, report, func(w io.Writer) error {
		return writeReportText(w, report, bc.Threshold)
	})
	if renderErr != nil {
		return fmt.Errorf("render report: %w", renderErr)
	}
	if !report.Passed(bc.Threshold) {
		return &ExitError{
			Code: ExitBelowThreshold,
			Err:  fmt.Errorf("success rate %.3f is below threshold %.3f", report.SuccessRate, bc.Threshold),
		}
	}
	return nil
}
