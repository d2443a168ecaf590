package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"llmdispatch/internal/config"
	"llmdispatch/internal/dispatch"
	"llmdispatch/internal/logging"
	"llmdispatch/internal/provider"
	providerfactory "llmdispatch/internal/provider/factory"
	"llmdispatch/internal/retry"
	"llmdispatch/internal/transport"
)

// runtime holds the collaborators shared by the dispatching commands.
type runtime struct {
	cfg       config.Config
	log       *logrus.Logger
	registry  *provider.Registry
	transport *transport.HTTP
}

func newRuntime(cfgPath, logLevel string, stderr io.Writer) (*runtime, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, &ExitError{Code: ExitUsage, Err: err}
	}

	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	log, err := logging.New(level, cfg.Log.Format, stderr)
	if err != nil {
		return nil, &ExitError{Code: ExitUsage, Err: err}
	}

	registry := provider.NewRegistry()
	if err := providerfactory.RegisterConfiguredProviders(cfg, registry); err != nil {
		return nil, &ExitError{Code: ExitUsage, Err: err}
	}

	tr := transport.NewHTTP(transport.Options{
		ConnectTimeout:      cfg.Transport.ConnectTimeout,
		FirstByteTimeout:    cfg.Transport.FirstByteTimeout,
		TotalTimeout:        cfg.Transport.CallTimeout,
		IdleTimeout:         cfg.Transport.IdleTimeout,
		MaxIdleConnsPerHost: cfg.Transport.MaxIdlePerHost,
		MaxResponseBytes:    cfg.Transport.MaxResponseBytes,
	})

	return &runtime{cfg: cfg, log: log, registry: registry, transport: tr}, nil
}

func (r *runtime) engine(extra ...dispatch.Option) *dispatch.Engine {
	d := r.cfg.Dispatch
	opts := []dispatch.Option{
		dispatch.WithPolicy(retry.Policy{
			Base:       d.BackoffBase,
			Cap:        d.BackoffCap,
			MaxRetries: d.MaxRetries,
			MaxElapsed: d.MaxElapsed,
		}),
		dispatch.WithGracePeriod(d.GracePeriod),
		dispatch.WithLogger(r.log),
		dispatch.WithTimeouts(transport.Timeouts{
			Connect:   r.cfg.Transport.ConnectTimeout,
			FirstByte: r.cfg.Transport.FirstByteTimeout,
			Total:     r.cfg.Transport.CallTimeout,
		}),
	}
	return dispatch.New(r.registry, r.transport, append(opts, extra...)...)
}

func (r *runtime) close() {
	r.transport.CloseIdle()
}

// targets returns the providers named on the command line, falling back to
// the configured defaults and then to every registered provider.
func (r *runtime) targets(flagged []string, all bool) []string {
	if len(flagged) > 0 {
		return flagged
	}
	if !all && len(r.cfg.Dispatch.DefaultProviders) > 0 {
		return r.cfg.Dispatch.DefaultProviders
	}
	return r.registry.Names()
}

// newFlagSet returns a flag set that reports errors instead of printing them.
func newFlagSet(name, help string, stdout io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Usage = func() {
		fmt.Fprintln(stdout, help)
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, "Flags:")
		fs.SetOutput(stdout)
		fs.PrintDefaults()
		fs.SetOutput(io.Discard)
	}
	return fs
}

// parseFlags parses args. The boolean result is true when help was requested;
// pflag has already printed the usage by then.
func parseFlags(fs *pflag.FlagSet, args []string) (bool, error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return true, nil
		}
		return false, usageError("parse %s flags: %w", fs.Name(), err)
	}
	return false, nil
}
