package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"llmdispatch/internal/dispatch"
	"llmdispatch/internal/models"
)

const askUsage = `Usage:
  llmdispatch ask [flags] <prompt...>

Sends the prompt to the selected providers and prints the merged result.
Exits 0 when at least one provider answered, 1 when all failed and 2 on
usage or configuration errors.`

func ask(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("ask", askUsage, stdout)

	var (
		cfgPath     string
		providers   []string
		mode        string
		timeout     time.Duration
		retries     int
		concurrency int
		system      string
		temperature float64
		maxTokens   int
		stop        []string
		stream      bool
		output      string
		logLevel    string
		modelByName map[string]string
		baseURLs    map[string]string
	)
	fs.StringVarP(&cfgPath, "config", "c", "", "path to YAML configuration file")
	fs.StringSliceVarP(&providers, "provider", "p", nil, "providers to target, in order")
	fs.StringVar(&mode, "mode", "", "parallel or sequential-fallback (default from config)")
	fs.DurationVar(&timeout, "timeout", 0, "global dispatch timeout (default from config)")
	fs.IntVar(&retries, "retries", 0, "retries per provider call (default from config)")
	fs.IntVar(&concurrency, "concurrency", 0, "parallel worker bound (default from config)")
	fs.StringVar(&system, "system", "", "system instruction")
	fs.Float64Var(&temperature, "temperature", 0, "sampling temperature")
	fs.IntVar(&maxTokens, "max-tokens", 0, "completion token limit")
	fs.StringArrayVar(&stop, "stop", nil, "stop sequence, repeatable")
	fs.BoolVar(&stream, "stream", false, "stream provider output while it arrives")
	fs.StringVarP(&output, "output", "o", formatText, "json, yaml or text")
	fs.StringVar(&logLevel, "log-level", "", "override log.level")
	fs.StringToStringVar(&modelByName, "model", nil, "per-provider model override, e.g. openai=gpt-4o-mini")
	fs.StringToStringVar(&baseURLs, "base-url", nil, "per-provider base URL override")

	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}
	if err := checkFormat(output, formatJSON, formatYAML, formatText); err != nil {
		return err
	}
	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		return usageError("ask requires a prompt\n\n%s", askUsage)
	}

	rt, err := newRuntime(cfgPath, logLevel, stderr)
	if err != nil {
		return err
	}
	defer rt.close()

	params := models.Params{MaxTokens: maxTokens, Stop: stop}
	if fs.Changed("temperature") {
		params.Temperature = &temperature
	}
	prompt, err := models.UserPrompt(system, text, params)
	if err != nil {
		return usageError("invalid prompt: %w", err)
	}

	req := models.RequestConfig{
		Prompt:         prompt,
		Providers:      rt.targets(providers, false),
		Timeout:        rt.cfg.Dispatch.Timeout,
		MaxRetries:     rt.cfg.Dispatch.MaxRetries,
		Mode:           models.Mode(rt.cfg.Dispatch.Mode),
		MaxConcurrency: rt.cfg.Dispatch.MaxConcurrency,
		Stream:         stream,
	}
	if mode != "" {
		req.Mode = models.Mode(mode)
	}
	if fs.Changed("timeout") {
		req.Timeout = timeout
	}
	if fs.Changed("retries") {
		req.MaxRetries = retries
	}
	if fs.Changed("concurrency") {
		req.MaxConcurrency = concurrency
	}
	if req.Overrides, err = buildOverrides(req.Providers, modelByName, baseURLs); err != nil {
		return err
	}

	var opts []dispatch.Option
	if stream {
		// Structured output must stay parseable, so live deltas go to stderr then.
		live := stdout
		if output != formatText {
			live = stderr
		}
		printer := &streamPrinter{w: live}
		opts = append(opts, dispatch.WithChunkSink(printer.print))
	}

	result, err := rt.engine(opts...).Dispatch(ctx, req)
	if err != nil {
		if errors.Is(err, dispatch.ErrNoProviders) {
			return usageError("no providers configured or selected")
		}
		return &ExitError{Code: ExitUsage, Err: err}
	}

	rt.log.WithFields(logrus.Fields{
		"request_id": result.RequestID,
		"outcome":    result.Outcome,
		"event":      "ask_done",
	}).Debug("ask finished")

	renderErr := render(stdout, output, result, func(w io.Writer) error {
		return writeResultText(w, result, stream)
	})
	if renderErr != nil {
		return fmt.Errorf("render result: %w", renderErr)
	}
	if result.Outcome == models.OverallAllFailed {
		return &ExitError{Code: ExitFailure, Err: errors.New("all providers failed")}
	}
	return nil
}

func buildOverrides(targets []string, modelsByProvider, baseURLs map[string]string) (map[string]models.Override, error) {
	if len(modelsByProvider) == 0 && len(baseURLs) == 0 {
		return nil, nil
	}
	targeted := make(map[string]bool, len(targets))
	for _, name := range targets {
		targeted[name] = true
	}

	overrides := make(map[string]models.Override)
	for name, model := range modelsByProvider {
		if !targeted[name] {
			return nil, usageError("--model names provider %q which is not targeted", name)
		}
		o := overrides[name]
		o.Model = model
		overrides[name] = o
	}
	for name, baseURL := range baseURLs {
		if !targeted[name] {
			return nil, usageError("--base-url names provider %q which is not targeted", name)
		}
		o := overrides[name]
		o.BaseURL = baseURL
		overrides[name] = o
	}
	return overrides, nil
}

// streamPrinter writes chunks as they arrive, one labelled line per call attempt.
// The engine serialises sink calls.
type streamPrinter struct {
	w       io.Writer
	current string
}

func (p *streamPrinter) print(c models.Chunk) {
	key := fmt.Sprintf("%s#%d", c.Provider, c.Attempt)
	if c.Terminal {
		if p.current == key {
			fmt.Fprintln(p.w)
			p.current = ""
		}
		return
	}
	if key != p.current {
		if p.current != "" {
			fmt.Fprintln(p.w)
		}
		fmt.Fprintf(p.w, "[%s attempt %d] ", c.Provider, c.Attempt+1)
		p.current = key
	}
	fmt.Fprint(p.w, c.Delta)
}
