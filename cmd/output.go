package cmd

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"llmdispatch/internal/benchmark"
	"llmdispatch/internal/history"
	"llmdispatch/internal/models"
)

const (
	formatJSON = "json"
	formatYAML = "yaml"
	formatText = "text"
)

func checkFormat(format string, allowed ...string) error {
	if slices.Contains(allowed, format) {
		return nil
	}
	return usageError("output format %q must be one of %s", format, strings.Join(allowed, ", "))
}

// render writes v in the requested format. text renders the human form.
func render(w io.Writer, format string, v any, text func(io.Writer) error) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case formatText:
		return text(w)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func ms(d models.Duration) string {
	return fmt.Sprintf("%.0fms", d.Milliseconds())
}

// writeResultText prints a status table followed by each successful answer.
// Answers already streamed to the terminal are not repeated.
func writeResultText(w io.Writer, result models.ClientResult, streamed bool) error {
	fmt.Fprintf(w, "request %s  mode=%s  outcome=%s  elapsed=%s\n\n", result.RequestID, result.Mode, result.Outcome, ms(result.Elapsed))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tOUTCOME\tATTEMPTS\tLATENCY\tFIRST BYTE\tDETAIL")
	for _, c := range result.Completions {
		detail := c.Error
		if c.Succeeded() && c.Usage != nil {
			detail = fmt.Sprintf("%d in / %d out tokens", c.Usage.InputTokens, c.Usage.OutputTokens)
		}
		outcome := string(c.Outcome)
		if !c.Succeeded() {
			outcome = string(c.Failure)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n", c.Provider, outcome, c.Attempts, ms(c.Latency), ms(c.FirstByte), detail)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if streamed {
		return nil
	}
	for _, c := range result.Completions {
		if !c.Succeeded() {
			continue
		}
		fmt.Fprintf(w, "\n--- %s ---\n%s\n", c.Provider, c.Text)
	}
	return nil
}

func writeReportText(w io.Writer, report benchmark.Report, threshold float64) error {
	verdict := "PASS"
	if !report.Passed(threshold) {
		verdict = "FAIL"
	}
	fmt.Fprintf(w, "%s  rounds=%d  success_rate=%.1f%%  threshold=%.1f%%  elapsed=%s",
		verdict, report.Rounds, report.SuccessRate*100, threshold*100, ms(report.Elapsed))
	switch {
	case report.Cancelled:
		fmt.Fprint(w, "  (cancelled)")
	case report.TimedOut:
		fmt.Fprint(w, "  (timed out)")
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tOK/CALLS\tRATE\tMEAN\tP95\tMAX\tTTFB P95\tFAILURES")
	for _, p := range report.Providers {
		fmt.Fprintf(tw, "%s\t%d/%d\t%.1f%%\t%s\t%s\t%s\t%s\t%s\n",
			p.Provider, p.Successes, p.Attempts, p.SuccessRate*100,
			ms(p.Latency.Mean), ms(p.Latency.P95), ms(p.Latency.Max), ms(p.FirstByte.P95),
			formatFailures(p.Failures))
	}
	return tw.Flush()
}

func writeRunsText(w io.Writer, runs []history.Run) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "no recorded runs")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tRECORDED\tROUNDS\tRATE\tELAPSED\tPROVIDERS")
	for _, run := range runs {
		rounds := fmt.Sprint(run.Report.Rounds)
		switch {
		case run.Report.Cancelled:
			rounds += " (cancelled)"
		case run.Report.TimedOut:
			rounds += " (timed out)"
		}
		names := make([]string, len(run.Report.Providers))
		for i, p := range run.Report.Providers {
			names[i] = p.Provider
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%.1f%%\t%s\t%s\n",
			run.ID, run.RecordedAt.Local().Format(time.DateTime), rounds,
			run.Report.SuccessRate*100, ms(run.Report.Elapsed), strings.Join(names, ","))
	}
	return tw.Flush()
}

func writeTrendText(w io.Writer, provider string, trend []history.ProviderResult) error {
	if len(trend) == 0 {
		_, err := fmt.Fprintf(w, "no recorded results for %s\n", provider)
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tRECORDED\tOK/CALLS\tRATE\tMEAN\tP95\tTTFB P95")
	for _, r := range trend {
		fmt.Fprintf(tw, "%d\t%s\t%d/%d\t%.1f%%\t%s\t%s\t%s\n",
			r.RunID, r.RecordedAt.Local().Format(time.DateTime), r.Successes, r.Attempts,
			r.SuccessRate*100, ms(r.LatencyMean), ms(r.LatencyP95), ms(r.FirstByteP95))
	}
	return tw.Flush()
}

func formatFailures(failures map[models.FailureKind]int) string {
	if len(failures) == 0 {
		return "-"
	}
	kinds := make([]string, 0, len(failures))
	for kind := range failures {
		kinds = append(kinds, string(kind))
	}
	slices.Sort(kinds)

	parts := make([]string, len(kinds))
	for i, kind := range kinds {
		parts[i] = fmt.Sprintf("%s=%d", kind, failures[models.FailureKind(kind)])
	}
	return strings.Join(parts, " ")
}
