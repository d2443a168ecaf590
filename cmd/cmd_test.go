package cmd

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"llmdispatch/internal/benchmark"
	"llmdispatch/internal/history"
	"llmdispatch/internal/mockprovider"
	"llmdispatch/internal/models"
)

const configTemplate = `
providers:
  fast:
    kind: openai
    base_url: {{URL}}/v1
    api_key: sk-test
    model: mock-1
  local:
    kind: ollama
    base_url: {{URL}}
    model: mock-1
  broken:
    kind: anthropic
    base_url: {{URL}}
    api_key: sk-test
    model: mock-1
    headers:
      X-Mock-Fail: "401"
dispatch:
  default_providers: [fast, local]
  backoff_base: 1ms
  backoff_cap: 2ms
log:
  level: error
`

// setup starts a mock provider and writes a config pointing at it.
func setup(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(mockprovider.New(mockprovider.Options{}).Handler())
	t.Cleanup(srv.Close)

	path := filepath.Join(t.TempDir(), "llmdispatch.yaml")
	body := strings.ReplaceAll(configTemplate, "{{URL}}", srv.URL)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func TestAskParallelJSON(t *testing.T) {
	t.Parallel()

	cfg := setup(t)
	stdout, stderr, err := execute(t, "ask", "-c", cfg, "--mode", "parallel", "-o", "json", "hello", "world")
	if err != nil {
		t.Fatalf("ask: %v\nstderr: %s", err, stderr)
	}

	var result models.ClientResult
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		t.Fatalf("decode result: %v\n%s", err, stdout)
	}
	if result.Outcome != models.OverallAllSucceeded || result.Mode != models.ModeParallel {
		t.Fatalf("outcome = %s mode = %s", result.Outcome, result.Mode)
	}
	if len(result.Completions) != 2 || result.Completions[0].Provider != "fast" || result.Completions[1].Provider != "local" {
		t.Fatalf("completions = %+v", result.Completions)
	}
	for _, c := range result.Completions {
		if c.Text != "mock reply: hello world" {
			t.Errorf("%s text = %q", c.Provider, c.Text)
		}
	}
	if !strings.HasPrefix(result.RequestID, "req_") {
		t.Errorf("request id = %q", result.RequestID)
	}
}

func TestAskAllFailedExitsOne(t *testing.T) {
	t.Parallel()

	cfg := setup(t)
	stdout, _, err := execute(t, "ask", "-c", cfg, "-p", "broken", "hi")
	if code := ExitCode(err); code != ExitFailure {
		t.Fatalf("exit code = %d (%v), want %d", code, err, ExitFailure)
	}
	if !strings.Contains(stdout, "auth_error") || !strings.Contains(stdout, "outcome=all-failed") {
		t.Errorf("stdout = %s", stdout)
	}
}

func TestAskSequentialFallbackYAML(t *testing.T) {
	t.Parallel()

	cfg := setup(t)
	stdout, _, err := execute(t, "ask", "-c", cfg, "-p", "broken,fast", "--mode", "sequential-fallback", "-o", "yaml", "hi")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	for _, want := range []string{"outcome: all-succeeded", "failure: auth_error", "text: 'mock reply: hi'"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("stdout missing %q:\n%s", want, stdout)
		}
	}
}

func TestAskStreamsToStdout(t *testing.T) {
	t.Parallel()

	cfg := setup(t)
	stdout, _, err := execute(t, "ask", "-c", cfg, "-p", "fast", "--stream", "hi", "there")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if !strings.Contains(stdout, "[fast attempt 1] mock reply: hi there\n") {
		t.Errorf("stdout = %s", stdout)
	}
	if strings.Contains(stdout, "--- fast ---") {
		t.Error("streamed answer was printed twice")
	}
}

func TestAskUsageErrors(t *testing.T) {
	t.Parallel()

	cfg := setup(t)
	tests := []struct {
		name string
		args []string
	}{
		{name: "missing prompt", args: []string{"ask", "-c", cfg}},
		{name: "bad output", args: []string{"ask", "-c", cfg, "-o", "xml", "hi"}},
		{name: "unknown provider", args: []string{"ask", "-c", cfg, "-p", "nope", "hi"}},
		{name: "bad mode", args: []string{"ask", "-c", cfg, "--mode", "random", "hi"}},
		{name: "override for untargeted provider", args: []string{"ask", "-c", cfg, "-p", "fast", "--model", "local=x", "hi"}},
		{name: "missing config file", args: []string{"ask", "-c", filepath.Join(t.TempDir(), "absent.yaml"), "hi"}},
		{name: "unknown flag", args: []string{"ask", "--frobnicate", "hi"}},
		{name: "unknown command", args: []string{"serve"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, _, err := execute(t, tt.args...)
			if code := ExitCode(err); code != ExitUsage {
				t.Errorf("exit code = %d (%v), want %d", code, err, ExitUsage)
			}
		})
	}
}

func TestBenchmarkRecordsHistory(t *testing.T) {
	t.Parallel()

	cfg := setup(t)
	db := filepath.Join(t.TempDir(), "history.db")
	stdout, stderr, err := execute(t, "benchmark", "-c", cfg, "-p", "fast,local", "--rounds", "3", "--record", db, "-o", "json")
	if err != nil {
		t.Fatalf("benchmark: %v\nstderr: %s", err, stderr)
	}

	var report benchmark.Report
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("decode report: %v\n%s", err, stdout)
	}
	if report.Rounds != 3 || report.SuccessRate != 1 || len(report.Providers) != 2 {
		t.Fatalf("report = %+v", report)
	}

	store, err := history.Open(db)
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	defer store.Close()
	runs, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(runs) != 1 || runs[0].Report.Rounds != 3 {
		t.Errorf("runs = %+v", runs)
	}
}

func TestBenchmarkBelowThreshold(t *testing.T) {
	t.Parallel()

	cfg := setup(t)
	stdout, _, err := execute(t, "benchmark", "-c", cfg, "-p", "fast,broken", "--rounds", "2")
	if code := ExitCode(err); code != ExitBelowThreshold {
		t.Fatalf("exit code = %d (%v), want %d", code, err, ExitBelowThreshold)
	}
	if !strings.HasPrefix(stdout, "FAIL") || !strings.Contains(stdout, "auth_error=2") {
		t.Errorf("stdout = %s", stdout)
	}

	// Half the calls succeed, which meets a 0.5 threshold.
	if _, _, err := execute(t, "benchmark", "-c", cfg, "-p", "fast,broken", "--rounds", "2", "--threshold", "0.5"); err != nil {
		t.Errorf("benchmark at threshold 0.5: %v", err)
	}
}

func TestBenchmarkDefaultsToEveryProvider(t *testing.T) {
	t.Parallel()

	cfg := setup(t)
	stdout, _, err := execute(t, "benchmark", "-c", cfg, "--rounds", "1", "-o", "json")
	if code := ExitCode(err); code != 0 && code != ExitBelowThreshold {
		t.Fatalf("benchmark: %v", err)
	}

	var report benchmark.Report
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("decode report: %v\n%s", err, stdout)
	}
	var names []string
	for _, p := range report.Providers {
		names = append(names, p.Provider)
	}
	// Defaults first, then the remaining providers by name.
	if strings.Join(names, ",") != "fast,local,broken" {
		t.Errorf("providers = %v", names)
	}
}

func TestHistoryListsRecordedRuns(t *testing.T) {
	t.Parallel()

	cfg := setup(t)
	db := filepath.Join(t.TempDir(), "history.db")
	for range 2 {
		if _, _, err := execute(t, "benchmark", "-c", cfg, "-p", "fast,local", "--rounds", "2", "--record", db); err != nil {
			t.Fatalf("benchmark: %v", err)
		}
	}

	stdout, _, err := execute(t, "history", "--db", db)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	for _, want := range []string{"RUN", "100.0%", "fast,local"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("stdout missing %q:\n%s", want, stdout)
		}
	}

	stdout, _, err = execute(t, "history", "--db", db, "-o", "json", "--limit", "1")
	if err != nil {
		t.Fatalf("history json: %v", err)
	}
	var runs []history.Run
	if err := json.Unmarshal([]byte(stdout), &runs); err != nil {
		t.Fatalf("decode runs: %v\n%s", err, stdout)
	}
	if len(runs) != 1 || runs[0].ID != 2 || runs[0].Report.Rounds != 2 {
		t.Errorf("runs = %+v", runs)
	}

	stdout, _, err = execute(t, "history", "--db", db, "-p", "local", "-o", "yaml")
	if err != nil {
		t.Fatalf("history trend: %v", err)
	}
	if strings.Count(stdout, "provider: local") != 2 || !strings.Contains(stdout, "successes: 2") {
		t.Errorf("trend = %s", stdout)
	}

	stdout, _, err = execute(t, "history", "--db", db, "-p", "absent")
	if err != nil || !strings.Contains(stdout, "no recorded results for absent") {
		t.Errorf("empty trend = %q, %v", stdout, err)
	}
}

func TestHistoryUsageErrors(t *testing.T) {
	t.Parallel()

	missing := filepath.Join(t.TempDir(), "absent.db")
	for _, args := range [][]string{
		{"history"},
		{"history", "--db", missing},
		{"history", "--db", missing, "--limit", "0"},
		{"history", "--db", missing, "-o", "xml"},
	} {
		if _, _, err := execute(t, args...); ExitCode(err) != ExitUsage {
			t.Errorf("%v: err = %v, want usage error", args, err)
		}
	}
	if _, err := os.Stat(missing); !os.IsNotExist(err) {
		t.Error("history must not create a database")
	}
}

func TestWriteReportTextMarksInterruptedRuns(t *testing.T) {
	t.Parallel()

	tests := []struct {
		report benchmark.Report
		want   string
	}{
		{report: benchmark.Report{TimedOut: true}, want: "(timed out)"},
		{report: benchmark.Report{Cancelled: true}, want: "(cancelled)"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		if err := writeReportText(&buf, tt.report, 1); err != nil {
			t.Fatalf("writeReportText: %v", err)
		}
		if !strings.Contains(buf.String(), tt.want) {
			t.Errorf("report text = %q, want %q", buf.String(), tt.want)
		}
	}
}

func TestMockProviderFlagValidation(t *testing.T) {
	t.Parallel()

	for _, args := range [][]string{
		{"mock-provider", "--port", "0"},
		{"mock-provider", "--failure-rate", "1.5"},
		{"mock-provider", "--fail-status", "200"},
		{"mock-provider", "--log-level", "chatty"},
	} {
		if _, _, err := execute(t, args...); ExitCode(err) != ExitUsage {
			t.Errorf("%v: err = %v, want usage error", args, err)
		}
	}
}

func TestVersionAndHelp(t *testing.T) {
	t.Parallel()

	stdout, _, err := execute(t, "version")
	if err != nil || !strings.HasPrefix(stdout, "llmdispatch ") {
		t.Errorf("version = %q, %v", stdout, err)
	}

	stdout, _, err = execute(t)
	if err != nil || !strings.Contains(stdout, "benchmark") {
		t.Errorf("usage = %q, %v", stdout, err)
	}

	stdout, _, err = execute(t, "ask", "--help")
	if err != nil || !strings.Contains(stdout, "llmdispatch ask") || !strings.Contains(stdout, "--provider") {
		t.Errorf("ask help = %q, %v", stdout, err)
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	if ExitCode(nil) != 0 {
		t.Error("nil error must exit 0")
	}
	if ExitCode(context.Canceled) != ExitFailure {
		t.Error("plain errors exit 1")
	}
	if ExitCode(usageError("bad")) != ExitUsage {
		t.Error("usage errors exit 2")
	}
}
