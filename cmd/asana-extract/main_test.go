package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"asanaetl/internal/config"
	"asanaetl/internal/extract"
	"asanaetl/internal/metrics"
	"asanaetl/internal/metrics/datadog"
)

// fakeRunner records calls and returns a fixed result.
type fakeRunner struct {
	stats extract.Stats
	err   error
	calls atomic.Int64

	mu      sync.Mutex
	lastCfg config.Config
}

func (r *fakeRunner) Run(_ context.Context, cfg config.Config) (extract.Stats, error) {
	r.calls.Add(1)
	r.mu.Lock()
	r.lastCfg = cfg
	r.mu.Unlock()
	return r.stats, r.err
}

type fakeMetricsBackend struct {
	closeErr error
	closed   atomic.Int64
}

func (b *fakeMetricsBackend) IncCounter(string, float64, metrics.Labels)       {}
func (b *fakeMetricsBackend) ObserveHistogram(string, float64, metrics.Labels) {}
func (b *fakeMetricsBackend) Flush() error                                     { return nil }
func (b *fakeMetricsBackend) Close() error {
	b.closed.Add(1)
	return b.closeErr
}

func failingDeps(t *testing.T) appDeps {
	return appDeps{
		loadConfig: func(string) (config.Config, error) {
			t.Fatalf("loadConfig must not be called on usage errors")
			return config.Config{}, nil
		},
		newRunner: func(*log.Logger, bool) (runner, error) {
			t.Fatalf("newRunner must not be called on usage errors")
			return nil, nil
		},
		initMetrics: func(context.Context, string, config.Metrics) (func(), error) {
			t.Fatalf("initMetrics must not be called on usage errors")
			return func() {}, nil
		},
	}
}

func TestRunMain_UsageErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		args          []string
		wantStderrSub string
	}{
		{"missing_config_flag", []string{"run"}, "usage: asana-extract run --config"},
		{"blank_config_value", []string{"run", "--config", "  "}, "usage: asana-extract run --config"},
		{"unknown_flag", []string{"run", "--nope"}, "unknown flag"},
		{"unknown_command", []string{"extract"}, "unknown command"},
		{"validate_without_config", []string{"validate"}, "usage: asana-extract validate"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var stdout, stderr bytes.Buffer
			code := runMain(context.Background(), tc.args, &stdout, &stderr, failingDeps(t))

			if code != 2 {
				t.Fatalf("exit code=%d, want 2; stderr=%q", code, stderr.String())
			}
			if !strings.Contains(stderr.String(), tc.wantStderrSub) {
				t.Fatalf("stderr=%q, want contains %q", stderr.String(), tc.wantStderrSub)
			}
			if stdout.Len() != 0 {
				t.Fatalf("stdout=%q, want empty", stdout.String())
			}
		})
	}
}

func TestRunMain_RunFlow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name             string
		loadErr          error
		initMetricsErr   error
		runErr           error
		wantCode         int
		wantStderrSub    string
		wantStdout       string
		wantRunnerCalls  int64
		wantCleanupCalls int64
	}{
		{
			name:          "load_config_error",
			loadErr:       errors.New("no such file"),
			wantCode:      2,
			wantStderrSub: "load config:",
		},
		{
			name:           "init_metrics_error",
			initMetricsErr: errors.New("metrics unavailable"),
			wantCode:       1,
			wantStderrSub:  "init metrics:",
		},
		{
			name:             "invalid_config_from_runner",
			runErr:           &config.ValidationError{Issues: []config.Issue{{Severity: config.SeverityError, Path: "token", Message: "is required"}}},
			wantCode:         2,
			wantStderrSub:    "token: is required",
			wantRunnerCalls:  1,
			wantCleanupCalls: 1,
		},
		{
			name:             "runner_error_runs_cleanup",
			runErr:           errors.New("fetch projects_tasks: status 500"),
			wantCode:         1,
			wantStderrSub:    "run: fetch projects_tasks",
			wantRunnerCalls:  1,
			wantCleanupCalls: 1,
		},
		{
			name:             "success",
			wantCode:         0,
			wantStdout:       "projects\t2\ntasks\t5\nok\n",
			wantRunnerCalls:  1,
			wantCleanupCalls: 1,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var stdout, stderr bytes.Buffer
			fr := &fakeRunner{
				err:   tc.runErr,
				stats: extract.Stats{Rows: map[string]int{"tasks": 5, "projects": 2}},
			}
			var cleanupCalls atomic.Int64

			deps := appDeps{
				loadConfig: func(path string) (config.Config, error) {
					if path != "cfg.json" {
						t.Fatalf("loadConfig path=%q, want cfg.json", path)
					}
					if tc.loadErr != nil {
						return config.Config{}, tc.loadErr
					}
					return config.Config{Job: "job1", Metrics: config.Metrics{Backend: "datadog"}}, nil
				},
				newRunner: func(_ *log.Logger, verbose bool) (runner, error) {
					if !verbose {
						t.Fatalf("verbose flag not forwarded")
					}
					return fr, nil
				},
				initMetrics: func(_ context.Context, jobName string, m config.Metrics) (func(), error) {
					if jobName != "job1" {
						t.Fatalf("jobName=%q, want job1", jobName)
					}
					if m.Backend != "none" {
						t.Fatalf("backend=%q, want flag to override config", m.Backend)
					}
					if tc.initMetricsErr != nil {
						return func() {}, tc.initMetricsErr
					}
					return func() { cleanupCalls.Add(1) }, nil
				},
			}

			code := runMain(context.Background(),
				[]string{"run", "-v", "--config", "cfg.json", "--metrics-backend", "none"},
				&stdout, &stderr, deps)

			if code != tc.wantCode {
				t.Fatalf("exit code=%d, want %d; stderr=%q", code, tc.wantCode, stderr.String())
			}
			if tc.wantStderrSub != "" && !strings.Contains(stderr.String(), tc.wantStderrSub) {
				t.Fatalf("stderr=%q, want contains %q", stderr.String(), tc.wantStderrSub)
			}
			if got := stdout.String(); got != tc.wantStdout {
				t.Fatalf("stdout=%q, want %q", got, tc.wantStdout)
			}
			if got := fr.calls.Load(); got != tc.wantRunnerCalls {
				t.Fatalf("runner calls=%d, want %d", got, tc.wantRunnerCalls)
			}
			if got := cleanupCalls.Load(); got != tc.wantCleanupCalls {
				t.Fatalf("cleanup calls=%d, want %d", got, tc.wantCleanupCalls)
			}
		})
	}
}

func TestRunMain_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		cfg      config.Config
		wantCode int
		wantErr  string
	}{
		{
			name:     "valid",
			cfg:      config.Config{Token: "t", Endpoints: map[string]bool{"projects": true}, Output: config.Output{Kind: "csv", Dir: "out"}},
			wantCode: 0,
		},
		{
			name:     "invalid",
			cfg:      config.Config{Endpoints: map[string]bool{"tags": true}, Output: config.Output{Kind: "csv", Dir: "out"}},
			wantCode: 2,
			wantErr:  "error: endpoints.tags: unknown endpoint",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			deps := failingDeps(t)
			deps.loadConfig = func(string) (config.Config, error) { return tc.cfg, nil }

			var stdout, stderr bytes.Buffer
			code := runMain(context.Background(), []string{"validate", "--config", "c.json"}, &stdout, &stderr, deps)
			if code != tc.wantCode {
				t.Fatalf("exit code=%d, want %d; stderr=%q", code, tc.wantCode, stderr.String())
			}
			if tc.wantErr != "" && !strings.Contains(stderr.String(), tc.wantErr) {
				t.Fatalf("stderr=%q, want contains %q", stderr.String(), tc.wantErr)
			}
			if tc.wantCode == 0 && stdout.String() != "ok\n" {
				t.Fatalf("stdout=%q", stdout.String())
			}
		})
	}
}

func TestRunMain_Kinds(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"kinds"}, &stdout, &stderr, failingDeps(t))
	if code != 0 {
		t.Fatalf("exit code=%d; stderr=%q", code, stderr.String())
	}

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 14 {
		t.Fatalf("lines=%d, want header + 13 kinds:\n%s", len(lines), stdout.String())
	}
	if f := strings.Fields(lines[1]); f[0] != "0" || f[1] != "workspaces" {
		t.Fatalf("first kind line=%q", lines[1])
	}
	if !strings.Contains(stdout.String(), "archived_projects") {
		t.Fatalf("missing archived_projects:\n%s", stdout.String())
	}
}

// Tests below swap package-level seams and must not run in parallel.

func TestInitMetrics_None(t *testing.T) {
	oldSet := setMetricsBackend
	defer func() { setMetricsBackend = oldSet }()
	setMetricsBackend = func(metrics.Backend) {
		t.Fatalf("setMetricsBackend must not be called for none")
	}

	for _, name := range []string{"", "none", "NOOP"} {
		cleanup, err := initMetrics(context.Background(), "job", config.Metrics{Backend: name})
		if err != nil {
			t.Fatalf("initMetrics(%q) err=%v", name, err)
		}
		if cleanup == nil {
			t.Fatalf("cleanup=nil")
		}
		cleanup()
	}
}

func TestInitMetrics_Datadog_WiresBackendAndCloses(t *testing.T) {
	b := &fakeMetricsBackend{}

	var (
		newCalls atomic.Int64
		setCalls atomic.Int64
		gotOpts  datadog.Options
	)

	oldNew, oldSet, oldLog := newDatadogBackend, setMetricsBackend, logPrintf
	defer func() {
		newDatadogBackend, setMetricsBackend, logPrintf = oldNew, oldSet, oldLog
	}()

	newDatadogBackend = func(_ context.Context, opts datadog.Options) (metricsBackend, error) {
		newCalls.Add(1)
		gotOpts = opts
		return b, nil
	}
	setMetricsBackend = func(metrics.Backend) { setCalls.Add(1) }

	var logged bytes.Buffer
	logPrintf = func(format string, v ...any) { fmt.Fprintf(&logged, format, v...) }

	cleanup, err := initMetrics(context.Background(), "jobA", config.Metrics{Backend: "datadog", Tags: "team:data"})
	if err != nil {
		t.Fatalf("initMetrics err=%v", err)
	}
	if gotOpts.JobName != "jobA" {
		t.Fatalf("JobName=%q, want jobA", gotOpts.JobName)
	}
	if len(gotOpts.Tags) == 0 || gotOpts.Tags[0] != "team:data" {
		t.Fatalf("Tags=%v", gotOpts.Tags)
	}
	if newCalls.Load() != 1 || setCalls.Load() != 1 {
		t.Fatalf("new=%d set=%d, want 1/1", newCalls.Load(), setCalls.Load())
	}

	cleanup()
	if b.closed.Load() != 1 {
		t.Fatalf("closed=%d, want 1", b.closed.Load())
	}
	if logged.Len() != 0 {
		t.Fatalf("unexpected log output: %q", logged.String())
	}
}

func TestInitMetrics_Datadog_CloseErrorIsLogged(t *testing.T) {
	b := &fakeMetricsBackend{closeErr: errors.New("flush failed")}

	oldNew, oldSet, oldLog := newDatadogBackend, setMetricsBackend, logPrintf
	defer func() {
		newDatadogBackend, setMetricsBackend, logPrintf = oldNew, oldSet, oldLog
	}()

	newDatadogBackend = func(context.Context, datadog.Options) (metricsBackend, error) { return b, nil }
	setMetricsBackend = func(metrics.Backend) {}

	var logged bytes.Buffer
	logPrintf = func(format string, v ...any) { fmt.Fprintf(&logged, format, v...) }

	cleanup, err := initMetrics(context.Background(), "job", config.Metrics{Backend: "dd"})
	if err != nil {
		t.Fatalf("initMetrics err=%v", err)
	}
	cleanup()

	if !strings.Contains(logged.String(), "metrics: datadog close error") || !strings.Contains(logged.String(), "flush failed") {
		t.Fatalf("log=%q", logged.String())
	}
}

func TestInitMetrics_UnknownBackend(t *testing.T) {
	cleanup, err := initMetrics(context.Background(), "job", config.Metrics{Backend: "statsd"})
	if err == nil {
		t.Fatalf("err=nil, want error")
	}
	cleanup()
	if !strings.Contains(err.Error(), "none|datadog") {
		t.Fatalf("err=%q", err)
	}
}
