// Command asana-extract pulls Asana workspaces, projects, tasks and their
// descendants into CSV files or a database.
//
// Exit codes: 0 success, 1 run failure, 2 usage or configuration error.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"asanaetl/internal/config"
	"asanaetl/internal/extract"
	"asanaetl/internal/metrics"
	"asanaetl/internal/metrics/datadog"
	"asanaetl/internal/resource"

	// register every storage backend; the config picks one.
	_ "asanaetl/internal/storage/all"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

type runner interface {
	Run(ctx context.Context, cfg config.Config) (extract.Stats, error)
}

// appDeps are the side-effecting seams of runMain.
type appDeps struct {
	loadConfig  func(path string) (config.Config, error)
	newRunner   func(logger *log.Logger, verbose bool) (runner, error)
	initMetrics func(ctx context.Context, jobName string, m config.Metrics) (func(), error)
}

func defaultDeps() appDeps {
	return appDeps{
		loadConfig: config.Load,
		newRunner: func(logger *log.Logger, verbose bool) (runner, error) {
			r, err := extract.NewDefaultRunner()
			if err != nil {
				return nil, err
			}
			r.Logger = logger
			r.Verbose = verbose
			return r, nil
		},
		initMetrics: initMetrics,
	}
}

// exitError carries the process exit code for an error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageErr(format string, args ...any) error {
	return &exitError{code: 2, err: fmt.Errorf(format, args...)}
}

func runErr(format string, args ...any) error {
	return &exitError{code: 1, err: fmt.Errorf(format, args...)}
}

// runMain executes the CLI and returns the exit code.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	root := newRootCmd(deps, stdout, stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	fmt.Fprintln(stderr, err)

	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	// Flag parsing and unknown commands.
	return 2
}

func newRootCmd(deps appDeps, stdout, stderr io.Writer) *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:           "asana-extract",
		Short:         "Extract Asana resources into flat tables",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logs")

	newLogger := func() *log.Logger {
		return log.New(stderr, "", log.LstdFlags)
	}

	root.AddCommand(
		newRunCmd(deps, stdout, newLogger, &verbose),
		newValidateCmd(deps, stdout, stderr),
		newKindsCmd(stdout),
	)
	return root
}

func newRunCmd(deps appDeps, stdout io.Writer, newLogger func() *log.Logger, verbose *bool) *cobra.Command {
	var (
		cfgPath        string
		metricsBackend string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an extraction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(cfgPath) == "" {
				return usageErr("usage: asana-extract run --config path/to/config.json")
			}
			cfg, err := deps.loadConfig(cfgPath)
			if err != nil {
				return usageErr("load config: %v", err)
			}

			m := cfg.Metrics
			if metricsBackend != "" {
				m.Backend = metricsBackend
			}
			if m.Backend == "" {
				m.Backend = os.Getenv("METRICS_BACKEND")
			}

			logger := newLogger()
			r, err := deps.newRunner(logger, *verbose)
			if err != nil {
				return runErr("init: %v", err)
			}

			cleanup, err := deps.initMetrics(cmd.Context(), cfg.Job, m)
			if err != nil {
				return runErr("init metrics: %v", err)
			}
			defer cleanup()

			stats, err := r.Run(cmd.Context(), cfg)
			if err != nil {
				var verr *config.ValidationError
				if errors.As(err, &verr) {
					return usageErr("%v", err)
				}
				return runErr("run: %v", err)
			}

			for _, name := range stats.RowSetNames() {
				fmt.Fprintf(stdout, "%s\t%d\n", name, stats.Rows[name])
			}
			fmt.Fprintln(stdout, "ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "run config path (.json, .yaml or .yml)")
	cmd.Flags().StringVar(&metricsBackend, "metrics-backend", "", "metrics backend: none|datadog (overrides config and METRICS_BACKEND)")
	return cmd
}

func newValidateCmd(deps appDeps, stdout, stderr io.Writer) *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file and exit",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if strings.TrimSpace(cfgPath) == "" {
				return usageErr("usage: asana-extract validate --config path/to/config.json")
			}
			cfg, err := deps.loadConfig(cfgPath)
			if err != nil {
				return usageErr("load config: %v", err)
			}
			g, err := resource.AsanaGraph()
			if err != nil {
				return runErr("%v", err)
			}

			issues := config.Validate(cfg, g.Names())
			for _, iss := range issues {
				fmt.Fprintln(stderr, iss)
			}
			if config.HasErrors(issues) {
				return usageErr("configuration is invalid: %s", cfgPath)
			}
			fmt.Fprintln(stdout, "ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "run config path (.json, .yaml or .yml)")
	return cmd
}

func newKindsCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List the resource kinds by level",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			g, err := resource.AsanaGraph()
			if err != nil {
				return runErr("%v", err)
			}
			return printKinds(stdout, g)
		},
	}
}

func printKinds(w io.Writer, g *resource.Graph) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LEVEL\tKIND\tPARENT\tROW SET")
	for level := 0; level <= g.MaxLevel(); level++ {
		for _, name := range g.Names() {
			k, _ := g.Kind(name)
			if k.Level() != level {
				continue
			}
			parent := k.Parent
			if parent == "" {
				parent = "-"
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", level, name, parent, k.OutputName())
		}
	}
	return tw.Flush()
}

// ---- metrics wiring ----

type metricsBackend interface {
	metrics.Backend
	Close() error
}

// Seams for tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	setMetricsBackend = metrics.SetBackend
	logPrintf         = log.Printf
)

// initMetrics installs the backend named by m.Backend. The returned cleanup is
// never nil and flushes the backend.
func initMetrics(ctx context.Context, jobName string, m config.Metrics) (func(), error) {
	noop := func() {}

	switch strings.ToLower(strings.TrimSpace(m.Backend)) {
	case "", "none", "nop", "noop":
		return noop, nil

	case "datadog", "dd":
		tags := datadog.ParseTags(m.Tags)
		tags = append(tags, datadog.ParseTags(os.Getenv("METRICS_TAGS"))...)

		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    jobName,
			Tags:       tags,
			FlushEvery: m.FlushEvery.Duration,
		})
		if err != nil {
			return noop, err
		}
		setMetricsBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				logPrintf("metrics: datadog close error: %v", err)
			}
			setMetricsBackend(nil)
		}, nil

	default:
		return noop, fmt.Errorf("unknown metrics backend %q (want none|datadog)", m.Backend)
	}
}
