package extract

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"asanaetl/internal/asana"
	"asanaetl/internal/config"
	"asanaetl/internal/mapping"
	"asanaetl/internal/resource"
	"asanaetl/internal/sink"
	"asanaetl/internal/sink/csvdir"
	"asanaetl/internal/sink/dbsink"
	"asanaetl/internal/state"
	"asanaetl/internal/storage"
)

// Runner wires a configuration into one scheduler run. Every dependency is a
// replaceable field.
type Runner struct {
	Graph    *resource.Graph
	Mappings mapping.Registry

	NewFetcher func(cfg config.Config, logger *log.Logger) Fetcher
	NewSink    func(ctx context.Context, cfg config.Config, runID string, logger *log.Logger) (sink.Sink, error)

	LoadState func(path string) (state.State, bool, error)
	SaveState func(path string, st state.State) error

	NewRunID func() string
	Now      func() time.Time

	Logger  *log.Logger
	Verbose bool
}

// NewDefaultRunner returns a runner backed by the Asana client, the
// configured sink and the JSON state file. Database sinks need the storage
// backends registered (import storage/all).
func NewDefaultRunner() (*Runner, error) {
	g, err := resource.AsanaGraph()
	if err != nil {
		return nil, err
	}
	reg, err := mapping.Default()
	if err != nil {
		return nil, err
	}
	return &Runner{
		Graph:      g,
		Mappings:   reg,
		NewFetcher: NewAsanaFetcher,
		NewSink:    OpenSink,
		LoadState:  state.Load,
		SaveState:  state.Save,
		NewRunID:   uuid.NewString,
		Now:        time.Now,
	}, nil
}

func (r *Runner) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

// Run validates cfg, resolves the since filter, fetches and, on success only,
// records the completion in the state file. An invalid configuration returns
// a *config.ValidationError.
func (r *Runner) Run(ctx context.Context, cfg config.Config) (stats Stats, err error) {
	issues := config.Validate(cfg, r.Graph.Names())
	for _, iss := range issues {
		if iss.Severity == config.SeverityWarning {
			r.logger().Printf("warn: config: %s: %s", iss.Path, iss.Message)
		}
	}
	if config.HasErrors(issues) {
		return Stats{}, &config.ValidationError{Issues: issues}
	}

	since, err := r.resolveSince(cfg)
	if err != nil {
		return Stats{}, err
	}

	runID := r.NewRunID()
	out, err := r.NewSink(ctx, cfg, runID, r.logger())
	if err != nil {
		return Stats{}, fmt.Errorf("open sink: %w", err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close sink: %w", cerr)
		}
	}()

	s := &Scheduler{
		Graph:            r.Graph,
		Mappings:         r.Mappings,
		Fetcher:          r.NewFetcher(cfg, r.logger()),
		Sink:             out,
		Concurrency:      cfg.Concurrency,
		BatchSize:        cfg.BatchSize,
		SkipUnauthorized: cfg.SkipUnauthorized,
		Incremental:      cfg.Incremental,
		Flattener: mapping.Flattener{
			SnapshotRowSet: mapping.SnapshotRowSet,
			Now:            r.Now,
		},
		Logger:  r.logger(),
		Verbose: r.Verbose,
	}

	start := r.Now()
	r.logger().Printf("run %s: kinds=%v incremental=%v since=%s", runID, cfg.RequestedKinds(), cfg.Incremental, formatSince(since))

	stats, err = s.Run(ctx, Request{
		Kinds:       cfg.RequestedKinds(),
		Since:       since,
		OverrideIDs: r.overrideIDs(cfg),
	})
	if err != nil {
		return stats, err
	}

	done := r.Now()
	if err := r.SaveState(cfg.StatePath, state.State{LastRun: done.UTC(), RunID: runID}); err != nil {
		return stats, fmt.Errorf("save state: %w", err)
	}
	r.logger().Printf("run %s: done in %s: fetches=%d skipped=%d rows=%v",
		runID, done.Sub(start).Round(time.Millisecond), stats.Fetches, stats.Skipped, stats.Rows)
	return stats, nil
}

// resolveSince returns the filter for incremental runs: an explicit timestamp
// or the last successful run from state.
func (r *Runner) resolveSince(cfg config.Config) (*time.Time, error) {
	if !cfg.Incremental {
		return nil, nil
	}
	if cfg.Since != config.SinceLastRun {
		return cfg.SinceTime()
	}

	st, found, err := r.LoadState(cfg.StatePath)
	if err != nil {
		return nil, err
	}
	if !found || st.Since() == nil {
		r.logger().Printf("no previous run in %s, fetching without since filter", cfg.StatePath)
		return nil, nil
	}
	return st.Since(), nil
}

// overrideIDs maps every kind superseded by an enabled override kind to the
// configured id list.
func (r *Runner) overrideIDs(cfg config.Config) map[string][]string {
	ids := resource.ParseIDList(cfg.ProjectIDs)
	out := map[string][]string{}
	for _, name := range cfg.RequestedKinds() {
		k, ok := r.Graph.Kind(name)
		if !ok {
			continue
		}
		for _, s := range k.Supersedes {
			out[s] = ids
		}
	}
	return out
}

func formatSince(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// NewAsanaFetcher builds the API client described by cfg.
func NewAsanaFetcher(cfg config.Config, logger *log.Logger) Fetcher {
	c := asana.NewClient(cfg.HTTP.BaseURL, cfg.Token, cfg.MaxRequestsPerSecond)
	c.PageLimit = cfg.HTTP.PageLimit
	c.SetTimeout(cfg.HTTP.Timeout.Duration)
	c.Logger = logger

	p := asana.DefaultRetryPolicy()
	p.MaxAttempts = cfg.Retry.MaxAttempts
	p.BaseBackoff = cfg.Retry.BaseBackoff.Duration
	p.MaxBackoff = cfg.Retry.MaxBackoff.Duration
	if cfg.Retry.RetryClientErrors {
		p = p.WithClientErrors()
	}
	c.Retry = p
	return c
}

// OpenSink opens the sink selected by cfg.Output.
func OpenSink(ctx context.Context, cfg config.Config, runID string, logger *log.Logger) (sink.Sink, error) {
	switch cfg.Output.Kind {
	case "csv":
		return csvdir.New(cfg.Output.Dir)
	case "":
		return nil, errors.New("output kind is empty")
	}

	repo, err := storage.New(ctx, storage.Config{
		Kind:   cfg.Output.Kind,
		DSN:    cfg.Output.DSN,
		Schema: cfg.Output.Schema,
	})
	if err != nil {
		return nil, err
	}
	s, err := dbsink.New(ctx, repo, dbsink.Options{RunID: runID, Logger: logger})
	if err != nil {
		repo.Close()
		return nil, err
	}
	return s, nil
}
