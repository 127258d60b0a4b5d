// Package extract walks the resource graph level by level, fetching every
// needed kind, flattening what was requested and handing row-sets to a sink.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"asanaetl/internal/asana"
	"asanaetl/internal/mapping"
	"asanaetl/internal/metrics"
	"asanaetl/internal/resource"
	"asanaetl/internal/sink"
)

// DefaultConcurrency bounds in-flight fetches per level when Concurrency is 0.
const DefaultConcurrency = 4

// Fetcher pages through one endpoint. *asana.Client implements it.
type Fetcher interface {
	Paginate(ctx context.Context, kind string, ep resource.Endpoint, fn func(page []map[string]any) error) error
}

// Request is one extraction.
type Request struct {
	// Kinds are the requested kind names.
	Kinds []string

	// Since filters kinds that accept it when the scheduler is incremental.
	Since *time.Time

	// OverrideIDs seeds the ParentRecords of superseded kinds, keyed by the
	// superseded kind name.
	OverrideIDs map[string][]string
}

// Stats summarizes a run.
type Stats struct {
	// Fetches counts Paginate calls, one per (kind, parent).
	Fetches int
	// Skipped counts fetches dropped on 403 in skip-unauthorized mode.
	Skipped int
	// Rows counts rows written per row-set name.
	Rows map[string]int
	// Issues counts rows the flattener dropped.
	Issues int
}

// Scheduler holds the configuration of a fetch; every Run gets its own
// run-scoped state.
type Scheduler struct {
	Graph    *resource.Graph
	Mappings mapping.Registry
	Fetcher  Fetcher
	Sink     sink.Sink

	// Parents is used as-is when set; otherwise each Run gets a fresh
	// MemoryParents.
	Parents ParentStore

	Concurrency int

	// BatchSize > 0 flushes every BatchSize records while paginating; 0 flushes
	// once per fetch.
	BatchSize int

	// SkipUnauthorized turns 403 responses into skipped fetches.
	SkipUnauthorized bool

	// Incremental is copied onto every row-set and enables since-filters.
	Incremental bool

	Flattener mapping.Flattener
	Logger    *log.Logger
	Verbose   bool
}

type run struct {
	s         *Scheduler
	plan      resource.Plan
	req       Request
	parents   ParentStore
	flattener mapping.Flattener

	mu    sync.Mutex
	stats Stats
}

// Run executes req. Level N+1 starts only after every fetch of level N and
// its post-processing finished. The first error cancels the run.
func (s *Scheduler) Run(ctx context.Context, req Request) (Stats, error) {
	if s.Graph == nil || s.Fetcher == nil || s.Sink == nil {
		return Stats{}, errors.New("extract: scheduler needs Graph, Fetcher and Sink")
	}

	plan, err := s.Graph.Closure(req.Kinds)
	if err != nil {
		return Stats{}, err
	}
	for _, name := range resource.SortedKeys(plan.Emit) {
		k, _ := s.Graph.Kind(name)
		if _, ok := s.Mappings.Set(k.Mapping); !ok {
			return Stats{}, fmt.Errorf("extract: kind %s: unknown mapping %q", name, k.Mapping)
		}
	}

	r := &run{
		s:         s,
		plan:      plan,
		req:       req,
		parents:   s.Parents,
		flattener: s.Flattener,
		stats:     Stats{Rows: map[string]int{}},
	}
	if r.parents == nil {
		r.parents = NewMemoryParents()
	}
	r.flattener.Incremental = s.Incremental

	if err := r.seedOverrides(); err != nil {
		return Stats{}, err
	}

	s.debugf("plan: emit=%v needed=%v superseded=%v", resource.SortedKeys(plan.Emit),
		resource.SortedKeys(plan.Needed), resource.SortedKeys(plan.Superseded))

	for level, kinds := range plan.Levels {
		start := time.Now()
		err := r.runLevel(ctx, kinds)
		metrics.RecordStep(fmt.Sprintf("level_%d", level), err, time.Since(start))
		if err != nil {
			return r.snapshot(), err
		}
		s.debugf("level %d done: %v (%s)", level, kinds, time.Since(start).Round(time.Millisecond))
	}
	return r.snapshot(), nil
}

func (s *Scheduler) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

func (s *Scheduler) debugf(format string, args ...any) {
	if s.Verbose {
		s.logger().Printf("debug: "+format, args...)
	}
}

func (s *Scheduler) concurrency() int {
	if s.Concurrency > 0 {
		return s.Concurrency
	}
	return DefaultConcurrency
}

func (r *run) seedOverrides() error {
	for _, name := range resource.SortedKeys(r.plan.Superseded) {
		ids := r.req.OverrideIDs[name]
		if len(ids) == 0 {
			return fmt.Errorf("extract: %s is overridden but no ids were supplied", name)
		}
		recs := make([]ParentRecord, 0, len(ids))
		for _, id := range ids {
			recs = append(recs, ParentRecord{GID: id})
		}
		r.parents.Add(name, recs...)
	}
	return nil
}

func (r *run) runLevel(ctx context.Context, kinds []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.s.concurrency())

	for _, name := range kinds {
		k, _ := r.s.Graph.Kind(name)

		if k.Parent == "" {
			g.Go(func() error { return r.fetch(gctx, k, "") })
			continue
		}
		for _, p := range r.parents.List(k.Parent) {
			if !p.Allows(name) {
				r.s.debugf("%s: parent %s forbids fetch", name, p.GID)
				continue
			}
			gid := p.GID
			g.Go(func() error { return r.fetch(gctx, k, gid) })
		}
	}
	return g.Wait()
}

// fetch pages through one (kind, parent) endpoint.
func (r *run) fetch(ctx context.Context, k resource.Kind, parentGID string) error {
	ep := k.URL(parentGID)
	if r.s.Incremental && r.req.Since != nil && k.CompletedSince {
		if ep.Query == nil {
			ep.Query = url.Values{}
		}
		ep.Query.Set("completed_since", r.req.Since.UTC().Format(time.RFC3339))
	}

	r.mu.Lock()
	r.stats.Fetches++
	r.mu.Unlock()

	var buf []map[string]any
	err := r.s.Fetcher.Paginate(ctx, k.Name, ep, func(page []map[string]any) error {
		buf = append(buf, page...)
		if r.s.BatchSize > 0 && len(buf) >= r.s.BatchSize {
			if err := r.process(ctx, k, parentGID, buf); err != nil {
				return err
			}
			buf = nil
		}
		return nil
	})

	if err != nil && r.s.SkipUnauthorized && asana.IsForbidden(err) {
		r.s.logger().Printf("warn: %s: %s: unauthorized, skipping", k.Name, ep.Path)
		r.mu.Lock()
		r.stats.Skipped++
		r.mu.Unlock()
		err = nil
	}
	if err != nil {
		return fmt.Errorf("fetch %s: %w", k.Name, err)
	}

	if len(buf) > 0 {
		return r.process(ctx, k, parentGID, buf)
	}
	return nil
}

// process registers ParentRecords when a needed kind depends on k, and
// flattens and emits the batch when k was requested.
func (r *run) process(ctx context.Context, k resource.Kind, parentGID string, rows []map[string]any) error {
	if r.plan.IsParent(r.s.Graph, k.Name) {
		r.parents.Add(k.Name, parentRecords(k, rows)...)
	}
	if !r.plan.Emit[k.Name] {
		return nil
	}

	set, _ := r.s.Mappings.Set(k.Mapping)
	res := r.flattener.Flatten(rows, set, parentGID, k.OutputName())
	for _, iss := range res.Issues {
		r.s.logger().Printf("warn: %s: %s", k.Name, iss)
	}

	written := map[string]int{}
	for _, rs := range res.RowSets {
		if err := r.s.Sink.Write(ctx, rs); err != nil {
			return fmt.Errorf("write %s: %w", rs.Name, err)
		}
		metrics.RecordRows(rs.Name, len(rs.Rows))
		written[rs.Name] += len(rs.Rows)
	}

	r.mu.Lock()
	for name, n := range written {
		r.stats.Rows[name] += n
	}
	r.stats.Issues += len(res.Issues)
	r.mu.Unlock()
	return nil
}

func parentRecords(k resource.Kind, rows []map[string]any) []ParentRecord {
	out := make([]ParentRecord, 0, len(rows))
	for _, row := range rows {
		gid := mapping.Render(row[mapping.DefaultIDField])
		if gid == "" {
			continue
		}
		rec := ParentRecord{GID: gid}
		if k.Annotate != nil {
			for _, child := range k.Annotate(row) {
				if rec.Forbidden == nil {
					rec.Forbidden = map[string]bool{}
				}
				rec.Forbidden[child] = true
			}
		}
		out = append(out, rec)
	}
	return out
}

func (r *run) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.stats
	out.Rows = make(map[string]int, len(r.stats.Rows))
	for k, v := range r.stats.Rows {
		out.Rows[k] = v
	}
	return out
}

// RowSetNames returns the row-set names in s.Rows, sorted.
func (s Stats) RowSetNames() []string {
	out := make([]string, 0, len(s.Rows))
	for k := range s.Rows {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
