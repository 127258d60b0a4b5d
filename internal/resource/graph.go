// Package resource defines the fixed graph of fetchable resource kinds and the
// planning helpers the scheduler uses to walk it.
//
// The graph is a typed table validated at construction time:
//   - every parent reference resolves to a defined kind
//   - the parent chain is acyclic and no deeper than MaxDepth
//   - supersede targets resolve and are never the kind itself
//
// Levels are derived from parent pointers (root = 0), never declared.
package resource

import (
	"fmt"
	"net/url"
	"sort"
)

// MaxDepth is the deepest level a kind may sit at.
const MaxDepth = 5

// Endpoint is one request target: a path relative to the API base URL and the
// query parameters owned by this request alone.
type Endpoint struct {
	Path  string
	Query url.Values
}

// Kind is a node of the resource graph.
type Kind struct {
	// Name is the unique kind name used in configuration ("projects_tasks").
	Name string

	// Parent is the kind whose ParentRecords parameterize this kind's requests.
	// Empty means root.
	Parent string

	// Mapping names the mapping set that drives flattening.
	Mapping string

	// RowSet is the output row-set name. Defaults to Mapping.
	RowSet string

	// URL builds the endpoint for one parent identifier (ignored for roots).
	// It must return a freshly allocated Query on every call.
	URL func(parentGID string) Endpoint

	// Supersedes lists kinds whose ParentRecords are supplied by an explicit id
	// list when this kind is requested. Superseded kinds are never fetched.
	Supersedes []string

	// CompletedSince marks the kind as accepting the incremental since-filter.
	CompletedSince bool

	// Annotate inspects a fetched raw record and returns the child kinds this
	// record forbids. Nil means no record forbids anything.
	Annotate func(record map[string]any) []string

	level int
}

// Level returns the topological depth (root = 0). Valid only on kinds obtained
// from a Graph.
func (k Kind) Level() int { return k.level }

// OutputName returns the row-set name this kind emits under.
func (k Kind) OutputName() string {
	if k.RowSet != "" {
		return k.RowSet
	}
	return k.Mapping
}

// Graph is an immutable, validated set of kinds.
type Graph struct {
	kinds    map[string]Kind
	order    []string
	children map[string][]string
	maxLevel int
}

// NewGraph validates kinds and computes their levels.
func NewGraph(kinds ...Kind) (*Graph, error) {
	g := &Graph{
		kinds:    make(map[string]Kind, len(kinds)),
		children: make(map[string][]string),
	}

	for _, k := range kinds {
		if k.Name == "" {
			return nil, fmt.Errorf("resource: kind with empty name")
		}
		if _, dup := g.kinds[k.Name]; dup {
			return nil, fmt.Errorf("resource: duplicate kind %q", k.Name)
		}
		if k.Mapping == "" {
			return nil, fmt.Errorf("resource: kind %q has no mapping", k.Name)
		}
		if k.URL == nil {
			return nil, fmt.Errorf("resource: kind %q has no URL builder", k.Name)
		}
		g.kinds[k.Name] = k
		g.order = append(g.order, k.Name)
	}

	for _, name := range g.order {
		k := g.kinds[name]
		if k.Parent != "" {
			if _, ok := g.kinds[k.Parent]; !ok {
				return nil, fmt.Errorf("resource: kind %q requires unknown kind %q", name, k.Parent)
			}
			g.children[k.Parent] = append(g.children[k.Parent], name)
		}
		for _, s := range k.Supersedes {
			if s == name {
				return nil, fmt.Errorf("resource: kind %q supersedes itself", name)
			}
			if _, ok := g.kinds[s]; !ok {
				return nil, fmt.Errorf("resource: kind %q supersedes unknown kind %q", name, s)
			}
		}
	}

	for _, name := range g.order {
		level, err := g.depth(name)
		if err != nil {
			return nil, err
		}
		k := g.kinds[name]
		k.level = level
		g.kinds[name] = k
		if level > g.maxLevel {
			g.maxLevel = level
		}
	}

	return g, nil
}

// depth walks parent pointers and fails on cycles or excessive depth.
func (g *Graph) depth(name string) (int, error) {
	seen := map[string]bool{}
	level := 0
	for cur := name; ; {
		if seen[cur] {
			return 0, fmt.Errorf("resource: dependency cycle through %q", cur)
		}
		seen[cur] = true

		parent := g.kinds[cur].Parent
		if parent == "" {
			return level, nil
		}
		level++
		if level > MaxDepth {
			return 0, fmt.Errorf("resource: kind %q is deeper than %d levels", name, MaxDepth)
		}
		cur = parent
	}
}

// Kind returns the kind registered under name.
func (g *Graph) Kind(name string) (Kind, bool) {
	k, ok := g.kinds[name]
	return k, ok
}

// Names returns kind names in declaration order.
func (g *Graph) Names() []string {
	return append([]string(nil), g.order...)
}

// Children returns the kinds that require name, in declaration order.
func (g *Graph) Children(name string) []string {
	return append([]string(nil), g.children[name]...)
}

// MaxLevel returns the deepest level present in the graph.
func (g *Graph) MaxLevel() int { return g.maxLevel }

// Plan is the outcome of resolving a requested set of kinds.
type Plan struct {
	// Emit holds the kinds whose row-sets go to the sink.
	Emit map[string]bool

	// Needed holds every kind that must be fetched (Emit plus ancestors),
	// minus superseded kinds.
	Needed map[string]bool

	// Superseded holds kinds whose ParentRecords come from an override list.
	Superseded map[string]bool

	// Levels groups Needed kinds by level, each group in declaration order.
	Levels [][]string
}

// IsParent reports whether any needed kind requires name.
func (p Plan) IsParent(g *Graph, name string) bool {
	for _, c := range g.children[name] {
		if p.Needed[c] {
			return true
		}
	}
	return false
}

// Closure resolves requested kinds into a Plan.
//
// Every ancestor of a requested kind is needed, except that an overriding kind
// removes the kinds it supersedes (and stops the walk there): their records are
// seeded from the explicit id list instead of being listed from the API.
func (g *Graph) Closure(requested []string) (Plan, error) {
	p := Plan{
		Emit:       map[string]bool{},
		Needed:     map[string]bool{},
		Superseded: map[string]bool{},
	}

	for _, name := range requested {
		k, ok := g.kinds[name]
		if !ok {
			return Plan{}, fmt.Errorf("resource: unknown kind %q", name)
		}
		p.Emit[name] = true
		for _, s := range k.Supersedes {
			p.Superseded[s] = true
		}
	}
	// The override takes priority even over an explicit request.
	for s := range p.Superseded {
		delete(p.Emit, s)
	}

	for name := range p.Emit {
		for cur := name; cur != "" && !p.Superseded[cur]; cur = g.kinds[cur].Parent {
			if p.Needed[cur] {
				break
			}
			p.Needed[cur] = true
		}
	}

	p.Levels = make([][]string, g.maxLevel+1)
	for _, name := range g.order {
		if p.Needed[name] {
			lvl := g.kinds[name].level
			p.Levels[lvl] = append(p.Levels[lvl], name)
		}
	}
	for len(p.Levels) > 0 && len(p.Levels[len(p.Levels)-1]) == 0 {
		p.Levels = p.Levels[:len(p.Levels)-1]
	}

	return p, nil
}

// SortedKeys returns the keys of a kind set in lexical order.
func SortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k, v := range set {
		if v {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
