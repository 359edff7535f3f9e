package depgraph

import (
	"log/slog"
	"os"
	"path/filepath"
)

// DefaultDependsFields are the control fields scanned for build ordering.
var DefaultDependsFields = []string{
	"Depends",
	"Build-Depends",
	"Build-Depends-Indep",
	"Build-Depends-Arch",
}

// Graph is a directed must-build-before graph over locally known packages.
// Edges point from prerequisite to dependent. Dependency names that do not
// match a known package are collected per dependent in Unresolved rather than
// dropped, so callers can surface them to the operator.
type Graph struct {
	// Dirs maps package name to its source directory.
	Dirs map[string]string

	// Adj holds forward edges (prerequisite -> dependents), Rev the reverse.
	Adj map[string]map[string]bool
	Rev map[string]map[string]bool

	// Unresolved maps a dependent package to dependency names with no local
	// source directory.
	Unresolved map[string]map[string]bool

	logger *slog.Logger
}

// New creates a graph with one node per known package and no edges.
func New(dirs map[string]string, logger *slog.Logger) *Graph {
	g := &Graph{
		Dirs:       make(map[string]string, len(dirs)),
		Adj:        make(map[string]map[string]bool, len(dirs)),
		Rev:        make(map[string]map[string]bool, len(dirs)),
		Unresolved: make(map[string]map[string]bool),
		logger:     logger,
	}
	for name, dir := range dirs {
		g.Dirs[name] = dir
		g.Adj[name] = make(map[string]bool)
		g.Rev[name] = make(map[string]bool)
	}
	return g
}

// AddEdge records that prereq must build before dependent. Self-edges are
// ignored and duplicates are idempotent.
func (g *Graph) AddEdge(prereq, dependent string) {
	if prereq == dependent {
		return
	}
	if g.Adj[prereq] == nil {
		g.Adj[prereq] = make(map[string]bool)
	}
	if g.Rev[dependent] == nil {
		g.Rev[dependent] = make(map[string]bool)
	}
	g.Adj[prereq][dependent] = true
	g.Rev[dependent][prereq] = true
}

// Nodes reports whether name is a known package.
func (g *Graph) Has(name string) bool {
	_, ok := g.Dirs[name]
	return ok
}

// BuildFromControlDirs scans each package's debian/control and adds an edge
// for every dependency that names another known package. Fields selects the
// control fields to scan; nil means DefaultDependsFields. A missing or
// unreadable control file contributes no edges but the package stays a node.
func (g *Graph) BuildFromControlDirs(fields []string) {
	if len(fields) == 0 {
		fields = DefaultDependsFields
	}
	for pkg, dir := range g.Dirs {
		ctrlPath := filepath.Join(dir, "debian", "control")
		data, err := os.ReadFile(ctrlPath)
		if err != nil {
			continue
		}
		for _, stanza := range splitParagraphs(string(data)) {
			for _, field := range fields {
				raw, ok := stanza[field]
				if !ok || raw == "" {
					continue
				}
				for _, dep := range parseDepends(raw) {
					switch {
					case dep == pkg:
						// self reference, ignore
					case g.Has(dep):
						g.AddEdge(dep, pkg)
					default:
						if g.Unresolved[pkg] == nil {
							g.Unresolved[pkg] = make(map[string]bool)
						}
						g.Unresolved[pkg][dep] = true
					}
				}
			}
		}
	}
	if g.logger != nil && len(g.Unresolved) > 0 {
		g.logger.Debug("control scan finished with unresolved dependencies", "packages", len(g.Unresolved))
	}
}

// UnresolvedNames returns the union of unresolved dependency names across all
// packages.
func (g *Graph) UnresolvedNames() map[string]bool {
	union := make(map[string]bool)
	for _, deps := range g.Unresolved {
		for dep := range deps {
			union[dep] = true
		}
	}
	return union
}
