package graph

import "sort"

// BuildGraph is a validated, acyclic step graph. It is immutable after Build.
type BuildGraph struct {
	name       string
	steps      map[string]*BuildStep
	declared   []string
	dependents map[string][]string
	levels     [][]string
}

// Name returns the name of the document the graph was built from.
func (g *BuildGraph) Name() string {
	return g.name
}

// Step returns the step with the given ID.
func (g *BuildGraph) Step(id string) (*BuildStep, bool) {
	s, ok := g.steps[id]
	return s, ok
}

// Len returns the number of steps, rollback-only steps included.
func (g *BuildGraph) Len() int {
	return len(g.steps)
}

// Steps returns every step in declaration order.
func (g *BuildGraph) Steps() []*BuildStep {
	out := make([]*BuildStep, len(g.declared))
	for i, id := range g.declared {
		out[i] = g.steps[id]
	}
	return out
}

// Order returns forward step IDs in execution order: by level, then by
// declaration. Rollback-only steps are excluded.
func (g *BuildGraph) Order() []string {
	var out []string
	for _, level := range g.levels {
		out = append(out, level...)
	}
	return out
}

// ForwardSteps returns the steps of Order.
func (g *BuildGraph) ForwardSteps() []*BuildStep {
	ids := g.Order()
	out := make([]*BuildStep, len(ids))
	for i, id := range ids {
		out[i] = g.steps[id]
	}
	return out
}

// RollbackSteps returns rollback-only steps in declaration order.
func (g *BuildGraph) RollbackSteps() []*BuildStep {
	var out []*BuildStep
	for _, id := range g.declared {
		if s := g.steps[id]; s.RollbackOnly {
			out = append(out, s)
		}
	}
	return out
}

// Levels returns step IDs grouped by topological level.
func (g *BuildGraph) Levels() [][]string {
	out := make([][]string, len(g.levels))
	for i, l := range g.levels {
		out[i] = append([]string(nil), l...)
	}
	return out
}

// Dependents returns the steps waiting on id, in declaration order.
func (g *BuildGraph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// GenerationSteps returns forward steps whose content is generated.
func (g *BuildGraph) GenerationSteps() []*BuildStep {
	var out []*BuildStep
	for _, s := range g.ForwardSteps() {
		if s.IsGeneration() {
			out = append(out, s)
		}
	}
	return out
}

// ReverseTopological returns ids sorted so that every step comes before
// the steps it depends on.
func (g *BuildGraph) ReverseTopological(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := g.steps[out[i]], g.steps[out[j]]
		if a.Level != b.Level {
			return a.Level > b.Level
		}
		return a.Index > b.Index
	})
	return out
}
