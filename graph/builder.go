package graph

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/smallnest/ragbuild/document"
	"github.com/smallnest/ragbuild/log"
)

// Builder converts parsed documents into validated step graphs.
type Builder struct {
	strict bool
	logger log.Logger
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithStrictDependencies makes a reference to an unknown step an error.
// By default such references are dropped with a warning.
func WithStrictDependencies(strict bool) BuilderOption {
	return func(b *Builder) { b.strict = strict }
}

// WithBuilderLogger sets the logger used for warnings.
func WithBuilderLogger(l log.Logger) BuilderOption {
	return func(b *Builder) { b.logger = l }
}

// NewBuilder creates a Builder.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = log.OrDefault(b.logger)
	return b
}

type buildState struct {
	strict bool
	issues []ValidationError
}

func (s *buildState) fail(stepID, field string, err error, format string, args ...any) {
	s.issues = append(s.issues, ValidationError{
		StepID: stepID, Field: field, Severity: SeverityError, Err: err,
		Message: fmt.Sprintf(format, args...),
	})
}

func (s *buildState) warn(stepID, field string, err error, format string, args ...any) {
	s.issues = append(s.issues, ValidationError{
		StepID: stepID, Field: field, Severity: SeverityWarning, Err: err,
		Message: fmt.Sprintf(format, args...),
	})
}

// missing applies the strict or lenient policy to an unknown reference.
func (s *buildState) missing(stepID, field, ref string) {
	if s.strict {
		s.fail(stepID, field, ErrMissingReference, "references unknown step %q", ref)
		return
	}
	s.warn(stepID, field, ErrMissingReference, "dropped reference to unknown step %q", ref)
}

func (s *buildState) hasErrors() bool {
	return slices.ContainsFunc(s.issues, func(v ValidationError) bool { return v.Severity == SeverityError })
}

// Build validates doc and returns its graph along with every warning and
// error found. Error-severity problems yield a *ValidationFailedError and a
// cycle yields a *DependencyCycleError; the graph is nil in both cases.
func (b *Builder) Build(doc *document.Document) (*BuildGraph, []ValidationError, error) {
	st := &buildState{strict: b.strict}
	g := &BuildGraph{
		name:       doc.DisplayName(),
		steps:      make(map[string]*BuildStep, len(doc.Steps)),
		dependents: make(map[string][]string),
	}

	// IDs first so references can be resolved regardless of order.
	specs := make([]document.StepSpec, len(doc.Steps))
	for i, spec := range doc.Steps {
		spec.ID = strings.TrimSpace(spec.ID)
		if spec.ID == "" {
			spec.ID = fmt.Sprintf("step-%d", i)
		}
		if _, dup := g.steps[spec.ID]; dup {
			st.fail(spec.ID, "id", ErrDuplicateStep, "step id declared more than once")
			specs[i] = document.StepSpec{}
			continue
		}
		specs[i] = spec
		g.steps[spec.ID] = &BuildStep{ID: spec.ID, Index: i}
		g.declared = append(g.declared, spec.ID)
	}

	rollbackTargets := make(map[string]bool)
	for _, spec := range specs {
		for _, ref := range spec.Rollback {
			rollbackTargets[strings.TrimSpace(ref)] = true
		}
	}

	for _, spec := range specs {
		if spec.ID == "" {
			continue
		}
		b.populate(st, g, g.steps[spec.ID], spec, rollbackTargets)
	}

	if st.hasErrors() {
		b.logIssues(g.name, st.issues)
		return nil, st.issues, &ValidationFailedError{Errors: errorsOnly(st.issues)}
	}

	if cycle := findCycle(g); cycle != nil {
		err := &DependencyCycleError{Cycle: cycle}
		b.logger.Error("build %s: %v", g.name, err)
		return nil, st.issues, err
	}

	assignLevels(g)
	for _, id := range g.declared {
		s := g.steps[id]
		for _, dep := range s.Prerequisites() {
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}
	checkOrphans(st, g)

	b.logIssues(g.name, st.issues)
	return g, st.issues, nil
}

func (b *Builder) populate(st *buildState, g *BuildGraph, step *BuildStep, spec document.StepSpec, rollbackTargets map[string]bool) {
	rollbackOnly := rollbackTargets[spec.ID]
	step.Description = spec.Description
	step.Critical = spec.Critical
	step.TolerateSkipped = spec.TolerateSkipped
	step.Root = spec.Root
	step.Tags = slices.Clone(spec.Tags)
	step.RollbackOnly = rollbackOnly
	step.Level = -1

	if spec.MaxRetries < 0 {
		st.fail(spec.ID, "maxRetries", ErrInvalidPayload, "must not be negative")
	}
	step.MaxRetries = max(spec.MaxRetries, 0)
	if spec.TimeoutMs < 0 {
		st.fail(spec.ID, "timeoutMs", ErrInvalidPayload, "must not be negative")
	}
	step.Timeout = time.Duration(max(spec.TimeoutMs, 0)) * time.Millisecond

	kind, err := ParseStepKind(strings.TrimSpace(spec.Kind))
	if err != nil {
		st.fail(spec.ID, "kind", ErrUnknownKind, "unknown kind %q", spec.Kind)
	} else {
		step.Kind = kind
		action, problem := newAction(kind, spec)
		if problem != "" {
			st.fail(spec.ID, string(kind), ErrInvalidPayload, "%s", problem)
		}
		step.Action = action
	}

	for _, c := range spec.Conditions {
		cond, problem := newCondition(c)
		if problem != "" {
			st.fail(spec.ID, "conditions", ErrInvalidCondition, "%s", problem)
			continue
		}
		if cond.Type == ConditionPriorCommandSucceeded {
			prior, ok := g.steps[cond.Target]
			switch {
			case !ok:
				st.fail(spec.ID, "conditions", ErrInvalidCondition, "prior step %q does not exist", cond.Target)
				continue
			case prior.ID == spec.ID:
				st.fail(spec.ID, "conditions", ErrInvalidCondition, "condition refers to its own step")
				continue
			case rollbackTargets[prior.ID] && !rollbackOnly:
				st.fail(spec.ID, "conditions", ErrInvalidCondition, "prior step %q only runs during rollback", cond.Target)
				continue
			}
			if !rollbackOnly && !slices.Contains(step.After, cond.Target) {
				step.After = append(step.After, cond.Target)
			}
		}
		step.Conditions = append(step.Conditions, cond)
	}
	if kind == KindConditional && len(step.Conditions) == 0 {
		st.fail(spec.ID, string(kind), ErrInvalidPayload, "conditional step needs at least one condition")
	}

	for _, ref := range spec.DependsOn {
		ref = strings.TrimSpace(ref)
		_, ok := g.steps[ref]
		switch {
		case !ok:
			st.missing(spec.ID, "dependsOn", ref)
		case rollbackOnly:
			st.warn(spec.ID, "dependsOn", nil, "rollback step dependency on %q is ignored", ref)
		case rollbackTargets[ref]:
			st.fail(spec.ID, "dependsOn", ErrMissingReference, "depends on rollback step %q", ref)
		case !slices.Contains(step.DependsOn, ref):
			step.DependsOn = append(step.DependsOn, ref)
		}
	}
	// a declared dependency supersedes an ordering-only one
	step.After = slices.DeleteFunc(step.After, func(id string) bool { return slices.Contains(step.DependsOn, id) })

	for _, ref := range spec.Rollback {
		ref = strings.TrimSpace(ref)
		switch _, ok := g.steps[ref]; {
		case !ok:
			st.missing(spec.ID, "rollback", ref)
		case ref == spec.ID:
			st.fail(spec.ID, "rollback", ErrInvalidPayload, "step cannot roll itself back")
		case !slices.Contains(step.Rollback, ref):
			step.Rollback = append(step.Rollback, ref)
		}
	}
}

func newAction(kind StepKind, spec document.StepSpec) (Action, string) {
	switch kind {
	case KindRunCommand:
		if strings.TrimSpace(spec.Command) == "" {
			return nil, "command is required"
		}
		return RunCommand{Command: spec.Command}, ""
	case KindWriteFile:
		if spec.FilePath == "" {
			return nil, "filePath is required"
		}
		return WriteFile{Path: spec.FilePath, Content: spec.Content, Prompt: spec.Prompt}, ""
	case KindInstallDependency:
		if spec.Package == "" {
			return nil, "package is required"
		}
		return InstallDependency{Package: spec.Package, Manager: spec.Manager}, ""
	case KindCreateDir:
		if spec.FilePath == "" {
			return nil, "filePath is required"
		}
		return CreateDir{Path: spec.FilePath}, ""
	case KindCopyFile:
		if spec.Source == "" || spec.FilePath == "" {
			return nil, "source and filePath are required"
		}
		return CopyFile{Source: spec.Source, Dest: spec.FilePath}, ""
	case KindModifyFile:
		if spec.FilePath == "" {
			return nil, "filePath is required"
		}
		if spec.Find == "" && spec.Append == "" && spec.Prompt == "" {
			return nil, "one of find, append or prompt is required"
		}
		// generated content replaces the whole file
		if spec.Prompt != "" && (spec.Find != "" || spec.Append != "") {
			return nil, "prompt cannot be combined with find or append"
		}
		return ModifyFile{Path: spec.FilePath, Find: spec.Find, Replace: spec.Replace, Append: spec.Append, Prompt: spec.Prompt}, ""
	case KindValidate:
		if spec.Command == "" && spec.FilePath == "" {
			return nil, "command or filePath is required"
		}
		return Validate{Command: spec.Command, Path: spec.FilePath}, ""
	case KindConditional:
		return Conditional{}, ""
	default:
		return nil, fmt.Sprintf("unhandled kind %q", kind)
	}
}

func newCondition(c document.ConditionSpec) (StepCondition, string) {
	cond := StepCondition{
		Type:     ConditionType(strings.TrimSpace(c.Type)),
		Target:   strings.TrimSpace(c.Target),
		Expected: c.Expected,
		Required: c.Required,
	}
	switch cond.Type {
	case ConditionFileExists, ConditionPriorCommandSucceeded, ConditionEnvVarSet, ConditionCustom:
	default:
		return cond, fmt.Sprintf("unknown condition type %q", c.Type)
	}
	if cond.Target == "" {
		return cond, fmt.Sprintf("%s condition needs a target", cond.Type)
	}
	return cond, ""
}

// findCycle runs a depth-first search with a recursion stack over forward
// steps and returns the first cycle found, or nil.
func findCycle(g *BuildGraph) []string {
	const (
		unvisited = iota
		inStack
		done
	)
	state := make(map[string]int, len(g.steps))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = inStack
		stack = append(stack, id)
		for _, dep := range g.steps[id].Prerequisites() {
			switch state[dep] {
			case inStack:
				start := slices.Index(stack, dep)
				cycle := append(slices.Clone(stack[start:]), dep)
				return cycle
			case unvisited:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, id := range g.declared {
		if g.steps[id].RollbackOnly || state[id] != unvisited {
			continue
		}
		if c := visit(id); c != nil {
			return c
		}
	}
	return nil
}

// assignLevels sets Level = 1 + max(level of prerequisites) and groups
// forward steps by level in declaration order.
func assignLevels(g *BuildGraph) {
	var level func(s *BuildStep) int
	level = func(s *BuildStep) int {
		if s.Level >= 0 {
			return s.Level
		}
		l := 0
		for _, dep := range s.Prerequisites() {
			l = max(l, level(g.steps[dep])+1)
		}
		s.Level = l
		return l
	}

	for _, id := range g.declared {
		s := g.steps[id]
		if s.RollbackOnly {
			continue
		}
		l := level(s)
		for len(g.levels) <= l {
			g.levels = append(g.levels, nil)
		}
	}
	for _, id := range g.declared {
		s := g.steps[id]
		if !s.RollbackOnly {
			g.levels[s.Level] = append(g.levels[s.Level], id)
		}
	}
}

// checkOrphans warns about isolated steps in multi-step graphs. A step that
// nothing depends on and that depends on nothing is usually a missing edge.
func checkOrphans(st *buildState, g *BuildGraph) {
	forward := g.Order()
	if len(forward) < 2 {
		return
	}
	for _, id := range forward {
		s := g.steps[id]
		if s.Root || len(s.Prerequisites()) > 0 || len(g.dependents[id]) > 0 {
			continue
		}
		st.warn(id, "dependsOn", nil, "step is not connected to any other step; mark it root if intended")
	}
}

func errorsOnly(issues []ValidationError) []ValidationError {
	var out []ValidationError
	for _, v := range issues {
		if v.Severity == SeverityError {
			out = append(out, v)
		}
	}
	return out
}

func (b *Builder) logIssues(name string, issues []ValidationError) {
	for _, v := range issues {
		if v.Severity == SeverityWarning {
			b.logger.Warn("build %s: %s", name, v.Error())
		} else {
			b.logger.Error("build %s: %s", name, v.Error())
		}
	}
}
