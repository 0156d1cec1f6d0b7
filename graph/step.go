package graph

import (
	"fmt"
	"time"
)

// StepKind is the closed set of operations a build step can perform.
type StepKind string

const (
	KindRunCommand        StepKind = "run-command"
	KindWriteFile         StepKind = "write-file"
	KindInstallDependency StepKind = "install-dependency"
	KindCreateDir         StepKind = "create-dir"
	KindCopyFile          StepKind = "copy-file"
	KindModifyFile        StepKind = "modify-file"
	KindValidate          StepKind = "validate"
	KindConditional       StepKind = "conditional"
)

// AllKinds lists every step kind in declaration order.
func AllKinds() []StepKind {
	return []StepKind{
		KindRunCommand, KindWriteFile, KindInstallDependency, KindCreateDir,
		KindCopyFile, KindModifyFile, KindValidate, KindConditional,
	}
}

// ParseStepKind validates a kind string from a build document.
func ParseStepKind(s string) (StepKind, error) {
	for _, k := range AllKinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Action is the typed payload of a step. The set of implementations is
// closed: only this package can add one, and executors switch over them
// exhaustively.
type Action interface {
	Kind() StepKind
	sealed()
}

// RunCommand executes a shell command.
type RunCommand struct {
	Command string
}

// WriteFile writes Content to Path, or generated content when Prompt is set.
type WriteFile struct {
	Path    string
	Content string
	Prompt  string
}

// InstallDependency installs Package with a package manager.
type InstallDependency struct {
	Package string
	Manager string
}

// CreateDir creates Path and any missing parents.
type CreateDir struct {
	Path string
}

// CopyFile copies Source to Dest.
type CopyFile struct {
	Source string
	Dest   string
}

// ModifyFile edits Path in place: a find/replace, an append, or a rewrite
// of the whole file from Prompt.
type ModifyFile struct {
	Path    string
	Find    string
	Replace string
	Append  string
	Prompt  string
}

// Validate checks the build: Command must exit zero, Path must exist.
type Validate struct {
	Command string
	Path    string
}

// Conditional performs no work; it gates its dependents on its conditions.
type Conditional struct{}

func (RunCommand) Kind() StepKind        { return KindRunCommand }
func (WriteFile) Kind() StepKind         { return KindWriteFile }
func (InstallDependency) Kind() StepKind { return KindInstallDependency }
func (CreateDir) Kind() StepKind         { return KindCreateDir }
func (CopyFile) Kind() StepKind          { return KindCopyFile }
func (ModifyFile) Kind() StepKind        { return KindModifyFile }
func (Validate) Kind() StepKind          { return KindValidate }
func (Conditional) Kind() StepKind       { return KindConditional }

func (RunCommand) sealed()        {}
func (WriteFile) sealed()         {}
func (InstallDependency) sealed() {}
func (CreateDir) sealed()         {}
func (CopyFile) sealed()          {}
func (ModifyFile) sealed()        {}
func (Validate) sealed()          {}
func (Conditional) sealed()       {}

// ConditionType is the closed set of step guards.
type ConditionType string

const (
	ConditionFileExists            ConditionType = "file-exists"
	ConditionPriorCommandSucceeded ConditionType = "prior-command-succeeded"
	ConditionEnvVarSet             ConditionType = "env-var-set"
	ConditionCustom                ConditionType = "custom"
)

// StepCondition guards a step and is evaluated immediately before dispatch.
// A failing condition skips the step unless Required is set, in which case
// the step fails.
type StepCondition struct {
	Type     ConditionType
	Target   string
	Expected string
	Required bool
}

func (c StepCondition) String() string {
	if c.Expected != "" {
		return fmt.Sprintf("%s(%s=%s)", c.Type, c.Target, c.Expected)
	}
	return fmt.Sprintf("%s(%s)", c.Type, c.Target)
}

// BuildStep is one validated, immutable unit of work.
type BuildStep struct {
	ID          string
	Kind        StepKind
	Description string
	Action      Action

	// DependsOn must reach a satisfying terminal state before the step runs.
	DependsOn []string
	// After orders the step behind others without gating on their outcome.
	After []string

	Conditions      []StepCondition
	Timeout         time.Duration
	MaxRetries      int
	Critical        bool
	Rollback        []string
	TolerateSkipped bool
	Root            bool
	Tags            []string

	// Index is the declaration position in the document.
	Index int
	// Level is the topological level, -1 for rollback-only steps.
	Level int
	// RollbackOnly steps are run only while unwinding a failed build.
	RollbackOnly bool
}

// IsGeneration reports whether the step's content comes from the
// generation pipeline.
func (s *BuildStep) IsGeneration() bool {
	switch a := s.Action.(type) {
	case WriteFile:
		return a.Prompt != ""
	case ModifyFile:
		return a.Prompt != ""
	default:
		return false
	}
}

// Prompt returns the generation instructions of a generation step.
func (s *BuildStep) Prompt() string {
	switch a := s.Action.(type) {
	case WriteFile:
		return a.Prompt
	case ModifyFile:
		return a.Prompt
	default:
		return ""
	}
}

// OutputPath returns the file or directory the step produces, if any.
func (s *BuildStep) OutputPath() string {
	switch a := s.Action.(type) {
	case WriteFile:
		return a.Path
	case ModifyFile:
		return a.Path
	case CopyFile:
		return a.Dest
	case CreateDir:
		return a.Path
	default:
		return ""
	}
}

// Prerequisites returns every step this one waits for.
func (s *BuildStep) Prerequisites() []string {
	out := make([]string, 0, len(s.DependsOn)+len(s.After))
	out = append(out, s.DependsOn...)
	return append(out, s.After...)
}
