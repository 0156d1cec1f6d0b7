package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/smallnest/ragbuild/graph"
	"github.com/smallnest/ragbuild/log"
)

// Runner performs the action of one step attempt.
type Runner interface {
	Run(ctx context.Context, step *graph.BuildStep) (Output, error)
}

// RunnerFunc is a function adapter for Runner
type RunnerFunc func(ctx context.Context, step *graph.BuildStep) (Output, error)

// Run implements the Runner interface
func (f RunnerFunc) Run(ctx context.Context, step *graph.BuildStep) (Output, error) {
	return f(ctx, step)
}

// Output is what a successful attempt produced.
type Output struct {
	Text       string
	Path       string
	Generation *Generated
}

// Generated is content produced for a generation step.
type Generated struct {
	Content       string
	CacheHit      string
	ContextChunks []string
	Warnings      []string
}

// ContentGenerator produces file content for steps that carry a prompt.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, step *graph.BuildStep) (*Generated, error)
}

// DefaultManagers maps package managers to their install command.
var DefaultManagers = map[string]string{
	"npm":   "npm install %s",
	"yarn":  "yarn add %s",
	"pnpm":  "pnpm add %s",
	"pip":   "pip install %s",
	"go":    "go get %s",
	"cargo": "cargo add %s",
	"gem":   "gem install %s",
	"brew":  "brew install %s",
}

var packageName = regexp.MustCompile(`^[A-Za-z0-9@._/:=<>~^+-]+$`)

const maxOutput = 8 << 10

// OSRunner performs step actions against the local filesystem and shell.
// All paths are resolved inside WorkDir.
type OSRunner struct {
	workDir        string
	shell          string
	dryRun         bool
	generator      ContentGenerator
	managers       map[string]string
	defaultManager string
	logger         log.Logger
}

// RunnerOption configures an OSRunner
type RunnerOption func(*OSRunner)

// WithShell sets the shell commands are run with
func WithShell(shell string) RunnerOption {
	return func(r *OSRunner) {
		r.shell = shell
	}
}

// WithDryRun records intended operations without performing them
func WithDryRun(dryRun bool) RunnerOption {
	return func(r *OSRunner) {
		r.dryRun = dryRun
	}
}

// WithGenerator sets the generator used for steps that carry a prompt
func WithGenerator(g ContentGenerator) RunnerOption {
	return func(r *OSRunner) {
		r.generator = g
	}
}

// WithManager registers an install command template for a package manager
func WithManager(name, template string) RunnerOption {
	return func(r *OSRunner) {
		r.managers[name] = template
	}
}

// WithDefaultManager sets the manager used when a step names none
func WithDefaultManager(name string) RunnerOption {
	return func(r *OSRunner) {
		r.defaultManager = name
	}
}

// WithRunnerLogger sets the logger
func WithRunnerLogger(l log.Logger) RunnerOption {
	return func(r *OSRunner) {
		r.logger = l
	}
}

// NewOSRunner creates a runner rooted at workDir.
func NewOSRunner(workDir string, opts ...RunnerOption) *OSRunner {
	r := &OSRunner{
		workDir:        workDir,
		shell:          "sh",
		managers:       make(map[string]string, len(DefaultManagers)),
		defaultManager: "npm",
	}
	for name, tmpl := range DefaultManagers {
		r.managers[name] = tmpl
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = log.OrDefault(r.logger)
	return r
}

// WorkDir returns the directory steps run in.
func (r *OSRunner) WorkDir() string {
	return r.workDir
}

// Run implements Runner
func (r *OSRunner) Run(ctx context.Context, step *graph.BuildStep) (Output, error) {
	switch a := step.Action.(type) {
	case graph.RunCommand:
		return r.command(ctx, a.Command)

	case graph.WriteFile:
		return r.writeFile(ctx, step, a)

	case graph.InstallDependency:
		manager := a.Manager
		if manager == "" {
			manager = r.defaultManager
		}
		tmpl, ok := r.managers[manager]
		if !ok {
			return Output{}, Permanent(fmt.Errorf("unknown package manager %q", manager))
		}
		if !packageName.MatchString(a.Package) {
			return Output{}, Permanent(fmt.Errorf("invalid package name %q", a.Package))
		}
		return r.command(ctx, fmt.Sprintf(tmpl, a.Package))

	case graph.CreateDir:
		path, err := r.resolve(a.Path)
		if err != nil {
			return Output{}, err
		}
		if r.dryRun {
			return Output{Text: "dry-run: mkdir " + a.Path}, nil
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return Output{}, Transient(err)
		}
		return Output{Path: a.Path}, nil

	case graph.CopyFile:
		return r.copyFile(a)

	case graph.ModifyFile:
		return r.modifyFile(ctx, step, a)

	case graph.Validate:
		if a.Path != "" {
			path, err := r.resolve(a.Path)
			if err != nil {
				return Output{}, err
			}
			if _, err := os.Stat(path); err != nil && !r.dryRun {
				return Output{}, Transient(fmt.Errorf("validate %s: %w", a.Path, err))
			}
		}
		if a.Command != "" {
			return r.command(ctx, a.Command)
		}
		return Output{Text: "validated " + a.Path}, nil

	case graph.Conditional:
		return Output{Text: "conditions satisfied"}, nil

	default:
		return Output{}, Permanent(fmt.Errorf("unsupported action %T", a))
	}
}

func (r *OSRunner) command(ctx context.Context, command string) (Output, error) {
	if r.dryRun {
		return Output{Text: "dry-run: " + command}, nil
	}
	cmd := exec.CommandContext(ctx, r.shell, "-c", command)
	cmd.Dir = r.workDir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	r.logger.Debug("exec: %s", command)
	err := cmd.Run()
	out := tail(buf.String())
	if err == nil {
		return Output{Text: out}, nil
	}
	if ctx.Err() != nil {
		return Output{Text: out}, fmt.Errorf("command %q: %w", command, ctx.Err())
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// 126/127: not executable or not found, retrying cannot help
		if code := exitErr.ExitCode(); code == 126 || code == 127 {
			return Output{Text: out}, Permanent(fmt.Errorf("command %q exited %d: %s", command, code, out))
		}
		return Output{Text: out}, Transient(fmt.Errorf("command %q exited %d: %s", command, exitErr.ExitCode(), out))
	}
	return Output{Text: out}, Permanent(fmt.Errorf("command %q: %w", command, err))
}

func (r *OSRunner) generate(ctx context.Context, step *graph.BuildStep) (*Generated, error) {
	if r.generator == nil {
		return nil, Permanent(fmt.Errorf("step %s needs generated content but no generator is configured", step.ID))
	}
	return r.generator.GenerateContent(ctx, step)
}

func (r *OSRunner) writeFile(ctx context.Context, step *graph.BuildStep, a graph.WriteFile) (Output, error) {
	path, err := r.resolve(a.Path)
	if err != nil {
		return Output{}, err
	}
	out := Output{Path: a.Path}
	content := a.Content
	if a.Prompt != "" {
		if r.dryRun {
			return Output{Text: "dry-run: generate " + a.Path, Path: a.Path}, nil
		}
		gen, err := r.generate(ctx, step)
		if err != nil {
			return Output{}, err
		}
		content, out.Generation = gen.Content, gen
	}
	if r.dryRun {
		out.Text = fmt.Sprintf("dry-run: write %s (%d bytes)", a.Path, len(content))
		return out, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Output{}, Transient(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return Output{}, Transient(err)
	}
	return out, nil
}

func (r *OSRunner) copyFile(a graph.CopyFile) (Output, error) {
	src, err := r.resolve(a.Source)
	if err != nil {
		return Output{}, err
	}
	dst, err := r.resolve(a.Dest)
	if err != nil {
		return Output{}, err
	}
	if r.dryRun {
		return Output{Text: fmt.Sprintf("dry-run: copy %s -> %s", a.Source, a.Dest)}, nil
	}

	in, err := os.Open(src)
	if err != nil {
		return Output{}, Transient(err)
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Output{}, Transient(err)
	}
	outFile, err := os.Create(dst)
	if err != nil {
		return Output{}, Transient(err)
	}
	if _, err := io.Copy(outFile, in); err != nil {
		outFile.Close()
		return Output{}, Transient(err)
	}
	if err := outFile.Close(); err != nil {
		return Output{}, Transient(err)
	}
	return Output{Path: a.Dest}, nil
}

func (r *OSRunner) modifyFile(ctx context.Context, step *graph.BuildStep, a graph.ModifyFile) (Output, error) {
	path, err := r.resolve(a.Path)
	if err != nil {
		return Output{}, err
	}
	if r.dryRun {
		return Output{Text: "dry-run: modify " + a.Path, Path: a.Path}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Output{}, Transient(err)
	}
	content := string(data)
	out := Output{Path: a.Path}

	if a.Prompt != "" {
		gen, err := r.generate(ctx, step)
		if err != nil {
			return Output{}, err
		}
		content, out.Generation = gen.Content, gen
	}
	if a.Find != "" {
		if !strings.Contains(content, a.Find) {
			return Output{}, Permanent(fmt.Errorf("modify %s: %q not found", a.Path, a.Find))
		}
		content = strings.ReplaceAll(content, a.Find, a.Replace)
	}
	if a.Append != "" {
		if content != "" && !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		content += a.Append
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return Output{}, Transient(err)
	}
	return out, nil
}

// resolve maps a step path into the work directory, rejecting paths that
// would escape it.
func (r *OSRunner) resolve(p string) (string, error) {
	if filepath.IsAbs(p) {
		return "", Permanent(fmt.Errorf("path %q must be relative", p))
	}
	clean := filepath.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", Permanent(fmt.Errorf("path %q escapes the work directory", p))
	}
	return filepath.Join(r.workDir, clean), nil
}

func tail(s string) string {
	s = strings.TrimRight(s, "\n")
	if len(s) <= maxOutput {
		return s
	}
	return "..." + s[len(s)-maxOutput:]
}
