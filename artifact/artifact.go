// Package artifact collects the outputs of a finished build into a
// self-describing directory: the produced files, a JSON manifest and a
// human-readable report.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/smallnest/ragbuild/executor"
	"github.com/smallnest/ragbuild/graph"
	"github.com/smallnest/ragbuild/log"
)

// Names of the files written at the artifact root.
const (
	FilesDir     = "files"
	ManifestFile = "manifest.json"
	ReportFile   = "REPORT.md"
	HTMLFile     = "report.html"
)

// File is one build output included in the artifact.
type File struct {
	Path          string   `json:"path"`
	StepID        string   `json:"stepId"`
	Size          int64    `json:"size"`
	SHA256        string   `json:"sha256"`
	Generated     bool     `json:"generated,omitempty"`
	CacheHit      string   `json:"cacheHit,omitempty"`
	ContextChunks []string `json:"contextChunks,omitempty"`
}

// Artifact describes the assembled output directory.
type Artifact struct {
	Location string `json:"location"`
	Files    []File `json:"files"`
}

// Omission is an expected output that is not part of the artifact.
type Omission struct {
	StepID string `json:"stepId"`
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// MissingOutputError reports that a critical step succeeded but its output
// could not be collected.
type MissingOutputError struct {
	StepID string
	Path   string
	Err    error
}

func (e *MissingOutputError) Error() string {
	return fmt.Sprintf("critical step %s: output %s missing: %v", e.StepID, e.Path, e.Err)
}

func (e *MissingOutputError) Unwrap() error {
	return e.Err
}

// Manifest is the content of manifest.json.
type Manifest struct {
	RunID       string               `json:"runId"`
	Graph       string               `json:"graph"`
	Status      executor.BuildStatus `json:"status"`
	AssembledAt time.Time            `json:"assembledAt"`
	Files       []File               `json:"files"`
	Omissions   []Omission           `json:"omissions,omitempty"`
}

// Assembler builds artifacts from the files of a work directory.
type Assembler struct {
	workDir string
	outDir  string
	dryRun  bool
	now     func() time.Time
	logger  log.Logger
}

// Option configures an Assembler
type Option func(*Assembler)

// WithDryRun marks the build as a dry run, where no outputs exist
func WithDryRun(dryRun bool) Option {
	return func(a *Assembler) {
		a.dryRun = dryRun
	}
}

// WithLogger sets the logger
func WithLogger(l log.Logger) Option {
	return func(a *Assembler) {
		a.logger = l
	}
}

// WithClock sets the time source
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) {
		a.now = now
	}
}

// New creates an assembler reading outputs from workDir and writing the
// artifact to outDir.
func New(workDir, outDir string, opts ...Option) *Assembler {
	a := &Assembler{workDir: workDir, outDir: outDir, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = log.OrDefault(a.logger)
	return a
}

type output struct {
	step     *graph.BuildStep
	record   executor.StepRecord
	path     string
	critical bool
}

// Assemble collects the file outputs of record into the artifact directory
// and writes the manifest and reports. Collection is best effort: outputs
// that cannot be collected are listed as omissions. Only a succeeded
// critical step with a missing output fails assembly.
func (a *Assembler) Assemble(ctx context.Context, record *executor.Record, g *graph.BuildGraph) (*Artifact, *Report, error) {
	if err := os.MkdirAll(a.outDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("artifact: %w", err)
	}

	art := &Artifact{Location: a.outDir, Files: []File{}}
	var omissions []Omission
	for _, o := range a.outputs(record, g) {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if reason := a.skipReason(o); reason != "" {
			omissions = append(omissions, Omission{StepID: o.step.ID, Path: o.path, Reason: reason})
			continue
		}
		f, err := a.collect(o)
		if err != nil {
			if o.critical {
				return nil, nil, &MissingOutputError{StepID: o.step.ID, Path: o.path, Err: err}
			}
			a.logger.Warn("artifact: %s output %s not collected: %v", o.step.ID, o.path, err)
			omissions = append(omissions, Omission{StepID: o.step.ID, Path: o.path, Reason: err.Error()})
			continue
		}
		art.Files = append(art.Files, f)
	}

	report := NewReport(record, art.Files, omissions)
	manifest := Manifest{
		RunID:       record.RunID,
		Graph:       record.Graph,
		Status:      record.Status,
		AssembledAt: a.now(),
		Files:       art.Files,
		Omissions:   omissions,
	}
	if err := writeJSON(filepath.Join(a.outDir, ManifestFile), manifest); err != nil {
		return nil, nil, err
	}
	if err := os.WriteFile(filepath.Join(a.outDir, ReportFile), []byte(report.Markdown()), 0o644); err != nil {
		return nil, nil, fmt.Errorf("artifact: %w", err)
	}
	if err := os.WriteFile(filepath.Join(a.outDir, HTMLFile), report.HTML(), 0o644); err != nil {
		return nil, nil, fmt.Errorf("artifact: %w", err)
	}

	a.logger.Info("artifact: %d files, %d omissions at %s", len(art.Files), len(omissions), a.outDir)
	return art, report, nil
}

// outputs lists file outputs in declaration order. A path written by
// several steps is attributed to the last one.
func (a *Assembler) outputs(record *executor.Record, g *graph.BuildGraph) []output {
	var out []output
	seen := make(map[string]int)
	for _, step := range g.ForwardSteps() {
		var path string
		switch act := step.Action.(type) {
		case graph.WriteFile:
			path = act.Path
		case graph.ModifyFile:
			path = act.Path
		case graph.CopyFile:
			path = act.Dest
		default:
			continue
		}
		rec, _ := record.Step(step.ID)
		o := output{step: step, record: rec, path: filepath.ToSlash(filepath.Clean(path)), critical: step.Critical}
		if i, ok := seen[o.path]; ok {
			prev := out[i]
			if rec.Status != executor.StatusSucceeded {
				continue
			}
			o.critical = o.critical || prev.critical && prev.record.Status == executor.StatusSucceeded
			// keep provenance of an earlier generation when a later step
			// only edits the file
			if !rec.Generated && prev.record.Generated {
				o.record.Generated = true
				o.record.CacheHit = prev.record.CacheHit
				o.record.ContextChunks = slices.Clone(prev.record.ContextChunks)
			}
			out[i] = o
			continue
		}
		seen[o.path] = len(out)
		out = append(out, o)
	}
	return out
}

func (a *Assembler) skipReason(o output) string {
	switch {
	case o.record.Status == "":
		return "step not recorded"
	case o.record.Status != executor.StatusSucceeded:
		return "step " + string(o.record.Status)
	case a.dryRun:
		return "dry run"
	default:
		return ""
	}
}

func (a *Assembler) collect(o output) (File, error) {
	src := filepath.Join(a.workDir, filepath.FromSlash(o.path))
	dst := filepath.Join(a.outDir, FilesDir, filepath.FromSlash(o.path))

	in, err := os.Open(src)
	if err != nil {
		return File{}, err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return File{}, err
	}
	if info.IsDir() {
		return File{}, fmt.Errorf("%s is a directory", o.path)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return File{}, err
	}
	outFile, err := os.Create(dst)
	if err != nil {
		return File{}, err
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(outFile, h), in)
	if cerr := outFile.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return File{}, err
	}
	return File{
		Path:          o.path,
		StepID:        o.step.ID,
		Size:          n,
		SHA256:        hex.EncodeToString(h.Sum(nil)),
		Generated:     o.record.Generated,
		CacheHit:      o.record.CacheHit,
		ContextChunks: o.record.ContextChunks,
	}, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("artifact: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("artifact: %w", err)
	}
	return nil
}
