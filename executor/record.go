package executor

import (
	"time"

	"github.com/smallnest/ragbuild/graph"
)

// StepStatus is the execution state of one step.
type StepStatus string

const (
	StatusPending   StepStatus = "pending"
	StatusReady     StepStatus = "ready"
	StatusRunning   StepStatus = "running"
	StatusSucceeded StepStatus = "succeeded"
	StatusFailed    StepStatus = "failed"
	StatusSkipped   StepStatus = "skipped"
)

// Terminal reports whether no further transition can happen.
func (s StepStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// BuildStatus is the state of a whole build run.
type BuildStatus string

const (
	BuildRunning               BuildStatus = "running"
	BuildSucceeded             BuildStatus = "succeeded"
	BuildSucceededWithWarnings BuildStatus = "succeeded-with-warnings"
	BuildRollingBack           BuildStatus = "rolling-back"
	BuildRolledBack            BuildStatus = "rolled-back"
	BuildAborted               BuildStatus = "aborted"
	BuildCancelled             BuildStatus = "cancelled"
)

// OK reports whether the build finished without a critical failure.
func (s BuildStatus) OK() bool {
	return s == BuildSucceeded || s == BuildSucceededWithWarnings
}

// StepRecord is the execution record of one forward step.
type StepRecord struct {
	ID            string         `json:"id"`
	Kind          graph.StepKind `json:"kind"`
	Level         int            `json:"level"`
	Critical      bool           `json:"critical,omitempty"`
	Status        StepStatus     `json:"status"`
	Attempts      int            `json:"attempts"`
	StartedAt     time.Time      `json:"startedAt,omitzero"`
	FinishedAt    time.Time      `json:"finishedAt,omitzero"`
	Duration      time.Duration  `json:"duration"`
	Output        string         `json:"output,omitempty"`
	OutputPath    string         `json:"outputPath,omitempty"`
	Generated     bool           `json:"generated,omitempty"`
	CacheHit      string         `json:"cacheHit,omitempty"`
	ContextChunks []string       `json:"contextChunks,omitempty"`
	SkipReason    string         `json:"skipReason,omitempty"`
	Error         string         `json:"error,omitempty"`
	Warnings      []string       `json:"warnings,omitempty"`
}

// RollbackAction records one rollback step run while unwinding a build.
type RollbackAction struct {
	StepID   string        `json:"stepId"`
	For      string        `json:"for"`
	Status   StepStatus    `json:"status"`
	NoOp     bool          `json:"noop,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Record is a snapshot of one build run.
type Record struct {
	RunID      string           `json:"runId"`
	Graph      string           `json:"graph"`
	Status     BuildStatus      `json:"status"`
	StartedAt  time.Time        `json:"startedAt"`
	FinishedAt time.Time        `json:"finishedAt,omitzero"`
	FailedStep string           `json:"failedStep,omitempty"`
	Steps      []StepRecord     `json:"steps"`
	Rollback   []RollbackAction `json:"rollback,omitempty"`
	Warnings   []string         `json:"warnings,omitempty"`
}

// Step returns the record for id.
func (r *Record) Step(id string) (StepRecord, bool) {
	for _, s := range r.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return StepRecord{}, false
}

// Summary counts steps by outcome.
type Summary struct {
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
	RolledBack int `json:"rolledBack"`
	CacheHits  int `json:"cacheHits"`
	CacheMiss  int `json:"cacheMisses"`
}

// Summarize counts step outcomes, executed rollback steps and cache lookups.
func (r *Record) Summarize() Summary {
	var s Summary
	for _, step := range r.Steps {
		switch step.Status {
		case StatusSucceeded:
			s.Succeeded++
		case StatusFailed:
			s.Failed++
		case StatusSkipped:
			s.Skipped++
		}
		switch step.CacheHit {
		case "":
		case "miss":
			s.CacheMiss++
		default:
			s.CacheHits++
		}
	}
	for _, rb := range r.Rollback {
		if rb.Status == StatusSucceeded && !rb.NoOp {
			s.RolledBack++
		}
	}
	return s
}

// RollbackOrder lists the rollback steps that actually ran, in order.
func (r *Record) RollbackOrder() []string {
	var out []string
	for _, rb := range r.Rollback {
		if !rb.NoOp {
			out = append(out, rb.StepID)
		}
	}
	return out
}
