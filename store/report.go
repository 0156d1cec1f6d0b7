package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/smallnest/ragbuild/executor"
)

// ErrRunNotFound is returned by Load for a run without entries.
var ErrRunNotFound = errors.New("run not found")

// EntryType classifies a report entry.
type EntryType string

const (
	EntryProgress EntryType = "progress"
	EntryContent  EntryType = "content"
	EntryError    EntryType = "error"
	// EntryRecord carries the final executor.Record of a run.
	EntryRecord EntryType = "record"
)

// Entry is one append-only line of a run's report.
type Entry struct {
	RunID     string          `json:"runId"`
	Seq       int64           `json:"seq"`
	Type      EntryType       `json:"type"`
	StepID    string          `json:"stepId,omitempty"`
	Status    string          `json:"status,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReportStore persists build reports. Entries are never updated or
// deleted; Append assigns each entry the next sequence number of its run,
// starting at 1.
type ReportStore interface {
	// Append stores entry and sets entry.Seq.
	Append(ctx context.Context, entry *Entry) error

	// Load returns the entries of a run in sequence order, or
	// ErrRunNotFound.
	Load(ctx context.Context, runID string) ([]Entry, error)

	// Runs returns the IDs of all stored runs in lexical order.
	Runs(ctx context.Context) ([]string, error)

	Close() error
}

// Validate checks the fields every backend requires.
func (e *Entry) Validate() error {
	if e.RunID == "" {
		return errors.New("report entry without run id")
	}
	if e.Type == "" {
		return errors.New("report entry without type")
	}
	return nil
}

// EntryFromEvent converts an executor event. The final event carries the
// build record as data.
func EntryFromEvent(ev executor.Event) (*Entry, error) {
	e := &Entry{
		RunID:     ev.RunID,
		StepID:    ev.StepID,
		Message:   ev.Message,
		Timestamp: ev.Timestamp,
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	switch ev.Type {
	case executor.EventProgress:
		e.Type = EntryProgress
		e.Status = string(ev.Status)
		if ev.StepID == "" {
			e.Status = string(ev.Build)
		}
	case executor.EventContent:
		e.Type = EntryContent
		if ev.Content != "" {
			data, err := json.Marshal(map[string]string{"content": ev.Content})
			if err != nil {
				return nil, err
			}
			e.Data = data
		}
	case executor.EventError:
		e.Type = EntryError
		if ev.Err != nil {
			e.Message = ev.Err.Error()
		}
	case executor.EventComplete:
		if ev.Record == nil {
			return nil, errors.New("complete event without record")
		}
		e.Type = EntryRecord
		e.Status = string(ev.Record.Status)
		data, err := json.Marshal(ev.Record)
		if err != nil {
			return nil, fmt.Errorf("encode record: %w", err)
		}
		e.Data = data
	default:
		return nil, fmt.Errorf("unknown event type %q", ev.Type)
	}
	return e, nil
}

// RecordEntry wraps a finished build record.
func RecordEntry(rec *executor.Record) (*Entry, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	ts := rec.FinishedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return &Entry{
		RunID:     rec.RunID,
		Type:      EntryRecord,
		Status:    string(rec.Status),
		Timestamp: ts,
		Data:      data,
	}, nil
}

// FinalRecord returns the last build record among entries.
func FinalRecord(entries []Entry) (*executor.Record, error) {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Type != EntryRecord {
			continue
		}
		var rec executor.Record
		if err := json.Unmarshal(entries[i].Data, &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		return &rec, nil
	}
	return nil, errors.New("run has no final record")
}
