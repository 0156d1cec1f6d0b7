package executor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/smallnest/ragbuild/graph"
)

// EventType is the kind of a progress event
type EventType string

const (
	// EventProgress reports a step or build state transition
	EventProgress EventType = "progress"

	// EventContent carries output produced by a step
	EventContent EventType = "content"

	// EventComplete is the last event of a build and carries its record
	EventComplete EventType = "complete"

	// EventError reports a failed attempt, a terminal failure or a rollback failure
	EventError EventType = "error"
)

// Event is one message on a build's progress channel.
type Event struct {
	Type      EventType
	Timestamp time.Time
	RunID     string
	StepID    string
	Status    StepStatus
	Build     BuildStatus
	Attempt   int
	Message   string
	Content   string
	Err       error
	Record    *Record
}

// emitter delivers events to the single listener of a build. A send blocks
// only until the listener receives it or ctx is done; after that events are
// offered without blocking and counted as dropped when nobody is reading.
type emitter struct {
	ch      chan<- Event
	runID   string
	dropped atomic.Int64
}

func (em *emitter) emit(ctx context.Context, ev Event) {
	if em == nil || em.ch == nil {
		return
	}
	ev.RunID = em.runID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case em.ch <- ev:
		return
	case <-ctx.Done():
	}
	select {
	case em.ch <- ev:
	default:
		em.dropped.Add(1)
	}
}

// StreamConfig configures Stream
type StreamConfig struct {
	// BufferSize is the size of the event channel buffer
	BufferSize int
}

// DefaultStreamConfig returns the default streaming configuration
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{BufferSize: 256}
}

// StreamResult contains the channels returned by streaming execution
type StreamResult struct {
	// Events receives progress events in real time; it is closed after the
	// complete event.
	Events <-chan Event

	// Result receives the final record when execution completes
	Result <-chan *Record

	// Errors receives the build error, if any
	Errors <-chan error

	// Done is closed when streaming is complete
	Done <-chan struct{}

	// Cancel stops the build
	Cancel context.CancelFunc
}

// Stream runs g in the background and returns channels to follow it.
func (e *Executor) Stream(ctx context.Context, g *graph.BuildGraph) *StreamResult {
	return e.StreamWithConfig(ctx, g, DefaultStreamConfig())
}

// StreamWithConfig is Stream with an explicit buffer size.
func (e *Executor) StreamWithConfig(ctx context.Context, g *graph.BuildGraph, cfg StreamConfig) *StreamResult {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultStreamConfig().BufferSize
	}
	ctx, cancel := context.WithCancel(ctx)

	events := make(chan Event, cfg.BufferSize)
	results := make(chan *Record, 1)
	errs := make(chan error, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer cancel()
		record, err := e.Run(ctx, g, events)
		close(events)
		results <- record
		if err != nil {
			errs <- err
		}
		close(results)
		close(errs)
	}()

	return &StreamResult{
		Events: events,
		Result: results,
		Errors: errs,
		Done:   done,
		Cancel: cancel,
	}
}
