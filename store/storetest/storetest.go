// Package storetest checks store.ReportStore implementations against the
// common contract.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/smallnest/ragbuild/executor"
	"github.com/smallnest/ragbuild/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises s. The store must be empty.
func Run(t *testing.T, s store.ReportStore) {
	t.Helper()
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	runs, err := s.Runs(ctx)
	require.NoError(t, err)
	assert.Empty(t, runs)

	_, err = s.Load(ctx, "run-a")
	assert.ErrorIs(t, err, store.ErrRunNotFound)

	for i, step := range []string{"init", "install", "build"} {
		e := &store.Entry{RunID: "run-a", Type: store.EntryProgress, StepID: step, Status: "succeeded", Timestamp: ts.Add(time.Duration(i) * time.Second)}
		require.NoError(t, s.Append(ctx, e))
		assert.Equal(t, int64(i+1), e.Seq)
	}
	other := &store.Entry{RunID: "run-b", Type: store.EntryError, Message: "boom", Timestamp: ts}
	require.NoError(t, s.Append(ctx, other))
	assert.Equal(t, int64(1), other.Seq, "sequences are per run")

	rec := &executor.Record{RunID: "run-a", Graph: "webapp", Status: executor.BuildSucceeded, StartedAt: ts, FinishedAt: ts.Add(3 * time.Second),
		Steps: []executor.StepRecord{{ID: "init", Status: executor.StatusSucceeded, Attempts: 1}}}
	final, err := store.RecordEntry(rec)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, final))
	assert.Equal(t, int64(4), final.Seq)

	entries, err := s.Load(ctx, "run-a")
	require.NoError(t, err)
	require.Len(t, entries, 4)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Seq)
		assert.Equal(t, "run-a", e.RunID)
	}
	assert.Equal(t, "install", entries[1].StepID)
	assert.Equal(t, "succeeded", entries[1].Status)
	assert.True(t, ts.Add(time.Second).Equal(entries[1].Timestamp))

	loaded, err := store.FinalRecord(entries)
	require.NoError(t, err)
	assert.Equal(t, executor.BuildSucceeded, loaded.Status)
	assert.Equal(t, "webapp", loaded.Graph)
	require.Len(t, loaded.Steps, 1)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(entries[3].Data, &raw))
	assert.Equal(t, "run-a", raw["runId"])

	b, err := s.Load(ctx, "run-b")
	require.NoError(t, err)
	require.Len(t, b, 1)
	assert.Equal(t, store.EntryError, b[0].Type)
	assert.Equal(t, "boom", b[0].Message)
	assert.Empty(t, b[0].Data)

	runs, err = s.Runs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-a", "run-b"}, runs)

	assert.Error(t, s.Append(ctx, &store.Entry{Type: store.EntryProgress}))
	assert.Error(t, s.Append(ctx, &store.Entry{RunID: "run-c"}))
}

// RunConcurrent checks that concurrent appends to one run get distinct,
// gapless sequence numbers.
func RunConcurrent(t *testing.T, s store.ReportStore, n int) {
	t.Helper()
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Append(ctx, &store.Entry{RunID: "busy", Type: store.EntryContent, Message: fmt.Sprint(i), Timestamp: time.Now()})
		}()
	}
	wg.Wait()
	close(errs)
	var joined error
	for err := range errs {
		joined = errors.Join(joined, err)
	}
	require.NoError(t, joined)

	entries, err := s.Load(ctx, "busy")
	require.NoError(t, err)
	require.Len(t, entries, n)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Seq)
	}
}
