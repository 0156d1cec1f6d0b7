package memory

import (
	"context"
	"testing"

	"github.com/smallnest/ragbuild/store"
	"github.com/smallnest/ragbuild/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryReportStore(t *testing.T) {
	storetest.Run(t, NewMemoryReportStore())
}

func TestMemoryReportStoreConcurrentAppends(t *testing.T) {
	storetest.RunConcurrent(t, NewMemoryReportStore(), 50)
}

func TestMemoryReportStoreCopiesEntries(t *testing.T) {
	s := NewMemoryReportStore()
	e := &store.Entry{RunID: "r", Type: store.EntryContent, Data: []byte(`{"content":"a"}`)}
	require.NoError(t, s.Append(context.Background(), e))
	e.Data[2] = 'X'

	entries, err := s.Load(context.Background(), "r")
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":"a"}`, string(entries[0].Data))
}
