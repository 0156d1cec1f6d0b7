package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/smallnest/ragbuild/store"
	"github.com/smallnest/ragbuild/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisReportStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	s := NewRedisReportStore(RedisOptions{Addr: mr.Addr()})
	defer s.Close()
	storetest.Run(t, s)

	assert.True(t, mr.Exists("ragbuild:report:run:run-a:entries"))
	members, err := mr.SMembers("ragbuild:report:runs")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"run-a", "run-b"}, members)
}

func TestRedisReportStoreConcurrentAppends(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	storetest.RunConcurrent(t, NewRedisReportStore(RedisOptions{Addr: mr.Addr()}), 40)
}

func TestRedisReportStoreTTL(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	ctx := context.Background()
	s := NewRedisReportStore(RedisOptions{Addr: mr.Addr(), Prefix: "t:", TTL: time.Hour})
	require.NoError(t, s.Append(ctx, &store.Entry{RunID: "old", Type: store.EntryProgress}))

	mr.FastForward(2 * time.Hour)
	_, err = s.Load(ctx, "old")
	assert.ErrorIs(t, err, store.ErrRunNotFound)

	runs, err := s.Runs(ctx)
	require.NoError(t, err)
	assert.Empty(t, runs)
	members, _ := mr.SMembers("t:runs")
	assert.Empty(t, members)
}
