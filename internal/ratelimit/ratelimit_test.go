package ratelimit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"missionline/internal/ratelimit"
)

type memStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemStore() *memStore { return &memStore{blobs: map[string][]byte{}} }

func (s *memStore) Get(_ context.Context, kind, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[kind+"/"+key]
	return b, ok, nil
}

func (s *memStore) Put(_ context.Context, kind, key string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[kind+"/"+key] = blob
	return nil
}

var testPolicies = map[string]ratelimit.Policy{
	"apply": {MaxTokens: 3, RefillRate: 1, RefillIntervalMs: 1000},
}

func newLimiter(t *testing.T, store *memStore) (*ratelimit.Limiter, *time.Time) {
	t.Helper()
	l := ratelimit.New(store, testPolicies)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	l.Now = func() time.Time { return now }
	t.Cleanup(l.Close)
	return l, &now
}

func TestBucketDrainsAndDenies(t *testing.T) {
	l, _ := newLimiter(t, newMemStore())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Check(ctx, "apply", "op-1", 1)
		require.NoError(t, err)
		require.True(t, res.Allowed, "check %d", i)
	}
	res, err := l.Check(ctx, "apply", "op-1", 1)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, 1, res.RetryAfterSeconds)
	require.False(t, res.Frozen)

	// a different key has its own bucket
	res, err = l.Check(ctx, "apply", "op-2", 1)
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestRefillByWholeIntervals(t *testing.T) {
	l, now := newLimiter(t, newMemStore())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Check(ctx, "apply", "op-1", 1)
		require.NoError(t, err)
	}

	// under one interval: still empty
	*now = now.Add(700 * time.Millisecond)
	res, err := l.Check(ctx, "apply", "op-1", 1)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	// the partial 700ms is not lost: 400ms more completes the interval
	*now = now.Add(400 * time.Millisecond)
	res, err = l.Check(ctx, "apply", "op-1", 1)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	// refill never exceeds the cap
	*now = now.Add(time.Hour)
	res, err = l.Check(ctx, "apply", "op-1", 1)
	require.NoError(t, err)
	require.Equal(t, float64(2), res.Remaining)
}

func TestFreeze(t *testing.T) {
	l, now := newLimiter(t, newMemStore())
	ctx := context.Background()

	require.NoError(t, l.Freeze(ctx, "apply", "op-1", 10*time.Second))
	res, err := l.Check(ctx, "apply", "op-1", 1)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.True(t, res.Frozen)
	require.Equal(t, 10, res.RetryAfterSeconds)

	require.NoError(t, l.Unfreeze(ctx, "apply", "op-1"))
	res, err = l.Check(ctx, "apply", "op-1", 1)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	// a freeze expires on its own
	require.NoError(t, l.Freeze(ctx, "apply", "op-1", 5*time.Second))
	*now = now.Add(6 * time.Second)
	res, err = l.Check(ctx, "apply", "op-1", 1)
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestUnknownTypeUsesFallback(t *testing.T) {
	l, _ := newLimiter(t, newMemStore())
	res, err := l.Check(context.Background(), "mystery", "k", 1)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, ratelimit.DefaultPolicy.MaxTokens-1, res.Remaining)
}

func TestStateSurvivesRestart(t *testing.T) {
	store := newMemStore()
	l, _ := newLimiter(t, store)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := l.Check(ctx, "apply", "op-1", 1)
		require.NoError(t, err)
	}
	l.Close()

	l2, _ := newLimiter(t, store)
	res, err := l2.Check(ctx, "apply", "op-1", 1)
	require.NoError(t, err)
	require.False(t, res.Allowed, "drained bucket must stay drained across restart")
}
