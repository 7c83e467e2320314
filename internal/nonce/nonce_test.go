package nonce_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"missionline/internal/nonce"
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

func newGuard(t *testing.T, credential string) (*nonce.Guard, *time.Time) {
	t.Helper()
	g := nonce.New(newMemStore(), credential)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	g.Now = func() time.Time { return now }
	t.Cleanup(g.Close)
	return g, &now
}

func TestAcceptOnce(t *testing.T) {
	g, _ := newGuard(t, "")
	ctx := context.Background()

	res, err := g.Check(ctx, "agent-1", "n-1")
	require.NoError(t, err)
	require.True(t, res.Valid)

	res, err = g.Check(ctx, "agent-1", "n-1")
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.Equal(t, nonce.ReasonNonceReused, res.Reason)

	// nonces are scoped per agent
	res, err = g.Check(ctx, "agent-2", "n-1")
	require.NoError(t, err)
	require.True(t, res.Valid)
}

func TestConcurrentReplayAdmitsOne(t *testing.T) {
	g, _ := newGuard(t, "")
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	valid := make([]bool, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := g.Check(ctx, "agent-1", "burst")
			valid[i], errs[i] = res.Valid, err
		}(i)
	}
	wg.Wait()

	accepted := 0
	for i := range valid {
		require.NoError(t, errs[i])
		if valid[i] {
			accepted++
		}
	}
	require.Equal(t, 1, accepted)
}

func TestInvalidNonce(t *testing.T) {
	g, _ := newGuard(t, "")
	ctx := context.Background()
	for _, bad := range []string{"", "   ", strings.Repeat("x", 129)} {
		res, err := g.Check(ctx, "agent-1", bad)
		require.NoError(t, err)
		require.False(t, res.Valid)
		require.Equal(t, nonce.ReasonInvalidNonce, res.Reason)
	}
}

func TestTTLExpiryAllowsReuse(t *testing.T) {
	g, now := newGuard(t, "")
	ctx := context.Background()

	res, err := g.Check(ctx, "agent-1", "n-1")
	require.NoError(t, err)
	require.True(t, res.Valid)

	*now = now.Add(nonce.TTL + time.Second)
	res, err = g.Check(ctx, "agent-1", "n-1")
	require.NoError(t, err)
	require.True(t, res.Valid, "expired nonce must be purged and accepted again")
}

func TestReset(t *testing.T) {
	g, _ := newGuard(t, "s3cret")
	ctx := context.Background()

	res, err := g.Check(ctx, "agent-1", "n-1")
	require.NoError(t, err)
	require.True(t, res.Valid)

	require.Error(t, g.Reset(ctx, "agent-1", "wrong"))

	require.NoError(t, g.Reset(ctx, "agent-1", "s3cret"))
	res, err = g.Check(ctx, "agent-1", "n-1")
	require.NoError(t, err)
	require.True(t, res.Valid)
}

func TestResetDisabledWithoutCredential(t *testing.T) {
	g, _ := newGuard(t, "")
	require.Error(t, g.Reset(context.Background(), "agent-1", ""))
}
