package actor_test

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"missionline/internal/actor"
)

// memStore is an in-memory StateStore for tests.
type memStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
	fail  error
}

func newMemStore() *memStore {
	return &memStore{blobs: map[string][]byte{}}
}

func (s *memStore) Get(_ context.Context, kind, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, false, s.fail
	}
	b, ok := s.blobs[kind+"/"+key]
	return b, ok, nil
}

func (s *memStore) Put(_ context.Context, kind, key string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.blobs[kind+"/"+key] = blob
	return nil
}

func TestSerializesPerKey(t *testing.T) {
	store := newMemStore()
	sys := actor.NewSystem("counter", store)
	defer sys.Close()
	ctx := context.Background()

	// concurrent increments through one mailbox never lose an update
	const n = 200
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = sys.Do(ctx, "k", func(state []byte) ([]byte, error) {
				var v uint64
				if state != nil {
					v = binary.BigEndian.Uint64(state)
				}
				out := make([]byte, 8)
				binary.BigEndian.PutUint64(out, v+1)
				return out, nil
			})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	var got uint64
	require.NoError(t, sys.Do(ctx, "k", func(state []byte) ([]byte, error) {
		got = binary.BigEndian.Uint64(state)
		return nil, nil
	}))
	require.Equal(t, uint64(n), got)
}

func TestColdStartLoadsFromStore(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	first := actor.NewSystem("kind", store)
	require.NoError(t, first.Do(ctx, "k", func([]byte) ([]byte, error) {
		return []byte("persisted"), nil
	}))
	first.Close()

	second := actor.NewSystem("kind", store)
	defer second.Close()
	var seen []byte
	require.NoError(t, second.Do(ctx, "k", func(state []byte) ([]byte, error) {
		seen = state
		return nil, nil
	}))
	require.Equal(t, []byte("persisted"), seen)
}

func TestFirstCallSeesNilState(t *testing.T) {
	sys := actor.NewSystem("kind", newMemStore())
	defer sys.Close()

	var seen []byte = []byte("sentinel")
	require.NoError(t, sys.Do(context.Background(), "fresh", func(state []byte) ([]byte, error) {
		seen = state
		return nil, nil
	}))
	require.Nil(t, seen)
}

func TestFailedPutLeavesStateBehind(t *testing.T) {
	store := newMemStore()
	sys := actor.NewSystem("kind", store)
	defer sys.Close()
	ctx := context.Background()

	require.NoError(t, sys.Do(ctx, "k", func([]byte) ([]byte, error) {
		return []byte("v1"), nil
	}))

	boom := errors.New("disk full")
	store.mu.Lock()
	store.fail = boom
	store.mu.Unlock()
	err := sys.Do(ctx, "k", func([]byte) ([]byte, error) {
		return []byte("v2"), nil
	})
	require.ErrorIs(t, err, boom)

	store.mu.Lock()
	store.fail = nil
	store.mu.Unlock()
	var seen []byte
	require.NoError(t, sys.Do(ctx, "k", func(state []byte) ([]byte, error) {
		seen = state
		return nil, nil
	}))
	require.Equal(t, []byte("v1"), seen, "memory must not advance past a failed write")
}

func TestDoAfterClose(t *testing.T) {
	sys := actor.NewSystem("kind", newMemStore())
	sys.Close()
	err := sys.Do(context.Background(), "k", func([]byte) ([]byte, error) { return nil, nil })
	require.ErrorIs(t, err, actor.ErrClosed)
}

func TestFnErrorDoesNotPersist(t *testing.T) {
	store := newMemStore()
	sys := actor.NewSystem("kind", store)
	defer sys.Close()
	ctx := context.Background()

	boom := errors.New("bad input")
	err := sys.Do(ctx, "k", func([]byte) ([]byte, error) { return []byte("x"), boom })
	require.ErrorIs(t, err, boom)

	_, found, err := store.Get(ctx, "kind", "k")
	require.NoError(t, err)
	require.False(t, found)
}
