// Package actor runs one single-writer goroutine per addressable key. All
// calls for a key are strictly ordered through that key's mailbox; distinct
// keys run in parallel with no shared state. State is an opaque blob loaded
// from the durable store before the first call for a key and written back
// after every mutating call, so a process restart reconstructs exact state.
package actor

import (
	"context"
	"errors"
	"sync"
)

// StateStore is the durable key-addressed blob contract.
type StateStore interface {
	Get(ctx context.Context, kind, key string) (blob []byte, found bool, err error)
	Put(ctx context.Context, kind, key string, blob []byte) error
}

// ErrClosed is returned for calls made after Close.
var ErrClosed = errors.New("actor system closed")

const defaultMailboxSize = 64

// System is a registry of mailboxes for one kind of actor.
type System struct {
	kind        string
	store       StateStore
	mailboxSize int

	mu     sync.Mutex
	cells  map[string]*cell
	closed bool
	wg     sync.WaitGroup
}

func NewSystem(kind string, store StateStore) *System {
	return &System{
		kind:        kind,
		store:       store,
		mailboxSize: defaultMailboxSize,
		cells:       make(map[string]*cell),
	}
}

type call struct {
	ctx  context.Context
	fn   func(state []byte) ([]byte, error)
	done chan error
}

type cell struct {
	key    string
	inbox  chan *call
	state  []byte
	loaded bool
}

// Do runs fn inside key's mailbox. fn receives the current state blob (nil if
// the key has never been written) and returns the new blob, or nil to leave
// state untouched. The blob is persisted before the in-memory state advances,
// so a failed write never leaves memory ahead of the store. Outputs travel
// through fn's closure.
func (s *System) Do(ctx context.Context, key string, fn func(state []byte) ([]byte, error)) error {
	c, err := s.cell(key)
	if err != nil {
		return err
	}
	m := &call{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case c.inbox <- m:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-m.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *System) cell(key string) (*cell, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if c, ok := s.cells[key]; ok {
		return c, nil
	}
	c := &cell{key: key, inbox: make(chan *call, s.mailboxSize)}
	s.cells[key] = c
	s.wg.Add(1)
	go s.run(c)
	return c, nil
}

func (s *System) run(c *cell) {
	defer s.wg.Done()
	for m := range c.inbox {
		m.done <- s.handle(c, m)
	}
}

func (s *System) handle(c *cell, m *call) error {
	if err := m.ctx.Err(); err != nil {
		return err
	}
	if !c.loaded {
		blob, found, err := s.store.Get(m.ctx, s.kind, c.key)
		if err != nil {
			return err
		}
		if found {
			c.state = blob
		}
		c.loaded = true
	}
	next, err := m.fn(c.state)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	if err := s.store.Put(m.ctx, s.kind, c.key, next); err != nil {
		return err
	}
	c.state = next
	return nil
}

// Close stops all mailboxes and waits for in-flight calls to drain.
func (s *System) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, c := range s.cells {
		close(c.inbox)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
