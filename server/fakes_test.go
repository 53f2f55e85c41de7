package server

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/GreeFine/ferrixcel/grid"
	"github.com/GreeFine/ferrixcel/store"
)

// fakeConn 记录投递内容的内存 Deliverer
type fakeConn struct {
	mu   sync.Mutex
	msgs []string
	err  error
}

func (f *fakeConn) Deliver(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, string(b))
	return nil
}

func (f *fakeConn) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.msgs...)
}

func (f *fakeConn) reset() {
	f.mu.Lock()
	f.msgs = nil
	f.mu.Unlock()
}

// fakeStore 包装内存存储，统计调用并可注入失败
type fakeStore struct {
	*store.Memory
	mu      sync.Mutex
	upserts []grid.Cell
	fail    error
}

func newFakeStore() *fakeStore { return &fakeStore{Memory: store.NewMemory()} }

func (s *fakeStore) Upsert(ctx context.Context, c grid.Cell) error {
	s.mu.Lock()
	s.upserts = append(s.upserts, c)
	fail := s.fail
	s.mu.Unlock()
	if fail != nil {
		return fail
	}
	return s.Memory.Upsert(ctx, c)
}

func (s *fakeStore) calls() []grid.Cell {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]grid.Cell(nil), s.upserts...)
}

var errStoreDown = errors.New("store down")

func newTestCoordinator(t *testing.T, opts ...Option) (*Coordinator, *fakeStore) {
	t.Helper()
	st := newFakeStore()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t).Sugar())}, opts...)
	return NewCoordinator(st, opts...), st
}

func connect(t *testing.T, c *Coordinator, username string) (*Session, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	s, err := c.Connect(conn, username, "127.0.0.1")
	if err != nil {
		t.Fatalf("Connect(%q) error: %v", username, err)
	}
	return s, conn
}

func expectMessages(t *testing.T, conn *fakeConn, want ...string) {
	t.Helper()
	got := conn.messages()
	if len(got) != len(want) {
		t.Fatalf("got %d messages %v, want %d %v", len(got), got, len(want), want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}
