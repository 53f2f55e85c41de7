package server

import (
	"errors"
	"sync"
	"testing"
)

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	a, err := r.Register(&fakeConn{}, "A", "1.1.1.1", true)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	b, err := r.Register(&fakeConn{}, "B", "2.2.2.2", true)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if a.ID == b.ID || a.ID == "" {
		t.Fatalf("ids not unique: %q %q", a.ID, b.ID)
	}
	if _, err := r.Register(&fakeConn{}, "A", "3.3.3.3", true); !errors.Is(err, ErrUsernameTaken) {
		t.Errorf("duplicate Register() = %v, want ErrUsernameTaken", err)
	}
	if _, err := r.Register(&fakeConn{}, "A", "3.3.3.3", false); err != nil {
		t.Errorf("Register() without uniqueness error: %v", err)
	}
	if got := r.Online("A"); got != 2 {
		t.Errorf("Online(A) = %d, want 2", got)
	}

	snap := r.Snapshot()
	if len(snap) != 3 || snap[0].ID != a.ID || snap[1].ID != b.ID {
		t.Errorf("Snapshot() not in registration order")
	}
}

func TestRegistryRegenerateCollidingID(t *testing.T) {
	r := NewRegistry()
	ids := []SessionID{"same", "same", "other"}
	r.newID = func() SessionID {
		id := ids[0]
		ids = ids[1:]
		return id
	}
	a, _ := r.Register(&fakeConn{}, "A", "", true)
	b, _ := r.Register(&fakeConn{}, "B", "", true)
	if a.ID != "same" || b.ID != "other" {
		t.Errorf("ids = %q, %q; want same, other", a.ID, b.ID)
	}
}

func TestRegistryUnregisterIdempotent(t *testing.T) {
	r := NewRegistry()
	s, _ := r.Register(&fakeConn{}, "A", "", true)

	var wg sync.WaitGroup
	removed := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			removed <- r.Unregister(s.ID)
		}()
	}
	wg.Wait()
	close(removed)
	n := 0
	for ok := range removed {
		if ok {
			n++
		}
	}
	if n != 1 {
		t.Errorf("Unregister succeeded %d times, want 1", n)
	}
	if r.Len() != 0 || r.Online("A") != 0 {
		t.Errorf("registry not empty: len=%d online=%d", r.Len(), r.Online("A"))
	}
	if _, err := r.Register(&fakeConn{}, "A", "", true); err != nil {
		t.Errorf("re-register after unregister: %v", err)
	}
}

func TestRegistryDeliverSwallowsMissing(t *testing.T) {
	r := NewRegistry()
	if r.Deliver("nope", []byte("x")) {
		t.Error("Deliver() to unknown session reported success")
	}
	conn := &fakeConn{}
	s, _ := r.Register(conn, "A", "", true)
	if !r.Deliver(s.ID, []byte("x")) {
		t.Error("Deliver() failed")
	}
	expectMessages(t, conn, "x")
}
