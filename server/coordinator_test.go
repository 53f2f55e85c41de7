package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/GreeFine/ferrixcel/grid"
)

var fixedNow = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

const (
	errParse     = `{"error_code":400,"error":"Unable to parse value."}`
	errLocked    = `{"error_code":400,"error":"This grid position is already locked."}`
	errNotLocked = `{"error_code":400,"error":"This grid position is not locked by you."}`
	errPersist   = `{"error_code":500,"error":"Unable to persist value."}`
	errUnexpect  = `{"error_code":500,"error":"Unexpected action."}`
)

func send(c *Coordinator, s *Session, msg string) {
	c.Handle(context.Background(), s, []byte(msg))
}

func TestSelectThenEdit(t *testing.T) {
	c, st := newTestCoordinator(t, WithClock(func() time.Time { return fixedNow }))
	a, connA := connect(t, c, "A")
	_, connB := connect(t, c, "B")

	send(c, a, `{"kind":"Select","positions":[{"row":0,"column":0}]}`)
	send(c, a, `{"kind":"NewGridValue","position":{"row":0,"column":0},"value":"x"}`)

	calls := st.calls()
	if len(calls) != 1 {
		t.Fatalf("upsert called %d times, want 1", len(calls))
	}
	if *calls[0].Value != "x" || calls[0].User != "A" || calls[0].Position != pos(0, 0) {
		t.Errorf("upsert = %+v", calls[0])
	}

	sel := `{"who":"A","kind":"Select","payload":[{"row":0,"column":0}]}`
	cell := `{"who":"A","kind":"NewGridValue","payload":{"timestamp":"2024-05-06T07:08:09Z","position":{"row":0,"column":0},"value":"x","user":"A"}}`
	expectMessages(t, connA, sel, cell)
	expectMessages(t, connB, sel, cell)
}

func TestSelectConflict(t *testing.T) {
	c, _ := newTestCoordinator(t)
	a, connA := connect(t, c, "A")
	send(c, a, `{"kind":"Select","positions":[{"row":0,"column":0}]}`)

	b, connB := connect(t, c, "B")
	connA.reset()
	connB.reset()

	send(c, b, `{"kind":"Select","positions":[{"row":0,"column":0}]}`)
	expectMessages(t, connB, errLocked)
	expectMessages(t, connA)
	if owner, _ := c.Locks().OwnerOf(pos(0, 0)); owner != "A" {
		t.Errorf("owner = %q, want A", owner)
	}
}

func TestDisconnectReleasesLocks(t *testing.T) {
	c, _ := newTestCoordinator(t)
	a, _ := connect(t, c, "A")
	b, connB := connect(t, c, "B")
	send(c, a, `{"kind":"Select","positions":[{"row":0,"column":0}]}`)
	connB.reset()

	c.Disconnect(a)
	if _, ok := c.Locks().OwnerOf(pos(0, 0)); ok {
		t.Fatal("(0,0) still locked after disconnect")
	}
	expectMessages(t, connB, `{"who":"A","kind":"Deselect","payload":[{"row":0,"column":0}]}`)

	connB.reset()
	send(c, b, `{"kind":"Select","positions":[{"row":0,"column":0}]}`)
	expectMessages(t, connB, `{"who":"B","kind":"Select","payload":[{"row":0,"column":0}]}`)

	// 第二次断开不产生任何效果
	c.Disconnect(a)
	expectMessages(t, connB, `{"who":"B","kind":"Select","payload":[{"row":0,"column":0}]}`)
	if got := c.Metrics().SessionsActive; got != 1 {
		t.Errorf("SessionsActive = %d, want 1", got)
	}
}

func TestReselectOrdersDeselectBeforeSelect(t *testing.T) {
	c, _ := newTestCoordinator(t)
	a, connA := connect(t, c, "A")
	_, connB := connect(t, c, "B")

	send(c, a, `{"kind":"Select","positions":[{"row":0,"column":0},{"row":0,"column":1}]}`)
	connA.reset()
	connB.reset()
	send(c, a, `{"kind":"Select","positions":[{"row":1,"column":0}]}`)

	want := []string{
		`{"who":"A","kind":"Deselect","payload":[{"row":0,"column":0},{"row":0,"column":1}]}`,
		`{"who":"A","kind":"Select","payload":[{"row":1,"column":0}]}`,
	}
	expectMessages(t, connA, want...)
	expectMessages(t, connB, want...)
}

func TestUnparsablePayload(t *testing.T) {
	c, _ := newTestCoordinator(t)
	a, connA := connect(t, c, "A")
	_, connB := connect(t, c, "B")

	send(c, a, `{"kind":`)
	expectMessages(t, connA, errParse)
	expectMessages(t, connB)
	if c.Locks().Len() != 0 || c.Registry().Len() != 2 {
		t.Errorf("state changed: locks=%d sessions=%d", c.Locks().Len(), c.Registry().Len())
	}
}

func TestEditWithoutLock(t *testing.T) {
	c, st := newTestCoordinator(t)
	a, _ := connect(t, c, "A")
	cs, connC := connect(t, c, "C")
	send(c, a, `{"kind":"Select","positions":[{"row":4,"column":4}]}`)
	connC.reset()

	for _, p := range []string{`{"row":4,"column":4}`, `{"row":9,"column":9}`} {
		send(c, cs, `{"kind":"NewGridValue","position":`+p+`,"value":"nope"}`)
	}
	expectMessages(t, connC, errNotLocked, errNotLocked)
	if n := len(st.calls()); n != 0 {
		t.Errorf("upsert called %d times, want 0", n)
	}
}

func TestPersistFailureKeepsLock(t *testing.T) {
	c, st := newTestCoordinator(t)
	a, connA := connect(t, c, "A")
	_, connB := connect(t, c, "B")
	send(c, a, `{"kind":"Select","positions":[{"row":0,"column":0}]}`)
	connA.reset()
	connB.reset()

	st.mu.Lock()
	st.fail = errStoreDown
	st.mu.Unlock()
	send(c, a, `{"kind":"NewGridValue","position":{"row":0,"column":0},"value":"x"}`)

	expectMessages(t, connA, errPersist)
	expectMessages(t, connB)
	if owner, _ := c.Locks().OwnerOf(pos(0, 0)); owner != "A" {
		t.Errorf("lock not retained: owner = %q", owner)
	}

	st.mu.Lock()
	st.fail = nil
	st.mu.Unlock()
	send(c, a, `{"kind":"NewGridValue","position":{"row":0,"column":0},"value":"x"}`)
	if got := len(connB.messages()); got != 1 {
		t.Errorf("retry broadcast count = %d, want 1", got)
	}
}

func TestUnexpectedAction(t *testing.T) {
	c, _ := newTestCoordinator(t)
	a, connA := connect(t, c, "A")
	send(c, a, `{"kind":"Deselect","positions":[]}`)
	expectMessages(t, connA, errUnexpect)
}

func TestConnectReplaysLocks(t *testing.T) {
	c, _ := newTestCoordinator(t)
	a, connA := connect(t, c, "A")
	b, _ := connect(t, c, "B")
	send(c, a, `{"kind":"Select","positions":[{"row":0,"column":1},{"row":0,"column":0}]}`)
	send(c, b, `{"kind":"Select","positions":[{"row":3,"column":3}]}`)
	connA.reset()

	_, connD := connect(t, c, "D")
	expectMessages(t, connD,
		`{"who":"A","kind":"Select","payload":[{"row":0,"column":0},{"row":0,"column":1}]}`,
		`{"who":"B","kind":"Select","payload":[{"row":3,"column":3}]}`,
	)
	expectMessages(t, connA)
}

func TestDuplicateUsernameRejected(t *testing.T) {
	c, _ := newTestCoordinator(t)
	connect(t, c, "A")
	if _, err := c.Connect(&fakeConn{}, "A", "10.0.0.1"); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("Connect() = %v, want ErrUsernameTaken", err)
	}
	if c.Registry().Len() != 1 {
		t.Errorf("registry len = %d, want 1", c.Registry().Len())
	}
}

func TestSharedUsernameKeepsLocksUntilLastSession(t *testing.T) {
	c, _ := newTestCoordinator(t, WithUniqueUsernames(false))
	a1, _ := connect(t, c, "A")
	a2, _ := connect(t, c, "A")
	send(c, a1, `{"kind":"Select","positions":[{"row":0,"column":0}]}`)

	c.Disconnect(a1)
	if owner, _ := c.Locks().OwnerOf(pos(0, 0)); owner != "A" {
		t.Fatalf("lock released while another A session is online")
	}
	c.Disconnect(a2)
	if c.Locks().Len() != 0 {
		t.Errorf("locks left after last session: %d", c.Locks().Len())
	}
}

func TestHandleIgnoredAfterClose(t *testing.T) {
	c, st := newTestCoordinator(t)
	a, connA := connect(t, c, "A")
	send(c, a, `{"kind":"Select","positions":[{"row":0,"column":0}]}`)
	c.Disconnect(a)
	connA.reset()

	send(c, a, `{"kind":"Select","positions":[{"row":1,"column":1}]}`)
	send(c, a, `garbage`)
	expectMessages(t, connA)
	if c.Locks().Len() != 0 || len(st.calls()) != 0 {
		t.Error("closed session mutated state")
	}
}

func TestConcurrentDisconnectIsExactlyOnce(t *testing.T) {
	c, _ := newTestCoordinator(t)
	a, _ := connect(t, c, "A")
	_, connB := connect(t, c, "B")
	send(c, a, `{"kind":"Select","positions":[{"row":0,"column":0}]}`)
	connB.reset()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Disconnect(a)
		}()
	}
	wg.Wait()
	expectMessages(t, connB, `{"who":"A","kind":"Deselect","payload":[{"row":0,"column":0}]}`)
}

// 多个会话并发选择与断开，最终锁表只引用在线用户
func TestConcurrentSessions(t *testing.T) {
	c, _ := newTestCoordinator(t)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("user-%d", i)
			s, err := c.Connect(&fakeConn{}, name, "")
			if err != nil {
				t.Errorf("Connect(%s): %v", name, err)
				return
			}
			for j := 0; j < 50; j++ {
				msg := fmt.Sprintf(`{"kind":"Select","positions":[{"row":%d,"column":%d}]}`, j%4, (i+j)%4)
				send(c, s, msg)
			}
			if i%2 == 0 {
				c.Disconnect(s)
			}
		}(i)
	}
	wg.Wait()

	for _, sel := range c.Locks().ByOwner() {
		if c.Registry().Online(sel.Username) == 0 {
			t.Errorf("offline user %s still owns %v", sel.Username, sel.Positions)
		}
	}
	checkInvariants(t, c.Locks())
}

func TestPersistUsesTimeout(t *testing.T) {
	blocking := &blockingStore{fakeStore: newFakeStore()}
	c := NewCoordinator(blocking, WithStoreTimeout(20*time.Millisecond))
	a, connA := connect(t, c, "A")
	send(c, a, `{"kind":"Select","positions":[{"row":0,"column":0}]}`)
	connA.reset()

	send(c, a, `{"kind":"NewGridValue","position":{"row":0,"column":0},"value":"x"}`)
	expectMessages(t, connA, errPersist)
}

// blockingStore Upsert 一直阻塞直到 ctx 结束
type blockingStore struct {
	*fakeStore
}

func (b *blockingStore) Upsert(ctx context.Context, _ grid.Cell) error {
	<-ctx.Done()
	return ctx.Err()
}

// preloadConn 同时记录预载帧与普通投递
type preloadConn struct {
	fakeConn
	preloaded []string
}

func (p *preloadConn) Preload(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.preloaded = append(p.preloaded, string(b))
	return nil
}

func TestConnectReplayUsesPreload(t *testing.T) {
	c, _ := newTestCoordinator(t)
	for i := 0; i < 100; i++ {
		s, _ := connect(t, c, fmt.Sprintf("owner-%03d", i))
		send(c, s, fmt.Sprintf(`{"kind":"Select","positions":[{"row":%d,"column":0}]}`, i))
	}

	conn := &preloadConn{}
	if _, err := c.Connect(conn, "newcomer", ""); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if len(conn.preloaded) != 100 {
		t.Fatalf("preloaded %d frames, want 100", len(conn.preloaded))
	}
	if want := `{"who":"owner-000","kind":"Select","payload":[{"row":0,"column":0}]}`; conn.preloaded[0] != want {
		t.Errorf("first replay = %s, want %s", conn.preloaded[0], want)
	}
	expectMessages(t, &conn.fakeConn)
}
