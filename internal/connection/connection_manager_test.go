package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/life-stream-dev/ghosttap-server/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu       sync.Mutex
	addr     string
	sent     []any
	closed   bool
	reason   string
	failSend bool
	// hold 非空时 Close 会阻塞到其被关闭，模拟半开连接的关闭握手
	hold chan struct{}
}

func newFakeConn(addr string) *fakeConn { return &fakeConn{addr: addr} }

func (c *fakeConn) Send(_ context.Context, msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSend || c.closed {
		return errors.New("write on closed connection")
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Close(reason string) error {
	if c.hold != nil {
		<-c.hold
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.reason = reason
	return nil
}

func (c *fakeConn) RemoteAddr() string { return c.addr }

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) messages() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any{}, c.sent...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(clk *clock) *Registry {
	return NewRegistry(Options{
		AllowedUsers:  []string{"alice", "bob"},
		Timeout:       time.Minute,
		ActiveSession: func(userID string) string { return "session-of-" + userID },
		Now:           clk.Now,
	})
}

func TestConnectRejects(t *testing.T) {
	r := newTestRegistry(&clock{now: time.Unix(0, 0)})

	_, err := r.Connect("", "phone", Credentials{}, newFakeConn("a"))
	assert.ErrorIs(t, err, ErrMissingUserID)

	_, err = r.Connect("mallory", "phone", Credentials{}, newFakeConn("b"))
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, 0, r.Count())
}

func TestConnectRequiresTokenWhenConfigured(t *testing.T) {
	r := NewRegistry(Options{AllowedUsers: []string{"*"}, Token: "secret"})

	_, err := r.Connect("anyone", "phone", Credentials{Token: "wrong"}, newFakeConn("a"))
	assert.ErrorIs(t, err, ErrUnauthorized)

	e, err := r.Connect("anyone", "phone", Credentials{Token: "secret"}, newFakeConn("b"))
	require.NoError(t, err)
	assert.True(t, e.Authenticated)
}

func TestConnectReplacesPreviousConnection(t *testing.T) {
	r := newTestRegistry(&clock{now: time.Unix(0, 0)})
	var disconnects int
	r.OnDisconnect(func(*Entry) { disconnects++ })

	first := newFakeConn("first")
	oldEntry, err := r.Connect("alice", "phone-1", Credentials{}, first)
	require.NoError(t, err)

	second := newFakeConn("second")
	newEntry, err := r.Connect("alice", "phone-2", Credentials{}, second)
	require.NoError(t, err)

	assert.Eventually(t, first.isClosed, time.Second, 5*time.Millisecond)
	require.Len(t, first.messages(), 1)
	notice, ok := first.messages()[0].(*protocol.TaskEnd)
	require.True(t, ok)
	assert.Equal(t, protocol.EndCancelled, notice.Status)
	assert.Equal(t, "session-of-alice", notice.SessionID)

	current, ok := r.Get("alice")
	require.True(t, ok)
	assert.Same(t, newEntry, current)
	assert.Equal(t, 1, r.Count())

	// the replaced connection's read loop exits and removes itself: no effect
	assert.False(t, r.Remove(oldEntry))
	assert.Equal(t, 0, disconnects)
	assert.True(t, r.IsConnected("alice"))
	assert.False(t, second.isClosed())
}

func TestReplacementDoesNotWaitForStaleClose(t *testing.T) {
	r := newTestRegistry(&clock{now: time.Unix(0, 0)})
	connected := make(chan string, 2)
	r.OnConnect(func(e *Entry) { connected <- e.DeviceName })

	stale := newFakeConn("stale")
	stale.hold = make(chan struct{})
	_, err := r.Connect("alice", "phone-1", Credentials{}, stale)
	require.NoError(t, err)
	<-connected

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := r.Connect("alice", "phone-2", Credentials{}, newFakeConn("fresh"))
		assert.NoError(t, err)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("connect blocked on closing the replaced connection")
	}
	assert.Equal(t, "phone-2", <-connected)
	assert.False(t, stale.isClosed())

	close(stale.hold)
	assert.Eventually(t, stale.isClosed, time.Second, 5*time.Millisecond)
}

func TestHeartbeatEchoesTimestamp(t *testing.T) {
	clk := &clock{now: time.Unix(100, 0)}
	r := newTestRegistry(clk)
	conn := newFakeConn("a")
	e, err := r.Connect("bob", "phone", Credentials{}, conn)
	require.NoError(t, err)

	clk.Advance(30 * time.Second)
	r.Heartbeat(e, 123456)

	assert.Equal(t, clk.Now(), r.LastHeartbeat(e))
	require.Len(t, conn.messages(), 1)
	assert.Equal(t, protocol.NewPong(123456), conn.messages()[0])
}

func TestSweepClosesStaleConnections(t *testing.T) {
	clk := &clock{now: time.Unix(0, 0)}
	r := newTestRegistry(clk)
	var gone []string
	r.OnDisconnect(func(e *Entry) { gone = append(gone, e.UserID) })

	aliceConn, bobConn := newFakeConn("a"), newFakeConn("b")
	_, err := r.Connect("alice", "p", Credentials{}, aliceConn)
	require.NoError(t, err)
	bob, err := r.Connect("bob", "p", Credentials{}, bobConn)
	require.NoError(t, err)

	clk.Advance(50 * time.Second)
	r.Touch(bob)
	clk.Advance(20 * time.Second)

	assert.Equal(t, []string{"alice"}, r.Sweep())
	assert.Eventually(t, aliceConn.isClosed, time.Second, 5*time.Millisecond)
	assert.False(t, bobConn.isClosed())
	assert.Equal(t, []string{"alice"}, gone)
	assert.False(t, r.IsConnected("alice"))
	assert.True(t, r.IsConnected("bob"))
}

func TestSendIsBestEffort(t *testing.T) {
	r := newTestRegistry(&clock{now: time.Unix(0, 0)})
	assert.False(t, r.Send("alice", protocol.NewPong(1)))

	conn := newFakeConn("a")
	_, err := r.Connect("alice", "p", Credentials{}, conn)
	require.NoError(t, err)
	assert.True(t, r.Send("alice", protocol.NewPong(2)))

	conn.failSend = true
	assert.False(t, r.Send("alice", protocol.NewPong(3)))
}

func TestOnConnectListener(t *testing.T) {
	r := newTestRegistry(&clock{now: time.Unix(0, 0)})
	var seen *Entry
	r.OnConnect(func(e *Entry) { seen = e })
	e, err := r.Connect("alice", "pixel", Credentials{}, newFakeConn("a"))
	require.NoError(t, err)
	assert.Same(t, e, seen)
	assert.Equal(t, "pixel", seen.DeviceName)
}

func TestCloseAllWaitsForEveryConnection(t *testing.T) {
	r := newTestRegistry(&clock{now: time.Unix(0, 0)})
	aliceConn, bobConn := newFakeConn("a"), newFakeConn("b")
	aliceConn.hold = make(chan struct{})
	_, err := r.Connect("alice", "p", Credentials{}, aliceConn)
	require.NoError(t, err)
	_, err = r.Connect("bob", "p", Credentials{}, bobConn)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		r.CloseAll("shutdown")
		close(done)
	}()

	// 一个连接卡住不影响其他连接关闭，但 CloseAll 要等全部完成
	assert.Eventually(t, bobConn.isClosed, time.Second, 5*time.Millisecond)
	select {
	case <-done:
		t.Fatal("close all returned before every connection closed")
	default:
	}

	close(aliceConn.hold)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("close all did not return")
	}
	assert.True(t, aliceConn.isClosed())
}
