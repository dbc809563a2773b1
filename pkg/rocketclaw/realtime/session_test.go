package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory duplex transport. The session reads from inbound
// and its writes land on the writes channel, where the fake server consumes
// them.
type fakeConn struct {
	mu      sync.Mutex
	closed  bool
	inbound chan []byte
	writes  chan []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 64),
		writes:  make(chan []byte, 64),
	}
}

func (c *fakeConn) Read() ([]byte, error) {
	data, ok := <-c.inbound
	if !ok {
		return nil, errors.New("connection closed")
	}
	return data, nil
}

func (c *fakeConn) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed connection")
	}
	c.writes <- append([]byte(nil), data...)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
		close(c.writes)
	}
	return nil
}

func (c *fakeConn) push(v map[string]any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.inbound <- data
	}
}

type wireFrame struct {
	Msg    string `json:"msg"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Name   string `json:"name"`
	Params []any  `json:"params"`
}

// fakeServer answers the handshake and login on a fakeConn and records
// everything else the session sends.
type fakeServer struct {
	conn *fakeConn

	mu      sync.Mutex
	subs    []wireFrame
	methods []wireFrame
	pongs   []wireFrame
	pings   int

	loginErr bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{conn: newFakeConn()}
}

func (srv *fakeServer) run() {
	for data := range srv.conn.writes {
		var f wireFrame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		switch f.Msg {
		case "connect":
			srv.conn.push(map[string]any{"msg": "connected", "session": "sess-1"})
		case "method":
			srv.mu.Lock()
			srv.methods = append(srv.methods, f)
			srv.mu.Unlock()
			if f.Method == "login" {
				if srv.loginErr {
					srv.conn.push(map[string]any{
						"msg": "result", "id": f.ID,
						"error": map[string]any{"error": 403, "reason": "token expired"},
					})
				} else {
					srv.conn.push(map[string]any{
						"msg": "result", "id": f.ID,
						"result": map[string]any{"id": "bot-id", "token": "tok"},
					})
				}
			}
		case "sub":
			srv.mu.Lock()
			srv.subs = append(srv.subs, f)
			srv.mu.Unlock()
			srv.conn.push(map[string]any{"msg": "ready", "subs": []string{f.ID}})
		case "ping":
			srv.mu.Lock()
			srv.pings++
			srv.mu.Unlock()
			srv.conn.push(map[string]any{"msg": "pong"})
		case "pong":
			srv.mu.Lock()
			srv.pongs = append(srv.pongs, f)
			srv.mu.Unlock()
		}
	}
}

func (srv *fakeServer) waitSubs(t *testing.T, n int) []wireFrame {
	t.Helper()
	var out []wireFrame
	waitFor(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		out = append([]wireFrame(nil), srv.subs...)
		return len(out) >= n
	})
	return out
}

func (srv *fakeServer) waitMethod(t *testing.T, name string) wireFrame {
	t.Helper()
	var out wireFrame
	waitFor(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		for _, m := range srv.methods {
			if m.Method == name {
				out = m
				return true
			}
		}
		return false
	})
	return out
}

func (srv *fakeServer) pingCount() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.pings
}

type fakeDialer struct {
	mu    sync.Mutex
	queue []*fakeServer
	dials int
}

func (d *fakeDialer) add(srv *fakeServer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, srv)
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.queue) == 0 {
		return nil, errors.New("dial refused")
	}
	srv := d.queue[0]
	d.queue = d.queue[1:]
	go srv.run()
	return srv.conn, nil
}

type fakeTimer struct {
	clock   *fakeClock
	d       time.Duration
	fn      func()
	fired   bool
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) Now() time.Time { return time.Unix(1700000000, 0) }

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, d: d, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			out = append(out, t)
		}
	}
	return out
}

// waitPending blocks until exactly one timer with duration d is armed and
// returns it.
func (c *fakeClock) waitPending(t *testing.T, d time.Duration) *fakeTimer {
	t.Helper()
	var out *fakeTimer
	waitFor(t, func() bool {
		for _, tm := range c.pending() {
			if tm.d == d {
				out = tm
				return true
			}
		}
		return false
	})
	return out
}

// fire runs the timer callback synchronously.
func (c *fakeClock) fire(tm *fakeTimer) {
	c.mu.Lock()
	tm.fired = true
	c.mu.Unlock()
	tm.fn()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func nextEvent(t *testing.T, s *Session) Event {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("no event in time")
		return nil
	}
}

func newTestSession(dialer *fakeDialer, clock *fakeClock) *Session {
	return NewSession(Config{
		URL:       "ws://test/websocket",
		UserID:    "bot-id",
		AuthToken: "resume-token",
		Username:  "rocketclaw",
	}, dialer, clock, nil)
}

func TestConnectLoginAndSubscribe(t *testing.T) {
	t.Parallel()

	srv := newFakeServer()
	dialer := &fakeDialer{}
	dialer.add(srv)
	s := newTestSession(dialer, &fakeClock{})
	defer s.Disconnect()

	s.SubscribeToRoom("room-a")
	s.SubscribeToRoom("room-a") // duplicate, must not produce a second sub
	s.SubscribeToRoom("room-b")

	require.NoError(t, s.Connect(context.Background()))

	login := srv.waitMethod(t, "login")
	resume, ok := login.Params[0].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "resume-token", resume["resume"])

	subs := srv.waitSubs(t, 2)
	require.Len(t, subs, 2)
	require.Equal(t, roomMessagesStream, subs[0].Name)
	require.Equal(t, "room-a", subs[0].Params[0])
	require.Equal(t, "room-b", subs[1].Params[0])
	require.NotEqual(t, subs[0].ID, subs[1].ID)

	ev := nextEvent(t, s)
	conn, ok := ev.(ConnectedEvent)
	require.True(t, ok, "expected ConnectedEvent, got %T", ev)
	require.Equal(t, "sess-1", conn.SessionID)
	require.Equal(t, StateLive, s.State())

	// A subscription added while live goes out immediately, once.
	s.SubscribeToRoom("room-c")
	s.SubscribeToRoom("room-b")
	subs = srv.waitSubs(t, 3)
	require.Len(t, subs, 3)
	require.Equal(t, "room-c", subs[2].Params[0])
}

func TestUserEventSubscription(t *testing.T) {
	t.Parallel()

	srv := newFakeServer()
	dialer := &fakeDialer{}
	dialer.add(srv)
	s := newTestSession(dialer, &fakeClock{})
	defer s.Disconnect()

	s.SubscribeToUserEvent("notification")
	require.NoError(t, s.Connect(context.Background()))

	subs := srv.waitSubs(t, 1)
	require.Equal(t, userNotifyStream, subs[0].Name)
	require.Equal(t, "bot-id/notification", subs[0].Params[0])
}

func TestInboundMessageDecoded(t *testing.T) {
	t.Parallel()

	srv := newFakeServer()
	dialer := &fakeDialer{}
	dialer.add(srv)
	s := newTestSession(dialer, &fakeClock{})
	defer s.Disconnect()

	s.SubscribeToRoom("dm-1")
	require.NoError(t, s.Connect(context.Background()))
	nextEvent(t, s) // ConnectedEvent

	srv.conn.push(map[string]any{
		"msg":        "changed",
		"collection": "stream-room-messages",
		"fields": map[string]any{
			"eventName": "dm-1",
			"args": []any{
				map[string]any{
					"_id": "m1", "rid": "dm-1", "msg": "hello there",
					"u": map[string]any{"_id": "u9", "username": "alice", "name": "Alice"},
				},
				map[string]any{"roomType": "d"},
			},
		},
	})

	ev := nextEvent(t, s)
	me, ok := ev.(MessageEvent)
	require.True(t, ok, "expected MessageEvent, got %T", ev)
	require.Equal(t, "m1", me.Message.ID)
	require.Equal(t, "dm-1", me.Message.RoomID)
	require.Equal(t, "alice", me.Message.SenderUsername)
	require.True(t, me.Message.IsDirect())
}

func TestOtherStreamsPassThrough(t *testing.T) {
	t.Parallel()

	srv := newFakeServer()
	dialer := &fakeDialer{}
	dialer.add(srv)
	s := newTestSession(dialer, &fakeClock{})
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))
	nextEvent(t, s) // ConnectedEvent

	srv.conn.push(map[string]any{
		"msg":        "changed",
		"collection": "stream-notify-user",
		"fields": map[string]any{
			"eventName": "bot-id/notification",
			"args":      []any{map[string]any{"title": "hi"}},
		},
	})

	ev := nextEvent(t, s)
	ne, ok := ev.(NotifyEvent)
	require.True(t, ok, "expected NotifyEvent, got %T", ev)
	require.Equal(t, "stream-notify-user", ne.Collection)
	require.Equal(t, "bot-id/notification", ne.EventName)
	require.NotEmpty(t, ne.Args)
}

func TestPendingCallsRejectedOnDrop(t *testing.T) {
	t.Parallel()

	srv := newFakeServer()
	dialer := &fakeDialer{}
	dialer.add(srv)
	s := newTestSession(dialer, &fakeClock{})
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))
	nextEvent(t, s) // ConnectedEvent

	errc := make(chan error, 1)
	go func() {
		// The fake server records but never answers this method.
		_, err := s.CallMethod(context.Background(), "slowMethod")
		errc <- err
	}()
	srv.waitMethod(t, "slowMethod")

	srv.conn.Close()

	require.ErrorIs(t, <-errc, ErrDisconnected)
	ev := nextEvent(t, s)
	_, ok := ev.(DisconnectedEvent)
	require.True(t, ok, "expected DisconnectedEvent, got %T", ev)
}

func TestCallAfterDisconnectFailsFast(t *testing.T) {
	t.Parallel()

	s := newTestSession(&fakeDialer{}, &fakeClock{})
	_, err := s.CallMethod(context.Background(), "anything")
	require.ErrorIs(t, err, ErrDisconnected)
}

func TestFirstConnectFailureDoesNotReconnect(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{}
	s := newTestSession(&fakeDialer{}, clock) // empty dialer refuses
	err := s.Connect(context.Background())
	require.ErrorIs(t, err, ErrConnectionFailed)
	require.Empty(t, clock.pending())
	require.Equal(t, StateDisconnected, s.State())
}

func TestLoginRejectionSurfacesError(t *testing.T) {
	t.Parallel()

	srv := newFakeServer()
	srv.loginErr = true
	dialer := &fakeDialer{}
	dialer.add(srv)
	s := newTestSession(dialer, &fakeClock{})
	defer s.Disconnect()

	err := s.Connect(context.Background())
	require.ErrorIs(t, err, ErrConnectionFailed)
	require.Contains(t, err.Error(), "token expired")
}

func TestReconnectBackoffAndResubscribe(t *testing.T) {
	t.Parallel()

	srv1 := newFakeServer()
	dialer := &fakeDialer{}
	dialer.add(srv1)
	clock := &fakeClock{}
	s := newTestSession(dialer, clock)
	defer s.Disconnect()

	s.SubscribeToRoom("room-a")
	require.NoError(t, s.Connect(context.Background()))
	nextEvent(t, s) // ConnectedEvent
	firstSubs := srv1.waitSubs(t, 1)

	// Drop the connection; the dialer has no replacement yet, so each
	// retry fails and the delay doubles up to the ceiling.
	srv1.conn.Close()
	ev := nextEvent(t, s)
	_, ok := ev.(DisconnectedEvent)
	require.True(t, ok, "expected DisconnectedEvent, got %T", ev)

	for _, want := range []time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second,
		40 * time.Second, 60 * time.Second, 60 * time.Second,
	} {
		tm := clock.waitPending(t, want)
		clock.fire(tm)
		ev := nextEvent(t, s)
		_, ok := ev.(ErrorEvent)
		require.True(t, ok, "expected ErrorEvent, got %T", ev)
	}

	// Next retry succeeds: the desired subscription is replayed on a
	// fresh handle.
	srv2 := newFakeServer()
	dialer.add(srv2)
	tm := clock.waitPending(t, 60*time.Second)
	clock.fire(tm)

	ev = nextEvent(t, s)
	_, ok = ev.(ConnectedEvent)
	require.True(t, ok, "expected ConnectedEvent, got %T", ev)
	require.Equal(t, StateLive, s.State())

	secondSubs := srv2.waitSubs(t, 1)
	require.Equal(t, "room-a", secondSubs[0].Params[0])
	require.NotEqual(t, firstSubs[0].ID, secondSubs[0].ID)

	// A successful connection resets the backoff to its base.
	srv2.conn.Close()
	nextEvent(t, s) // DisconnectedEvent
	clock.waitPending(t, 5*time.Second)
}

func TestKeepAlivePing(t *testing.T) {
	t.Parallel()

	srv := newFakeServer()
	dialer := &fakeDialer{}
	dialer.add(srv)
	clock := &fakeClock{}
	s := newTestSession(dialer, clock)
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))
	nextEvent(t, s) // ConnectedEvent

	tm := clock.waitPending(t, 25*time.Second)
	clock.fire(tm)
	waitFor(t, func() bool { return srv.pingCount() >= 1 })

	// The keep-alive re-arms after each ping.
	clock.waitPending(t, 25*time.Second)
}

func TestRemotePingAnswered(t *testing.T) {
	t.Parallel()

	srv := newFakeServer()
	dialer := &fakeDialer{}
	dialer.add(srv)
	s := newTestSession(dialer, &fakeClock{})
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))
	nextEvent(t, s) // ConnectedEvent

	// A server-initiated ping is answered with a pong echoing its id,
	// independent of the local keep-alive timer.
	srv.conn.push(map[string]any{"msg": "ping", "id": "srv-ping-1"})

	var pong wireFrame
	waitFor(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		if len(srv.pongs) == 0 {
			return false
		}
		pong = srv.pongs[0]
		return true
	})
	require.Equal(t, "srv-ping-1", pong.ID)
	require.Equal(t, StateLive, s.State())
}

func TestDisconnectIsFinal(t *testing.T) {
	t.Parallel()

	srv := newFakeServer()
	dialer := &fakeDialer{}
	dialer.add(srv)
	clock := &fakeClock{}
	s := newTestSession(dialer, clock)

	require.NoError(t, s.Connect(context.Background()))
	nextEvent(t, s) // ConnectedEvent

	s.Disconnect()
	ev := nextEvent(t, s)
	de, ok := ev.(DisconnectedEvent)
	require.True(t, ok, "expected DisconnectedEvent, got %T", ev)
	require.NoError(t, de.Err)
	require.Empty(t, clock.pending())
	require.Equal(t, StateDisconnected, s.State())

	s.Disconnect() // idempotent
}
