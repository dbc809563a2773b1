// Package realtime maintains the duplex DDP-style session with the chat
// server: connect/login handshake, subscription bookkeeping that survives
// reconnects, RPC correlation, keep-alive and exponential-backoff
// reconnection. Callers observe the session through a single ordered event
// channel; physical reconnects are invisible beyond a Disconnected/Connected
// event pair.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors surfaced to callers.
var (
	// ErrDisconnected rejects outstanding RPC calls when the connection
	// drops, so no caller hangs indefinitely.
	ErrDisconnected = errors.New("realtime: disconnected")
	// ErrConnectionFailed wraps failures of a single connect attempt.
	ErrConnectionFailed = errors.New("realtime: connection failed")
)

// State is the session's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingAuth
	StateSubscribing
	StateLive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingAuth:
		return "awaiting-auth"
	case StateSubscribing:
		return "subscribing"
	case StateLive:
		return "live"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config holds the per-account connection parameters.
type Config struct {
	URL       string
	UserID    string
	AuthToken string // long-lived resume token
	Username  string

	PingInterval  time.Duration // default 25s
	ReconnectBase time.Duration // default 5s
	ReconnectMax  time.Duration // default 60s
}

func (c *Config) applyDefaults() {
	if c.PingInterval == 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.ReconnectBase == 0 {
		c.ReconnectBase = 5 * time.Second
	}
	if c.ReconnectMax == 0 {
		c.ReconnectMax = 60 * time.Second
	}
}

type callResult struct {
	result json.RawMessage
	err    error
}

// Session is one logical, continuously available connection to the realtime
// endpoint. Desired subscriptions persist for the session's lifetime;
// active subscription handles belong to the current physical connection
// only and are rebuilt after every reconnect.
type Session struct {
	cfg    Config
	dialer Dialer
	clock  Clock
	logger *slog.Logger
	events chan Event

	mu              sync.Mutex
	state           State
	conn            Conn
	epoch           int // increments per physical connection
	sessionID       string
	nextID          int64
	calls           map[string]chan callResult
	loginDone       chan error
	desiredRooms    []string
	desiredRoomSet  map[string]bool
	desiredEvents   []string
	desiredEventSet map[string]bool
	activeSubs      map[string]string // stream key -> sub id, current connection only
	shouldReconnect bool
	everLoggedIn    bool
	delay           time.Duration
	reconnectTimer  Timer
	pingTimer       Timer
}

// NewSession creates a session. dialer and clock may be nil for the
// production websocket dialer and wall clock.
func NewSession(cfg Config, dialer Dialer, clock Clock, logger *slog.Logger) *Session {
	cfg.applyDefaults()
	if dialer == nil {
		dialer = NewWebsocketDialer()
	}
	if clock == nil {
		clock = NewClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:             cfg,
		dialer:          dialer,
		clock:           clock,
		logger:          logger.With("component", "realtime"),
		events:          make(chan Event, 256),
		calls:           make(map[string]chan callResult),
		desiredRoomSet:  make(map[string]bool),
		desiredEventSet: make(map[string]bool),
		activeSubs:      make(map[string]string),
	}
}

// Events returns the session's outbound event stream. It is consumed by a
// single dispatch loop; events arrive in order.
func (s *Session) Events() <-chan Event { return s.events }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect opens the transport, performs the protocol handshake and logs in
// with the resume token. It returns once the first login completes. An error
// during this first attempt is returned directly, without scheduling a
// reconnect, so the caller can decide whether to abort startup; after a
// successful Connect, later drops reconnect automatically.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return fmt.Errorf("realtime: already connected")
	}
	s.shouldReconnect = true
	s.mu.Unlock()
	return s.attempt(ctx)
}

// attempt performs one full connect+login. Exactly one terminal resolution
// per attempt: either nil after login or an error.
func (s *Session) attempt(ctx context.Context) error {
	s.setState(StateConnecting)
	conn, err := s.dialer.Dial(ctx, s.cfg.URL)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	s.conn = conn
	s.state = StateAwaitingAuth
	done := make(chan error, 1)
	s.loginDone = done
	s.mu.Unlock()

	go s.readLoop(conn, epoch)

	if err := s.writeFrame(conn, frame{Msg: "connect", Version: "1", Support: []string{"1"}}); err != nil {
		s.handleDisconnect(epoch, err)
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
		}
		return nil
	case <-ctx.Done():
		s.handleDisconnect(epoch, ctx.Err())
		return ctx.Err()
	}
}

// SubscribeToRoom records roomID as desired (honored before a connection
// exists and after every future reconnect) and, when connected, issues a
// live subscribe unless one is already outstanding for that room. Idempotent.
func (s *Session) SubscribeToRoom(roomID string) {
	s.mu.Lock()
	if !s.desiredRoomSet[roomID] {
		s.desiredRoomSet[roomID] = true
		s.desiredRooms = append(s.desiredRooms, roomID)
	}
	conn := s.conn
	ready := s.state == StateSubscribing || s.state == StateLive
	s.mu.Unlock()

	if conn != nil && ready {
		s.sendSub(conn, roomKey(roomID), roomMessagesStream, roomID, false)
	}
}

// SubscribeToRooms applies SubscribeToRoom in order.
func (s *Session) SubscribeToRooms(roomIDs []string) {
	for _, id := range roomIDs {
		s.SubscribeToRoom(id)
	}
}

// SubscribeToUserEvent subscribes to a server-pushed user-scoped event,
// deduplicated by name.
func (s *Session) SubscribeToUserEvent(name string) {
	s.mu.Lock()
	if !s.desiredEventSet[name] {
		s.desiredEventSet[name] = true
		s.desiredEvents = append(s.desiredEvents, name)
	}
	conn := s.conn
	ready := s.state == StateSubscribing || s.state == StateLive
	userID := s.cfg.UserID
	s.mu.Unlock()

	if conn != nil && ready {
		s.sendSub(conn, eventKey(name), userNotifyStream, userID+"/"+name, false)
	}
}

// CallMethod sends an RPC request and waits for the correlated response.
// Outstanding calls are rejected with ErrDisconnected when the connection
// drops.
func (s *Session) CallMethod(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	return s.call(ctx, method, params...)
}

// Disconnect permanently shuts the session down: keep-alive stopped, pending
// calls rejected, any scheduled reconnect cancelled, transport closed and
// future reconnection disabled. Safe to call mid-backoff and repeatedly.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.shouldReconnect = false
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	epoch := s.epoch
	s.mu.Unlock()

	s.handleDisconnect(epoch, nil)
}

// call implements CallMethod; ids are locally generated and monotonically
// increasing.
func (s *Session) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return nil, ErrDisconnected
	}
	s.nextID++
	id := strconv.FormatInt(s.nextID, 10)
	ch := make(chan callResult, 1)
	s.calls[id] = ch
	s.mu.Unlock()

	if params == nil {
		params = []any{}
	}
	if err := s.writeFrame(conn, frame{Msg: "method", Method: method, ID: id, Params: params}); err != nil {
		s.dropCall(id)
		return nil, err
	}

	select {
	case res := <-ch:
		return res.result, res.err
	case <-ctx.Done():
		s.dropCall(id)
		return nil, ctx.Err()
	}
}

func (s *Session) dropCall(id string) {
	s.mu.Lock()
	delete(s.calls, id)
	s.mu.Unlock()
}

// readLoop pumps frames from one physical connection until it fails.
func (s *Session) readLoop(conn Conn, epoch int) {
	for {
		data, err := conn.Read()
		if err != nil {
			s.handleDisconnect(epoch, err)
			return
		}
		s.handleFrame(conn, epoch, data)
	}
}

func (s *Session) handleFrame(conn Conn, epoch int, data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		s.logger.Debug("unparseable frame ignored", "error", err)
		return
	}

	switch f.Msg {
	case "connected":
		s.mu.Lock()
		s.sessionID = f.Session
		s.mu.Unlock()
		go s.login(epoch)

	case "ping":
		// The remote's pings are answered immediately, independent of the
		// local keep-alive timer.
		if err := s.writeFrame(conn, frame{Msg: "pong", ID: f.ID}); err != nil {
			s.logger.Debug("pong failed", "error", err)
		}

	case "pong":
		// Answer to our keep-alive.

	case "result":
		s.resolveCall(f.ID, f.Result, f.Error)

	case "changed":
		s.handleChanged(f)

	case "ready", "nosub", "updated", "added", "removed":
		// Subscription acks and collection bookkeeping; nothing to do.

	default:
		// Unknown frame kinds are ignored for forward compatibility.
	}
}

// login authenticates the current connection with the resume token, then
// replays every desired subscription on fresh handles.
func (s *Session) login(epoch int) {
	_, err := s.call(context.Background(), "login", map[string]any{"resume": s.cfg.AuthToken})

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	done := s.loginDone
	if err != nil {
		conn := s.conn
		s.mu.Unlock()
		if done != nil {
			select {
			case done <- err:
			default:
			}
		}
		if conn != nil {
			_ = conn.Close() // readLoop notices and tears down
		}
		return
	}

	s.state = StateSubscribing
	s.everLoggedIn = true
	s.delay = s.cfg.ReconnectBase
	// Stale handles from the previous connection must not leak across
	// reconnects.
	s.activeSubs = make(map[string]string)
	conn := s.conn
	userID := s.cfg.UserID
	rooms := append([]string(nil), s.desiredRooms...)
	events := append([]string(nil), s.desiredEvents...)
	sid := s.sessionID
	s.mu.Unlock()

	for _, roomID := range rooms {
		s.sendSub(conn, roomKey(roomID), roomMessagesStream, roomID, false)
	}
	for _, name := range events {
		s.sendSub(conn, eventKey(name), userNotifyStream, userID+"/"+name, false)
	}

	s.mu.Lock()
	if epoch == s.epoch {
		s.state = StateLive
	}
	s.mu.Unlock()

	s.startPing(epoch)
	s.logger.Info("session live", "rooms", len(rooms))

	if done != nil {
		select {
		case done <- nil:
		default:
		}
	}
	s.emit(ConnectedEvent{SessionID: sid})
}

// sendSub issues a live subscribe for key unless one is already outstanding
// on the current connection.
func (s *Session) sendSub(conn Conn, key, stream string, param any, args ...any) {
	s.mu.Lock()
	if _, exists := s.activeSubs[key]; exists {
		s.mu.Unlock()
		return
	}
	subID := uuid.NewString()
	s.activeSubs[key] = subID
	s.mu.Unlock()

	params := append([]any{param}, args...)
	if err := s.writeFrame(conn, frame{Msg: "sub", ID: subID, Name: stream, Params: params}); err != nil {
		s.logger.Warn("subscribe failed", "stream", stream, "error", err)
	}
}

func roomKey(roomID string) string { return "room:" + roomID }
func eventKey(name string) string  { return "event:" + name }

func (s *Session) resolveCall(id string, result json.RawMessage, rpcErr *RPCError) {
	s.mu.Lock()
	ch, ok := s.calls[id]
	delete(s.calls, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	if rpcErr != nil {
		ch <- callResult{err: rpcErr}
		return
	}
	ch <- callResult{result: result}
}

type notifyFields struct {
	EventName string          `json:"eventName"`
	Args      json.RawMessage `json:"args"`
}

func (s *Session) handleChanged(f frame) {
	if f.Collection == roomMessagesStream {
		msg, err := decodeRoomMessage(f.Fields)
		if err != nil {
			s.logger.Debug("bad room message ignored", "error", err)
			return
		}
		s.emit(MessageEvent{Message: msg})
		return
	}

	// Every other stream passes through generically.
	var nf notifyFields
	if err := json.Unmarshal(f.Fields, &nf); err != nil {
		s.logger.Debug("bad notify fields ignored", "collection", f.Collection, "error", err)
		return
	}
	s.emit(NotifyEvent{Collection: f.Collection, EventName: nf.EventName, Args: nf.Args})
}

// startPing schedules the next keep-alive ping for this connection.
func (s *Session) startPing(epoch int) {
	s.mu.Lock()
	if epoch != s.epoch || s.conn == nil {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	if s.pingTimer != nil {
		s.pingTimer.Stop()
	}
	s.pingTimer = s.clock.AfterFunc(s.cfg.PingInterval, func() {
		if err := s.writeFrame(conn, frame{Msg: "ping"}); err != nil {
			return
		}
		s.startPing(epoch)
	})
	s.mu.Unlock()
}

// handleDisconnect tears down the physical connection for epoch: pending
// calls are rejected en masse, keep-alive stops, and a reconnect is
// scheduled when appropriate. Stale epochs are ignored, so the teardown runs
// once per connection.
func (s *Session) handleDisconnect(epoch int, cause error) {
	s.mu.Lock()
	if epoch != s.epoch || s.conn == nil {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil
	s.state = StateDisconnected
	for id, ch := range s.calls {
		ch <- callResult{err: ErrDisconnected}
		delete(s.calls, id)
	}
	if s.pingTimer != nil {
		s.pingTimer.Stop()
		s.pingTimer = nil
	}
	if s.loginDone != nil {
		loginErr := cause
		if loginErr == nil {
			loginErr = ErrDisconnected
		}
		select {
		case s.loginDone <- loginErr:
		default:
		}
		s.loginDone = nil
	}
	reconnect := s.shouldReconnect && s.everLoggedIn
	s.mu.Unlock()

	_ = conn.Close()
	if cause != nil {
		s.logger.Warn("connection lost", "error", cause)
	}
	s.emit(DisconnectedEvent{Err: cause})
	if reconnect {
		s.scheduleReconnect()
	}
}

// scheduleReconnect arms the backoff timer. The delay starts at the base,
// doubles per consecutive failed attempt up to the ceiling, and resets to
// the base as soon as a connection reaches Live. Idempotent while a timer is
// already pending.
func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	if !s.shouldReconnect || s.reconnectTimer != nil || s.conn != nil {
		s.mu.Unlock()
		return
	}
	delay := s.delay
	if delay < s.cfg.ReconnectBase {
		delay = s.cfg.ReconnectBase
	}
	next := delay * 2
	if next > s.cfg.ReconnectMax {
		next = s.cfg.ReconnectMax
	}
	s.delay = next
	s.reconnectTimer = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		s.reconnectTimer = nil
		s.mu.Unlock()
		s.reattempt()
	})
	s.mu.Unlock()
	s.logger.Info("reconnect scheduled", "delay", delay)
}

func (s *Session) reattempt() {
	s.mu.Lock()
	stop := !s.shouldReconnect
	s.mu.Unlock()
	if stop {
		return
	}
	if err := s.attempt(context.Background()); err != nil {
		s.emit(ErrorEvent{Err: err})
		s.scheduleReconnect()
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) writeFrame(conn Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return conn.Write(data)
}

func (s *Session) emit(ev Event) {
	s.events <- ev
}
