package storechat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// ============================================================================
// Event names (wire contract)
// ============================================================================

// Inbound events callers can subscribe to.
const (
	EventConnect             = "connect"
	EventDisconnect          = "disconnect"
	EventConnectError        = "connect_error"
	EventNewMessage          = "new_message"
	EventMessageNotification = "message_notification"
	EventUserTyping          = "user_typing"
	EventMessagesRead        = "messages_read"
	EventJoinedConversation  = "joined_conversation"
	EventLeftConversation    = "left_conversation"
	EventMarkedAsRead        = "marked_as_read"
)

// Outbound events emitted by the Conn.
const (
	eventSendMessage       = "send_message"
	eventJoinConversation  = "join_conversation"
	eventLeaveConversation = "leave_conversation"
	eventTyping            = "typing"
	eventMarkAsRead        = "mark_as_read"
)

// ============================================================================
// Event Payload Types
// ============================================================================

// MessageEnvelope wraps a message pushed over the real-time connection
// (new_message and message_notification events).
type MessageEnvelope struct {
	Data Message `json:"data"`
}

// UserTypingPayload is sent when a peer starts or stops typing.
type UserTypingPayload struct {
	UserID   int64 `json:"userId"`
	IsTyping bool  `json:"isTyping"`
}

// MessagesReadPayload is sent when a peer acknowledges messages.
type MessagesReadPayload struct {
	ByUserID int64     `json:"byUserId"`
	ReadAt   time.Time `json:"readAt"`
}

// ConnectErrorPayload carries the reason a connection attempt failed.
type ConnectErrorPayload struct {
	Message string `json:"message"`
}

// envelope is the wire format for all real-time traffic, both directions.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ============================================================================
// ConnState
// ============================================================================

// ConnState is the state of the real-time connection. Only the Conn writes
// it; everything else reads.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateError        ConnState = "error"
)

// ============================================================================
// Transport
// ============================================================================

// Transport is the wire-level connection the Conn multiplexes over. The
// default implementation dials a websocket; tests inject an in-process fake.
type Transport interface {
	Dial(ctx context.Context, baseURL, token string) error
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// wsTransport is the production Transport over a websocket.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *wsTransport) Dial(ctx context.Context, baseURL, token string) error {
	wsURL := strings.Replace(baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return nil
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}
	_, data, err := conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

// ============================================================================
// Event Dispatcher
// ============================================================================

// Handler receives the raw payload of a real-time event.
type Handler func(data json.RawMessage)

type subscription struct {
	id string
	fn Handler
}

// dispatcher is a multi-subscriber registry keyed by (event, subscriber id).
// Handlers run synchronously in arrival order; a handler panic is contained
// so one bad subscriber cannot take down the read loop.
type dispatcher struct {
	mu   sync.RWMutex
	subs map[string][]subscription
}

func newDispatcher() *dispatcher {
	return &dispatcher{subs: make(map[string][]subscription)}
}

func (d *dispatcher) subscribe(event string, fn Handler) string {
	id := uuid.NewString()
	d.mu.Lock()
	d.subs[event] = append(d.subs[event], subscription{id: id, fn: fn})
	d.mu.Unlock()
	return id
}

func (d *dispatcher) unsubscribe(event, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subs := d.subs[event]
	for i, s := range subs {
		if s.id == id {
			d.subs[event] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

func (d *dispatcher) dispatch(event string, data json.RawMessage) {
	d.mu.RLock()
	subs := append([]subscription(nil), d.subs[event]...)
	d.mu.RUnlock()
	for _, s := range subs {
		func() {
			defer func() { recover() }()
			s.fn(data)
		}()
	}
}

// ============================================================================
// Conn
// ============================================================================

// Conn manages the single persistent real-time connection: authentication,
// bounded reconnection, conversation room membership, and event dispatch.
// It is constructed explicitly and passed to whoever needs it; there is no
// package-level instance.
//
// Room membership is not remembered across a disconnect. Conn re-emits the
// connect event after every successful (re)connection so callers can rejoin
// the conversation they care about.
type Conn struct {
	baseURL      string
	transport    Transport
	logger       *log.Logger
	dialAttempts int
	dialDelay    time.Duration

	mu         sync.Mutex
	state      ConnState
	token      string
	activePeer int64
	closing    bool
	cancelFn   context.CancelFunc

	dispatcher *dispatcher
}

type ConnOption func(*Conn)

// WithTransport replaces the default websocket transport.
func WithTransport(t Transport) ConnOption {
	return func(c *Conn) { c.transport = t }
}

func WithConnLogger(logger *log.Logger) ConnOption {
	return func(c *Conn) { c.logger = logger }
}

// WithDialAttempts bounds how many times Connect (and each reconnect cycle)
// tries the transport before giving up.
func WithDialAttempts(n int) ConnOption {
	return func(c *Conn) {
		if n > 0 {
			c.dialAttempts = n
		}
	}
}

// WithDialDelay sets the fixed delay between dial attempts.
func WithDialDelay(d time.Duration) ConnOption {
	return func(c *Conn) {
		if d > 0 {
			c.dialDelay = d
		}
	}
}

// NewConn creates a connection manager for the given API origin. The
// connection is not established until Connect is called.
func NewConn(baseURL string, opts ...ConnOption) *Conn {
	c := &Conn{
		baseURL:      strings.TrimRight(baseURL, "/"),
		transport:    &wsTransport{},
		state:        StateDisconnected,
		dialAttempts: 5,
		dialDelay:    2 * time.Second,
		dispatcher:   newDispatcher(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Conn) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// State returns the current connection state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ActivePeer returns the peer id of the joined conversation room, or 0.
func (c *Conn) ActivePeer() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activePeer
}

// Subscribe registers a handler for an inbound event and returns its
// subscriber id. Multiple handlers per event coexist; dispatch order follows
// registration order.
func (c *Conn) Subscribe(event string, fn Handler) string {
	return c.dispatcher.subscribe(event, fn)
}

// Unsubscribe removes a single subscription.
func (c *Conn) Unsubscribe(event, id string) {
	c.dispatcher.unsubscribe(event, id)
}

// ----------------------------------------------------------------------------
// Typed subscription helpers. Payloads are parsed and validated here, at the
// boundary, so server-shaped JSON never leaks past this file.
// ----------------------------------------------------------------------------

// OnNewMessage registers a handler for messages pushed into the joined
// conversation. Malformed payloads are logged and dropped.
func (c *Conn) OnNewMessage(fn func(Message)) string {
	return c.Subscribe(EventNewMessage, c.messageHandler(EventNewMessage, fn))
}

// OnMessageNotification registers a handler for messages addressed to the
// local user in conversations that are not currently joined.
func (c *Conn) OnMessageNotification(fn func(Message)) string {
	return c.Subscribe(EventMessageNotification, c.messageHandler(EventMessageNotification, fn))
}

func (c *Conn) messageHandler(event string, fn func(Message)) Handler {
	return func(data json.RawMessage) {
		var env MessageEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logf("storechat: drop %s: %v", event, err)
			return
		}
		if err := env.Data.validate(); err != nil {
			c.logf("storechat: drop %s: %v", event, err)
			return
		}
		fn(env.Data)
	}
}

// OnUserTyping registers a handler for peer typing-state changes.
func (c *Conn) OnUserTyping(fn func(UserTypingPayload)) string {
	return c.Subscribe(EventUserTyping, func(data json.RawMessage) {
		var p UserTypingPayload
		if err := json.Unmarshal(data, &p); err != nil || p.UserID <= 0 {
			c.logf("storechat: drop user_typing: %v", err)
			return
		}
		fn(p)
	})
}

// OnMessagesRead registers a handler for peer read acknowledgments.
func (c *Conn) OnMessagesRead(fn func(MessagesReadPayload)) string {
	return c.Subscribe(EventMessagesRead, func(data json.RawMessage) {
		var p MessagesReadPayload
		if err := json.Unmarshal(data, &p); err != nil || p.ByUserID <= 0 || p.ReadAt.IsZero() {
			c.logf("storechat: drop messages_read: %v", err)
			return
		}
		fn(p)
	})
}

// OnConnect registers a handler fired after every successful connection,
// including reconnections.
func (c *Conn) OnConnect(fn func()) string {
	return c.Subscribe(EventConnect, func(json.RawMessage) { fn() })
}

// OnDisconnect registers a handler fired when the connection drops.
func (c *Conn) OnDisconnect(fn func()) string {
	return c.Subscribe(EventDisconnect, func(json.RawMessage) { fn() })
}

// OnConnectError registers a handler fired when connecting or reconnecting
// gives up.
func (c *Conn) OnConnectError(fn func(reason string)) string {
	return c.Subscribe(EventConnectError, func(data json.RawMessage) {
		var p ConnectErrorPayload
		_ = json.Unmarshal(data, &p)
		fn(p.Message)
	})
}

// ----------------------------------------------------------------------------
// Lifecycle
// ----------------------------------------------------------------------------

// Connect establishes the connection. Idempotent: a connected or connecting
// Conn returns nil immediately. Dialing is retried a bounded number of times
// with a fixed delay; when all attempts fail the Conn transitions to
// StateError and the connect_error event fires.
func (c *Conn) Connect(ctx context.Context, token string) error {
	if token == "" {
		return ErrNoToken
	}

	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.token = token
	c.closing = false
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		c.mu.Lock()
		c.state = StateError
		c.mu.Unlock()
		c.emitConnectError(err)
		return err
	}

	// Disconnect may have run while the dial was in flight; it wins.
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		_ = c.transport.Close()
		return ErrNotConnected
	}
	c.state = StateConnected
	c.mu.Unlock()

	c.startReadLoop(ctx)
	c.dispatcher.dispatch(EventConnect, nil)
	return nil
}

func (c *Conn) dial(ctx context.Context) error {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= c.dialAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = c.transport.Dial(ctx, c.baseURL, token)
		if lastErr == nil {
			return nil
		}
		c.logf("storechat: dial attempt %d/%d failed: %v", attempt, c.dialAttempts, lastErr)
		if attempt < c.dialAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.dialDelay):
			}
		}
	}
	return fmt.Errorf("connect failed after %d attempts: %w", c.dialAttempts, lastErr)
}

func (c *Conn) startReadLoop(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelFn = cancel
	c.mu.Unlock()
	go c.readLoop(loopCtx)
}

// Disconnect tears down the connection and clears room membership. Safe to
// call at any time, in any state.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	c.closing = true
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	wasConnected := c.state == StateConnected
	c.state = StateDisconnected
	c.activePeer = 0
	c.mu.Unlock()

	err := c.transport.Close()
	if wasConnected {
		c.dispatcher.dispatch(EventDisconnect, nil)
	}
	return err
}

func (c *Conn) readLoop(ctx context.Context) {
	for {
		data, err := c.transport.Read(ctx)
		if err != nil {
			c.mu.Lock()
			closing := c.closing
			c.mu.Unlock()
			if closing || ctx.Err() != nil {
				return
			}

			c.mu.Lock()
			c.state = StateDisconnected
			c.activePeer = 0
			c.mu.Unlock()
			c.dispatcher.dispatch(EventDisconnect, nil)

			c.reconnect(ctx)
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logf("storechat: drop unparseable frame: %v", err)
			continue
		}
		if env.Event == "" {
			c.logf("storechat: drop frame without event name")
			continue
		}
		c.dispatcher.dispatch(env.Event, env.Data)
	}
}

// reconnect re-dials after an unexpected connection loss, reusing the dial
// policy. Pending application state survives; callers rejoin their room when
// the connect event fires again.
//
// An explicit Disconnect always wins over a reconnect in flight: once
// c.closing is set, reconnect must neither touch state nor dispatch events,
// or a torn-down Conn would come back as connected (or report a spurious
// connect_error from the cancelled dial).
func (c *Conn) reconnect(ctx context.Context) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()

	err := c.dial(ctx)

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		if err == nil {
			_ = c.transport.Close()
		}
		return
	}
	if err != nil {
		c.state = StateError
		c.mu.Unlock()
		c.emitConnectError(err)
		return
	}
	c.state = StateConnected
	c.mu.Unlock()

	c.startReadLoop(ctx)
	c.dispatcher.dispatch(EventConnect, nil)
}

func (c *Conn) emitConnectError(err error) {
	data, _ := json.Marshal(ConnectErrorPayload{Message: err.Error()})
	c.dispatcher.dispatch(EventConnectError, data)
}

// ----------------------------------------------------------------------------
// Outbound operations
// ----------------------------------------------------------------------------

func (c *Conn) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

func (c *Conn) send(ctx context.Context, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(envelope{Event: event, Data: payload})
	if err != nil {
		return err
	}
	return c.transport.Write(ctx, frame)
}

// JoinConversation requests server-side targeted delivery for peerID. A
// logged no-op when not connected; callers retry after the connect event.
func (c *Conn) JoinConversation(ctx context.Context, peerID int64) {
	if !c.connected() {
		c.logf("storechat: join_conversation %d skipped: not connected", peerID)
		return
	}
	if err := c.send(ctx, eventJoinConversation, map[string]any{"otherUserId": peerID}); err != nil {
		c.logf("storechat: join_conversation %d failed: %v", peerID, err)
		return
	}
	c.mu.Lock()
	c.activePeer = peerID
	c.mu.Unlock()
}

// LeaveConversation releases targeted delivery for peerID. A logged no-op
// when not connected.
func (c *Conn) LeaveConversation(ctx context.Context, peerID int64) {
	if !c.connected() {
		c.logf("storechat: leave_conversation %d skipped: not connected", peerID)
		return
	}
	if err := c.send(ctx, eventLeaveConversation, map[string]any{"otherUserId": peerID}); err != nil {
		c.logf("storechat: leave_conversation %d failed: %v", peerID, err)
		return
	}
	c.mu.Lock()
	if c.activePeer == peerID {
		c.activePeer = 0
	}
	c.mu.Unlock()
}

// SendMessage emits a message over the socket. Fails fast when not
// connected; the caller owns the REST fallback.
func (c *Conn) SendMessage(ctx context.Context, toUserID int64, content string) error {
	if content == "" {
		return ErrEmptyContent
	}
	if !c.connected() {
		return ErrNotConnected
	}
	return c.send(ctx, eventSendMessage, map[string]any{
		"toUserId": toUserID,
		"content":  content,
	})
}

// SetTyping broadcasts the local typing state. Best-effort: silently skipped
// when not connected, write failures only logged.
func (c *Conn) SetTyping(ctx context.Context, toUserID int64, isTyping bool) {
	if !c.connected() {
		return
	}
	if err := c.send(ctx, eventTyping, map[string]any{
		"toUserId": toUserID,
		"isTyping": isTyping,
	}); err != nil {
		c.logf("storechat: typing signal failed: %v", err)
	}
}

// MarkAsRead acknowledges messages from fromUserID over the socket.
// Best-effort, same policy as SetTyping.
func (c *Conn) MarkAsRead(ctx context.Context, fromUserID int64) {
	if !c.connected() {
		return
	}
	if err := c.send(ctx, eventMarkAsRead, map[string]any{
		"fromUserId": fromUserID,
	}); err != nil {
		c.logf("storechat: mark_as_read signal failed: %v", err)
	}
}
