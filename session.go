package storechat

import (
	"context"
	"errors"
	"log"
	"sync"
)

// SendError reports a send that failed on both delivery paths. Draft holds
// the rolled-back content so the caller can restore the input; the
// optimistic entry is already gone from the timeline.
type SendError struct {
	Draft string
	Err   error
}

func (e *SendError) Error() string {
	return "storechat: send failed: " + e.Err.Error()
}

func (e *SendError) Unwrap() error {
	return e.Err
}

type eventSub struct {
	event string
	id    string
}

type openConversation struct {
	peer     UserSnapshot
	timeline *Timeline
	typing   *TypingCoordinator
	subs     []eventSub
}

// Session orchestrates the messaging subsystem for one signed-in user. It
// owns the directory and the per-conversation components and wires them to
// the connection's event stream.
//
// At most one conversation is open at a time. Switching conversations
// deregisters the previous peer's handlers before registering new ones, so
// events never leak across conversations, and a history fetch that resolves
// after a switch is discarded.
type Session struct {
	self     UserSnapshot
	client   *Client
	conn     *Conn
	dir      *Directory
	receipts *ReadReceipts
	logger   *log.Logger

	notify       func(string)
	onPeerTyping func(peerID int64, typing bool)

	mu        sync.Mutex
	active    *openConversation
	permanent []eventSub
}

type SessionOption func(*Session)

// WithNotifier registers the transient-notification sink (the toast analog).
func WithNotifier(fn func(string)) SessionOption {
	return func(s *Session) { s.notify = fn }
}

// WithPeerTypingIndicator registers a callback for peer typing-indicator
// changes in the open conversation.
func WithPeerTypingIndicator(fn func(peerID int64, typing bool)) SessionOption {
	return func(s *Session) { s.onPeerTyping = fn }
}

func WithSessionLogger(logger *log.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// NewSession creates a session for self over the given REST client and
// connection.
func NewSession(self UserSnapshot, client *Client, conn *Conn, opts ...SessionOption) *Session {
	s := &Session{
		self:   self,
		client: client,
		conn:   conn,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dir = NewDirectory(self.ID, client, conn, s.logger)
	s.receipts = NewReadReceipts(client, conn, s.logger)

	// Room membership does not survive a reconnect; rejoin the open
	// conversation whenever the connection comes (back) up.
	s.permanent = append(s.permanent, eventSub{EventConnect, s.conn.OnConnect(func() {
		s.mu.Lock()
		oc := s.active
		s.mu.Unlock()
		if oc != nil {
			s.conn.JoinConversation(context.Background(), oc.peer.ID)
		}
	})})

	// Badge bookkeeping for conversations that are not on screen.
	s.permanent = append(s.permanent, eventSub{EventMessageNotification, s.conn.OnMessageNotification(func(msg Message) {
		s.mu.Lock()
		oc := s.active
		s.mu.Unlock()
		if oc != nil && msg.Key() == oc.timeline.Key() {
			return
		}
		s.dir.ApplyMessage(msg, false)
	})})

	return s
}

func (s *Session) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func (s *Session) notifyf(msg string) {
	if s.notify != nil {
		s.notify(msg)
	}
}

// Directory returns the session's conversation directory.
func (s *Session) Directory() *Directory {
	return s.dir
}

// Timeline returns the open conversation's timeline, or nil.
func (s *Session) Timeline() *Timeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	return s.active.timeline
}

// Peer returns the open conversation's peer identity.
func (s *Session) Peer() (UserSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return UserSnapshot{}, false
	}
	return s.active.peer, true
}

// OpenConversation switches the session to the conversation with peerID:
// previous handlers are removed, the room is joined (a no-op when offline;
// the connect handler rejoins later), the unread badge is zeroed, and the
// history baseline is fetched.
//
// A fetch failure leaves the timeline empty and raises a notification; no
// retry loop is started. A fetch resolving after another switch is
// discarded.
func (s *Session) OpenConversation(ctx context.Context, peerID int64) *Timeline {
	s.mu.Lock()
	s.closeActiveLocked(ctx)

	peer := UserSnapshot{ID: peerID}
	if c, ok := s.dir.Conversation(peerID); ok {
		peer = c.Peer
	}

	tl := NewTimeline(s.self.ID, peerID)
	tc := NewTypingCoordinator(s.conn, peerID, func(typing bool) {
		if s.onPeerTyping != nil {
			s.onPeerTyping(peerID, typing)
		}
	})
	oc := &openConversation{peer: peer, timeline: tl, typing: tc}

	oc.subs = []eventSub{
		{EventNewMessage, s.conn.OnNewMessage(func(msg Message) {
			s.handleNewMessage(oc, msg)
		})},
		{EventUserTyping, s.conn.OnUserTyping(func(p UserTypingPayload) {
			if p.UserID == peerID {
				tc.PeerTyping(p.IsTyping)
			}
		})},
		{EventMessagesRead, s.conn.OnMessagesRead(func(p MessagesReadPayload) {
			if p.ByUserID == peerID {
				s.receipts.Apply(tl, p)
			}
		})},
	}
	s.active = oc
	s.mu.Unlock()

	s.conn.JoinConversation(ctx, peerID)
	s.dir.Open(ctx, peerID)

	hist, err := s.client.ConversationHistory(ctx, peerID, 1, DefaultHistoryLimit)

	s.mu.Lock()
	current := s.active == oc
	s.mu.Unlock()
	if !current {
		return tl
	}
	if err != nil {
		s.logf("storechat: history fetch for %d failed: %v", peerID, err)
		s.notifyf("could not load conversation history")
		return tl
	}
	tl.SetBaseline(hist.Data)
	return tl
}

func (s *Session) handleNewMessage(oc *openConversation, msg Message) {
	if msg.Key() != oc.timeline.Key() {
		return
	}
	if !oc.timeline.ApplyRemote(msg) {
		return
	}
	s.dir.ApplyMessage(msg, true)
	if msg.FromUser.ID != s.self.ID {
		s.receipts.AckSoon(msg.FromUser.ID)
	}
}

// Send delivers content to the open conversation's peer: optimistic insert,
// then the socket path, then the REST fallback. When both paths fail the
// optimistic entry is rolled back and the returned SendError carries the
// draft.
func (s *Session) Send(ctx context.Context, content string) (Message, error) {
	s.mu.Lock()
	oc := s.active
	s.mu.Unlock()
	if oc == nil {
		return Message{}, ErrNoConversation
	}

	temp, err := oc.timeline.AppendLocal(s.self, oc.peer, content)
	if err != nil {
		return Message{}, err
	}

	// Sending implies the draft was submitted; the typing indicator drops.
	oc.typing.InputChanged(ctx, "")

	if err := s.conn.SendMessage(ctx, oc.peer.ID, content); err == nil {
		// The server echo reconciles the temporary entry.
		s.dir.ApplyMessage(temp, true)
		return temp, nil
	} else if !errors.Is(err, ErrNotConnected) {
		s.logf("storechat: socket send failed, falling back to REST: %v", err)
	}

	msg, rerr := s.client.SendMessage(ctx, oc.peer.ID, content)
	if rerr == nil {
		oc.timeline.Resolve(temp.ID, *msg)
		s.dir.ApplyMessage(*msg, true)
		return *msg, nil
	}

	draft, _ := oc.timeline.Reject(temp.ID)
	s.notifyf("message could not be sent")
	return Message{}, &SendError{Draft: draft, Err: rerr}
}

// InputChanged forwards the current draft to the open conversation's typing
// coordinator. A no-op when nothing is open.
func (s *Session) InputChanged(ctx context.Context, draft string) {
	s.mu.Lock()
	oc := s.active
	s.mu.Unlock()
	if oc != nil {
		oc.typing.InputChanged(ctx, draft)
	}
}

// CloseConversation leaves the open conversation, removing its handlers and
// timers. Safe to call when nothing is open.
func (s *Session) CloseConversation(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeActiveLocked(ctx)
}

func (s *Session) closeActiveLocked(ctx context.Context) {
	oc := s.active
	if oc == nil {
		return
	}
	s.active = nil
	for _, sub := range oc.subs {
		s.conn.Unsubscribe(sub.event, sub.id)
	}
	oc.typing.Stop(ctx)
	s.receipts.Cancel(oc.peer.ID)
	s.conn.LeaveConversation(ctx, oc.peer.ID)
}

// Close tears the session down: the open conversation is closed, the
// session's own subscriptions are removed, and the connection is released.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closeActiveLocked(ctx)
	perms := s.permanent
	s.permanent = nil
	s.mu.Unlock()

	for _, sub := range perms {
		s.conn.Unsubscribe(sub.event, sub.id)
	}
	return s.conn.Disconnect()
}
