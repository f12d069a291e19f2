package storechat

import (
	"context"
	"sync"
	"time"
)

const (
	// typingQuietPeriod is how long after the last keystroke the local
	// typing state falls back to idle.
	typingQuietPeriod = 3 * time.Second

	// remoteTypingTTL hides the peer's typing indicator when no fresh
	// typing=true arrives. The peer normally sends typing=false itself;
	// the watchdog covers a peer that disconnects mid-type.
	remoteTypingTTL = 5 * time.Second
)

// TypingCoordinator debounces local keystrokes into typing events for one
// conversation and tracks the peer's indicator with a local expiry watchdog.
//
// Local side is a two-state machine: the first non-empty keystroke emits
// typing=true, further keystrokes only reset the quiet timer, and either an
// emptied input or the timer elapsing emits typing=false exactly once.
type TypingCoordinator struct {
	conn     *Conn
	peerID   int64
	onRemote func(bool)

	mu          sync.Mutex
	typing      bool
	quiet       time.Duration
	remoteTTL   time.Duration
	idleTimer   *time.Timer
	remoteTimer *time.Timer
	peerTyping  bool
	stopped     bool
}

// NewTypingCoordinator creates a coordinator for the conversation with
// peerID. onRemote fires on every change of the peer's indicator and may be
// nil.
func NewTypingCoordinator(conn *Conn, peerID int64, onRemote func(bool)) *TypingCoordinator {
	return &TypingCoordinator{
		conn:      conn,
		peerID:    peerID,
		onRemote:  onRemote,
		quiet:     typingQuietPeriod,
		remoteTTL: remoteTypingTTL,
	}
}

// InputChanged is called with the current draft on every keystroke.
func (tc *TypingCoordinator) InputChanged(ctx context.Context, draft string) {
	tc.mu.Lock()
	if tc.stopped {
		tc.mu.Unlock()
		return
	}

	if draft == "" {
		wasTyping := tc.typing
		tc.typing = false
		if tc.idleTimer != nil {
			tc.idleTimer.Stop()
			tc.idleTimer = nil
		}
		tc.mu.Unlock()
		if wasTyping {
			tc.conn.SetTyping(ctx, tc.peerID, false)
		}
		return
	}

	emit := !tc.typing
	tc.typing = true
	if tc.idleTimer != nil {
		tc.idleTimer.Stop()
	}
	tc.idleTimer = time.AfterFunc(tc.quiet, tc.quietElapsed)
	tc.mu.Unlock()

	if emit {
		tc.conn.SetTyping(ctx, tc.peerID, true)
	}
}

func (tc *TypingCoordinator) quietElapsed() {
	tc.mu.Lock()
	if tc.stopped || !tc.typing {
		tc.mu.Unlock()
		return
	}
	tc.typing = false
	tc.idleTimer = nil
	tc.mu.Unlock()

	tc.conn.SetTyping(context.Background(), tc.peerID, false)
}

// IsTyping reports the local typing state.
func (tc *TypingCoordinator) IsTyping() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.typing
}

// PeerTyping applies an inbound user_typing event for the conversation's
// peer. A typing=true arms the expiry watchdog; typing=false clears it.
func (tc *TypingCoordinator) PeerTyping(isTyping bool) {
	tc.mu.Lock()
	if tc.stopped {
		tc.mu.Unlock()
		return
	}
	changed := tc.peerTyping != isTyping
	tc.peerTyping = isTyping
	if tc.remoteTimer != nil {
		tc.remoteTimer.Stop()
		tc.remoteTimer = nil
	}
	if isTyping {
		tc.remoteTimer = time.AfterFunc(tc.remoteTTL, tc.remoteExpired)
	}
	tc.mu.Unlock()

	if changed && tc.onRemote != nil {
		tc.onRemote(isTyping)
	}
}

func (tc *TypingCoordinator) remoteExpired() {
	tc.mu.Lock()
	if tc.stopped || !tc.peerTyping {
		tc.mu.Unlock()
		return
	}
	tc.peerTyping = false
	tc.remoteTimer = nil
	tc.mu.Unlock()

	if tc.onRemote != nil {
		tc.onRemote(false)
	}
}

// IsPeerTyping reports the peer's indicator state.
func (tc *TypingCoordinator) IsPeerTyping() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.peerTyping
}

// Stop cancels all timers. A stopped coordinator ignores further input; a
// final typing=false is emitted if the user was mid-type.
func (tc *TypingCoordinator) Stop(ctx context.Context) {
	tc.mu.Lock()
	if tc.stopped {
		tc.mu.Unlock()
		return
	}
	tc.stopped = true
	wasTyping := tc.typing
	tc.typing = false
	tc.peerTyping = false
	if tc.idleTimer != nil {
		tc.idleTimer.Stop()
		tc.idleTimer = nil
	}
	if tc.remoteTimer != nil {
		tc.remoteTimer.Stop()
		tc.remoteTimer = nil
	}
	tc.mu.Unlock()

	if wasTyping {
		tc.conn.SetTyping(ctx, tc.peerID, false)
	}
}
