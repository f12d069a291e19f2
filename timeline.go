package storechat

import (
	"sort"
	"sync"
	"time"
)

// reconcileWindow is how far apart a temporary message and its server echo
// may be timestamped and still be treated as the same logical send.
const reconcileWindow = 10 * time.Second

// Timeline merges three input streams into one ordered, duplicate-free
// message list for a single conversation: the REST history baseline,
// locally-originated optimistic sends, and inbound real-time events.
//
// It is the only place list order is decided. Components that learn about
// messages from elsewhere feed them through ApplyRemote rather than touching
// the list.
type Timeline struct {
	mu     sync.Mutex
	selfID int64
	key    ConversationKey
	msgs   []Message
	now    func() time.Time
}

// NewTimeline creates an empty timeline for the conversation between selfID
// and peerID.
func NewTimeline(selfID, peerID int64) *Timeline {
	return &Timeline{
		selfID: selfID,
		key:    KeyFor(selfID, peerID),
		now:    time.Now,
	}
}

// Key returns the conversation key the timeline accepts messages for.
func (t *Timeline) Key() ConversationKey {
	return t.key
}

// Messages returns a copy of the current ordered list.
func (t *Timeline) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

// Len returns the number of messages in the list.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.msgs)
}

// SetBaseline merges a REST history fetch into the timeline. Real-time
// events may have landed while the fetch was in flight; they stay, and each
// history entry goes through the same dedup rules, so the result is the same
// deterministic merge regardless of arrival order.
func (t *Timeline) SetBaseline(history []Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range history {
		t.mergeRemoteLocked(m)
	}
	t.sortLocked()
}

// AppendLocal synthesizes a temporary message for an outgoing send and
// inserts it. The id is negative, derived from the current clock, and unique
// within the process with overwhelming probability. At most one temporary
// entry may be pending per (author, content, ±10s); a second identical send
// inside the window returns ErrPendingDuplicate.
func (t *Timeline) AppendLocal(from, to UserSnapshot, content string) (Message, error) {
	if content == "" {
		return Message{}, ErrEmptyContent
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for _, m := range t.msgs {
		if m.Temporary() && m.FromUser.ID == from.ID && m.Content == content &&
			absDuration(now.Sub(m.CreatedAt)) <= reconcileWindow {
			return Message{}, ErrPendingDuplicate
		}
	}

	msg := Message{
		ID:        -now.UnixNano(),
		FromUser:  from,
		ToUser:    to,
		Content:   content,
		CreatedAt: now,
	}
	t.msgs = append(t.msgs, msg)
	t.sortLocked()
	return msg, nil
}

// ApplyRemote merges an inbound durable message. Returns false when the
// message belongs to another conversation or is a duplicate delivery.
//
// An own message matching a pending temporary entry by author, content, and
// a created-at within the reconciliation window replaces that entry in
// place; anything else is inserted in created-at order.
func (t *Timeline) ApplyRemote(msg Message) bool {
	if msg.Key() != t.key {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.mergeRemoteLocked(msg) {
		return false
	}
	t.sortLocked()
	return true
}

func (t *Timeline) mergeRemoteLocked(msg Message) bool {
	for _, m := range t.msgs {
		if !m.Temporary() && m.ID == msg.ID {
			return false
		}
	}

	if msg.FromUser.ID == t.selfID {
		for i, m := range t.msgs {
			if m.Temporary() && m.FromUser.ID == msg.FromUser.ID && m.Content == msg.Content &&
				absDuration(msg.CreatedAt.Sub(m.CreatedAt)) <= reconcileWindow {
				t.msgs[i] = msg
				return true
			}
		}
	}

	t.msgs = append(t.msgs, msg)
	return true
}

// Resolve replaces the temporary entry with the server-returned durable
// message after a successful REST-fallback send. No windowed match is
// needed; the call is already correlated to that specific send.
func (t *Timeline) Resolve(tempID int64, durable Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, m := range t.msgs {
		if m.ID == tempID {
			t.msgs[i] = durable
			t.sortLocked()
			return true
		}
	}
	return false
}

// Reject removes a temporary entry after a failed send and returns its
// content so the caller can restore the draft. No message is silently lost.
func (t *Timeline) Reject(tempID int64) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, m := range t.msgs {
		if m.ID == tempID {
			draft := m.Content
			t.msgs = append(t.msgs[:i], t.msgs[i+1:]...)
			return draft, true
		}
	}
	return "", false
}

// MarkOwnRead stamps readAt on every own durable message that has not been
// acknowledged yet. readAt always comes from server data; it is never
// fabricated locally. Returns how many messages were stamped.
func (t *Timeline) MarkOwnRead(readAt time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	stamped := 0
	for i := range t.msgs {
		m := &t.msgs[i]
		if !m.Temporary() && m.FromUser.ID == t.selfID && m.ReadAt == nil {
			at := readAt
			m.ReadAt = &at
			stamped++
		}
	}
	return stamped
}

// sortLocked keeps the list ascending by CreatedAt. On equal timestamps a
// temporary entry sorts before a durable one: reconciliation replaces temps
// before a tie could matter, so the durable twin must not jump ahead.
func (t *Timeline) sortLocked() {
	sort.SliceStable(t.msgs, func(i, j int) bool {
		a, b := t.msgs[i], t.msgs[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Temporary() && !b.Temporary()
	})
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
