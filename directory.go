package storechat

import (
	"context"
	"log"
	"strings"
	"sync"
)

// Directory maintains the conversation list, last-message summaries, and
// unread counters. Server aggregates are authoritative; local mutations are
// optimistic and self-correct on the next refresh.
//
// The directory and the per-conversation timelines are independent
// structures: message events reach the directory through ApplyMessage, never
// through shared references.
type Directory struct {
	selfID int64
	client *Client
	conn   *Conn
	logger *log.Logger

	mu     sync.Mutex
	order  []int64
	byPeer map[int64]*Conversation
}

// NewDirectory creates a directory for the signed-in user. logger may be nil.
func NewDirectory(selfID int64, client *Client, conn *Conn, logger *log.Logger) *Directory {
	return &Directory{
		selfID: selfID,
		client: client,
		conn:   conn,
		logger: logger,
		byPeer: make(map[int64]*Conversation),
	}
}

func (d *Directory) logf(format string, args ...any) {
	if d.logger != nil {
		d.logger.Printf(format, args...)
	}
}

// List fetches a page of conversations ordered by most-recent activity
// (server-determined) and refreshes the local cache from it. search filters
// by case-insensitive substring match on the peer display name.
func (d *Directory) List(ctx context.Context, page, limit int, search string) ([]Conversation, error) {
	pg, err := d.client.Conversations(ctx, page, limit, search)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	pagePeers := make([]int64, 0, len(pg.Data))
	inPage := make(map[int64]bool, len(pg.Data))
	for _, c := range pg.Data {
		c := c
		d.storeLocked(&c)
		if !inPage[c.Peer.ID] {
			inPage[c.Peer.ID] = true
			pagePeers = append(pagePeers, c.Peer.ID)
		}
	}
	// The fetched page is authoritative for the relative order of its
	// conversations. The first page is also authoritative for the top of
	// the list; later pages hold older activity and slot in behind
	// everything already cached.
	rest := make([]int64, 0, len(d.order))
	for _, p := range d.order {
		if !inPage[p] {
			rest = append(rest, p)
		}
	}
	if page <= 1 {
		d.order = append(pagePeers, rest...)
	} else {
		d.order = append(rest, pagePeers...)
	}
	d.mu.Unlock()

	if search == "" {
		return pg.Data, nil
	}
	needle := strings.ToLower(search)
	var out []Conversation
	for _, c := range pg.Data {
		if strings.Contains(strings.ToLower(c.Peer.Name), needle) {
			out = append(out, c)
		}
	}
	return out, nil
}

// storeLocked upserts a conversation entry. The caller owns d.order.
func (d *Directory) storeLocked(c *Conversation) {
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
	d.byPeer[c.Peer.ID] = c
}

// Cached returns the locally cached conversations in activity order.
func (d *Directory) Cached() []Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Conversation, 0, len(d.order))
	for _, peer := range d.order {
		out = append(out, *d.byPeer[peer])
	}
	return out
}

// Conversation returns the cached entry for peerID.
func (d *Directory) Conversation(peerID int64) (Conversation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.byPeer[peerID]
	if !ok {
		return Conversation{}, false
	}
	return *c, true
}

// Open marks the conversation with peerID as read: the unread badge is
// zeroed immediately, and both read-acknowledgment calls fire
// send-and-forget. Neither blocks, neither is retried; failures are logged
// and the read state self-corrects on the next fetch.
func (d *Directory) Open(ctx context.Context, peerID int64) {
	d.mu.Lock()
	if c, ok := d.byPeer[peerID]; ok {
		c.UnreadCount = 0
	}
	d.mu.Unlock()

	go func() {
		if err := d.client.MarkConversationAsRead(context.WithoutCancel(ctx), peerID); err != nil {
			d.logf("storechat: mark conversation %d as read failed: %v", peerID, err)
		}
	}()
	d.conn.MarkAsRead(ctx, peerID)
}

// ApplyMessage updates the directory for a message that the reconciliation
// engine accepted. open tells whether the message's conversation is the one
// currently on screen; inbound messages for closed conversations bump the
// unread badge.
func (d *Directory) ApplyMessage(msg Message, open bool) {
	peerID := msg.Key().Peer(d.selfID)
	fromSelf := msg.FromUser.ID == d.selfID

	peerSnapshot := msg.FromUser
	if fromSelf {
		peerSnapshot = msg.ToUser
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.byPeer[peerID]
	if !ok {
		c = &Conversation{Peer: peerSnapshot}
		d.byPeer[peerID] = c
		d.order = append(d.order, peerID)
	} else if c.Peer.Name == "" {
		c.Peer = peerSnapshot
	}

	c.LastMessage = &LastMessage{
		ID:        msg.ID,
		FromSelf:  fromSelf,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
		ReadAt:    msg.ReadAt,
	}
	if !open && !fromSelf {
		c.UnreadCount++
	}

	// Promote to the front of the activity order.
	for i, p := range d.order {
		if p == peerID {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	d.order = append([]int64{peerID}, d.order...)
}

// UnreadTotal returns the server-side unread aggregate across all
// conversations.
func (d *Directory) UnreadTotal(ctx context.Context) (int, error) {
	return d.client.UnreadCount(ctx)
}
