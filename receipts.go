package storechat

import (
	"context"
	"log"
	"sync"
	"time"
)

// readAckDelay is how long after an inbound peer message the read receipt
// goes out, batching bursts of arrivals into one acknowledgment.
const readAckDelay = 500 * time.Millisecond

// ReadReceipts propagates read acknowledgments over both paths and applies
// server-reported read timestamps to timelines. Marking read is idempotent
// server-side, so calls are never conditioned on prior local state.
type ReadReceipts struct {
	client *Client
	conn   *Conn
	logger *log.Logger

	mu      sync.Mutex
	delay   time.Duration
	pending map[int64]*time.Timer
}

// NewReadReceipts creates a propagator. logger may be nil.
func NewReadReceipts(client *Client, conn *Conn, logger *log.Logger) *ReadReceipts {
	return &ReadReceipts{
		client:  client,
		conn:    conn,
		logger:  logger,
		delay:   readAckDelay,
		pending: make(map[int64]*time.Timer),
	}
}

func (r *ReadReceipts) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}

// MarkRead acknowledges everything from peerID, over REST and, when
// connected, over the socket. Both calls are advisory: failures are logged
// and swallowed, never surfaced.
func (r *ReadReceipts) MarkRead(ctx context.Context, peerID int64) {
	if err := r.client.MarkAsRead(ctx, peerID); err != nil {
		r.logf("storechat: mark-as-read for %d failed: %v", peerID, err)
	}
	r.conn.MarkAsRead(ctx, peerID)
}

// AckSoon schedules a delayed MarkRead for peerID, collapsing repeated calls
// into the earliest pending one.
func (r *ReadReceipts) AckSoon(peerID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[peerID]; ok {
		return
	}
	r.pending[peerID] = time.AfterFunc(r.delay, func() {
		r.mu.Lock()
		delete(r.pending, peerID)
		r.mu.Unlock()
		r.MarkRead(context.Background(), peerID)
	})
}

// Cancel drops a pending delayed acknowledgment, typically because the
// conversation was closed before it fired.
func (r *ReadReceipts) Cancel(peerID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if timer, ok := r.pending[peerID]; ok {
		timer.Stop()
		delete(r.pending, peerID)
	}
}

// Apply stamps a messages_read event onto the timeline. The read timestamp
// comes from the server payload; nothing is fabricated client-side.
func (r *ReadReceipts) Apply(tl *Timeline, p MessagesReadPayload) int {
	return tl.MarkOwnRead(p.ReadAt)
}
