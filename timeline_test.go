package storechat

import (
	"errors"
	"testing"
	"time"
)

var timelineEpoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// newTestTimeline pins the clock so windowed reconciliation is deterministic.
func newTestTimeline(selfID, peerID int64, now time.Time) *Timeline {
	tl := NewTimeline(selfID, peerID)
	tl.now = func() time.Time { return now }
	return tl
}

func contentsOf(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestTimelineOrderIndependentOfArrival(t *testing.T) {
	msgs := []Message{
		testMessage(3, bob, alice, "third", timelineEpoch.Add(3*time.Minute)),
		testMessage(1, alice, bob, "first", timelineEpoch.Add(1*time.Minute)),
		testMessage(2, bob, alice, "second", timelineEpoch.Add(2*time.Minute)),
	}

	tl := newTestTimeline(alice.ID, bob.ID, timelineEpoch)
	for _, m := range msgs {
		if !tl.ApplyRemote(m) {
			t.Fatalf("ApplyRemote(%d) rejected", m.ID)
		}
	}

	got := contentsOf(tl.Messages())
	want := []string{"first", "second", "third"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order %v, want %v", got, want)
		}
	}
}

func TestTimelineDuplicateDeliveryIgnored(t *testing.T) {
	tl := newTestTimeline(alice.ID, bob.ID, timelineEpoch)
	msg := testMessage(10, bob, alice, "hi", timelineEpoch)

	if !tl.ApplyRemote(msg) {
		t.Fatal("first delivery rejected")
	}
	if tl.ApplyRemote(msg) {
		t.Fatal("duplicate delivery accepted")
	}
	if tl.Len() != 1 {
		t.Fatalf("expected 1 message, got %d", tl.Len())
	}
}

func TestTimelineRejectsOtherConversations(t *testing.T) {
	tl := newTestTimeline(alice.ID, bob.ID, timelineEpoch)
	if tl.ApplyRemote(testMessage(11, carol, alice, "wrong room", timelineEpoch)) {
		t.Fatal("accepted a message from another conversation")
	}
	if tl.Len() != 0 {
		t.Fatal("expected empty timeline")
	}
}

func TestTimelineSocketEchoReconciliation(t *testing.T) {
	t.Run("echo within window replaces the temporary entry", func(t *testing.T) {
		tl := newTestTimeline(alice.ID, bob.ID, timelineEpoch)
		temp, err := tl.AppendLocal(alice, bob, "hello")
		if err != nil {
			t.Fatalf("AppendLocal: %v", err)
		}
		if !temp.Temporary() {
			t.Fatalf("expected negative temp id, got %d", temp.ID)
		}

		echo := testMessage(501, alice, bob, "hello", timelineEpoch.Add(9*time.Second))
		if !tl.ApplyRemote(echo) {
			t.Fatal("echo rejected")
		}

		msgs := tl.Messages()
		if len(msgs) != 1 {
			t.Fatalf("expected 1 message after reconciliation, got %d", len(msgs))
		}
		if msgs[0].ID != 501 {
			t.Fatalf("expected durable id 501, got %d", msgs[0].ID)
		}
	})

	t.Run("echo outside window is kept as a separate message", func(t *testing.T) {
		tl := newTestTimeline(alice.ID, bob.ID, timelineEpoch)
		if _, err := tl.AppendLocal(alice, bob, "hello"); err != nil {
			t.Fatalf("AppendLocal: %v", err)
		}

		late := testMessage(502, alice, bob, "hello", timelineEpoch.Add(11*time.Second))
		if !tl.ApplyRemote(late) {
			t.Fatal("late echo rejected")
		}
		if tl.Len() != 2 {
			t.Fatalf("expected temp and durable to coexist, got %d", tl.Len())
		}
	})

	t.Run("peer messages never match a temporary entry", func(t *testing.T) {
		tl := newTestTimeline(alice.ID, bob.ID, timelineEpoch)
		if _, err := tl.AppendLocal(alice, bob, "hello"); err != nil {
			t.Fatalf("AppendLocal: %v", err)
		}

		// Bob happens to send the same text at the same moment.
		if !tl.ApplyRemote(testMessage(503, bob, alice, "hello", timelineEpoch)) {
			t.Fatal("peer message rejected")
		}
		if tl.Len() != 2 {
			t.Fatalf("expected 2 messages, got %d", tl.Len())
		}
	})
}

func TestTimelinePendingDuplicate(t *testing.T) {
	tl := newTestTimeline(alice.ID, bob.ID, timelineEpoch)
	if _, err := tl.AppendLocal(alice, bob, "hello"); err != nil {
		t.Fatalf("AppendLocal: %v", err)
	}
	if _, err := tl.AppendLocal(alice, bob, "hello"); !errors.Is(err, ErrPendingDuplicate) {
		t.Fatalf("expected ErrPendingDuplicate, got %v", err)
	}
	// Different content is fine.
	if _, err := tl.AppendLocal(alice, bob, "hello again"); err != nil {
		t.Fatalf("AppendLocal with new content: %v", err)
	}
}

func TestTimelineRestFallbackResolve(t *testing.T) {
	tl := newTestTimeline(alice.ID, bob.ID, timelineEpoch)
	temp, err := tl.AppendLocal(alice, bob, "sent over rest")
	if err != nil {
		t.Fatalf("AppendLocal: %v", err)
	}

	durable := testMessage(501, alice, bob, "sent over rest", timelineEpoch.Add(time.Second))
	if !tl.Resolve(temp.ID, durable) {
		t.Fatal("Resolve did not find the temporary entry")
	}

	msgs := tl.Messages()
	if len(msgs) != 1 || msgs[0].ID != 501 {
		t.Fatalf("expected exactly one durable message, got %+v", msgs)
	}
	if msgs[0].ReadAt != nil {
		t.Fatal("expected ReadAt to stay nil until the peer acknowledges")
	}

	if tl.Resolve(temp.ID, durable) {
		t.Fatal("Resolve on an already-resolved id should fail")
	}
}

func TestTimelineRejectRestoresDraft(t *testing.T) {
	tl := newTestTimeline(alice.ID, bob.ID, timelineEpoch)
	temp, err := tl.AppendLocal(alice, bob, "doomed")
	if err != nil {
		t.Fatalf("AppendLocal: %v", err)
	}

	draft, ok := tl.Reject(temp.ID)
	if !ok || draft != "doomed" {
		t.Fatalf("expected draft %q, got %q ok=%v", "doomed", draft, ok)
	}
	if tl.Len() != 0 {
		t.Fatal("expected the failed send to be removed")
	}
}

func TestTimelineBaselineMergesWithInFlightEvents(t *testing.T) {
	tl := newTestTimeline(alice.ID, bob.ID, timelineEpoch)

	// A real-time event lands while the history fetch is in flight.
	live := testMessage(5, bob, alice, "live", timelineEpoch.Add(5*time.Minute))
	if !tl.ApplyRemote(live) {
		t.Fatal("live event rejected")
	}

	// The fetch resolves and already contains the same message.
	tl.SetBaseline([]Message{
		testMessage(1, alice, bob, "one", timelineEpoch.Add(1*time.Minute)),
		testMessage(2, bob, alice, "two", timelineEpoch.Add(2*time.Minute)),
		live,
	})

	got := contentsOf(tl.Messages())
	want := []string{"one", "two", "live"}
	if len(got) != len(want) {
		t.Fatalf("expected %d messages, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order %v, want %v", got, want)
		}
	}
}

func TestTimelineTieBreakTempBeforeDurable(t *testing.T) {
	tl := newTestTimeline(alice.ID, bob.ID, timelineEpoch)
	if _, err := tl.AppendLocal(alice, bob, "mine"); err != nil {
		t.Fatalf("AppendLocal: %v", err)
	}
	// A peer message with the identical timestamp must not jump ahead of the
	// pending temporary entry.
	if !tl.ApplyRemote(testMessage(7, bob, alice, "theirs", timelineEpoch)) {
		t.Fatal("peer message rejected")
	}

	msgs := tl.Messages()
	if !msgs[0].Temporary() || msgs[1].ID != 7 {
		t.Fatalf("expected temp first on equal timestamps, got %+v", msgs)
	}
}

func TestTimelineMarkOwnRead(t *testing.T) {
	tl := newTestTimeline(alice.ID, bob.ID, timelineEpoch)
	readAt := timelineEpoch.Add(10 * time.Minute)

	already := readAt.Add(-time.Hour)
	seen := testMessage(1, alice, bob, "seen", timelineEpoch.Add(1*time.Minute))
	seen.ReadAt = &already

	tl.SetBaseline([]Message{
		seen,
		testMessage(2, alice, bob, "unseen", timelineEpoch.Add(2*time.Minute)),
		testMessage(3, bob, alice, "from peer", timelineEpoch.Add(3*time.Minute)),
	})
	if _, err := tl.AppendLocal(alice, bob, "pending"); err != nil {
		t.Fatalf("AppendLocal: %v", err)
	}

	if stamped := tl.MarkOwnRead(readAt); stamped != 1 {
		t.Fatalf("expected 1 message stamped, got %d", stamped)
	}

	for _, m := range tl.Messages() {
		switch m.ID {
		case 1:
			if !m.ReadAt.Equal(already) {
				t.Fatal("already-read message must keep its original ReadAt")
			}
		case 2:
			if m.ReadAt == nil || !m.ReadAt.Equal(readAt) {
				t.Fatalf("expected message 2 stamped with %v, got %v", readAt, m.ReadAt)
			}
		case 3:
			if m.ReadAt != nil {
				t.Fatal("peer message must not be stamped")
			}
		default:
			if m.Temporary() && m.ReadAt != nil {
				t.Fatal("temporary message must not be stamped")
			}
		}
	}
}
