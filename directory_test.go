package storechat

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func newTestDirectory(t *testing.T, rec *apiRecorder) *Directory {
	t.Helper()
	client := NewClient("tok", WithBaseURL(rec.server.URL))
	conn := newTestConn(newFakeTransport())
	return NewDirectory(alice.ID, client, conn, nil)
}

func TestDirectoryUnreadLifecycle(t *testing.T) {
	rec := newAPIRecorder(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	})
	dir := newTestDirectory(t, rec)

	// Two messages arrive for a conversation that is not on screen.
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	dir.ApplyMessage(testMessage(1, bob, alice, "first", at), false)
	dir.ApplyMessage(testMessage(2, bob, alice, "second", at.Add(time.Minute)), false)

	c, ok := dir.Conversation(bob.ID)
	if !ok {
		t.Fatal("expected the conversation to materialize")
	}
	if c.UnreadCount != 2 {
		t.Fatalf("expected 2 unread, got %d", c.UnreadCount)
	}
	if c.LastMessage == nil || c.LastMessage.Content != "second" {
		t.Fatalf("expected last message %q, got %+v", "second", c.LastMessage)
	}

	// Opening the conversation zeroes the badge and fires the REST ack in
	// the background.
	dir.Open(context.Background(), bob.ID)
	c, _ = dir.Conversation(bob.ID)
	if c.UnreadCount != 0 {
		t.Fatalf("expected badge zeroed, got %d", c.UnreadCount)
	}
	waitFor(t, func() bool { return rec.count() == 1 })
	if req := rec.last(t); req.Path != "/messages/mark-conversation-as-read/42" {
		t.Fatalf("unexpected ack path %s", req.Path)
	}

	// Opening again is a no-op locally and idempotent remotely.
	dir.Open(context.Background(), bob.ID)
	c, _ = dir.Conversation(bob.ID)
	if c.UnreadCount != 0 {
		t.Fatalf("expected badge to stay at 0, got %d", c.UnreadCount)
	}
}

func TestDirectoryOpenConversationDoesNotCount(t *testing.T) {
	rec := newAPIRecorder(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	})
	dir := newTestDirectory(t, rec)

	dir.ApplyMessage(testMessage(1, bob, alice, "on screen", time.Now()), true)
	c, _ := dir.Conversation(bob.ID)
	if c.UnreadCount != 0 {
		t.Fatalf("messages in the open conversation must not count, got %d", c.UnreadCount)
	}
}

func TestDirectoryOwnMessagesDoNotCount(t *testing.T) {
	rec := newAPIRecorder(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	})
	dir := newTestDirectory(t, rec)

	dir.ApplyMessage(testMessage(1, alice, bob, "mine", time.Now()), false)
	c, _ := dir.Conversation(bob.ID)
	if c.UnreadCount != 0 {
		t.Fatalf("own messages must not count, got %d", c.UnreadCount)
	}
	if c.LastMessage == nil || !c.LastMessage.FromSelf {
		t.Fatalf("expected FromSelf on the summary, got %+v", c.LastMessage)
	}
	if c.Peer.ID != bob.ID {
		t.Fatalf("expected the peer snapshot, got %+v", c.Peer)
	}
}

func TestDirectoryActivityOrder(t *testing.T) {
	rec := newAPIRecorder(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	})
	dir := newTestDirectory(t, rec)

	at := time.Now()
	dir.ApplyMessage(testMessage(1, bob, alice, "from bob", at), false)
	dir.ApplyMessage(testMessage(2, carol, alice, "from carol", at.Add(time.Minute)), false)

	cached := dir.Cached()
	if len(cached) != 2 || cached[0].Peer.ID != carol.ID {
		t.Fatalf("expected carol first after her message, got %+v", cached)
	}

	// Bob's conversation is promoted by new activity.
	dir.ApplyMessage(testMessage(3, bob, alice, "bob again", at.Add(2*time.Minute)), false)
	cached = dir.Cached()
	if cached[0].Peer.ID != bob.ID {
		t.Fatalf("expected bob promoted to the front, got %+v", cached)
	}
}

func TestDirectoryList(t *testing.T) {
	rec := newAPIRecorder(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ConversationPage{
			Data: []Conversation{
				{Peer: bob, UnreadCount: 1},
				{Peer: carol, UnreadCount: -3},
			},
			TotalItems: 2, Page: 1, Limit: 20, TotalPages: 1,
		})
	})
	dir := newTestDirectory(t, rec)

	convs, err := dir.List(context.Background(), 1, 20, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(convs))
	}

	// A server glitch must never render a negative badge.
	c, _ := dir.Conversation(carol.ID)
	if c.UnreadCount != 0 {
		t.Fatalf("expected negative count clamped to 0, got %d", c.UnreadCount)
	}
}

func TestDirectoryListAdoptsServerOrder(t *testing.T) {
	rec := newAPIRecorder(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ConversationPage{
			Data: []Conversation{{Peer: bob}, {Peer: carol}},
		})
	})
	dir := newTestDirectory(t, rec)

	// Locally cached activity puts carol first and dave in between.
	at := time.Now()
	dir.ApplyMessage(testMessage(1, bob, alice, "old", at), false)
	dave := UserSnapshot{ID: 7000, Name: "Dave"}
	dir.ApplyMessage(testMessage(2, dave, alice, "older news", at.Add(time.Minute)), false)
	dir.ApplyMessage(testMessage(3, carol, alice, "newest", at.Add(2*time.Minute)), false)

	// A first-page refresh is authoritative for the top of the list; peers
	// the server did not return keep their slots behind it.
	if _, err := dir.List(context.Background(), 1, 20, ""); err != nil {
		t.Fatalf("List: %v", err)
	}
	cached := dir.Cached()
	if len(cached) != 3 {
		t.Fatalf("expected 3 cached conversations, got %d", len(cached))
	}
	want := []int64{bob.ID, carol.ID, dave.ID}
	for i, id := range want {
		if cached[i].Peer.ID != id {
			t.Fatalf("expected order %v, got %+v", want, cached)
		}
	}

	// A later page holds older activity and must not jump ahead.
	rec2 := newAPIRecorder(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ConversationPage{
			Data: []Conversation{{Peer: UserSnapshot{ID: 8000, Name: "Erin"}}},
		})
	})
	dir2 := newTestDirectory(t, rec2)
	dir2.ApplyMessage(testMessage(4, bob, alice, "recent", at), false)
	if _, err := dir2.List(context.Background(), 2, 20, ""); err != nil {
		t.Fatalf("List page 2: %v", err)
	}
	cached = dir2.Cached()
	if len(cached) != 2 || cached[0].Peer.ID != bob.ID || cached[1].Peer.ID != 8000 {
		t.Fatalf("expected later-page entries behind cached activity, got %+v", cached)
	}
}

func TestDirectoryListSearchFilter(t *testing.T) {
	rec := newAPIRecorder(t, func(w http.ResponseWriter, r *http.Request) {
		// A server that ignores the search parameter.
		writeJSON(w, http.StatusOK, ConversationPage{
			Data: []Conversation{{Peer: bob}, {Peer: carol}},
		})
	})
	dir := newTestDirectory(t, rec)

	convs, err := dir.List(context.Background(), 1, 20, "CAR")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(convs) != 1 || convs[0].Peer.ID != carol.ID {
		t.Fatalf("expected only carol to match, got %+v", convs)
	}
	if req := rec.last(t); req.Query["search"] != "CAR" {
		t.Fatalf("expected the search forwarded to the server, got %v", req.Query)
	}
}

func TestDirectoryUnreadTotal(t *testing.T) {
	rec := newAPIRecorder(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]int{"unreadCount": 5})
	})
	dir := newTestDirectory(t, rec)

	total, err := dir.UnreadTotal(context.Background())
	if err != nil {
		t.Fatalf("UnreadTotal: %v", err)
	}
	if total != 5 {
		t.Fatalf("expected 5, got %d", total)
	}
}
