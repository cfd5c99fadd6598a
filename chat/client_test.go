package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"testing"

	"chatsync/config"
	"chatsync/models"
	"chatsync/store"
)

func TestNewClientValidatesOptions(t *testing.T) {
	backend := newTestBackend(t)

	if _, err := NewClient(Options{Self: alice}); err == nil {
		t.Fatalf("expected error for missing store")
	}
	if _, err := NewClient(Options{Store: backend}); err == nil {
		t.Fatalf("expected error for missing self id")
	}

	settings := testSettings()
	settings.Encryption.KeyLength = 100
	if _, err := NewClient(Options{Store: backend, Self: alice, Settings: settings}); err == nil {
		t.Fatalf("expected error for invalid key length")
	}
}

func TestOperationsRequireSession(t *testing.T) {
	backend := newTestBackend(t)
	client := newTestClient(t, backend, alice)
	ctx := context.Background()

	page, err := client.GetMessageHistory(ctx, 10)
	if !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession from history, got %v", err)
	}
	if len(page.Messages) != 0 || page.HasMore {
		t.Fatalf("expected empty page, got %+v", page)
	}
	if _, err := client.LoadMoreMessages(ctx, 10); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession from load more, got %v", err)
	}
	if _, err := client.SendMessage(ctx, "hi"); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession from send, got %v", err)
	}
	if _, err := client.SubscribeToNewMessages(ctx, nil); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession from subscribe, got %v", err)
	}
	if err := client.MarkRead(ctx); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession from mark read, got %v", err)
	}
	if _, err := client.CountAllMessages(ctx); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession from count, got %v", err)
	}
}

func TestSendMessageFansOutToMembers(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	var (
		mu     sync.Mutex
		events []string
	)
	record := func(m models.Message) {
		mu.Lock()
		events = append(events, m.Status)
		mu.Unlock()
	}
	sender := newTestClient(t, backend, alice, withHandlers(Handlers{
		OnMessageSending:       record,
		OnMessageStatusChanged: record,
	}))
	mustSetConversation(t, sender, "c1", bob)

	msg := mustSend(t, sender, "hello bob")
	sender.Drain()

	if msg.ID == "" || msg.LocalID == "" {
		t.Fatalf("expected store and local ids, got %+v", msg)
	}
	if msg.Status != models.MessageStatusSent {
		t.Fatalf("expected status sent, got %q", msg.Status)
	}
	if msg.User.ID != alice.ID || !msg.ReadBy[alice.ID] {
		t.Fatalf("unexpected sender fields: %+v", msg)
	}

	mu.Lock()
	got := fmt.Sprint(events)
	mu.Unlock()
	if got != "[sending sent]" {
		t.Fatalf("unexpected status events: %s", got)
	}

	for _, member := range []string{alice.ID, bob.ID} {
		index, err := backend.GetDocument(ctx, userIndexPath(member), "c1")
		if err != nil {
			t.Fatalf("get index for %s failed: %v", member, err)
		}
		latest := index.Map("latestMessage")
		if latest == nil || latest.String("senderId") != alice.ID {
			t.Fatalf("unexpected latest message for %s: %v", member, index)
		}
		if latest.String("text") == "hello bob" {
			t.Fatalf("expected encrypted latest message text for %s", member)
		}
		if index.Int64(fieldUpdatedAt) != msg.CreatedAt {
			t.Fatalf("expected updatedAt %d for %s, got %d", msg.CreatedAt, member, index.Int64(fieldUpdatedAt))
		}
	}

	shared, err := backend.GetDocument(ctx, conversationsCollection, "c1")
	if err != nil {
		t.Fatalf("get shared conversation failed: %v", err)
	}
	if got := shared.IntMap("unRead"); got[bob.ID] != 1 || got[alice.ID] != 0 {
		t.Fatalf("unexpected unread counters: %v", got)
	}

	docs, err := backend.QueryOrdered(ctx, store.Query{
		Path:      messagesPath("c1"),
		OrderBy:   fieldCreatedAt,
		Direction: store.Ascending,
		Limit:     10,
	})
	if err != nil {
		t.Fatalf("query messages failed: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected 1 stored message, got %d", len(docs))
	}
	if docs[0].Data.String("text") == "hello bob" || docs[0].Data.String("status") != models.MessageStatusSent {
		t.Fatalf("unexpected stored message: %v", docs[0].Data)
	}

	receiver := newTestClient(t, backend, bob)
	conversations, err := receiver.ListConversations(ctx, 10)
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if len(conversations) != 1 || conversations[0].LatestMessage == nil {
		t.Fatalf("unexpected conversations: %+v", conversations)
	}
	if conversations[0].LatestMessage.Text != "hello bob" {
		t.Fatalf("expected decrypted latest message, got %q", conversations[0].LatestMessage.Text)
	}
}

func TestSendMessageCreatesConversationOnFirstSend(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	client := newTestClient(t, backend, alice)
	mustSetConversation(t, client, "", bob)

	if err := client.TextChanged(ctx); err != nil {
		t.Fatalf("TextChanged without conversation failed: %v", err)
	}
	if client.Typing() {
		t.Fatalf("expected no typing state before the conversation exists")
	}

	msg := mustSend(t, client, "first")
	client.Drain()

	id := client.ConversationID()
	if id == "" {
		t.Fatalf("expected conversation id after first send")
	}
	if msg.ConversationID != id {
		t.Fatalf("expected message in conversation %s, got %s", id, msg.ConversationID)
	}

	for _, member := range []string{alice.ID, bob.ID} {
		index, err := backend.GetDocument(ctx, userIndexPath(member), id)
		if err != nil {
			t.Fatalf("get index for %s failed: %v", member, err)
		}
		if index.String("name") != bob.Name || index.String("image") != bob.Avatar {
			t.Fatalf("unexpected index metadata for %s: %v", member, index)
		}
	}

	mustSend(t, client, "second")
	client.Drain()
	count, err := backend.CountDocuments(ctx, userIndexPath(alice.ID))
	if err != nil {
		t.Fatalf("count index failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one conversation after two sends, got %d", count)
	}

	page, err := client.GetMessageHistory(ctx, 10)
	if err != nil {
		t.Fatalf("GetMessageHistory failed: %v", err)
	}
	if len(page.Messages) != 2 || page.Messages[0].Text != "first" || page.Messages[1].Text != "second" {
		t.Fatalf("unexpected history: %+v", page.Messages)
	}
}

func TestCreateConversationEstablishesSession(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()
	client := newTestClient(t, backend, alice)

	conv, err := client.CreateConversation(ctx, []string{bob.ID, alice.ID, bob.ID}, "Team", "team.png")
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	if fmt.Sprint(conv.Members) != "[u1 u2]" {
		t.Fatalf("expected deduplicated members, got %v", conv.Members)
	}
	if client.ConversationID() != conv.ID {
		t.Fatalf("expected session on %s, got %q", conv.ID, client.ConversationID())
	}

	shared, err := backend.GetDocument(ctx, conversationsCollection, conv.ID)
	if err != nil {
		t.Fatalf("get shared conversation failed: %v", err)
	}
	if fmt.Sprint(shared.Strings("members")) != "[u1 u2]" {
		t.Fatalf("unexpected shared members: %v", shared)
	}
	if _, err := backend.GetDocument(ctx, userIndexPath(bob.ID), conv.ID); err != nil {
		t.Fatalf("expected index entry for bob: %v", err)
	}

	msg := mustSend(t, client, "hi team")
	if msg.ConversationID != conv.ID {
		t.Fatalf("expected send into %s, got %s", conv.ID, msg.ConversationID)
	}
}

func TestSendMessageRejectsBlankText(t *testing.T) {
	backend := newTestBackend(t)
	client := newTestClient(t, backend, alice)
	mustSetConversation(t, client, "c1", bob)

	if _, err := client.SendMessage(context.Background(), "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestSendMessageFailureMarksMessageFailed(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()
	faulty := &faultStore{Store: backend}
	faulty.failCreate = func(path string) error {
		if path == messagesPath("c1") {
			return errors.New("backend down")
		}
		return nil
	}

	var (
		mu       sync.Mutex
		statuses []string
	)
	client := newTestClient(t, faulty, alice, withHandlers(Handlers{
		OnMessageStatusChanged: func(m models.Message) {
			mu.Lock()
			statuses = append(statuses, m.Status)
			mu.Unlock()
		},
	}))
	mustSetConversation(t, client, "c1", bob)

	msg, err := client.SendMessage(ctx, "lost")
	if !errors.Is(err, ErrTransientStore) {
		t.Fatalf("expected ErrTransientStore, got %v", err)
	}
	if msg == nil || msg.Status != models.MessageStatusFailed {
		t.Fatalf("expected failed message, got %+v", msg)
	}
	if msg.Text != "lost" {
		t.Fatalf("expected plaintext on failed message, got %q", msg.Text)
	}
	client.Drain()

	mu.Lock()
	got := fmt.Sprint(statuses)
	mu.Unlock()
	if got != "[failed]" {
		t.Fatalf("unexpected status events: %s", got)
	}

	index, err := backend.GetDocument(ctx, userIndexPath(alice.ID), "c1")
	if err != nil {
		t.Fatalf("get index failed: %v", err)
	}
	if index.Map("latestMessage") != nil {
		t.Fatalf("expected no latest message after failed send, got %v", index)
	}
}

func TestPartialFanoutIsLoggedNotReturned(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()
	faulty := &faultStore{Store: backend}
	faulty.failSet = func(path, id string) error {
		if path == userIndexPath(bob.ID) {
			return errors.New("bob offline")
		}
		return nil
	}

	logs := &syncBuffer{}
	client := newTestClient(t, faulty, alice, withLogger(log.New(logs, "", 0)))
	mustSetConversation(t, client, "c1", bob)

	msg := mustSend(t, client, "partial")
	client.Drain()

	if msg.Status != models.MessageStatusSent {
		t.Fatalf("expected sent status, got %q", msg.Status)
	}
	if !logs.Contains("partial fan-out") || !logs.Contains("bob offline") {
		t.Fatalf("expected partial fan-out to be logged")
	}

	index, err := backend.GetDocument(ctx, userIndexPath(alice.ID), "c1")
	if err != nil {
		t.Fatalf("get sender index failed: %v", err)
	}
	if index.Map("latestMessage") == nil {
		t.Fatalf("expected sender index to be updated")
	}
	shared, err := backend.GetDocument(ctx, conversationsCollection, "c1")
	if err != nil {
		t.Fatalf("get shared conversation failed: %v", err)
	}
	if shared.IntMap("unRead")[bob.ID] != 1 {
		t.Fatalf("expected unread counter despite index failure, got %v", shared)
	}
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	backend := newTestBackend(t)
	logs := &syncBuffer{}
	client := newTestClient(t, backend, alice,
		withLogger(log.New(logs, "", 0)),
		withHandlers(Handlers{
			OnMessageSending: func(models.Message) { panic("boom") },
		}),
	)
	mustSetConversation(t, client, "c1", bob)

	msg := mustSend(t, client, "still delivered")
	if msg.Status != models.MessageStatusSent {
		t.Fatalf("expected sent status, got %q", msg.Status)
	}
	if !logs.Contains("panicked: boom") {
		t.Fatalf("expected recovered panic to be logged")
	}
}

func TestEncryptionDisabledStoresPlaintext(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()
	client := newTestClient(t, backend, alice, withSettings(func(s *config.Settings) {
		s.EnableEncrypt = false
	}))
	mustSetConversation(t, client, "c1", bob)

	mustSend(t, client, "in the clear")
	client.Drain()

	docs, err := backend.QueryOrdered(ctx, store.Query{
		Path:      messagesPath("c1"),
		OrderBy:   fieldCreatedAt,
		Direction: store.Descending,
		Limit:     1,
	})
	if err != nil {
		t.Fatalf("query messages failed: %v", err)
	}
	if len(docs) != 1 || docs[0].Data.String("text") != "in the clear" {
		t.Fatalf("expected plaintext stored message, got %+v", docs)
	}
}

func TestSessionEncryptionOptionsOverrideDefaults(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()
	custom := &EncryptionOptions{Salt: "pepper", Iterations: 20, KeyLength: 128}

	sender := newTestClient(t, backend, alice)
	if err := sender.SetConversationInfo("c1", []string{bob.ID}, []models.User{bob}, custom); err != nil {
		t.Fatalf("SetConversationInfo failed: %v", err)
	}
	mustSend(t, sender, "secret")
	sender.Drain()

	mismatched := newTestClient(t, backend, bob)
	mustSetConversation(t, mismatched, "c1", alice)
	page, err := mismatched.GetMessageHistory(ctx, 10)
	if err != nil {
		t.Fatalf("GetMessageHistory failed: %v", err)
	}
	if len(page.Messages) != 1 || page.Messages[0].Text == "secret" {
		t.Fatalf("expected undecryptable text to pass through, got %+v", page.Messages)
	}

	matched := newTestClient(t, backend, bob)
	if err := matched.SetConversationInfo("c1", []string{alice.ID}, []models.User{alice}, custom); err != nil {
		t.Fatalf("SetConversationInfo failed: %v", err)
	}
	page, err = matched.GetMessageHistory(ctx, 10)
	if err != nil {
		t.Fatalf("GetMessageHistory failed: %v", err)
	}
	if len(page.Messages) != 1 || page.Messages[0].Text != "secret" {
		t.Fatalf("expected decrypted text, got %+v", page.Messages)
	}
	if page.Messages[0].User.Name != alice.Name {
		t.Fatalf("expected sender resolved to partner, got %+v", page.Messages[0].User)
	}

	conversations, err := matched.ListConversations(ctx, 10)
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if len(conversations) != 1 || conversations[0].LatestMessage == nil || conversations[0].LatestMessage.Text != "secret" {
		t.Fatalf("expected latest message decrypted with session options, got %+v", conversations)
	}
}

func TestClearConversationInfoEndsSession(t *testing.T) {
	backend := newTestBackend(t)
	client := newTestClient(t, backend, alice)
	mustSetConversation(t, client, "c1", bob)

	client.ClearConversationInfo()
	if client.ConversationID() != "" {
		t.Fatalf("expected no conversation after clear")
	}
	if _, err := client.GetMessageHistory(context.Background(), 5); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession after clear, got %v", err)
	}
}

func TestListConversationsOrdersByUpdatedAt(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()
	carol := models.User{ID: "u3", Name: "Carol"}

	client := newTestClient(t, backend, alice)
	mustSetConversation(t, client, "c1", bob)
	mustSend(t, client, "to bob")
	mustSetConversation(t, client, "c2", carol)
	mustSend(t, client, "to carol")
	client.Drain()

	conversations, err := client.ListConversations(ctx, 0)
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if len(conversations) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(conversations))
	}
	if conversations[0].ID != "c2" || conversations[1].ID != "c1" {
		t.Fatalf("expected newest first, got %s then %s", conversations[0].ID, conversations[1].ID)
	}
	if conversations[0].LatestMessage.Text != "to carol" || conversations[1].LatestMessage.Text != "to bob" {
		t.Fatalf("unexpected latest messages: %q, %q", conversations[0].LatestMessage.Text, conversations[1].LatestMessage.Text)
	}

	limited, err := client.ListConversations(ctx, 1)
	if err != nil {
		t.Fatalf("ListConversations with limit failed: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "c2" {
		t.Fatalf("unexpected limited list: %+v", limited)
	}
}

func TestCountAllMessages(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()
	client := newTestClient(t, backend, alice)

	mustSetConversation(t, client, "", bob)
	count, err := client.CountAllMessages(ctx)
	if err != nil {
		t.Fatalf("CountAllMessages failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 before creation, got %d", count)
	}

	for i := 0; i < 3; i++ {
		mustSend(t, client, fmt.Sprintf("m%d", i))
	}
	count, err = client.CountAllMessages(ctx)
	if err != nil {
		t.Fatalf("CountAllMessages failed: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 messages, got %d", count)
	}
}
