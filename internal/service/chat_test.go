package service

import (
	"classroom_sync_backend/internal/model"
	"classroom_sync_backend/internal/repository"
	"classroom_sync_backend/internal/util"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// stepClock 每次调用前进一秒
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newChatService(env *testEnv) *ChatService {
	svc := NewChatService(env.db, env.feed, env.locks, env.store, env.reconciler, nil)
	svc.now = (&stepClock{t: t0}).now
	return svc
}

func TestChatService_DirectConversationIsUnique(t *testing.T) {
	env := newTestEnv(t)
	svc := newChatService(env)
	ctx := context.Background()

	a, err := svc.GetOrCreateDirect(ctx, "u1", "u2")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b, err := svc.GetOrCreateDirect(ctx, "u2", "u1")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if a.ID != b.ID || a.Type != model.OneToOne {
		t.Fatalf("expected one direct conversation, got %s and %s", a.ID, b.ID)
	}
	if n := countRows(t, env.db, &model.ConversationParticipant{}); n != 2 {
		t.Fatalf("expected 2 participants, got %d", n)
	}

	if _, err := svc.GetOrCreateDirect(ctx, "u1", "u1"); !errors.Is(err, util.ErrValidation) {
		t.Fatalf("expected ErrValidation for self conversation, got %v", err)
	}
}

func TestChatService_DirectConversationPulledFromRemote(t *testing.T) {
	env := newTestEnv(t)
	svc := newChatService(env)
	pair := model.PairKeyFor("u1", "u2")
	putRemote(t, env.store,
		&model.Conversation{SyncBase: model.SyncBase{ID: "remote-conv"}, Type: model.OneToOne, PairKey: &pair, LastMessageAt: t0},
		&model.ConversationParticipant{SyncBase: model.SyncBase{ID: "remote-conv:u1"}, ConversationID: "remote-conv", UserID: "u1", LastViewedAt: t0},
		&model.ConversationParticipant{SyncBase: model.SyncBase{ID: "remote-conv:u2"}, ConversationID: "remote-conv", UserID: "u2", LastViewedAt: t0},
	)

	conv, err := svc.GetOrCreateDirect(context.Background(), "u2", "u1")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if conv.ID != "remote-conv" {
		t.Fatalf("expected the remote conversation, got %s", conv.ID)
	}
	if n := countRows(t, env.db, &model.Conversation{}); n != 1 {
		t.Fatalf("expected a single cached conversation, got %d", n)
	}
}

func TestChatService_DirectConversationCreatedOffline(t *testing.T) {
	env := newTestEnv(t)
	env.store.offline.Store(true)
	svc := newChatService(env)

	conv, err := svc.GetOrCreateDirect(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatalf("offline create: %v", err)
	}
	pending, _ := repository.NewSyncRepository(env.db).PendingForUnit(string(ConversationUnit(conv.ID)))
	if len(pending) != 3 {
		t.Fatalf("expected conversation and participants journaled, got %d", len(pending))
	}
}

func TestChatService_GroupValidation(t *testing.T) {
	env := newTestEnv(t)
	svc := newChatService(env)

	tests := []struct {
		name    string
		title   string
		members []string
	}{
		{"blank title", "  ", []string{"u2"}},
		{"no other member", "Study group", []string{"u1", ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.CreateGroup(context.Background(), "u1", tt.title, tt.members); !errors.Is(err, util.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestChatService_UnreadAndMarkViewed(t *testing.T) {
	env := newTestEnv(t)
	svc := newChatService(env)
	ctx := context.Background()

	conv, err := svc.CreateGroup(ctx, "u1", "Study group", []string{"u2", "u3", "u2"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if n := countRows(t, env.db, &model.ConversationParticipant{}); n != 3 {
		t.Fatalf("expected 3 distinct members, got %d", n)
	}

	msg, err := svc.SendMessage(ctx, "u1", conv.ID, " hello ")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Content != "hello" || msg.RecipientID != nil {
		t.Fatalf("unexpected message %+v", msg)
	}

	repo := repository.NewConversationRepository(env.db)
	unread, _ := repo.UnreadCounts("u2")
	if unread[conv.ID] != 1 {
		t.Fatalf("expected 1 unread for u2, got %d", unread[conv.ID])
	}
	if own, _ := repo.UnreadCounts("u1"); own[conv.ID] != 0 {
		t.Fatalf("sender should have no unread, got %d", own[conv.ID])
	}

	if err := svc.MarkViewed(ctx, "u2", conv.ID); err != nil {
		t.Fatalf("mark viewed: %v", err)
	}
	unread, _ = repo.UnreadCounts("u2")
	if unread[conv.ID] != 0 {
		t.Fatalf("expected no unread after viewing, got %d", unread[conv.ID])
	}
	var stored model.Message
	env.db.First(&stored, "id = ?", msg.ID)
	if !stored.IsRead {
		t.Fatal("expected message marked read")
	}

	if _, err := svc.SendMessage(ctx, "u1", conv.ID, "   "); !errors.Is(err, util.ErrValidation) {
		t.Fatalf("expected ErrValidation for empty message, got %v", err)
	}
	if _, err := svc.SendMessage(ctx, "u9", conv.ID, "hi"); !errors.Is(err, util.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for non-member, got %v", err)
	}
}

func TestChatService_DirectMessageHasRecipient(t *testing.T) {
	env := newTestEnv(t)
	svc := newChatService(env)
	ctx := context.Background()

	conv, err := svc.GetOrCreateDirect(ctx, "u1", "u2")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	msg, err := svc.SendMessage(ctx, "u2", conv.ID, "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.RecipientID == nil || *msg.RecipientID != "u1" {
		t.Fatalf("expected recipient u1, got %v", msg.RecipientID)
	}

	var stored model.Conversation
	env.db.First(&stored, "id = ?", conv.ID)
	if !stored.LastMessageAt.Equal(msg.SentAt) {
		t.Fatalf("conversation time %v should follow message %v", stored.LastMessageAt, msg.SentAt)
	}
}

func TestChatService_SetMuted(t *testing.T) {
	env := newTestEnv(t)
	svc := newChatService(env)
	ctx := context.Background()

	conv, _ := svc.GetOrCreateDirect(ctx, "u1", "u2")
	if err := svc.SetMuted(ctx, "u1", conv.ID, true); err != nil {
		t.Fatalf("mute: %v", err)
	}
	p, _ := repository.NewConversationRepository(env.db).GetParticipant(conv.ID, "u1")
	if p == nil || !p.IsMuted {
		t.Fatalf("expected u1 muted, got %+v", p)
	}
}

func TestChatService_DeleteConversationCascades(t *testing.T) {
	env := newTestEnv(t)
	svc := newChatService(env)
	ctx := context.Background()

	conv, _ := svc.GetOrCreateDirect(ctx, "u1", "u2")
	for _, text := range []string{"one", "two"} {
		if _, err := svc.SendMessage(ctx, "u1", conv.ID, text); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	if err := svc.DeleteConversation(ctx, "u3", conv.ID); !errors.Is(err, util.ErrNotFound) {
		t.Fatalf("non-member delete should be rejected, got %v", err)
	}
	if err := svc.DeleteConversation(ctx, "u2", conv.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	for _, m := range []interface{}{&model.Conversation{}, &model.ConversationParticipant{}, &model.Message{}} {
		if n := countRows(t, env.db, m); n != 0 {
			t.Fatalf("expected %T rows removed, got %d", m, n)
		}
	}

	pending, err := repository.NewSyncRepository(env.db).PendingForUnit(string(ConversationUnit(conv.ID)))
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 5 {
		t.Fatalf("expected 5 journaled deletes, got %d", len(pending))
	}
	for _, pw := range pending {
		if pw.Op != model.OpDelete {
			t.Fatalf("expected delete op for %s/%s, got %s", pw.Collection, pw.EntityID, pw.Op)
		}
	}

	// 推送后远端也被删除
	if err := env.reconciler.Push(ctx, ConversationUnit(conv.ID)); err != nil {
		t.Fatalf("push: %v", err)
	}
	if n, _ := repository.NewSyncRepository(env.db).CountPending(); n != 0 {
		t.Fatalf("expected empty journal, got %d", n)
	}
}

func TestChatService_MessagesArePaged(t *testing.T) {
	env := newTestEnv(t)
	svc := newChatService(env)
	svc.Reconciler = nil
	ctx := context.Background()

	conv, _ := svc.GetOrCreateDirect(ctx, "u1", "u2")
	var sent []*model.Message
	for _, text := range []string{"a", "b", "c"} {
		m, err := svc.SendMessage(ctx, "u1", conv.ID, text)
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		sent = append(sent, m)
	}

	page, err := svc.Messages(ctx, "u2", conv.ID, time.Time{}, 2)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(page) != 2 || page[0].Content != "b" || page[1].Content != "c" {
		t.Fatalf("expected latest two in order, got %+v", page)
	}
	older, _ := svc.Messages(ctx, "u2", conv.ID, sent[1].SentAt, 10)
	if len(older) != 1 || older[0].Content != "a" {
		t.Fatalf("expected the message before b, got %+v", older)
	}
	if _, err := svc.Messages(ctx, "u3", conv.ID, time.Time{}, 10); !errors.Is(err, util.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for non-member, got %v", err)
	}
}
