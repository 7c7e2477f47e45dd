package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/AllThePasswords/conversationfirst-sub000/pkg/domain"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/kv"
)

func seedConversation(t *testing.T, s Store, owner, id string, created time.Time) {
	t.Helper()
	err := s.CreateConversation(context.Background(), domain.Conversation{
		ID: id, OwnerID: owner, Title: "t-" + id, CreatedAt: created, UpdatedAt: created,
	})
	if err != nil {
		t.Fatalf("create conversation %s: %v", id, err)
	}
}

func TestLocalStoreConversationsScopedByOwner(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore(kv.NewMemoryStore())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedConversation(t, s, "device:a", "c1", base)
	seedConversation(t, s, "device:a", "c2", base.Add(time.Minute))
	seedConversation(t, s, "device:b", "c3", base)

	if _, ok, _ := s.GetConversation(ctx, "device:b", "c1"); ok {
		t.Fatalf("expected other owner's conversation to be hidden")
	}
	if err := s.TouchConversation(ctx, "c1", base.Add(time.Hour)); err != nil {
		t.Fatalf("touch: %v", err)
	}
	items, err := s.ListConversations(ctx, "device:a", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 || items[0].ID != "c1" {
		t.Fatalf("expected touched conversation first, got %+v", items)
	}
	if items[0].LastMessageAt == nil || !items[0].LastMessageAt.Equal(base.Add(time.Hour)) {
		t.Fatalf("expected last message time, got %v", items[0].LastMessageAt)
	}
	if err := s.CreateConversation(ctx, domain.Conversation{ID: "c1", OwnerID: "device:a"}); err == nil {
		t.Fatalf("expected duplicate conversation error")
	}
}

func TestLocalStoreDeleteCascades(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore(kv.NewMemoryStore())
	now := time.Now().UTC()
	seedConversation(t, s, "device:a", "c1", now)
	seedConversation(t, s, "device:a", "c2", now)
	for _, id := range []string{"c1", "c2"} {
		if err := s.AppendMessage(ctx, domain.Message{ID: "m-" + id, ConversationID: id, Role: domain.RoleUser, Content: "hi", CreatedAt: now}); err != nil {
			t.Fatalf("append: %v", err)
		}
		if _, err := s.InsertMemory(ctx, domain.Memory{ID: "mem-" + id, UserID: "device:a", ConversationID: id, Summary: "s", Keywords: []string{"go"}, CreatedAt: now}); err != nil {
			t.Fatalf("insert memory: %v", err)
		}
	}

	if err := s.DeleteConversation(ctx, "device:b", "c1"); err != nil {
		t.Fatalf("foreign delete: %v", err)
	}
	if msgs, _ := s.ListMessages(ctx, "c1"); len(msgs) != 1 {
		t.Fatalf("foreign delete must not remove messages")
	}

	if err := s.DeleteConversation(ctx, "device:a", "c1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.GetConversation(ctx, "device:a", "c1"); ok {
		t.Fatalf("expected conversation removed")
	}
	if msgs, _ := s.ListMessages(ctx, "c1"); len(msgs) != 0 {
		t.Fatalf("expected messages removed, got %d", len(msgs))
	}
	memories, _ := s.ListMemories(ctx, "device:a")
	if len(memories) != 1 || memories[0].ConversationID != "c2" {
		t.Fatalf("expected only c2 memory left, got %+v", memories)
	}
}

func TestLocalStoreMemoryInsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore(kv.NewMemoryStore())
	m := domain.Memory{ID: "m1", UserID: "u", ConversationID: "c", TurnIndex: 2, Summary: "first", Keywords: []string{"go"}}
	inserted, err := s.InsertMemory(ctx, m)
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}
	m.ID = "m2"
	m.Summary = "second"
	inserted, err = s.InsertMemory(ctx, m)
	if err != nil || inserted {
		t.Fatalf("duplicate insert: inserted=%v err=%v", inserted, err)
	}
	all, _ := s.ListMemories(ctx, "u")
	if len(all) != 1 || all[0].Summary != "first" {
		t.Fatalf("expected original memory kept, got %+v", all)
	}
	if _, err := s.InsertMemory(ctx, domain.Memory{UserID: "u", ConversationID: "c", TurnIndex: 3}); err == nil {
		t.Fatalf("expected error for empty keywords")
	}
}

func TestLocalStoreSearchMemoriesOverlap(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore(kv.NewMemoryStore())
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rows := []domain.Memory{
		{ID: "a", ConversationID: "c", TurnIndex: 0, Keywords: []string{"golang", "redis"}, CreatedAt: base},
		{ID: "b", ConversationID: "c", TurnIndex: 1, Keywords: []string{"python"}, CreatedAt: base.Add(time.Hour)},
		{ID: "c", ConversationID: "c", TurnIndex: 2, Keywords: []string{"redis", "cache"}, CreatedAt: base.Add(2 * time.Hour)},
	}
	for _, m := range rows {
		m.UserID = "u"
		m.Summary = "s"
		if _, err := s.InsertMemory(ctx, m); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	got, err := s.SearchMemories(ctx, "u", []string{"redis", "kafka"}, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "a" {
		t.Fatalf("expected [c a], got %+v", got)
	}
	got, _ = s.SearchMemories(ctx, "u", []string{"redis"}, 1)
	if len(got) != 1 || got[0].ID != "c" {
		t.Fatalf("expected limit to keep newest, got %+v", got)
	}
	if got, _ := s.SearchMemories(ctx, "other", []string{"redis"}, 10); len(got) != 0 {
		t.Fatalf("expected no memories for other user")
	}
}

func TestLocalStoreOverSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := kv.NewSQLiteStore(filepath.Join(t.TempDir(), "local.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()
	s := NewLocalStore(db)
	seedConversation(t, s, "device:a", "c1", time.Now().UTC())
	if err := s.AppendMessage(ctx, domain.Message{ID: "m1", ConversationID: "c1", Role: domain.RoleUser, Content: "q"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendMessage(ctx, domain.Message{ID: "m2", ConversationID: "c1", Role: domain.RoleAssistant, Content: "a", Citations: []domain.Citation{{URL: "https://x"}}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	n, err := s.CountUserMessages(ctx, "c1")
	if err != nil || n != 1 {
		t.Fatalf("expected 1 user message, got %d err=%v", n, err)
	}
	msgs, _ := s.ListMessages(ctx, "c1")
	if len(msgs) != 2 || msgs[1].Citations[0].URL != "https://x" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}

func TestLocalStoreConcurrentInstancesKeepEveryMemory(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	stores := make([]*LocalStore, 2)
	for i := range stores {
		values, err := kv.NewRedisStore(mr.Addr(), "", "chat:local")
		if err != nil {
			t.Fatalf("new redis store: %v", err)
		}
		t.Cleanup(func() { _ = values.Close() })
		stores[i] = NewLocalStore(values)
	}

	const writers = 50
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inserted, err := stores[i%len(stores)].InsertMemory(ctx, domain.Memory{
				ID:             fmt.Sprintf("m%d", i),
				UserID:         "device:a",
				ConversationID: fmt.Sprintf("c%d", i),
				TurnIndex:      0,
				Summary:        "summary",
				Keywords:       []string{"go"},
				CreatedAt:      time.Now().UTC(),
			})
			if err == nil && !inserted {
				err = fmt.Errorf("memory m%d reported as duplicate", i)
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("insert memory: %v", err)
		}
	}

	got, err := stores[0].ListMemories(ctx, "device:a")
	if err != nil {
		t.Fatalf("list memories: %v", err)
	}
	if len(got) != writers {
		t.Fatalf("expected %d memories, got %d", writers, len(got))
	}
}

func TestLocalStoreConcurrentAppendsOverSQLite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "local.db")
	stores := make([]*LocalStore, 2)
	for i := range stores {
		db, err := kv.NewSQLiteStore(path)
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { _ = db.Close() })
		stores[i] = NewLocalStore(db)
	}
	seedConversation(t, stores[0], "device:a", "c1", time.Now().UTC())

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- stores[i%len(stores)].AppendMessage(ctx, domain.Message{
				ID: fmt.Sprintf("m%d", i), ConversationID: "c1", Role: domain.RoleUser, Content: "q",
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	msgs, err := stores[1].ListMessages(ctx, "c1")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != writers {
		t.Fatalf("expected %d messages, got %d", writers, len(msgs))
	}
}
