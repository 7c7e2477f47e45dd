package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/AllThePasswords/conversationfirst-sub000/pkg/domain"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/kv"
)

// LocalStore implements Store over JSON documents in a kv.Store. It backs
// device profiles that have no account. Every write is a kv.Store.Update, so
// instances sharing one backend do not overwrite each other. Layout:
//
//	conversations:<owner>  []Conversation
//	messages:<conversation> []Message
//	memories:<owner>       []Memory
//	owner:<conversation>   owner id
type LocalStore struct {
	kv kv.Store
}

func NewLocalStore(store kv.Store) *LocalStore {
	return &LocalStore{kv: store}
}

func conversationsKey(ownerID string) string { return "conversations:" + ownerID }

func messagesKey(conversationID string) string { return "messages:" + conversationID }

func memoriesKey(ownerID string) string { return "memories:" + ownerID }

func (s *LocalStore) load(ctx context.Context, key string, out any) error {
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	if !ok || raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// updateDoc decodes the JSON list under key, applies fn and stores the
// result when fn reports a change.
func updateDoc[T any](ctx context.Context, store kv.Store, key string, fn func(items []T) ([]T, bool, error)) error {
	err := store.Update(ctx, key, func(current string, exists bool) (string, bool, error) {
		var items []T
		if exists && current != "" {
			if err := json.Unmarshal([]byte(current), &items); err != nil {
				return "", false, fmt.Errorf("decode %s: %w", key, err)
			}
		}
		next, changed, err := fn(items)
		if err != nil || !changed {
			return "", false, err
		}
		raw, err := json.Marshal(next)
		if err != nil {
			return "", false, fmt.Errorf("encode %s: %w", key, err)
		}
		return string(raw), true, nil
	})
	if err != nil {
		return fmt.Errorf("update %s: %w", key, err)
	}
	return nil
}

func (s *LocalStore) conversations(ctx context.Context, ownerID string) ([]domain.Conversation, error) {
	var items []domain.Conversation
	if err := s.load(ctx, conversationsKey(ownerID), &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *LocalStore) CreateConversation(ctx context.Context, c domain.Conversation) error {
	err := updateDoc(ctx, s.kv, conversationsKey(c.OwnerID), func(items []domain.Conversation) ([]domain.Conversation, bool, error) {
		for _, existing := range items {
			if existing.ID == c.ID {
				return nil, false, fmt.Errorf("conversation %s already exists", c.ID)
			}
		}
		return append(items, c), true, nil
	})
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, ownerKey(c.ID), c.OwnerID); err != nil {
		return fmt.Errorf("save owner: %w", err)
	}
	return nil
}

func (s *LocalStore) GetConversation(ctx context.Context, ownerID, id string) (domain.Conversation, bool, error) {
	items, err := s.conversations(ctx, ownerID)
	if err != nil {
		return domain.Conversation{}, false, err
	}
	for _, c := range items {
		if c.ID == id {
			return c, true, nil
		}
	}
	return domain.Conversation{}, false, nil
}

func (s *LocalStore) ListConversations(ctx context.Context, ownerID string, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = defaultConversationLimit
	}
	items, err := s.conversations(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool {
		return lastActivity(items[i]).After(lastActivity(items[j]))
	})
	if len(items) > limit {
		items = items[:limit]
	}
	if items == nil {
		items = []domain.Conversation{}
	}
	return items, nil
}

func lastActivity(c domain.Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.UpdatedAt
}

// TouchConversation finds the owning list through the owner:<id> entry
// written on create.
func (s *LocalStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	ownerID, ok, err := s.kv.Get(ctx, ownerKey(id))
	if err != nil {
		return fmt.Errorf("load owner: %w", err)
	}
	if !ok {
		return nil
	}
	return updateDoc(ctx, s.kv, conversationsKey(ownerID), func(items []domain.Conversation) ([]domain.Conversation, bool, error) {
		for i := range items {
			if items[i].ID == id {
				ts := at.UTC()
				items[i].LastMessageAt = &ts
				items[i].UpdatedAt = time.Now().UTC()
				return items, true, nil
			}
		}
		return nil, false, nil
	})
}

func ownerKey(conversationID string) string { return "owner:" + conversationID }

func (s *LocalStore) DeleteConversation(ctx context.Context, ownerID, id string) error {
	found := false
	err := updateDoc(ctx, s.kv, conversationsKey(ownerID), func(items []domain.Conversation) ([]domain.Conversation, bool, error) {
		found = false
		kept := make([]domain.Conversation, 0, len(items))
		for _, c := range items {
			if c.ID == id {
				found = true
				continue
			}
			kept = append(kept, c)
		}
		return kept, found, nil
	})
	if err != nil || !found {
		return err
	}
	if err := s.kv.Delete(ctx, messagesKey(id)); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if err := s.kv.Delete(ctx, ownerKey(id)); err != nil {
		return fmt.Errorf("delete owner: %w", err)
	}
	return updateDoc(ctx, s.kv, memoriesKey(ownerID), func(memories []domain.Memory) ([]domain.Memory, bool, error) {
		kept := make([]domain.Memory, 0, len(memories))
		for _, m := range memories {
			if m.ConversationID != id {
				kept = append(kept, m)
			}
		}
		return kept, len(kept) != len(memories), nil
	})
}

func (s *LocalStore) AppendMessage(ctx context.Context, msg domain.Message) error {
	return updateDoc(ctx, s.kv, messagesKey(msg.ConversationID), func(msgs []domain.Message) ([]domain.Message, bool, error) {
		return append(msgs, msg), true, nil
	})
}

func (s *LocalStore) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	var msgs []domain.Message
	if err := s.load(ctx, messagesKey(conversationID), &msgs); err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return msgs, nil
}

func (s *LocalStore) CountUserMessages(ctx context.Context, conversationID string) (int, error) {
	msgs, err := s.ListMessages(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, msg := range msgs {
		if msg.Role == domain.RoleUser {
			count++
		}
	}
	return count, nil
}

// InsertMemory is idempotent on (conversation, turn index): the duplicate
// check and the append happen in one atomic update.
func (s *LocalStore) InsertMemory(ctx context.Context, m domain.Memory) (bool, error) {
	if len(m.Keywords) == 0 {
		return false, fmt.Errorf("memory keywords required")
	}
	inserted := false
	err := updateDoc(ctx, s.kv, memoriesKey(m.UserID), func(memories []domain.Memory) ([]domain.Memory, bool, error) {
		inserted = false
		for _, existing := range memories {
			if existing.ConversationID == m.ConversationID && existing.TurnIndex == m.TurnIndex {
				return nil, false, nil
			}
		}
		inserted = true
		return append(memories, m), true, nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func (s *LocalStore) SearchMemories(ctx context.Context, userID string, keywords []string, limit int) ([]domain.Memory, error) {
	if len(keywords) == 0 || limit <= 0 {
		return []domain.Memory{}, nil
	}
	all, err := s.ListMemories(ctx, userID)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]struct{}, len(keywords))
	for _, k := range keywords {
		wanted[k] = struct{}{}
	}
	out := make([]domain.Memory, 0, limit)
	for _, m := range all {
		if !overlaps(m.Keywords, wanted) {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func overlaps(keywords []string, wanted map[string]struct{}) bool {
	for _, k := range keywords {
		if _, ok := wanted[k]; ok {
			return true
		}
	}
	return false
}

func (s *LocalStore) ListMemories(ctx context.Context, userID string) ([]domain.Memory, error) {
	var memories []domain.Memory
	if err := s.load(ctx, memoriesKey(userID), &memories); err != nil {
		return nil, err
	}
	sort.SliceStable(memories, func(i, j int) bool {
		return memories[i].CreatedAt.After(memories[j].CreatedAt)
	})
	if memories == nil {
		memories = []domain.Memory{}
	}
	return memories, nil
}
