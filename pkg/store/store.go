package store

import (
	"context"
	"time"

	"github.com/AllThePasswords/conversationfirst-sub000/pkg/domain"
)

// Store persists conversations, their messages, and the memories derived
// from them. Conversation lookups are scoped by owner so a caller can never
// reach another owner's data.
type Store interface {
	CreateConversation(ctx context.Context, c domain.Conversation) error
	GetConversation(ctx context.Context, ownerID, id string) (domain.Conversation, bool, error)
	ListConversations(ctx context.Context, ownerID string, limit int) ([]domain.Conversation, error)
	// TouchConversation records the time of the latest persisted message.
	TouchConversation(ctx context.Context, id string, at time.Time) error
	// DeleteConversation removes the conversation together with its
	// messages and memories.
	DeleteConversation(ctx context.Context, ownerID, id string) error

	AppendMessage(ctx context.Context, msg domain.Message) error
	// ListMessages returns the conversation in chronological order.
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
	CountUserMessages(ctx context.Context, conversationID string) (int, error)

	MemoryStore
}

// MemoryStore holds turn summaries.
type MemoryStore interface {
	// InsertMemory stores m unless a memory for the same conversation and
	// turn index exists. inserted is false for the duplicate case.
	InsertMemory(ctx context.Context, m domain.Memory) (inserted bool, err error)
	// SearchMemories returns the owner's memories whose keyword set
	// intersects keywords, newest first.
	SearchMemories(ctx context.Context, userID string, keywords []string, limit int) ([]domain.Memory, error)
	// ListMemories returns every memory of the owner, newest first.
	ListMemories(ctx context.Context, userID string) ([]domain.Memory, error)
}

const defaultConversationLimit = 100
