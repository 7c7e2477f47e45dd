package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/AllThePasswords/conversationfirst-sub000/pkg/domain"
)

const migrateLockID int64 = 51640417

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, migrate); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func migrate(tx *gorm.DB) error {
	if err := tx.AutoMigrate(&ConversationModel{}, &MessageModel{}, &MemoryModel{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if err := tx.Exec(`
		DO $$
		BEGIN
			DELETE FROM message_models m
			WHERE NOT EXISTS (SELECT 1 FROM conversation_models c WHERE c.id = m.conversation_id);
			DELETE FROM memory_models m
			WHERE NOT EXISTS (SELECT 1 FROM conversation_models c WHERE c.id = m.conversation_id);
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'message_models'
				AND constraint_name = 'message_models_conversation_id_fkey'
			) THEN
				ALTER TABLE message_models
				ADD CONSTRAINT message_models_conversation_id_fkey
				FOREIGN KEY (conversation_id) REFERENCES conversation_models(id) ON DELETE CASCADE;
			END IF;
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'memory_models'
				AND constraint_name = 'memory_models_conversation_id_fkey'
			) THEN
				ALTER TABLE memory_models
				ADD CONSTRAINT memory_models_conversation_id_fkey
				FOREIGN KEY (conversation_id) REFERENCES conversation_models(id) ON DELETE CASCADE;
			END IF;
		END $$;
	`).Error; err != nil {
		return fmt.Errorf("ensure conversation foreign keys: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateConversation creates a new conversation record.
func (s *GormStore) CreateConversation(ctx context.Context, c domain.Conversation) error {
	model := conversationToModel(c)
	return s.db.WithContext(ctx).Create(&model).Error
}

// GetConversation returns one conversation owned by ownerID.
func (s *GormStore) GetConversation(ctx context.Context, ownerID, id string) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := s.db.WithContext(ctx).First(&model, "id = ? AND owner_id = ?", id, ownerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	return conversationFromModel(model), true, nil
}

// ListConversations returns the owner's latest conversations.
func (s *GormStore) ListConversations(ctx context.Context, ownerID string, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = defaultConversationLimit
	}
	var models []ConversationModel
	if err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).
		Order("last_message_at DESC NULLS LAST").
		Order("updated_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.Conversation, 0, len(models))
	for _, model := range models {
		items = append(items, conversationFromModel(model))
	}
	return items, nil
}

// TouchConversation refreshes the last-message timestamp.
func (s *GormStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&ConversationModel{}).Where("id = ?", id).Updates(map[string]any{
		"last_message_at": at.UTC(),
		"updated_at":      time.Now().UTC(),
	}).Error
}

// DeleteConversation removes the conversation, its messages and memories.
func (s *GormStore) DeleteConversation(ctx context.Context, ownerID, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&ConversationModel{}).Where("id = ? AND owner_id = ?", id, ownerID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return nil
		}
		if err := tx.Delete(&MemoryModel{}, "conversation_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&MessageModel{}, "conversation_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&ConversationModel{}, "id = ?", id).Error
	})
}

// AppendMessage records a message.
func (s *GormStore) AppendMessage(ctx context.Context, msg domain.Message) error {
	model, err := messageToModel(msg)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// ListMessages returns all messages of a conversation, oldest first.
func (s *GormStore) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, model := range models {
		msgs = append(msgs, messageFromModel(model))
	}
	return msgs, nil
}

// CountUserMessages counts persisted user messages of a conversation.
func (s *GormStore) CountUserMessages(ctx context.Context, conversationID string) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&MessageModel{}).
		Where("conversation_id = ? AND role = ?", conversationID, string(domain.RoleUser)).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// InsertMemory writes a memory; a second write for the same turn is a no-op.
func (s *GormStore) InsertMemory(ctx context.Context, m domain.Memory) (bool, error) {
	model, err := memoryToModel(m)
	if err != nil {
		return false, err
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "conversation_id"}, {Name: "turn_index"}},
		DoNothing: true,
	}).Create(&model)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// SearchMemories matches on keyword set overlap, newest first.
func (s *GormStore) SearchMemories(ctx context.Context, userID string, keywords []string, limit int) ([]domain.Memory, error) {
	if len(keywords) == 0 || limit <= 0 {
		return []domain.Memory{}, nil
	}
	var models []MemoryModel
	if err := memorySearchQuery(s.db.WithContext(ctx), userID, keywords, limit).Find(&models).Error; err != nil {
		return nil, err
	}
	return memoriesFromModels(models), nil
}

// memorySearchQuery selects the user's memories sharing at least one keyword
// with keywords.
func memorySearchQuery(db *gorm.DB, userID string, keywords []string, limit int) *gorm.DB {
	return db.Model(&MemoryModel{}).
		Where("user_id = ?", userID).
		Where("EXISTS (SELECT 1 FROM jsonb_array_elements_text(keywords) AS k(word) WHERE k.word IN ?)", keywords).
		Order("created_at DESC").
		Limit(limit)
}

// ListMemories returns every memory of the user, newest first.
func (s *GormStore) ListMemories(ctx context.Context, userID string) ([]domain.Memory, error) {
	var models []MemoryModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	return memoriesFromModels(models), nil
}

func conversationToModel(c domain.Conversation) ConversationModel {
	return ConversationModel{
		ID:            c.ID,
		OwnerID:       c.OwnerID,
		Title:         c.Title,
		LastMessageAt: c.LastMessageAt,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

func conversationFromModel(m ConversationModel) domain.Conversation {
	return domain.Conversation{
		ID:            m.ID,
		OwnerID:       m.OwnerID,
		Title:         m.Title,
		LastMessageAt: m.LastMessageAt,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func messageToModel(msg domain.Message) (MessageModel, error) {
	model := MessageModel{
		ID:             msg.ID,
		ConversationID: strings.TrimSpace(msg.ConversationID),
		Role:           string(msg.Role),
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
	}
	if len(msg.Blocks) > 0 {
		raw, err := json.Marshal(msg.Blocks)
		if err != nil {
			return MessageModel{}, fmt.Errorf("encode blocks: %w", err)
		}
		model.Blocks = raw
	}
	if len(msg.Citations) > 0 {
		raw, err := json.Marshal(msg.Citations)
		if err != nil {
			return MessageModel{}, fmt.Errorf("encode citations: %w", err)
		}
		model.Citations = raw
	}
	return model, nil
}

func messageFromModel(m MessageModel) domain.Message {
	msg := domain.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           domain.Role(m.Role),
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
	}
	if len(m.Blocks) > 0 {
		_ = json.Unmarshal(m.Blocks, &msg.Blocks)
	}
	if len(m.Citations) > 0 {
		_ = json.Unmarshal(m.Citations, &msg.Citations)
	}
	if len(msg.Citations) == 0 {
		msg.Citations = nil
	}
	return msg
}

func memoryToModel(m domain.Memory) (MemoryModel, error) {
	if len(m.Keywords) == 0 {
		return MemoryModel{}, fmt.Errorf("memory keywords required")
	}
	raw, err := json.Marshal(m.Keywords)
	if err != nil {
		return MemoryModel{}, fmt.Errorf("encode keywords: %w", err)
	}
	return MemoryModel{
		ID:             m.ID,
		UserID:         m.UserID,
		ConversationID: m.ConversationID,
		TurnIndex:      m.TurnIndex,
		Summary:        m.Summary,
		Keywords:       raw,
		CreatedAt:      m.CreatedAt,
	}, nil
}

func memoryFromModel(m MemoryModel) domain.Memory {
	var keywords []string
	if len(m.Keywords) > 0 {
		_ = json.Unmarshal(m.Keywords, &keywords)
	}
	return domain.Memory{
		ID:             m.ID,
		UserID:         m.UserID,
		ConversationID: m.ConversationID,
		TurnIndex:      m.TurnIndex,
		Summary:        m.Summary,
		Keywords:       keywords,
		CreatedAt:      m.CreatedAt,
	}
}

func memoriesFromModels(models []MemoryModel) []domain.Memory {
	out := make([]domain.Memory, 0, len(models))
	for _, model := range models {
		out = append(out, memoryFromModel(model))
	}
	return out
}
