package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type ConversationModel struct {
	ID            string     `gorm:"primaryKey"`
	OwnerID       string     `gorm:"not null;index"`
	Title         string     `gorm:"not null"`
	LastMessageAt *time.Time `gorm:"index"`
	CreatedAt     time.Time  `gorm:"not null"`
	UpdatedAt     time.Time  `gorm:"not null"`
}

type MessageModel struct {
	ID             string         `gorm:"primaryKey"`
	ConversationID string         `gorm:"not null;index"`
	Role           string         `gorm:"not null"`
	Content        string         `gorm:"type:text;not null"`
	Blocks         datatypes.JSON `gorm:"type:jsonb"`
	Citations      datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt      time.Time      `gorm:"not null;index"`
}

type MemoryModel struct {
	ID             string         `gorm:"primaryKey"`
	UserID         string         `gorm:"not null;index"`
	ConversationID string         `gorm:"not null;uniqueIndex:idx_memory_turn"`
	TurnIndex      int            `gorm:"not null;uniqueIndex:idx_memory_turn"`
	Summary        string         `gorm:"type:text;not null"`
	Keywords       datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt      time.Time      `gorm:"not null;index"`
}
