package domain

import (
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type BlockType string

const (
	BlockText  BlockType = "text"
	BlockImage BlockType = "image"
)

// TurnState is the lifecycle state of one request/response cycle.
type TurnState string

const (
	TurnIdle      TurnState = "idle"
	TurnUploading TurnState = "uploading"
	TurnStreaming TurnState = "streaming"
	TurnSearching TurnState = "searching"
	TurnError     TurnState = "error"
)

// User identifies the owner of conversations and memories. Authenticated
// users are backed by the hosted store; device profiles by the local one.
type User struct {
	ID            string `json:"id"`
	Authenticated bool   `json:"authenticated"`
}

type Conversation struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"ownerId"`
	Title         string     `json:"title"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// ContentBlock is one typed part of a message. Image blocks carry a durable
// URL; the bytes are only inlined when talking to the model.
type ContentBlock struct {
	Type      BlockType `json:"type"`
	Text      string    `json:"text,omitempty"`
	URL       string    `json:"url,omitempty"`
	MediaType string    `json:"mediaType,omitempty"`
}

type Citation struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	Blocks         []ContentBlock `json:"blocks,omitempty"`
	Citations      []Citation     `json:"citations,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// PlainText returns the textual part of the message, joining text blocks
// when the message is block-structured.
func (m Message) PlainText() string {
	if len(m.Blocks) == 0 {
		return m.Content
	}
	parts := make([]string, 0, len(m.Blocks))
	for _, block := range m.Blocks {
		if block.Type == BlockText && strings.TrimSpace(block.Text) != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Memory is the stored summary of one historical turn.
type Memory struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	ConversationID string    `json:"conversationId"`
	TurnIndex      int       `json:"turnIndex"`
	Summary        string    `json:"summary"`
	Keywords       []string  `json:"keywords"`
	CreatedAt      time.Time `json:"createdAt"`
}

// AttachmentReference points at an uploaded image. URL is empty until the
// upload finished.
type AttachmentReference struct {
	URL           string `json:"url"`
	MediaType     string `json:"mediaType"`
	PreviewHandle string `json:"previewHandle,omitempty"`
	Size          int64  `json:"size"`
}
