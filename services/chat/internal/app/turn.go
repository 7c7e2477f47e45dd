package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/AllThePasswords/conversationfirst-sub000/internal/util"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/ai"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/attachment"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/domain"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/memory"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/stream"
)

// TurnRequest is one user send. An empty ConversationID starts a new
// conversation.
type TurnRequest struct {
	ConversationID string
	Text           string
	Files          []attachment.File
}

// TurnResult describes a completed turn.
type TurnResult struct {
	Conversation     domain.Conversation `json:"conversation"`
	UserMessage      domain.Message      `json:"userMessage"`
	AssistantMessage domain.Message      `json:"assistantMessage"`
	TurnIndex        int                 `json:"turnIndex"`
}

// SendTurn runs one request/response cycle: upload images, persist the user
// message, recall memories, stream the reply to observe, persist it and hand
// the turn to the summarizer. A failed stream returns a *TurnError; the user
// message stays persisted.
//
// The completion stream is detached from ctx cancellation so a reply that
// finishes after the caller went away is still stored.
func (a *App) SendTurn(ctx context.Context, user domain.User, req TurnRequest, observe Observer) (TurnResult, error) {
	backend, err := a.backendFor(user)
	if err != nil {
		return TurnResult{}, err
	}
	text := strings.TrimSpace(req.Text)
	staged := attachment.Stage(req.Files)
	if text == "" && len(staged) == 0 {
		return TurnResult{}, ErrEmptyTurn
	}

	conversationID := strings.TrimSpace(req.ConversationID)
	isNew := conversationID == ""
	if isNew {
		conversationID = util.NewID()
	}
	release, err := a.acquire(ctx, conversationID)
	if err != nil {
		return TurnResult{}, err
	}
	defer release()

	logger := util.LoggerFromContext(ctx).With("conversation_id", conversationID, "backend", backend.Name)
	ctx = util.ContextWithLogger(ctx, logger)

	var conversation domain.Conversation
	if !isNew {
		conversation, err = a.ownedConversation(ctx, backend, user, conversationID)
		if err != nil {
			return TurnResult{}, err
		}
	}

	t := newTurn(conversationID, observe, logger)

	var refs []domain.AttachmentReference
	if len(staged) > 0 {
		t.transition(domain.TurnUploading)
		t.emit("")
		refs, err = backend.Attachments.UploadAll(ctx, user.ID, staged)
		if err != nil {
			logger.Warn("attachment upload failed", "files", len(staged), "err", err)
			t.fail(MessageAttachmentUpload)
			return TurnResult{}, &TurnError{ConversationID: conversationID, Message: MessageAttachmentUpload, Err: ErrAttachmentUpload}
		}
	}

	now := a.now().UTC()
	if isNew {
		conversation = domain.Conversation{
			ID:        conversationID,
			OwnerID:   user.ID,
			Title:     deriveTitle(text, len(refs) > 0),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := backend.Store.CreateConversation(ctx, conversation); err != nil {
			t.fail(MessageTurnFailed)
			return TurnResult{}, fmt.Errorf("create conversation: %w", err)
		}
	}

	turnIndex, err := backend.Store.CountUserMessages(ctx, conversationID)
	if err != nil {
		t.fail(MessageTurnFailed)
		return TurnResult{}, fmt.Errorf("count user messages: %w", err)
	}
	userMsg := domain.Message{
		ID:             util.NewID(),
		ConversationID: conversationID,
		Role:           domain.RoleUser,
		Content:        text,
		Blocks:         userBlocks(text, refs),
		CreatedAt:      now,
	}
	if err := backend.Store.AppendMessage(ctx, userMsg); err != nil {
		t.fail(MessageTurnFailed)
		return TurnResult{}, fmt.Errorf("save user message: %w", err)
	}

	history, err := backend.Store.ListMessages(ctx, conversationID)
	if err != nil {
		t.fail(MessageTurnFailed)
		return TurnResult{}, fmt.Errorf("load history: %w", err)
	}
	messages := outboundMessages(ctx, history, backend.Attachments.NewInlineCache())

	var recalled []domain.Memory
	if text != "" {
		recalled = backend.Recaller.Recall(ctx, user.ID, text)
	}
	if len(recalled) > 0 {
		logger.Debug("memories recalled", "count", len(recalled))
	}

	t.transition(domain.TurnStreaming)
	t.emit("")
	streamCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.streamTimeout)
	a.completer.Stream(streamCtx, ai.CompletionRequest{
		Messages:  messages,
		System:    systemPrompt(a.systemPrompt, recalled),
		WebSearch: a.webSearch,
	}, t.handle)
	cancel()

	if !t.finished {
		msg := t.failure
		if msg == "" {
			msg = stream.MessageConnectionLost
			t.fail(msg)
		}
		logger.Warn("turn failed", "turn_index", turnIndex, "err", msg)
		return TurnResult{}, &TurnError{ConversationID: conversationID, Message: msg, Err: ErrStream}
	}

	persistCtx := context.WithoutCancel(ctx)
	reply := t.text.String()
	assistantMsg := domain.Message{
		ID:             util.NewID(),
		ConversationID: conversationID,
		Role:           domain.RoleAssistant,
		Content:        reply,
		Citations:      t.citations,
		CreatedAt:      a.now().UTC(),
	}
	if err := backend.Store.AppendMessage(persistCtx, assistantMsg); err != nil {
		logger.Error("save assistant message failed", "err", err)
		t.fail(MessageSaveFailed)
		return TurnResult{}, fmt.Errorf("save assistant message: %w", err)
	}
	if err := backend.Store.TouchConversation(persistCtx, conversationID, assistantMsg.CreatedAt); err != nil {
		logger.Warn("touch conversation failed", "err", err)
	}
	lastAt := assistantMsg.CreatedAt
	conversation.LastMessageAt = &lastAt
	t.complete()

	backend.Summaries.Dispatch(persistCtx, memory.TurnRecord{
		UserID:         user.ID,
		Authenticated:  user.Authenticated,
		ConversationID: conversationID,
		TurnIndex:      turnIndex,
		UserText:       text,
		AssistantText:  reply,
	})

	logger.Info("turn completed", "turn_index", turnIndex, "reply_chars", len(reply), "citations", len(t.citations), "memories", len(recalled))
	return TurnResult{
		Conversation:     conversation,
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
		TurnIndex:        turnIndex,
	}, nil
}
