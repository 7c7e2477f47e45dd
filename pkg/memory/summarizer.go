package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AllThePasswords/conversationfirst-sub000/internal/util"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/ai"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/domain"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/store"
)

// MinTurnChars is the combined trimmed length below which a turn is too
// trivial to remember.
const MinTurnChars = 50

// TurnRecord is a finished turn handed to the summarizer.
type TurnRecord struct {
	UserID         string `json:"userId"`
	Authenticated  bool   `json:"authenticated"`
	ConversationID string `json:"conversationId"`
	TurnIndex      int    `json:"turnIndex"`
	UserText       string `json:"userText"`
	AssistantText  string `json:"assistantText"`
}

// Qualifies reports whether the turn is long enough to summarize.
func (r TurnRecord) Qualifies() bool {
	return len(strings.TrimSpace(r.UserText+r.AssistantText)) >= MinTurnChars
}

var (
	errTrivialTurn   = errors.New("turn below summary threshold")
	errMissingFields = errors.New("summary response missing fields")
	errNoKeywords    = errors.New("summary response has no usable keywords")
	errDuplicateTurn = errors.New("turn already summarized")
	errTransient     = errors.New("transient summary failure")
)

// Summarizer turns finished turns into stored memories.
type Summarizer struct {
	gen   ai.TextGenerator
	store store.MemoryStore
	now   func() time.Time
}

func NewSummarizer(gen ai.TextGenerator, memories store.MemoryStore) *Summarizer {
	return &Summarizer{gen: gen, store: memories, now: time.Now}
}

// Summarize records rec as a memory. Failures are logged and dropped.
func (s *Summarizer) Summarize(ctx context.Context, rec TurnRecord) {
	s.logOutcome(ctx, rec, s.summarize(ctx, rec))
}

func (s *Summarizer) logOutcome(ctx context.Context, rec TurnRecord, err error) {
	switch {
	case err == nil:
		util.LoggerFromContext(ctx).Info("memory stored", "conversation_id", rec.ConversationID, "turn_index", rec.TurnIndex)
	case errors.Is(err, errTrivialTurn), errors.Is(err, errDuplicateTurn):
		util.LoggerFromContext(ctx).Debug("memory skipped", "conversation_id", rec.ConversationID, "turn_index", rec.TurnIndex, "reason", err)
	default:
		util.LoggerFromContext(ctx).Warn("memory summarization failed", "conversation_id", rec.ConversationID, "turn_index", rec.TurnIndex, "err", err)
	}
}

// Process is Summarize for queue workers. Generator and store failures are
// returned so the job can be retried; every other outcome is final.
func (s *Summarizer) Process(ctx context.Context, rec TurnRecord) error {
	err := s.summarize(ctx, rec)
	if errors.Is(err, errTransient) {
		return err
	}
	s.logOutcome(ctx, rec, err)
	return nil
}

type summaryResponse struct {
	Summary  *string  `json:"summary"`
	Keywords []string `json:"keywords"`
}

func (s *Summarizer) summarize(ctx context.Context, rec TurnRecord) error {
	if !rec.Qualifies() {
		return errTrivialTurn
	}
	prompt := fmt.Sprintf("User: %s\n\nAssistant: %s", strings.TrimSpace(rec.UserText), strings.TrimSpace(rec.AssistantText))
	text, err := s.gen.GenerateText(ctx, summaryInstruction, prompt)
	if err != nil {
		return fmt.Errorf("%w: generate summary: %w", errTransient, err)
	}
	var resp summaryResponse
	if err := ai.DecodeJSONObject(text, &resp); err != nil {
		return err
	}
	if resp.Summary == nil || strings.TrimSpace(*resp.Summary) == "" || resp.Keywords == nil {
		return errMissingFields
	}
	keywords := NormalizeKeywords(resp.Keywords, MaxStoredKeywords)
	if len(keywords) == 0 {
		return errNoKeywords
	}
	mem := domain.Memory{
		ID:             util.NewID(),
		UserID:         rec.UserID,
		ConversationID: rec.ConversationID,
		TurnIndex:      rec.TurnIndex,
		Summary:        strings.TrimSpace(*resp.Summary),
		Keywords:       keywords,
		CreatedAt:      s.now().UTC(),
	}
	inserted, err := s.store.InsertMemory(ctx, mem)
	if err != nil {
		return fmt.Errorf("%w: insert memory: %w", errTransient, err)
	}
	if !inserted {
		return errDuplicateTurn
	}
	return nil
}
