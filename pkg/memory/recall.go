package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/AllThePasswords/conversationfirst-sub000/internal/util"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/ai"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/domain"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/store"
)

const (
	// DisplayLimit is the most memories a recall ever returns.
	DisplayLimit     = 5
	candidateLimit   = 10
	minServerQuery   = 3
	maxQueryKeywords = 5
)

// Recaller finds memories relevant to a query. Failures resolve to an empty
// result so a turn can always proceed.
type Recaller interface {
	Recall(ctx context.Context, userID, query string) []domain.Memory
}

// ServerRecaller derives keywords with a model, matches them against stored
// keyword sets and re-ranks oversized candidate sets.
type ServerRecaller struct {
	gen   ai.TextGenerator
	store store.MemoryStore
}

func NewServerRecaller(gen ai.TextGenerator, memories store.MemoryStore) *ServerRecaller {
	return &ServerRecaller{gen: gen, store: memories}
}

func (r *ServerRecaller) Recall(ctx context.Context, userID, query string) []domain.Memory {
	logger := util.LoggerFromContext(ctx)
	query = strings.TrimSpace(query)
	if len(query) < minServerQuery {
		return []domain.Memory{}
	}
	keywords, err := r.deriveKeywords(ctx, query)
	if err != nil {
		logger.Warn("memory keyword extraction failed", "err", err)
		return []domain.Memory{}
	}
	if len(keywords) == 0 {
		return []domain.Memory{}
	}
	candidates, err := r.store.SearchMemories(ctx, userID, keywords, candidateLimit)
	if err != nil {
		logger.Warn("memory search failed", "err", err)
		return []domain.Memory{}
	}
	if len(candidates) <= DisplayLimit {
		return candidates
	}
	ranked, err := r.rerank(ctx, query, candidates)
	if err != nil {
		logger.Warn("memory rerank failed", "err", err)
	}
	if len(ranked) == 0 {
		return candidates[:DisplayLimit]
	}
	return ranked
}

type keywordResponse struct {
	Keywords []string `json:"keywords"`
}

func (r *ServerRecaller) deriveKeywords(ctx context.Context, query string) ([]string, error) {
	text, err := r.gen.GenerateText(ctx, keywordInstruction, query)
	if err != nil {
		return nil, fmt.Errorf("generate keywords: %w", err)
	}
	var resp keywordResponse
	if err := ai.DecodeJSONObject(text, &resp); err != nil {
		return nil, err
	}
	return NormalizeKeywords(resp.Keywords, maxQueryKeywords), nil
}

type rerankResponse struct {
	Indices []json.RawMessage `json:"indices"`
}

// rerank asks the model for the DisplayLimit most relevant candidates.
// Out-of-range, repeated and non-numeric indices are discarded.
func (r *ServerRecaller) rerank(ctx context.Context, query string, candidates []domain.Memory) ([]domain.Memory, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Query: %s\n\nMemories:\n", query)
	for i, m := range candidates {
		fmt.Fprintf(&sb, "%d. %s\n", i, strings.TrimSpace(m.Summary))
	}
	text, err := r.gen.GenerateText(ctx, fmt.Sprintf(rerankInstruction, DisplayLimit), sb.String())
	if err != nil {
		return nil, fmt.Errorf("generate rerank: %w", err)
	}
	var resp rerankResponse
	if err := ai.DecodeJSONObject(text, &resp); err != nil {
		return nil, err
	}
	return pickIndices(resp.Indices, candidates), nil
}

func pickIndices(raw []json.RawMessage, candidates []domain.Memory) []domain.Memory {
	out := make([]domain.Memory, 0, DisplayLimit)
	seen := make(map[int]struct{}, len(raw))
	for _, entry := range raw {
		idx, ok := parseIndex(entry)
		if !ok || idx < 0 || idx >= len(candidates) {
			continue
		}
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		out = append(out, candidates[idx])
		if len(out) == DisplayLimit {
			break
		}
	}
	return out
}

func parseIndex(raw json.RawMessage) (int, bool) {
	var n json.Number
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, false
	}
	switch t := v.(type) {
	case json.Number:
		n = t
	case string:
		n = json.Number(strings.TrimSpace(t))
	default:
		return 0, false
	}
	idx, err := strconv.Atoi(n.String())
	if err != nil {
		return 0, false
	}
	return idx, true
}

// FormatContext renders recalled memories as a block for the system
// instructions. It returns "" for no memories.
func FormatContext(memories []domain.Memory) string {
	if len(memories) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Relevant notes from earlier conversations with this user:\n")
	for _, m := range memories {
		sb.WriteString("- ")
		sb.WriteString(strings.TrimSpace(m.Summary))
		if !m.CreatedAt.IsZero() {
			sb.WriteString(" (")
			sb.WriteString(m.CreatedAt.Format("2006-01-02"))
			sb.WriteString(")")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Use them only when they help answer the current message.")
	return sb.String()
}
