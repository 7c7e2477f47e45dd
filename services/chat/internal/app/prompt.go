package app

import (
	"context"
	"strings"

	"github.com/AllThePasswords/conversationfirst-sub000/internal/util"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/ai"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/attachment"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/domain"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/memory"
)

const (
	maxTitleRunes    = 40
	defaultTitle     = "New conversation"
	imageOnlyTitle   = "Image"
	missingImageText = "[image unavailable]"
	emptyMessageText = "(empty)"
)

// deriveTitle is the first maxTitleRunes runes of the first user message with
// whitespace collapsed.
func deriveTitle(text string, hasImages bool) string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		if hasImages {
			return imageOnlyTitle
		}
		return defaultTitle
	}
	runes := []rune(text)
	if len(runes) > maxTitleRunes {
		return strings.TrimSpace(string(runes[:maxTitleRunes]))
	}
	return text
}

// userBlocks lays out a user message: images first, then the text.
func userBlocks(text string, refs []domain.AttachmentReference) []domain.ContentBlock {
	if len(refs) == 0 {
		return nil
	}
	blocks := make([]domain.ContentBlock, 0, len(refs)+1)
	for _, ref := range refs {
		blocks = append(blocks, domain.ContentBlock{Type: domain.BlockImage, URL: ref.URL, MediaType: ref.MediaType})
	}
	if text != "" {
		blocks = append(blocks, domain.ContentBlock{Type: domain.BlockText, Text: text})
	}
	return blocks
}

// outboundMessages converts stored history into the completion request,
// inlining image URLs through cache. Images that cannot be fetched are
// replaced by a placeholder so the turn can still proceed.
func outboundMessages(ctx context.Context, history []domain.Message, cache *attachment.InlineCache) []ai.ChatMessage {
	logger := util.LoggerFromContext(ctx)
	out := make([]ai.ChatMessage, 0, len(history))
	for _, msg := range history {
		var blocks []ai.Block
		if len(msg.Blocks) == 0 {
			if text := strings.TrimSpace(msg.Content); text != "" {
				blocks = append(blocks, ai.Block{Type: "text", Text: msg.Content})
			}
		}
		for _, block := range msg.Blocks {
			switch block.Type {
			case domain.BlockText:
				if strings.TrimSpace(block.Text) != "" {
					blocks = append(blocks, ai.Block{Type: "text", Text: block.Text})
				}
			case domain.BlockImage:
				inline, err := cache.Payload(ctx, block.URL)
				if err != nil {
					logger.Warn("inline attachment failed", "message_id", msg.ID, "url", block.URL, "err", err)
					blocks = append(blocks, ai.Block{Type: "text", Text: missingImageText})
					continue
				}
				blocks = append(blocks, ai.Block{Type: "image", MediaType: inline.MediaType, Data: inline.Data})
			}
		}
		if len(blocks) == 0 {
			blocks = append(blocks, ai.Block{Type: "text", Text: emptyMessageText})
		}
		out = append(out, ai.ChatMessage{Role: string(msg.Role), Blocks: blocks})
	}
	return out
}

// systemPrompt appends recalled memories to the base instructions.
func systemPrompt(base string, memories []domain.Memory) string {
	notes := memory.FormatContext(memories)
	if notes == "" {
		return base
	}
	return base + "\n\n" + notes
}
