package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/AllThePasswords/conversationfirst-sub000/internal/util"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/stream"
)

const (
	defaultCompletionBaseURL = "https://api.anthropic.com"
	defaultCompletionVersion = "2023-06-01"
	defaultMaxTokens         = 4096
	webSearchToolType        = "web_search_20250305"
	webSearchToolName        = "web_search"
	defaultWebSearchMaxUses  = 5
)

// CompletionConfig configures the streaming completion client.
type CompletionConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	// FirstByteTimeout bounds the wait for response headers.
	FirstByteTimeout time.Duration
}

// CompletionClient streams replies from a Messages-style completion endpoint.
type CompletionClient struct {
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int
	httpClient *http.Client
}

// Block is one typed content block of an outbound message.
type Block struct {
	Type      string // "text" or "image"
	Text      string
	MediaType string
	Data      string // base64 payload for image blocks
}

// ChatMessage is one entry of the outbound conversation.
type ChatMessage struct {
	Role   string
	Blocks []Block
}

// CompletionRequest is one streaming call.
type CompletionRequest struct {
	Messages  []ChatMessage
	System    string
	WebSearch bool
}

func NewCompletionClient(cfg CompletionConfig) (*CompletionClient, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("completion model required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultCompletionBaseURL
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.FirstByteTimeout > 0 {
		transport.ResponseHeaderTimeout = cfg.FirstByteTimeout
	}
	return &CompletionClient{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		model:      strings.TrimSpace(cfg.Model),
		maxTokens:  maxTokens,
		httpClient: &http.Client{Transport: transport},
	}, nil
}

// Stream sends req and feeds decoded events to sink until exactly one
// terminal event. Transport failures and non-2xx statuses become a single
// Error event; nothing is retried. Stream returns once the terminal event has
// been delivered.
func (c *CompletionClient) Stream(ctx context.Context, req CompletionRequest, sink stream.Sink) {
	sink = stream.Guard(sink)
	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		util.LoggerFromContext(ctx).Error("completion request encode failed", "err", err)
		sink(stream.Failure(stream.MessageMalformedRequest))
		return
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		sink(stream.Failure(stream.MessageGeneric))
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("anthropic-version", defaultCompletionVersion)
	if c.apiKey != "" {
		httpReq.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("completion request failed", "err", err)
		sink(stream.Failure(transportMessage(ctx, err)))
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		var errResp completionErrorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = json.Unmarshal(raw, &errResp)
		util.LoggerFromContext(ctx).Warn("completion request rejected", "status", resp.StatusCode, "type", errResp.Error.Type, "message", errResp.Error.Message)
		sink(stream.Failure(stream.DescribeStatus(resp.StatusCode, errResp.Error.Type)))
		return
	}

	stream.Decode(ctx, resp, func(evt stream.Event) {
		if evt.Kind == stream.KindError && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			evt.Err = stream.MessageTimeout
		}
		sink(evt)
	})
}

func transportMessage(ctx context.Context, err error) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return stream.MessageTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return stream.MessageTimeout
	}
	return stream.MessageUpstreamUnavailable
}

func (c *CompletionClient) buildRequest(req CompletionRequest) completionRequest {
	out := completionRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Stream:    true,
		System:    strings.TrimSpace(req.System),
		Messages:  make([]completionMessage, 0, len(req.Messages)),
	}
	for _, msg := range req.Messages {
		content := make([]completionContent, 0, len(msg.Blocks))
		for _, block := range msg.Blocks {
			switch block.Type {
			case "image":
				if block.Data == "" {
					continue
				}
				content = append(content, completionContent{
					Type: "image",
					Source: &completionImageSource{
						Type:      "base64",
						MediaType: block.MediaType,
						Data:      block.Data,
					},
				})
			default:
				if block.Text == "" {
					continue
				}
				content = append(content, completionContent{Type: "text", Text: block.Text})
			}
		}
		if len(content) == 0 {
			continue
		}
		out.Messages = append(out.Messages, completionMessage{Role: msg.Role, Content: content})
	}
	if req.WebSearch {
		out.Tools = []completionTool{{
			Type:    webSearchToolType,
			Name:    webSearchToolName,
			MaxUses: defaultWebSearchMaxUses,
		}}
	}
	return out
}

type completionImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type completionContent struct {
	Type   string                 `json:"type"`
	Text   string                 `json:"text,omitempty"`
	Source *completionImageSource `json:"source,omitempty"`
}

type completionMessage struct {
	Role    string              `json:"role"`
	Content []completionContent `json:"content"`
}

type completionTool struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	MaxUses int    `json:"max_uses,omitempty"`
}

type completionRequest struct {
	Model     string              `json:"model"`
	MaxTokens int                 `json:"max_tokens"`
	Stream    bool                `json:"stream"`
	System    string              `json:"system,omitempty"`
	Messages  []completionMessage `json:"messages"`
	Tools     []completionTool    `json:"tools,omitempty"`
}

type completionErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
