package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"golang.org/x/net/html"

	"github.com/AllThePasswords/conversationfirst-sub000/internal/util"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/domain"
)

var doneSentinel = []byte("[DONE]")

// Decode consumes an event-stream response body and emits events to sink in
// order. Exactly one terminal event is delivered: Done when the stream
// reaches its stop record, Error otherwise. The body is closed on return.
// Diagnostics go to the logger carried by ctx.
func Decode(ctx context.Context, resp *http.Response, sink Sink) {
	logger := util.LoggerFromContext(ctx)
	sink = Guard(sink)
	dec := ssestream.NewDecoder(resp)
	if dec == nil {
		sink(Failure(MessageConnectionLost))
		return
	}
	defer dec.Close()

	for dec.Next() {
		evt := dec.Event()
		events, ok := parseRecord(logger, evt.Type, evt.Data)
		if !ok {
			continue
		}
		for _, out := range events {
			sink(out)
			if out.Terminal() {
				return
			}
		}
	}
	if err := dec.Err(); err != nil {
		logger.Warn("event stream read failed", "err", err)
	}
	sink(Failure(MessageConnectionLost))
}

// DecodeReader is Decode for a bare body.
func DecodeReader(ctx context.Context, r io.Reader, sink Sink) {
	Decode(ctx, &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
		Body:       io.NopCloser(r),
	}, sink)
}

type record struct {
	Type         string        `json:"type"`
	ContentBlock *contentBlock `json:"content_block"`
	Delta        *delta        `json:"delta"`
	Error        *recordError  `json:"error"`
}

type contentBlock struct {
	Type    string          `json:"type"`
	Name    string          `json:"name"`
	Content json.RawMessage `json:"content"`
}

type delta struct {
	Type     string         `json:"type"`
	Text     string         `json:"text"`
	Citation *citationEntry `json:"citation"`
}

type citationEntry struct {
	Type  string `json:"type"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

type recordError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// parseRecord maps one framed record to zero or more events. ok is false
// when the record could not be understood and must be dropped.
func parseRecord(logger *slog.Logger, eventType string, data []byte) ([]Event, bool) {
	payload := bytes.TrimSpace(data)
	if bytes.Equal(payload, doneSentinel) {
		return []Event{Done()}, true
	}
	if len(payload) == 0 {
		if eventType == "message_stop" {
			return []Event{Done()}, true
		}
		return nil, false
	}
	var rec record
	if err := json.Unmarshal(payload, &rec); err != nil {
		logger.Debug("dropping malformed stream record", "event", eventType, "err", err)
		return nil, false
	}
	kind := rec.Type
	if kind == "" {
		kind = eventType
	}

	switch kind {
	case "content_block_delta":
		if rec.Delta == nil {
			return nil, false
		}
		switch rec.Delta.Type {
		case "text_delta":
			if rec.Delta.Text == "" {
				return nil, true
			}
			return []Event{TextDelta(rec.Delta.Text)}, true
		case "citations_delta":
			if rec.Delta.Citation == nil || strings.TrimSpace(rec.Delta.Citation.URL) == "" {
				return nil, true
			}
			return []Event{SearchResult([]domain.Citation{{
				URL:   strings.TrimSpace(rec.Delta.Citation.URL),
				Title: plainTitle(rec.Delta.Citation.Title),
			}})}, true
		default:
			return nil, true
		}
	case "content_block_start":
		if rec.ContentBlock == nil {
			return nil, false
		}
		switch rec.ContentBlock.Type {
		case "server_tool_use":
			return []Event{SearchStart()}, true
		case "web_search_tool_result":
			return []Event{SearchResult(searchResults(rec.ContentBlock.Content))}, true
		default:
			return nil, true
		}
	case "message_stop":
		return []Event{Done()}, true
	case "error":
		errType := ""
		if rec.Error != nil {
			errType = rec.Error.Type
		}
		return []Event{Failure(CategorizeErrorType(errType).Message())}, true
	case "ping", "message_start", "message_delta", "content_block_stop":
		return nil, true
	default:
		return nil, false
	}
}

// searchResults reads the result list of a web search block. An error
// payload yields an empty list, which still ends the searching phase.
func searchResults(raw json.RawMessage) []domain.Citation {
	if len(raw) == 0 {
		return nil
	}
	var entries []citationEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil
	}
	out := make([]domain.Citation, 0, len(entries))
	for _, entry := range entries {
		url := strings.TrimSpace(entry.URL)
		if url == "" {
			continue
		}
		out = append(out, domain.Citation{URL: url, Title: plainTitle(entry.Title)})
	}
	return out
}

// plainTitle strips markup and entities from a result title.
func plainTitle(raw string) string {
	if !strings.ContainsAny(raw, "<&") {
		return strings.TrimSpace(raw)
	}
	var sb strings.Builder
	z := html.NewTokenizer(strings.NewReader(raw))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(sb.String()), " ")
		case html.TextToken:
			sb.Write(z.Text())
		}
	}
}
