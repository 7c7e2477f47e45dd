package util

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSSEWriterFramesEvents(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	if err != nil {
		t.Fatalf("new sse writer: %v", err)
	}
	if err := w.Send("delta", map[string]string{"text": "hi"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := w.Send("done", map[string]any{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("unexpected content type %q", got)
	}
	want := "event: delta\ndata: {\"text\":\"hi\"}\n\nevent: done\ndata: {}\n\n"
	if rec.Body.String() != want {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
	if !rec.Flushed {
		t.Fatalf("expected flush")
	}
}

func TestSSEWriterRejectsUnmarshalable(t *testing.T) {
	w, err := NewSSEWriter(httptest.NewRecorder())
	if err != nil {
		t.Fatalf("new sse writer: %v", err)
	}
	if err := w.Send("bad", make(chan int)); err == nil || !strings.Contains(err.Error(), "marshal") {
		t.Fatalf("expected marshal error, got %v", err)
	}
}
