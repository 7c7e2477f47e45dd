package app

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/AllThePasswords/conversationfirst-sub000/internal/turnlock"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/ai"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/attachment"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/domain"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/kv"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/memory"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/storage"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/store"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/stream"
)

// scriptedCompleter replays events and records each request. When gate is
// set it blocks after entered is closed until gate is closed.
type scriptedCompleter struct {
	mu       sync.Mutex
	events   []stream.Event
	requests []ai.CompletionRequest
	entered  chan struct{}
	gate     chan struct{}
}

func (c *scriptedCompleter) Stream(ctx context.Context, req ai.CompletionRequest, sink stream.Sink) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	events := c.events
	c.mu.Unlock()
	if c.gate != nil {
		close(c.entered)
		<-c.gate
	}
	sink = stream.Guard(sink)
	for _, evt := range events {
		sink(evt)
	}
}

func (c *scriptedCompleter) lastRequest(t *testing.T) ai.CompletionRequest {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.requests) == 0 {
		t.Fatalf("completer was never called")
	}
	return c.requests[len(c.requests)-1]
}

type recordingDispatcher struct {
	mu      sync.Mutex
	records []memory.TurnRecord
}

func (d *recordingDispatcher) Dispatch(_ context.Context, rec memory.TurnRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = append(d.records, rec)
}

type failingObjects struct{ storage.AttachmentStore }

func (failingObjects) Upload(context.Context, string, []byte, string) (string, error) {
	return "", errors.New("bucket offline")
}

type harness struct {
	app        *App
	store      *store.LocalStore
	completer  *scriptedCompleter
	dispatcher *recordingDispatcher
	files      *storage.FileStore
}

func newHarness(t *testing.T, events ...stream.Event) *harness {
	t.Helper()
	files, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	localStore := store.NewLocalStore(kv.NewMemoryStore())
	dispatcher := &recordingDispatcher{}
	backend := &Backend{
		Name:        "local",
		Store:       localStore,
		Recaller:    memory.NewLocalRecaller(localStore),
		Attachments: attachment.NewPipeline(files),
		Summaries:   dispatcher,
	}
	completer := &scriptedCompleter{events: events}
	a, err := New(Config{Local: backend, Completer: completer, StreamTimeout: time.Second})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return &harness{app: a, store: localStore, completer: completer, dispatcher: dispatcher, files: files}
}

var device = domain.User{ID: "device:abc"}

func collectUpdates(updates *[]Update) Observer {
	return func(u Update) { *updates = append(*updates, u) }
}

func TestSendTurnPersistsBothMessagesOnDone(t *testing.T) {
	h := newHarness(t, stream.TextDelta("Hel"), stream.TextDelta("lo!"), stream.Done())
	ctx := context.Background()

	var updates []Update
	res, err := h.app.SendTurn(ctx, device, TurnRequest{Text: "  What is a goroutine?  "}, collectUpdates(&updates))
	if err != nil {
		t.Fatalf("send turn: %v", err)
	}
	if res.Conversation.Title != "What is a goroutine?" || res.TurnIndex != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	msgs, err := h.store.ListMessages(ctx, res.Conversation.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != domain.RoleUser || msgs[1].Content != "Hello!" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	if msgs[1].Citations != nil {
		t.Fatalf("citations must be absent when none were collected, got %+v", msgs[1].Citations)
	}

	states := make([]domain.TurnState, 0, len(updates))
	for _, u := range updates {
		states = append(states, u.State)
	}
	want := []domain.TurnState{domain.TurnStreaming, domain.TurnStreaming, domain.TurnStreaming, domain.TurnIdle}
	if len(states) != len(want) {
		t.Fatalf("unexpected states %v", states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("unexpected states %v", states)
		}
	}
	if updates[2].Text != "Hello!" || updates[2].Delta != "lo!" {
		t.Fatalf("unexpected accumulator update %+v", updates[2])
	}

	if len(h.dispatcher.records) != 1 {
		t.Fatalf("expected one summary dispatch, got %d", len(h.dispatcher.records))
	}
	rec := h.dispatcher.records[0]
	if rec.TurnIndex != 0 || rec.UserText != "What is a goroutine?" || rec.AssistantText != "Hello!" {
		t.Fatalf("unexpected turn record %+v", rec)
	}

	conv, ok, _ := h.store.GetConversation(ctx, device.ID, res.Conversation.ID)
	if !ok || conv.LastMessageAt == nil {
		t.Fatalf("conversation should be touched, got %+v", conv)
	}
}

func TestSendTurnIndexCountsPriorUserMessages(t *testing.T) {
	h := newHarness(t, stream.TextDelta("ok"), stream.Done())
	ctx := context.Background()
	first, err := h.app.SendTurn(ctx, device, TurnRequest{Text: "first"}, nil)
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	second, err := h.app.SendTurn(ctx, device, TurnRequest{ConversationID: first.Conversation.ID, Text: "second"}, nil)
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if second.TurnIndex != 1 {
		t.Fatalf("expected turn index 1, got %d", second.TurnIndex)
	}
	req := h.completer.lastRequest(t)
	if len(req.Messages) != 3 || req.Messages[2].Blocks[0].Text != "second" {
		t.Fatalf("outbound list must carry full history, got %+v", req.Messages)
	}
	if second.Conversation.Title != "first" {
		t.Fatalf("title must not change after creation, got %q", second.Conversation.Title)
	}
}

func TestSendTurnStreamErrorKeepsUserMessageOnly(t *testing.T) {
	h := newHarness(t, stream.TextDelta("par"), stream.TextDelta("tial"), stream.Failure(stream.MessageConnectionLost))
	ctx := context.Background()

	var updates []Update
	_, err := h.app.SendTurn(ctx, device, TurnRequest{Text: "tell me a story"}, collectUpdates(&updates))
	var turnErr *TurnError
	if !errors.As(err, &turnErr) || !errors.Is(err, ErrStream) {
		t.Fatalf("expected stream TurnError, got %v", err)
	}
	if turnErr.Message != stream.MessageConnectionLost {
		t.Fatalf("unexpected message %q", turnErr.Message)
	}
	msgs, _ := h.store.ListMessages(ctx, turnErr.ConversationID)
	if len(msgs) != 1 || msgs[0].Role != domain.RoleUser {
		t.Fatalf("only the user message may persist, got %+v", msgs)
	}
	last := updates[len(updates)-1]
	if last.State != domain.TurnError || last.Text != "" || last.Err == "" {
		t.Fatalf("accumulator must be discarded on error, got %+v", last)
	}
	if len(h.dispatcher.records) != 0 {
		t.Fatalf("failed turns must not be summarized")
	}
}

func TestSendTurnWithoutTerminalEventFails(t *testing.T) {
	h := newHarness(t, stream.TextDelta("never finished"))
	_, err := h.app.SendTurn(context.Background(), device, TurnRequest{Text: "hello"}, nil)
	var turnErr *TurnError
	if !errors.As(err, &turnErr) || turnErr.Message != stream.MessageConnectionLost {
		t.Fatalf("expected connection lost, got %v", err)
	}
}

func TestSendTurnCollectsSearchCitations(t *testing.T) {
	cite := domain.Citation{URL: "https://go.dev", Title: "Go"}
	h := newHarness(t,
		stream.SearchStart(),
		stream.SearchResult([]domain.Citation{cite, {URL: "https://pkg.go.dev", Title: "Pkg"}}),
		stream.TextDelta("See the docs."),
		stream.SearchResult([]domain.Citation{cite}),
		stream.Done(),
	)
	var updates []Update
	res, err := h.app.SendTurn(context.Background(), device, TurnRequest{Text: "latest go release"}, collectUpdates(&updates))
	if err != nil {
		t.Fatalf("send turn: %v", err)
	}
	if got := res.AssistantMessage.Citations; len(got) != 2 || got[0].URL != "https://go.dev" {
		t.Fatalf("expected two deduplicated citations, got %+v", got)
	}
	if updates[1].State != domain.TurnSearching || !updates[1].Searching {
		t.Fatalf("expected searching update, got %+v", updates[1])
	}
	if updates[2].Searching {
		t.Fatalf("search result must clear the searching flag")
	}
}

func TestSendTurnRejectsConcurrentTurn(t *testing.T) {
	h := newHarness(t, stream.TextDelta("ok"), stream.Done())
	ctx := context.Background()
	first, err := h.app.SendTurn(ctx, device, TurnRequest{Text: "start"}, nil)
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}

	h.completer.entered = make(chan struct{})
	h.completer.gate = make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := h.app.SendTurn(ctx, device, TurnRequest{ConversationID: first.Conversation.ID, Text: "slow"}, nil)
		done <- err
	}()
	<-h.completer.entered

	if _, err := h.app.SendTurn(ctx, device, TurnRequest{ConversationID: first.Conversation.ID, Text: "again"}, nil); !errors.Is(err, ErrTurnInProgress) {
		t.Fatalf("expected ErrTurnInProgress, got %v", err)
	}
	if err := h.app.DeleteConversation(ctx, device, first.Conversation.ID); !errors.Is(err, ErrTurnInProgress) {
		t.Fatalf("delete during a turn must be refused, got %v", err)
	}
	close(h.completer.gate)
	if err := <-done; err != nil {
		t.Fatalf("blocked turn: %v", err)
	}
}

func TestSendTurnPersistsReplyAfterCallerLeaves(t *testing.T) {
	h := newHarness(t, stream.TextDelta("still here"), stream.Done())
	h.completer.entered = make(chan struct{})
	h.completer.gate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan TurnResult, 1)
	go func() {
		res, _ := h.app.SendTurn(ctx, device, TurnRequest{Text: "long question"}, nil)
		done <- res
	}()
	<-h.completer.entered
	cancel()
	close(h.completer.gate)

	res := <-done
	msgs, _ := h.store.ListMessages(context.Background(), res.Conversation.ID)
	if len(msgs) != 2 || msgs[1].Content != "still here" {
		t.Fatalf("reply must be stored after cancellation, got %+v", msgs)
	}
}

func TestSendTurnInjectsRecalledMemories(t *testing.T) {
	h := newHarness(t, stream.TextDelta("ok"), stream.Done())
	ctx := context.Background()
	if _, err := h.store.InsertMemory(ctx, domain.Memory{
		ID:             "m1",
		UserID:         device.ID,
		ConversationID: "old",
		Summary:        "User is planning a trip to Lisbon.",
		Keywords:       []string{"lisbon", "trip"},
		CreatedAt:      time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("insert memory: %v", err)
	}
	if _, err := h.app.SendTurn(ctx, device, TurnRequest{Text: "What should I pack for Lisbon?"}, nil); err != nil {
		t.Fatalf("send turn: %v", err)
	}
	req := h.completer.lastRequest(t)
	if !strings.Contains(req.System, "trip to Lisbon") {
		t.Fatalf("expected recalled memory in system prompt, got %q", req.System)
	}
}

func TestSendTurnUploadsAndInlinesImages(t *testing.T) {
	h := newHarness(t, stream.TextDelta("A red square."), stream.Done())
	ctx := context.Background()
	files := []attachment.File{
		{Name: "a.png", MediaType: "image/png", Data: pngBytes(t, 8, 8)},
		{Name: "notes.txt", MediaType: "text/plain", Data: []byte("dropped")},
	}
	var updates []Update
	res, err := h.app.SendTurn(ctx, device, TurnRequest{Text: "what is this?", Files: files}, collectUpdates(&updates))
	if err != nil {
		t.Fatalf("send turn: %v", err)
	}
	if updates[0].State != domain.TurnUploading {
		t.Fatalf("expected uploading first, got %+v", updates[0])
	}
	blocks := res.UserMessage.Blocks
	if len(blocks) != 2 || blocks[0].Type != domain.BlockImage || !strings.HasPrefix(blocks[0].URL, "file://") || blocks[1].Text != "what is this?" {
		t.Fatalf("unexpected user blocks %+v", blocks)
	}
	req := h.completer.lastRequest(t)
	out := req.Messages[0].Blocks
	if len(out) != 2 || out[0].Type != "image" || out[0].MediaType != "image/png" || out[0].Data == "" {
		t.Fatalf("expected inlined image, got %+v", out)
	}
}

func TestSendTurnUploadFailureAbortsBeforeModelCall(t *testing.T) {
	h := newHarness(t, stream.Done())
	h.app.local.Attachments = attachment.NewPipeline(failingObjects{})
	ctx := context.Background()

	var updates []Update
	_, err := h.app.SendTurn(ctx, device, TurnRequest{
		Text:  "look",
		Files: []attachment.File{{Name: "a.png", MediaType: "image/png", Data: pngBytes(t, 4, 4)}},
	}, collectUpdates(&updates))
	if !errors.Is(err, ErrAttachmentUpload) {
		t.Fatalf("expected upload error, got %v", err)
	}
	if len(h.completer.requests) != 0 {
		t.Fatalf("model must not be called after an upload failure")
	}
	convs, _ := h.store.ListConversations(ctx, device.ID, 10)
	if len(convs) != 0 {
		t.Fatalf("nothing may be persisted after an upload failure, got %+v", convs)
	}
	if last := updates[len(updates)-1]; last.State != domain.TurnError || last.Err != MessageAttachmentUpload {
		t.Fatalf("unexpected last update %+v", last)
	}
}

func TestSendTurnValidation(t *testing.T) {
	h := newHarness(t, stream.Done())
	ctx := context.Background()
	if _, err := h.app.SendTurn(ctx, device, TurnRequest{Text: "   "}, nil); !errors.Is(err, ErrEmptyTurn) {
		t.Fatalf("expected ErrEmptyTurn, got %v", err)
	}
	if _, err := h.app.SendTurn(ctx, domain.User{ID: "u1", Authenticated: true}, TurnRequest{Text: "hi"}, nil); !errors.Is(err, ErrAccountsDisabled) {
		t.Fatalf("expected ErrAccountsDisabled, got %v", err)
	}
	if _, err := h.app.SendTurn(ctx, device, TurnRequest{ConversationID: "missing", Text: "hi"}, nil); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
	if _, err := h.app.SendTurn(ctx, domain.User{}, TurnRequest{Text: "hi"}, nil); !errors.Is(err, ErrUserRequired) {
		t.Fatalf("expected ErrUserRequired, got %v", err)
	}
}

func TestDeriveTitle(t *testing.T) {
	long := strings.Repeat("é", 50)
	if got := deriveTitle(long, false); len([]rune(got)) != maxTitleRunes {
		t.Fatalf("expected %d runes, got %d", maxTitleRunes, len([]rune(got)))
	}
	if got := deriveTitle("  two\n\nlines  ", false); got != "two lines" {
		t.Fatalf("unexpected title %q", got)
	}
	if got := deriveTitle("", true); got != imageOnlyTitle {
		t.Fatalf("unexpected image title %q", got)
	}
}

func TestDeleteConversationCascades(t *testing.T) {
	h := newHarness(t, stream.TextDelta("ok"), stream.Done())
	ctx := context.Background()
	res, err := h.app.SendTurn(ctx, device, TurnRequest{
		Text:  "keep this",
		Files: []attachment.File{{Name: "a.png", MediaType: "image/png", Data: pngBytes(t, 4, 4)}},
	}, nil)
	if err != nil {
		t.Fatalf("send turn: %v", err)
	}
	imageURL := res.UserMessage.Blocks[0].URL

	other := domain.User{ID: "device:other"}
	if err := h.app.DeleteConversation(ctx, other, res.Conversation.ID); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("foreign owner must not see the conversation, got %v", err)
	}
	if err := h.app.DeleteConversation(ctx, device, res.Conversation.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := h.app.ListMessages(ctx, device, res.Conversation.ID); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected deleted conversation to be gone, got %v", err)
	}
	if _, err := os.Stat(strings.TrimPrefix(imageURL, "file://")); !os.IsNotExist(err) {
		t.Fatalf("attachment should be removed, stat err=%v", err)
	}
}

// gatedGenerator counts calls and, when gate is set, blocks until it closes.
type gatedGenerator struct {
	mu    sync.Mutex
	calls int
	gate  chan struct{}
}

func (g *gatedGenerator) GenerateText(ctx context.Context, _, _ string) (string, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	if g.gate != nil {
		<-g.gate
	}
	return "", errors.New("generator offline")
}

func (g *gatedGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// withAsyncSummaries swaps the recording dispatcher for the real one.
func withAsyncSummaries(h *harness, gen *gatedGenerator) *memory.AsyncDispatcher {
	dispatcher := memory.NewAsyncDispatcher(memory.NewSummarizer(gen, h.store), time.Second)
	h.app.local.Summaries = dispatcher
	return dispatcher
}

func TestSendTurnTrivialExchangeLeavesNoMemory(t *testing.T) {
	h := newHarness(t, stream.TextDelta("hello"), stream.Done())
	gen := &gatedGenerator{}
	dispatcher := withAsyncSummaries(h, gen)
	ctx := context.Background()

	if _, err := h.app.SendTurn(ctx, device, TurnRequest{Text: "hi"}, nil); err != nil {
		t.Fatalf("send turn: %v", err)
	}
	dispatcher.Wait()
	if gen.callCount() != 0 {
		t.Fatalf("trivial turn must not reach the model, got %d calls", gen.callCount())
	}
	memories, err := h.app.ListMemories(ctx, device)
	if err != nil {
		t.Fatalf("list memories: %v", err)
	}
	if len(memories) != 0 {
		t.Fatalf("expected no memories, got %+v", memories)
	}
}

type failingAppendStore struct{ store.Store }

func (failingAppendStore) AppendMessage(context.Context, domain.Message) error {
	return errors.New("disk full")
}

func TestSendTurnStoreFailureReachesErrorState(t *testing.T) {
	h := newHarness(t, stream.TextDelta("ok"), stream.Done())
	h.app.local.Store = failingAppendStore{h.store}
	ctx := context.Background()

	var updates []Update
	_, err := h.app.SendTurn(ctx, device, TurnRequest{Text: "remember this"}, collectUpdates(&updates))
	if err == nil {
		t.Fatalf("expected save failure")
	}
	if len(updates) == 0 {
		t.Fatalf("observer saw no updates")
	}
	if last := updates[len(updates)-1]; last.State != domain.TurnError || last.Err != MessageTurnFailed {
		t.Fatalf("expected error state, got %+v", last)
	}
	if len(h.completer.requests) != 0 {
		t.Fatalf("model must not be called when the user message was not saved")
	}
}

func TestDrainWaitsForPendingSummaries(t *testing.T) {
	h := newHarness(t, stream.TextDelta(strings.Repeat("a long enough reply ", 4)), stream.Done())
	gen := &gatedGenerator{gate: make(chan struct{})}
	withAsyncSummaries(h, gen)
	ctx := context.Background()

	if _, err := h.app.SendTurn(ctx, device, TurnRequest{Text: "tell me about goroutine scheduling"}, nil); err != nil {
		t.Fatalf("send turn: %v", err)
	}
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := h.app.Drain(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected drain to time out while a summary runs, got %v", err)
	}
	close(gen.gate)
	if err := h.app.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if gen.callCount() != 1 {
		t.Fatalf("expected one summary call, got %d", gen.callCount())
	}
}

func TestSharedGuardRejectsTurnOnOtherInstance(t *testing.T) {
	mr := miniredis.RunT(t)
	newLock := func() *turnlock.RedisLock {
		lock, err := turnlock.NewRedisLock(mr.Addr(), "", "test:inflight", time.Minute)
		if err != nil {
			t.Fatalf("new redis lock: %v", err)
		}
		t.Cleanup(func() { _ = lock.Close() })
		return lock
	}
	h := newHarness(t, stream.TextDelta("ok"), stream.Done())
	h.app.guard = newLock()
	other, err := New(Config{Local: h.app.local, Completer: h.completer, StreamTimeout: time.Second, Guard: newLock()})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	ctx := context.Background()
	first, err := h.app.SendTurn(ctx, device, TurnRequest{Text: "start"}, nil)
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}

	h.completer.entered = make(chan struct{})
	h.completer.gate = make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := h.app.SendTurn(ctx, device, TurnRequest{ConversationID: first.Conversation.ID, Text: "slow"}, nil)
		done <- err
	}()
	<-h.completer.entered

	if _, err := other.SendTurn(ctx, device, TurnRequest{ConversationID: first.Conversation.ID, Text: "again"}, nil); !errors.Is(err, ErrTurnInProgress) {
		t.Fatalf("expected ErrTurnInProgress from the other instance, got %v", err)
	}
	if err := other.DeleteConversation(ctx, device, first.Conversation.ID); !errors.Is(err, ErrTurnInProgress) {
		t.Fatalf("delete on the other instance must be refused, got %v", err)
	}
	close(h.completer.gate)
	if err := <-done; err != nil {
		t.Fatalf("blocked turn: %v", err)
	}
	h.completer.gate = nil
	if _, err := other.SendTurn(ctx, device, TurnRequest{ConversationID: first.Conversation.ID, Text: "after"}, nil); err != nil {
		t.Fatalf("turn after release: %v", err)
	}
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}
