package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/AllThePasswords/conversationfirst-sub000/internal/util"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/ai"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/domain"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/stream"
)

const (
	defaultSystemPrompt  = "You are a helpful assistant. Answer clearly and concisely."
	DefaultStreamTimeout = 5 * time.Minute
)

// Completer streams one model reply into sink. *ai.CompletionClient
// implements it.
type Completer interface {
	Stream(ctx context.Context, req ai.CompletionRequest, sink stream.Sink)
}

// TurnGuard keeps at most one turn in flight per conversation. Acquire
// reports ok=false while another turn holds the conversation.
type TurnGuard interface {
	Acquire(ctx context.Context, conversationID string) (release func(), ok bool, err error)
}

// Config holds runtime configuration for the core application.
type Config struct {
	// Hosted serves authenticated users. It may be nil, in which case only
	// device profiles are served.
	Hosted    *Backend
	Local     *Backend
	Completer Completer

	SystemPrompt string
	WebSearch    bool
	// StreamTimeout bounds one completion stream, measured from the first
	// request byte.
	StreamTimeout time.Duration
	// Guard defaults to an in-process guard, which only holds within one
	// instance.
	Guard TurnGuard
}

// App is the core application service wiring together storage and chat logic.
type App struct {
	hosted        *Backend
	local         *Backend
	completer     Completer
	systemPrompt  string
	webSearch     bool
	streamTimeout time.Duration
	now           func() time.Time
	guard         TurnGuard
}

func New(cfg Config) (*App, error) {
	if cfg.Local == nil {
		return nil, fmt.Errorf("local backend required")
	}
	if cfg.Completer == nil {
		return nil, fmt.Errorf("completion client required")
	}
	systemPrompt := strings.TrimSpace(cfg.SystemPrompt)
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	streamTimeout := cfg.StreamTimeout
	if streamTimeout <= 0 {
		streamTimeout = DefaultStreamTimeout
	}
	guard := cfg.Guard
	if guard == nil {
		guard = newLocalGuard()
	}
	return &App{
		hosted:        cfg.Hosted,
		local:         cfg.Local,
		completer:     cfg.Completer,
		systemPrompt:  systemPrompt,
		webSearch:     cfg.WebSearch,
		streamTimeout: streamTimeout,
		now:           time.Now,
		guard:         guard,
	}, nil
}

// HostedEnabled reports whether account users can be served.
func (a *App) HostedEnabled() bool {
	return a.hosted != nil
}

// Drain waits for in-flight summaries of both backends, or until ctx ends.
func (a *App) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.hosted.Wait()
		a.local.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases both backends.
func (a *App) Close() error {
	return errors.Join(a.hosted.Close(), a.local.Close())
}

func (a *App) backendFor(user domain.User) (*Backend, error) {
	if strings.TrimSpace(user.ID) == "" {
		return nil, ErrUserRequired
	}
	if !user.Authenticated {
		return a.local, nil
	}
	if a.hosted == nil {
		return nil, ErrAccountsDisabled
	}
	return a.hosted, nil
}

// acquire marks conversationID as streaming. The returned release must be
// called when the turn finishes.
func (a *App) acquire(ctx context.Context, conversationID string) (func(), error) {
	release, ok, err := a.guard.Acquire(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("acquire conversation: %w", err)
	}
	if !ok {
		return nil, ErrTurnInProgress
	}
	return release, nil
}

type localGuard struct {
	mu       sync.Mutex
	inFlight map[string]struct{}
}

func newLocalGuard() *localGuard {
	return &localGuard{inFlight: make(map[string]struct{})}
}

func (g *localGuard) Acquire(_ context.Context, conversationID string) (func(), bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.inFlight[conversationID]; busy {
		return nil, false, nil
	}
	g.inFlight[conversationID] = struct{}{}
	return func() {
		g.mu.Lock()
		delete(g.inFlight, conversationID)
		g.mu.Unlock()
	}, true, nil
}

// ListConversations lists the user's conversations, most recently active
// first.
func (a *App) ListConversations(ctx context.Context, user domain.User, limit int) ([]domain.Conversation, error) {
	backend, err := a.backendFor(user)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 30
	}
	items, err := backend.Store.ListConversations(ctx, user.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return items, nil
}

// ListMessages lists a conversation's messages in chronological order.
func (a *App) ListMessages(ctx context.Context, user domain.User, conversationID string) ([]domain.Message, error) {
	backend, err := a.backendFor(user)
	if err != nil {
		return nil, err
	}
	if _, err := a.ownedConversation(ctx, backend, user, conversationID); err != nil {
		return nil, err
	}
	items, err := backend.Store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return items, nil
}

// ListMemories returns what has been remembered for the user, newest first.
func (a *App) ListMemories(ctx context.Context, user domain.User) ([]domain.Memory, error) {
	backend, err := a.backendFor(user)
	if err != nil {
		return nil, err
	}
	items, err := backend.Store.ListMemories(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	return items, nil
}

// DeleteConversation removes a conversation with its messages, memories and
// uploaded images. A conversation with a turn in flight cannot be deleted.
func (a *App) DeleteConversation(ctx context.Context, user domain.User, conversationID string) error {
	backend, err := a.backendFor(user)
	if err != nil {
		return err
	}
	release, err := a.acquire(ctx, conversationID)
	if err != nil {
		return err
	}
	defer release()
	if _, err := a.ownedConversation(ctx, backend, user, conversationID); err != nil {
		return err
	}
	msgs, err := backend.Store.ListMessages(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}
	if err := backend.Store.DeleteConversation(ctx, user.ID, conversationID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	logger := util.LoggerFromContext(ctx)
	for _, msg := range msgs {
		for _, block := range msg.Blocks {
			if block.Type != domain.BlockImage || block.URL == "" {
				continue
			}
			if err := backend.Attachments.Delete(ctx, block.URL); err != nil {
				logger.Warn("delete attachment failed", "conversation_id", conversationID, "url", block.URL, "err", err)
			}
		}
	}
	logger.Info("conversation deleted", "conversation_id", conversationID, "backend", backend.Name)
	return nil
}

func (a *App) ownedConversation(ctx context.Context, backend *Backend, user domain.User, conversationID string) (domain.Conversation, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return domain.Conversation{}, ErrConversationNotFound
	}
	conversation, ok, err := backend.Store.GetConversation(ctx, user.ID, conversationID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	if !ok {
		return domain.Conversation{}, ErrConversationNotFound
	}
	return conversation, nil
}
