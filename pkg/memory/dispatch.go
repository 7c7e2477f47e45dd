package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Dispatcher hands a finished turn to the summarizer without blocking the
// caller.
type Dispatcher interface {
	Dispatch(ctx context.Context, rec TurnRecord)
}

// AsyncDispatcher runs each summary in its own goroutine.
type AsyncDispatcher struct {
	summarizer *Summarizer
	timeout    time.Duration
	wg         sync.WaitGroup
}

func NewAsyncDispatcher(s *Summarizer, timeout time.Duration) *AsyncDispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AsyncDispatcher{summarizer: s, timeout: timeout}
}

// Dispatch starts the summary detached from ctx's cancellation; ctx values
// such as the request logger are kept.
func (d *AsyncDispatcher) Dispatch(ctx context.Context, rec TurnRecord) {
	if !rec.Qualifies() {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("memory summarizer panicked", "conversation_id", rec.ConversationID, "panic", r)
			}
		}()
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		d.summarizer.Summarize(runCtx, rec)
	}()
}

// Wait blocks until every dispatched summary has finished.
func (d *AsyncDispatcher) Wait() {
	d.wg.Wait()
}
