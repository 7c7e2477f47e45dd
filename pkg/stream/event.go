package stream

import (
	"sync"

	"github.com/AllThePasswords/conversationfirst-sub000/pkg/domain"
)

// Kind tags a stream Event.
type Kind string

const (
	KindTextDelta    Kind = "text_delta"
	KindSearchStart  Kind = "search_start"
	KindSearchResult Kind = "search_result"
	KindDone         Kind = "done"
	KindError        Kind = "error"
)

// Event is the closed union emitted by the decoder. Only the field matching
// Kind is populated.
type Event struct {
	Kind      Kind
	Text      string
	Citations []domain.Citation
	Err       string
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Kind == KindDone || e.Kind == KindError
}

func TextDelta(text string) Event { return Event{Kind: KindTextDelta, Text: text} }

func SearchStart() Event { return Event{Kind: KindSearchStart} }

func SearchResult(citations []domain.Citation) Event {
	return Event{Kind: KindSearchResult, Citations: citations}
}

func Done() Event { return Event{Kind: KindDone} }

func Failure(msg string) Event { return Event{Kind: KindError, Err: msg} }

// Sink receives events in order. It is the single dispatch point for a
// stream.
type Sink func(Event)

type guard struct {
	mu       sync.Mutex
	finished bool
	next     Sink
}

// Guard wraps sink so that nothing is delivered after the first terminal
// event. Duplicate stop signals from the transport are swallowed.
func Guard(sink Sink) Sink {
	if sink == nil {
		return func(Event) {}
	}
	g := &guard{next: sink}
	return g.deliver
}

func (g *guard) deliver(evt Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.finished {
		return
	}
	if evt.Terminal() {
		g.finished = true
	}
	g.next(evt)
}
