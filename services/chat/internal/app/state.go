package app

import (
	"log/slog"
	"strings"

	"github.com/AllThePasswords/conversationfirst-sub000/pkg/domain"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/stream"
)

var transitions = map[domain.TurnState][]domain.TurnState{
	domain.TurnIdle:      {domain.TurnUploading, domain.TurnStreaming, domain.TurnError},
	domain.TurnUploading: {domain.TurnStreaming, domain.TurnError},
	domain.TurnStreaming: {domain.TurnSearching, domain.TurnIdle, domain.TurnError},
	domain.TurnSearching: {domain.TurnStreaming, domain.TurnIdle, domain.TurnError},
	domain.TurnError:     {domain.TurnIdle},
}

func canTransition(from, to domain.TurnState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Update is one observable step of a turn.
type Update struct {
	ConversationID string            `json:"conversationId"`
	State          domain.TurnState  `json:"state"`
	Delta          string            `json:"delta,omitempty"`
	Text           string            `json:"text,omitempty"`
	Searching      bool              `json:"searching"`
	Citations      []domain.Citation `json:"citations,omitempty"`
	Err            string            `json:"error,omitempty"`
}

// Observer receives updates in event order on the turn's goroutine.
type Observer func(Update)

// turn folds decoder events into the accumulator and drives the state
// machine of one SendTurn call.
type turn struct {
	conversationID string
	state          domain.TurnState
	text           strings.Builder
	searching      bool
	citations      []domain.Citation
	seen           map[string]struct{}
	finished       bool
	failure        string
	observe        Observer
	logger         *slog.Logger
}

func newTurn(conversationID string, observe Observer, logger *slog.Logger) *turn {
	if observe == nil {
		observe = func(Update) {}
	}
	return &turn{
		conversationID: conversationID,
		state:          domain.TurnIdle,
		seen:           make(map[string]struct{}),
		observe:        observe,
		logger:         logger,
	}
}

// transition moves to next and reports whether the move was legal. Illegal
// moves are logged and ignored.
func (t *turn) transition(next domain.TurnState) bool {
	if t.state == next {
		return true
	}
	if !canTransition(t.state, next) {
		t.logger.Error("illegal turn transition", "conversation_id", t.conversationID, "from", t.state, "to", next)
		return false
	}
	t.state = next
	return true
}

func (t *turn) emit(delta string) {
	t.observe(Update{
		ConversationID: t.conversationID,
		State:          t.state,
		Delta:          delta,
		Text:           t.text.String(),
		Searching:      t.searching,
		Citations:      t.citations,
		Err:            t.failure,
	})
}

// handle is the stream sink.
func (t *turn) handle(evt stream.Event) {
	switch evt.Kind {
	case stream.KindTextDelta:
		t.searching = false
		t.transition(domain.TurnStreaming)
		t.text.WriteString(evt.Text)
		t.emit(evt.Text)
	case stream.KindSearchStart:
		t.searching = true
		t.transition(domain.TurnSearching)
		t.emit("")
	case stream.KindSearchResult:
		t.searching = false
		t.addCitations(evt.Citations)
		t.transition(domain.TurnStreaming)
		t.emit("")
	case stream.KindDone:
		t.finished = true
	case stream.KindError:
		t.fail(evt.Err)
	}
}

func (t *turn) addCitations(citations []domain.Citation) {
	for _, c := range citations {
		if c.URL == "" {
			continue
		}
		if _, dup := t.seen[c.URL]; dup {
			continue
		}
		t.seen[c.URL] = struct{}{}
		t.citations = append(t.citations, c)
	}
}

// fail discards the accumulator and publishes the error state.
func (t *turn) fail(msg string) {
	t.text.Reset()
	t.searching = false
	t.failure = msg
	t.transition(domain.TurnError)
	t.emit("")
}

// complete publishes the final idle state after the reply was stored.
func (t *turn) complete() {
	t.searching = false
	t.transition(domain.TurnIdle)
	t.emit("")
}
