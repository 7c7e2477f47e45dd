package server

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/AllThePasswords/conversationfirst-sub000/internal/util"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/attachment"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/domain"
	"github.com/AllThePasswords/conversationfirst-sub000/services/chat/internal/app"
)

const (
	imagesField       = "images"
	maxJSONTurnBytes  = 1 << 20
	maxMultipartBytes = attachment.MaxFilesPerTurn*attachment.MaxFileBytes + 1<<20
)

type turnRequest struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
}

// handleTurns starts one turn and streams its progress as server-sent
// events. Errors raised before the first update are plain JSON responses.
func (s *Server) handleTurns(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	logger := util.LoggerFromContext(r.Context())
	if s.limiter != nil {
		decision, err := s.limiter.Allow(r.Context(), user.ID)
		if err != nil {
			logger.Error("turn rate limit check failed", "err", err)
			writeError(w, http.StatusServiceUnavailable, "rate limiter unavailable")
			return
		}
		if !decision.Allowed {
			if secs := int(math.Ceil(decision.RetryAfter.Seconds())); secs > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(secs))
			}
			writeError(w, http.StatusTooManyRequests, "too many messages, try again later")
			return
		}
	}

	req, status, err := decodeTurn(w, r)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}

	events := &turnEvents{w: w}
	result, err := s.app.SendTurn(r.Context(), user, req, events.observe)
	if events.sse == nil {
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}
	if err != nil {
		var turnErr *app.TurnError
		if !errors.As(err, &turnErr) {
			logger.Error("turn failed", "err", err)
			_, msg := appErrorStatus(err)
			if !events.failed {
				events.send("error", map[string]string{"message": msg})
			}
		}
		return
	}
	events.send("done", result)
}

func decodeTurn(w http.ResponseWriter, r *http.Request) (app.TurnRequest, int, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, maxMultipartBytes)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return app.TurnRequest{}, http.StatusRequestEntityTooLarge, errors.New("request too large")
			}
			return app.TurnRequest{}, http.StatusBadRequest, errors.New("invalid multipart body")
		}
		files, err := readImages(r)
		if err != nil {
			return app.TurnRequest{}, http.StatusBadRequest, err
		}
		return app.TurnRequest{
			ConversationID: r.FormValue("conversationId"),
			Text:           r.FormValue("text"),
			Files:          files,
		}, 0, nil
	}
	var body turnRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONTurnBytes)).Decode(&body); err != nil {
		return app.TurnRequest{}, http.StatusBadRequest, errors.New("invalid JSON body")
	}
	return app.TurnRequest{ConversationID: body.ConversationID, Text: body.Text}, 0, nil
}

// readImages loads the uploaded parts. Oversized or unsupported files are
// passed through and dropped by attachment staging.
func readImages(r *http.Request) ([]attachment.File, error) {
	if r.MultipartForm == nil {
		return nil, nil
	}
	headers := r.MultipartForm.File[imagesField]
	files := make([]attachment.File, 0, len(headers))
	for _, header := range headers {
		f, err := header.Open()
		if err != nil {
			return nil, errors.New("failed to read image")
		}
		data, err := io.ReadAll(io.LimitReader(f, attachment.MaxFileBytes+1))
		_ = f.Close()
		if err != nil {
			return nil, errors.New("failed to read image")
		}
		mediaType := strings.TrimSpace(header.Header.Get("Content-Type"))
		if mediaType == "" || mediaType == "application/octet-stream" {
			mediaType = http.DetectContentType(data)
		}
		files = append(files, attachment.File{Name: header.Filename, MediaType: mediaType, Data: data})
	}
	return files, nil
}

// turnEvents translates app updates into named SSE events. The stream is
// opened lazily on the first update.
type turnEvents struct {
	w         http.ResponseWriter
	sse       *util.SSEWriter
	opened    bool
	state     domain.TurnState
	searching bool
	citations int
	failed    bool
}

func (e *turnEvents) observe(u app.Update) {
	if !e.opened {
		e.opened = true
		sse, err := util.NewSSEWriter(e.w)
		if err != nil {
			return
		}
		e.sse = sse
		e.send("conversation", map[string]string{"conversationId": u.ConversationID})
	}
	if u.State != e.state {
		e.state = u.State
		e.send("state", map[string]string{"state": string(u.State)})
	}
	if u.Searching != e.searching {
		e.searching = u.Searching
		e.send("search", map[string]bool{"searching": u.Searching})
	}
	if len(u.Citations) != e.citations {
		e.citations = len(u.Citations)
		e.send("citations", map[string]any{"citations": u.Citations})
	}
	if u.Delta != "" {
		e.send("delta", map[string]string{"text": u.Delta})
	}
	if u.Err != "" && !e.failed {
		e.failed = true
		e.send("error", map[string]string{"message": u.Err})
	}
}

func (e *turnEvents) send(event string, data any) {
	if e.sse == nil {
		return
	}
	_ = e.sse.Send(event, data)
}
