package app

import "errors"

var (
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrTurnInProgress is returned when the conversation already has a
	// turn streaming.
	ErrTurnInProgress   = errors.New("turn already in progress")
	ErrEmptyTurn        = errors.New("turn needs text or an image")
	ErrUserRequired     = errors.New("user id required")
	ErrAccountsDisabled = errors.New("hosted accounts are not configured")
	ErrAttachmentUpload = errors.New("attachment upload failed")
	ErrStream           = errors.New("completion stream failed")
)

// Messages shown to the user for failures the stream decoder does not
// describe itself.
const (
	MessageAttachmentUpload = "Couldn't upload your image. Please try again."
	MessageSaveFailed       = "Couldn't save the reply. Please try again."
	MessageTurnFailed       = "Couldn't send your message. Please try again."
)

// TurnError is a failed turn. Message is safe to show to the user; Err is
// one of the sentinels above.
type TurnError struct {
	ConversationID string
	Message        string
	Err            error
}

func (e *TurnError) Error() string {
	return e.Message
}

func (e *TurnError) Unwrap() error {
	return e.Err
}
