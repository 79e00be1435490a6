package app

import "errors"

var (
	// ErrEmptyMessage is returned when the composer input is blank.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrGenerationInProgress is returned while a reply is still pending.
	ErrGenerationInProgress = errors.New("a reply is already being generated")
	// ErrConversationNotFound means the target conversation vanished.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrReplyStopped is returned by Turn.Wait after Stop.
	ErrReplyStopped = errors.New("reply stopped")
)
