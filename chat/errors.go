package chat

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoActiveSession indicates an operation ran before SetConversationInfo.
	ErrNoActiveSession = errors.New("chat: no active conversation session")
	// ErrTransientStore wraps store failures the caller may retry.
	ErrTransientStore = errors.New("chat: transient store failure")
	// ErrLoadInProgress indicates a pagination request was dropped because another is in flight.
	ErrLoadInProgress = errors.New("chat: load already in progress")
	// ErrEmptyMessage indicates SendMessage was called with blank text.
	ErrEmptyMessage = errors.New("chat: message text is empty")
)

// PartialFanoutError records per-member write failures of a best-effort
// fan-out. It is logged, never returned to callers.
type PartialFanoutError struct {
	ConversationID string
	Failures       map[string]error
}

func (e *PartialFanoutError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for target, err := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", target, err))
	}
	return fmt.Sprintf("chat: partial fan-out for conversation %s: %s", e.ConversationID, strings.Join(parts, "; "))
}

func transient(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransientStore, err)
}
