package models

import "fmt"

const (
	// MessageStatusSending marks an optimistic message not yet persisted.
	MessageStatusSending = "sending"
	// MessageStatusSent marks a message accepted by the store.
	MessageStatusSent = "sent"
	// MessageStatusFailed marks a message whose primary write failed.
	MessageStatusFailed = "failed"
	// MessageStatusRead marks a message read by its recipients.
	MessageStatusRead = "read"
)

// Message is a chat message as seen by the engine's consumers, with plaintext text.
type Message struct {
	ID             string          `json:"id"`
	LocalID        string          `json:"local_id,omitempty"`
	ConversationID string          `json:"conversation_id"`
	SenderID       string          `json:"sender_id"`
	Text           string          `json:"text"`
	CreatedAt      int64           `json:"created_at"`
	Status         string          `json:"status"`
	ReadBy         map[string]bool `json:"read_by,omitempty"`
	User           User            `json:"user"`
}

// ValidateMessageStatus rejects unknown status values.
func ValidateMessageStatus(status string) error {
	switch status {
	case MessageStatusSending, MessageStatusSent, MessageStatusFailed, MessageStatusRead:
		return nil
	default:
		return fmt.Errorf("invalid message status %q", status)
	}
}
