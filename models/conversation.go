package models

// LatestMessage is the denormalized summary stored on each member's conversation index.
type LatestMessage struct {
	Text     string          `json:"text"`
	SenderID string          `json:"sender_id"`
	ReadBy   map[string]bool `json:"read_by,omitempty"`
}

// Conversation is a chat thread between a fixed set of members.
type Conversation struct {
	ID            string          `json:"id"`
	Members       []string        `json:"members"`
	Name          string          `json:"name,omitempty"`
	Image         string          `json:"image,omitempty"`
	LatestMessage *LatestMessage  `json:"latest_message,omitempty"`
	UpdatedAt     int64           `json:"updated_at"`
	Typing        map[string]bool `json:"typing,omitempty"`
	UnRead        map[string]int  `json:"unread,omitempty"`
}

// HasMember reports whether userID belongs to the conversation.
func (c Conversation) HasMember(userID string) bool {
	for _, member := range c.Members {
		if member == userID {
			return true
		}
	}
	return false
}
