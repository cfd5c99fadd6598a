package chat

import (
	"chatsync/models"
	"chatsync/store"
)

const (
	usersCollection         = "users"
	conversationsCollection = "conversations"
	messagesCollection      = "messages"

	fieldCreatedAt = "createdAt"
	fieldUpdatedAt = "updatedAt"
)

// userIndexPath is the per-member conversation index collection.
func userIndexPath(userID string) string {
	return store.Join(usersCollection, userID, conversationsCollection)
}

func messagesPath(conversationID string) string {
	return store.Join(conversationsCollection, conversationID, messagesCollection)
}

func conversationDocPath(conversationID string) string {
	return store.Join(conversationsCollection, conversationID)
}

func messageData(senderID, text string, createdAt int64) store.Data {
	return store.Data{
		"text":      text,
		"senderId":  senderID,
		"createdAt": createdAt,
		"status":    models.MessageStatusSent,
		"readBy":    map[string]any{senderID: true},
	}
}

func latestMessageData(senderID, text string) store.Data {
	return store.Data{
		"text":     text,
		"senderId": senderID,
		"readBy":   map[string]any{senderID: true},
	}
}

func conversationData(members []string, name, image string, updatedAt int64) store.Data {
	data := store.Data{
		"members":      append([]string(nil), members...),
		fieldUpdatedAt: updatedAt,
	}
	if name != "" {
		data["name"] = name
	}
	if image != "" {
		data["image"] = image
	}
	return data
}

func messageFromDocument(conversationID string, doc store.Document) models.Message {
	status := doc.Data.String("status")
	if models.ValidateMessageStatus(status) != nil {
		status = models.MessageStatusSent
	}
	return models.Message{
		ID:             doc.ID,
		ConversationID: conversationID,
		SenderID:       doc.Data.String("senderId"),
		Text:           doc.Data.String("text"),
		CreatedAt:      doc.Data.Int64(fieldCreatedAt),
		Status:         status,
		ReadBy:         doc.Data.BoolMap("readBy"),
	}
}

func conversationFromDocument(id string, data store.Data) models.Conversation {
	conv := models.Conversation{
		ID:        id,
		Members:   data.Strings("members"),
		Name:      data.String("name"),
		Image:     data.String("image"),
		UpdatedAt: data.Int64(fieldUpdatedAt),
		Typing:    data.BoolMap("typing"),
		UnRead:    data.IntMap("unRead"),
	}
	if latest := data.Map("latestMessage"); latest != nil {
		conv.LatestMessage = &models.LatestMessage{
			Text:     latest.String("text"),
			SenderID: latest.String("senderId"),
			ReadBy:   latest.BoolMap("readBy"),
		}
	}
	return conv
}
