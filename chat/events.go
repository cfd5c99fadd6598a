package chat

import (
	"log"

	"chatsync/models"
)

// Handlers receive engine events. Nil handlers are skipped; panics are
// recovered and logged.
type Handlers struct {
	OnHistoryLoaded               func(messages []models.Message, hasMore bool)
	OnEarlierLoaded               func(messages []models.Message, hasMore bool)
	OnMessageReceived             func(message models.Message)
	OnConversationMetadataChanged func(conversation models.Conversation)
	OnMessageSending              func(message models.Message)
	OnMessageStatusChanged        func(message models.Message)
}

type emitter struct {
	handlers Handlers
	logger   *log.Logger
}

func (e emitter) safely(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("chat: %s handler panicked: %v", event, r)
		}
	}()
	fn()
}

func (e emitter) historyLoaded(messages []models.Message, hasMore bool) {
	if e.handlers.OnHistoryLoaded == nil {
		return
	}
	e.safely("history loaded", func() { e.handlers.OnHistoryLoaded(messages, hasMore) })
}

func (e emitter) earlierLoaded(messages []models.Message, hasMore bool) {
	if e.handlers.OnEarlierLoaded == nil {
		return
	}
	e.safely("earlier loaded", func() { e.handlers.OnEarlierLoaded(messages, hasMore) })
}

func (e emitter) messageReceived(message models.Message) {
	if e.handlers.OnMessageReceived == nil {
		return
	}
	e.safely("message received", func() { e.handlers.OnMessageReceived(message) })
}

func (e emitter) metadataChanged(conversation models.Conversation) {
	if e.handlers.OnConversationMetadataChanged == nil {
		return
	}
	e.safely("metadata changed", func() { e.handlers.OnConversationMetadataChanged(conversation) })
}

func (e emitter) messageSending(message models.Message) {
	if e.handlers.OnMessageSending == nil {
		return
	}
	e.safely("message sending", func() { e.handlers.OnMessageSending(message) })
}

func (e emitter) messageStatusChanged(message models.Message) {
	if e.handlers.OnMessageStatusChanged == nil {
		return
	}
	e.safely("message status", func() { e.handlers.OnMessageStatusChanged(message) })
}
