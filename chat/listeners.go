package chat

import (
	"context"
	"fmt"

	"chatsync/models"
	"chatsync/store"
)

var errNoConversation = fmt.Errorf("%w: conversation not created yet", ErrNoActiveSession)

// SubscribeToNewMessages delivers messages added to the active conversation
// after the call, in store order. Messages sent by the local user are
// skipped since SendMessage already surfaced them.
func (c *Client) SubscribeToNewMessages(ctx context.Context, callback func(models.Message)) (CancelFunc, error) {
	v, err := c.view()
	if err != nil {
		return nil, err
	}
	if v.conversationID == "" {
		return nil, errNoConversation
	}

	sub, err := c.store.Subscribe(ctx, messagesPath(v.conversationID))
	if err != nil {
		return nil, transient("subscribe messages", err)
	}

	go func() {
		seen := make(map[string]struct{})
		for change := range sub.Changes() {
			if change.Type != store.ChangeAdded {
				continue
			}
			if _, dup := seen[change.Document.ID]; dup {
				continue
			}
			seen[change.Document.ID] = struct{}{}

			msg := messageFromDocument(v.conversationID, change.Document)
			if msg.SenderID == c.self.ID {
				continue
			}
			msg.Text = v.decrypt(msg.Text)
			msg.User = v.resolveUser(c.self, msg.SenderID)

			select {
			case <-sub.Done():
				return
			default:
			}
			if callback != nil {
				c.events.safely("new message", func() { callback(msg) })
			}
			c.events.messageReceived(msg)
		}
		if err := sub.Err(); err != nil {
			c.logger.Printf("chat: message subscription for %s ended: %v", v.conversationID, err)
		}
	}()

	return sub.Cancel, nil
}

// SubscribeToConversationMetadata delivers every snapshot of the shared
// conversation document. Partner typing and unread state are recomputed
// before callback runs.
func (c *Client) SubscribeToConversationMetadata(ctx context.Context, callback func(models.Conversation)) (CancelFunc, error) {
	v, err := c.view()
	if err != nil {
		return nil, err
	}
	if v.conversationID == "" {
		return nil, errNoConversation
	}

	sub, err := c.store.Subscribe(ctx, conversationDocPath(v.conversationID))
	if err != nil {
		return nil, transient("subscribe conversation", err)
	}

	go func() {
		for change := range sub.Changes() {
			if change.Type == store.ChangeRemoved {
				continue
			}
			conv := conversationFromDocument(change.Document.ID, change.Document.Data)
			c.applyMetadata(v, conv)

			select {
			case <-sub.Done():
				return
			default:
			}
			if callback != nil {
				c.events.safely("conversation metadata", func() { callback(conv) })
			}
			c.events.metadataChanged(conv)
		}
		if err := sub.Err(); err != nil {
			c.logger.Printf("chat: metadata subscription for %s ended: %v", v.conversationID, err)
		}
	}()

	return sub.Cancel, nil
}

func (c *Client) applyMetadata(v sessionView, conv models.Conversation) {
	if len(conv.Members) == 0 {
		conv.Members = v.members
	}

	partnerTyping := false
	if partner, ok := v.firstPartner(); ok {
		partnerTyping = conv.Typing[partner.ID]
	}
	unread := othersHaveUnread(c.self.ID, conv)

	c.mu.Lock()
	defer c.mu.Unlock()

	if s := c.current(v.generation); s != nil {
		s.partnerTyping = partnerTyping
		s.othersHaveUnread = unread
	}
}
