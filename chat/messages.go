package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"chatsync/models"
	"chatsync/store"
)

const fanoutTimeout = 30 * time.Second

var errSessionChanged = fmt.Errorf("%w: session changed during request", ErrNoActiveSession)

// Page is one page of history ordered oldest to newest.
type Page struct {
	Messages []models.Message
	HasMore  bool
}

// GetMessageHistory fetches the newest pageSize messages and resets the
// pagination cursor to the oldest of them. A pageSize <= 0 uses MaxPageSize.
func (c *Client) GetMessageHistory(ctx context.Context, pageSize int) (Page, error) {
	page, _, err := c.fetchPage(ctx, pageSize, false)
	if err != nil {
		return page, err
	}
	c.events.historyLoaded(page.Messages, page.HasMore)
	return page, nil
}

// LoadMoreMessages fetches the pageSize messages older than the cursor.
// Only one pagination request runs at a time; a concurrent call returns
// ErrLoadInProgress. OnEarlierLoaded fires for every page the store
// returned, including an empty last one. Once a short page is seen, further
// calls return an empty page without querying or emitting.
func (c *Client) LoadMoreMessages(ctx context.Context, pageSize int) (Page, error) {
	page, queried, err := c.fetchPage(ctx, pageSize, true)
	if err != nil {
		return page, err
	}
	if queried {
		c.events.earlierLoaded(page.Messages, page.HasMore)
	}
	return page, nil
}

// fetchPage reports whether the store was queried; exhausted or cursorless
// pagination returns an empty page without a query.
func (c *Client) fetchPage(ctx context.Context, pageSize int, older bool) (Page, bool, error) {
	if pageSize <= 0 {
		pageSize = c.settings.MaxPageSize
	}

	c.mu.Lock()
	s := c.session
	if s == nil {
		c.mu.Unlock()
		return Page{}, false, ErrNoActiveSession
	}
	if s.loading {
		c.mu.Unlock()
		return Page{}, false, ErrLoadInProgress
	}
	if s.conversationID == "" {
		s.exhausted = true
		c.mu.Unlock()
		return Page{}, false, nil
	}
	if older && (s.cursor == nil || s.exhausted) {
		c.mu.Unlock()
		return Page{}, false, nil
	}

	query := store.Query{
		Path:      messagesPath(s.conversationID),
		OrderBy:   fieldCreatedAt,
		Direction: store.Descending,
		Limit:     pageSize,
	}
	if older {
		cursor := *s.cursor
		query.StartAfter = &cursor
	}
	s.loading = true
	v := c.viewLocked()
	c.mu.Unlock()

	docs, err := c.store.QueryOrdered(ctx, query)

	c.mu.Lock()
	live := c.current(v.generation)
	if live != nil {
		live.loading = false
	}
	if err != nil {
		c.mu.Unlock()
		return Page{}, true, transient("query messages", err)
	}
	if live == nil {
		c.mu.Unlock()
		return Page{}, true, errSessionChanged
	}
	hasMore := len(docs) == pageSize
	if len(docs) > 0 {
		live.cursor = store.CursorAfter(docs[len(docs)-1], fieldCreatedAt)
	} else if !older {
		live.cursor = nil
	}
	live.exhausted = !hasMore
	c.mu.Unlock()

	messages := make([]models.Message, len(docs))
	for i, doc := range docs {
		msg := messageFromDocument(v.conversationID, doc)
		msg.Text = v.decrypt(msg.Text)
		msg.User = v.resolveUser(c.self, msg.SenderID)
		messages[len(docs)-1-i] = msg
	}

	return Page{Messages: messages, HasMore: hasMore}, true, nil
}

// SendMessage persists text to the active conversation, creating the
// conversation first if needed. OnMessageSending fires with the optimistic
// message before the write. On a failed write the returned message has
// status failed and the error wraps ErrTransientStore. The latest-message
// fan-out to members is started before returning but not awaited.
func (c *Client) SendMessage(ctx context.Context, text string) (*models.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	v, err := c.ensureConversation(ctx)
	if err != nil {
		return nil, err
	}

	createdAt := c.nowMillis()
	msg := &models.Message{
		LocalID:        uuid.NewString(),
		ConversationID: v.conversationID,
		SenderID:       c.self.ID,
		Text:           text,
		CreatedAt:      createdAt,
		Status:         models.MessageStatusSending,
		ReadBy:         map[string]bool{c.self.ID: true},
		User:           c.self,
	}
	c.events.messageSending(*msg)

	stored := text
	if v.crypto != nil && v.key != nil {
		stored, err = v.crypto.Encrypt(text, v.key)
		if err != nil {
			msg.Status = models.MessageStatusFailed
			c.events.messageStatusChanged(*msg)
			return msg, fmt.Errorf("encrypt message: %w", err)
		}
	}

	id, err := c.store.CreateDocument(ctx, messagesPath(v.conversationID), messageData(c.self.ID, stored, createdAt))
	if err != nil {
		msg.Status = models.MessageStatusFailed
		c.events.messageStatusChanged(*msg)
		return msg, transient("send message", err)
	}

	msg.ID = id
	msg.Status = models.MessageStatusSent
	c.events.messageStatusChanged(*msg)

	c.fanOutLatestMessage(v.conversationID, v.members, stored, createdAt)
	return msg, nil
}

// fanOutLatestMessage updates every member's index entry and bumps the
// other members' unread counters. Failures are logged per target.
func (c *Client) fanOutLatestMessage(conversationID string, members []string, storedText string, updatedAt int64) {
	c.fanout.Add(1)
	go func() {
		defer c.fanout.Done()

		ctx, cancel := context.WithTimeout(context.Background(), fanoutTimeout)
		defer cancel()

		failures := make(map[string]error)
		summary := store.Data{
			"latestMessage": latestMessageData(c.self.ID, storedText),
			fieldUpdatedAt:  updatedAt,
		}
		for _, member := range members {
			if err := c.store.SetDocument(ctx, userIndexPath(member), conversationID, summary, store.SetOptions{Merge: true}); err != nil {
				failures[member] = err
			}
		}

		unread := store.Data{}
		for _, member := range members {
			if member != c.self.ID {
				unread[member] = store.Increment(1)
			}
		}
		if len(unread) > 0 {
			target := sharedTarget{conversationID: conversationID, members: members}
			if err := c.updateShared(ctx, target, store.Data{"unRead": unread}); err != nil {
				failures[conversationDocPath(conversationID)] = err
			}
		}

		if len(failures) > 0 {
			c.logger.Printf("%v", &PartialFanoutError{ConversationID: conversationID, Failures: failures})
		}
	}()
}

// CountAllMessages returns the number of messages in the active conversation.
func (c *Client) CountAllMessages(ctx context.Context) (int, error) {
	v, err := c.view()
	if err != nil {
		return 0, err
	}
	if v.conversationID == "" {
		return 0, nil
	}

	count, err := c.store.CountDocuments(ctx, messagesPath(v.conversationID))
	if err != nil {
		return 0, transient("count messages", err)
	}
	return count, nil
}
