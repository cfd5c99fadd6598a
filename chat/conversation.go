package chat

import (
	"context"
	"errors"
	"fmt"

	"chatsync/encryption"
	"chatsync/models"
	"chatsync/store"
)

const defaultConversationListLimit = 100

// CreateConversation creates a conversation under a store-assigned id. The
// creator's index write is authoritative; writes to other members' indexes
// and to the shared conversation document are best-effort.
func (c *Client) CreateConversation(ctx context.Context, memberIDs []string, name, image string) (*models.Conversation, error) {
	members := uniqueMembers(c.self.ID, memberIDs)
	updatedAt := c.nowMillis()
	data := conversationData(members, name, image, updatedAt)

	id, err := c.store.CreateDocument(ctx, userIndexPath(c.self.ID), data)
	if err != nil {
		return nil, transient("create conversation", err)
	}

	c.fanOutConversation(ctx, id, members, data)
	if err := c.adoptConversation(id, members); err != nil {
		return nil, err
	}

	return &models.Conversation{
		ID:        id,
		Members:   members,
		Name:      name,
		Image:     image,
		UpdatedAt: updatedAt,
	}, nil
}

// createConversationWithID writes a conversation whose id was chosen by the caller.
func (c *Client) createConversationWithID(ctx context.Context, id string, members []string, name, image string) error {
	data := conversationData(members, name, image, c.nowMillis())
	if err := c.store.SetDocument(ctx, userIndexPath(c.self.ID), id, data, store.SetOptions{Merge: true}); err != nil {
		return transient("create conversation", err)
	}
	c.fanOutConversation(ctx, id, members, data)
	return nil
}

func (c *Client) fanOutConversation(ctx context.Context, id string, members []string, data store.Data) {
	failures := make(map[string]error)
	for _, member := range members {
		if member == c.self.ID {
			continue
		}
		if err := c.store.SetDocument(ctx, userIndexPath(member), id, data, store.SetOptions{Merge: true}); err != nil {
			failures[member] = err
		}
	}
	shared := store.Data{"members": append([]string(nil), members...)}
	if err := c.store.SetDocument(ctx, conversationsCollection, id, shared, store.SetOptions{Merge: true}); err != nil {
		failures[conversationDocPath(id)] = err
	}

	if len(failures) > 0 {
		c.logger.Printf("%v", &PartialFanoutError{ConversationID: id, Failures: failures})
	}
}

// adoptConversation points the session at a newly created conversation,
// establishing a session when none exists.
func (c *Client) adoptConversation(id string, members []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		c.generation++
		c.session = &session{
			generation:  c.generation,
			members:     members,
			partnerByID: map[string]models.User{},
		}
		if c.settings.EnableEncrypt {
			c.session.crypto = c.crypto
		}
	}

	s := c.session
	s.conversationID = id
	s.members = members
	s.created = true
	s.cursor = nil
	s.exhausted = false
	if s.crypto != nil {
		key, err := s.crypto.DeriveKey(id)
		if err != nil {
			return fmt.Errorf("derive conversation key: %w", err)
		}
		s.key = key
	}
	return nil
}

// ensureConversation makes sure the session's conversation exists in the
// store, creating it on first use. It returns the session view to send with.
func (c *Client) ensureConversation(ctx context.Context) (sessionView, error) {
	v, err := c.view()
	if err != nil {
		return sessionView{}, err
	}
	if v.created {
		return v, nil
	}

	c.createMu.Lock()
	defer c.createMu.Unlock()

	// Another send may have created it while we waited.
	if v, err = c.view(); err != nil || v.created {
		return v, err
	}

	var name, image string
	if partner, ok := v.firstPartner(); ok {
		name, image = partner.Name, partner.Avatar
	}

	if v.conversationID == "" {
		partnerIDs := make([]string, 0, len(v.members))
		for _, member := range v.members {
			if member != c.self.ID {
				partnerIDs = append(partnerIDs, member)
			}
		}
		if _, err := c.CreateConversation(ctx, partnerIDs, name, image); err != nil {
			return sessionView{}, err
		}
		return c.view()
	}

	_, err = c.store.GetDocument(ctx, userIndexPath(c.self.ID), v.conversationID)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		if err := c.createConversationWithID(ctx, v.conversationID, v.members, name, image); err != nil {
			return sessionView{}, err
		}
	default:
		return sessionView{}, transient("load conversation", err)
	}

	c.mu.Lock()
	if s := c.current(v.generation); s != nil {
		s.created = true
	}
	c.mu.Unlock()
	v.created = true
	return v, nil
}

// ListConversations returns the local user's conversations, most recently
// updated first, with latest message text decrypted.
func (c *Client) ListConversations(ctx context.Context, limit int) ([]models.Conversation, error) {
	if limit <= 0 {
		limit = defaultConversationListLimit
	}

	docs, err := c.store.QueryOrdered(ctx, store.Query{
		Path:      userIndexPath(c.self.ID),
		OrderBy:   fieldUpdatedAt,
		Direction: store.Descending,
		Limit:     limit,
	})
	if err != nil {
		return nil, transient("list conversations", err)
	}

	conversations := make([]models.Conversation, 0, len(docs))
	for _, doc := range docs {
		conversations = append(conversations, c.indexConversation(doc))
	}
	return conversations, nil
}

// SubscribeToConversationList delivers updates to existing entries of the
// local user's conversation index. Newly added and removed entries are ignored.
func (c *Client) SubscribeToConversationList(ctx context.Context, callback func(models.Conversation)) (CancelFunc, error) {
	sub, err := c.store.Subscribe(ctx, userIndexPath(c.self.ID))
	if err != nil {
		return nil, transient("subscribe conversation list", err)
	}

	go func() {
		for change := range sub.Changes() {
			if change.Type != store.ChangeModified {
				continue
			}
			conv := c.indexConversation(change.Document)
			select {
			case <-sub.Done():
				return
			default:
			}
			if callback != nil {
				c.events.safely("conversation list", func() { callback(conv) })
			}
		}
		if err := sub.Err(); err != nil {
			c.logger.Printf("chat: conversation list subscription ended: %v", err)
		}
	}()

	return sub.Cancel, nil
}

func (c *Client) indexConversation(doc store.Document) models.Conversation {
	conv := conversationFromDocument(doc.ID, doc.Data)
	if conv.LatestMessage == nil {
		return conv
	}
	svc := c.listCrypto()
	if svc == nil {
		return conv
	}
	key, err := svc.DeriveKey(doc.ID)
	if err != nil {
		c.logger.Printf("chat: derive key for conversation %s: %v", doc.ID, err)
		return conv
	}
	conv.LatestMessage.Text = svc.Decrypt(conv.LatestMessage.Text, key)
	return conv
}

// listCrypto returns the service list entries are decrypted with: the
// active session's, so its EncryptionOptions apply, else the default. It
// is nil when encryption is disabled.
func (c *Client) listCrypto() *encryption.Service {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		return c.session.crypto
	}
	if c.settings.EnableEncrypt {
		return c.crypto
	}
	return nil
}
