package chat

import (
	"context"
	"errors"
	"slices"

	"chatsync/models"
	"chatsync/store"
)

// MarkRead resets the local user's unread counter on the shared
// conversation document. It is a no-op before the conversation exists.
func (c *Client) MarkRead(ctx context.Context) error {
	v, err := c.view()
	if err != nil {
		return err
	}
	if v.conversationID == "" {
		return nil
	}

	if err := c.updateShared(ctx, v.sharedTarget(), store.Data{"unRead": map[string]any{c.self.ID: 0}}); err != nil {
		return transient("mark read", err)
	}
	return nil
}

// OthersHaveUnread reports whether, as of the last metadata snapshot, any
// other member has unread messages.
func (c *Client) OthersHaveUnread() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.session != nil && c.session.othersHaveUnread
}

// PartnerTyping reports whether, as of the last metadata snapshot, the
// first partner is typing.
func (c *Client) PartnerTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.session != nil && c.session.partnerTyping
}

// othersHaveUnread ignores unRead keys that are not members of conv.
func othersHaveUnread(selfID string, conv models.Conversation) bool {
	for member, count := range conv.UnRead {
		if member != selfID && count > 0 && conv.HasMember(member) {
			return true
		}
	}
	return false
}

// sharedTarget addresses the shared conversation document together with
// the writer's view of its members.
type sharedTarget struct {
	conversationID string
	members        []string
}

func (v sessionView) sharedTarget() sharedTarget {
	return sharedTarget{conversationID: v.conversationID, members: v.members}
}

// updateShared merges fields into the shared conversation document. The
// stored members list only grows: members the writer knows about but the
// document lacks are added, and nobody else is ever dropped, so every
// typing and unRead key keeps a matching members entry.
func (c *Client) updateShared(ctx context.Context, target sharedTarget, fields store.Data) error {
	current, err := c.store.GetDocument(ctx, conversationsCollection, target.conversationID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	data := store.Clone(fields)
	stored := current.Strings("members")
	if members := unionMembers(stored, target.members); len(members) != len(stored) {
		data["members"] = members
	}
	return c.store.SetDocument(ctx, conversationsCollection, target.conversationID, data, store.SetOptions{Merge: true})
}

func unionMembers(stored, extra []string) []string {
	out := append([]string(nil), stored...)
	for _, member := range extra {
		if !slices.Contains(out, member) {
			out = append(out, member)
		}
	}
	return out
}
