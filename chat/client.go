// Package chat is the conversation synchronization engine: session state,
// cursor pagination, optimistic sends with member fan-out, realtime
// listeners, typing debounce and unread reconciliation over a store.Store.
package chat

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"chatsync/config"
	"chatsync/encryption"
	"chatsync/models"
	"chatsync/store"
)

// EncryptionOptions overrides the key-derivation settings for one session.
type EncryptionOptions = encryption.Options

// CancelFunc detaches a subscription.
type CancelFunc func()

// Options configures a Client.
type Options struct {
	Store    store.Store
	Self     models.User
	Settings config.Settings
	Logger   *log.Logger
	Handlers Handlers

	// Now is the clock used for createdAt/updatedAt values.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	out := o
	out.Settings = out.Settings.WithDefaults()
	if out.Logger == nil {
		out.Logger = log.Default()
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

func (o Options) validate() error {
	if o.Store == nil {
		return errors.New("store is required")
	}
	if o.Self.ID == "" {
		return errors.New("self user ID is required")
	}
	return o.Settings.Validate()
}

// Client is one chat screen's view of the engine. Construct one per
// active conversation screen; it holds no package-level state.
type Client struct {
	store    store.Store
	self     models.User
	settings config.Settings
	logger   *log.Logger
	events   emitter
	now      func() time.Time

	// crypto derives keys with the configured settings; sessions may override it.
	crypto *encryption.Service
	typing *typingController

	mu         sync.Mutex
	session    *session
	generation uint64

	// createMu serializes implicit conversation creation on first send.
	createMu sync.Mutex
	fanout   sync.WaitGroup
}

type session struct {
	generation     uint64
	conversationID string
	members        []string
	partners       []models.User
	partnerByID    map[string]models.User

	// crypto is nil when encryption is disabled.
	crypto *encryption.Service
	key    []byte

	// created is set once the conversation is known to exist in the store.
	created bool

	cursor    *store.Cursor
	loading   bool
	exhausted bool

	partnerTyping    bool
	othersHaveUnread bool
}

// NewClient validates options and returns a client with no active session.
func NewClient(options Options) (*Client, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	svc, err := encryption.NewService(encryption.Options{
		Salt:       opts.Settings.Encryption.Salt,
		Iterations: opts.Settings.Encryption.Iterations,
		KeyLength:  opts.Settings.Encryption.KeyLength,
	})
	if err != nil {
		return nil, fmt.Errorf("create encryption service: %w", err)
	}

	c := &Client{
		store:    opts.Store,
		self:     opts.Self,
		settings: opts.Settings,
		logger:   opts.Logger,
		events:   emitter{handlers: opts.Handlers, logger: opts.Logger},
		now:      opts.Now,
		crypto:   svc,
	}
	c.typing = newTypingController(opts.Settings.TypingTimeout(), c.writeTyping, c.background, opts.Logger)
	return c, nil
}

// Self returns the local user.
func (c *Client) Self() models.User {
	return c.self
}

// SetConversationInfo establishes the session. An empty conversationID
// means the conversation is created on first send. Calling it again with
// the same non-empty id keeps the pagination cursor; a different id
// replaces the session.
func (c *Client) SetConversationInfo(conversationID string, memberIDs []string, partners []models.User, options *EncryptionOptions) error {
	var svc *encryption.Service
	if c.settings.EnableEncrypt {
		svc = c.crypto
		if options != nil {
			custom, err := encryption.NewService(*options)
			if err != nil {
				return fmt.Errorf("create encryption service: %w", err)
			}
			svc = custom
		}
	}

	var key []byte
	if svc != nil && conversationID != "" {
		derived, err := svc.DeriveKey(conversationID)
		if err != nil {
			return fmt.Errorf("derive conversation key: %w", err)
		}
		key = derived
	}

	members := uniqueMembers(c.self.ID, memberIDs)
	partnerByID := make(map[string]models.User, len(partners))
	orderedPartners := make([]models.User, 0, len(partners))
	for _, partner := range partners {
		if partner.ID == "" || partner.ID == c.self.ID {
			continue
		}
		if _, dup := partnerByID[partner.ID]; dup {
			continue
		}
		partnerByID[partner.ID] = partner
		orderedPartners = append(orderedPartners, partner)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if current := c.session; current != nil && conversationID != "" && current.conversationID == conversationID {
		current.members = members
		current.partners = orderedPartners
		current.partnerByID = partnerByID
		current.crypto = svc
		current.key = key
		return nil
	}

	c.typing.release()
	c.generation++
	c.session = &session{
		generation:     c.generation,
		conversationID: conversationID,
		members:        members,
		partners:       orderedPartners,
		partnerByID:    partnerByID,
		crypto:         svc,
		key:            key,
	}
	return nil
}

// ClearConversationInfo discards the session, its cursor and its cached
// key. A pending typing state is cleared in the background (see Drain).
// Subscriptions must be cancelled by the caller.
func (c *Client) ClearConversationInfo() {
	c.typing.release()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return
	}
	if c.session.crypto != nil && c.session.conversationID != "" {
		c.session.crypto.Forget(c.session.conversationID)
	}
	c.session = nil
	c.generation++
}

// ConversationID returns the active conversation id, or "" if none.
func (c *Client) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return ""
	}
	return c.session.conversationID
}

// background runs fn on a goroutine that Drain waits for.
func (c *Client) background(fn func()) {
	c.fanout.Add(1)
	go func() {
		defer c.fanout.Done()
		fn()
	}()
}

// Drain waits for outstanding fan-out writes.
func (c *Client) Drain() {
	c.fanout.Wait()
}

// sessionView is an immutable copy of the session fields an operation needs.
type sessionView struct {
	generation     uint64
	conversationID string
	members        []string
	partners       []models.User
	partnerByID    map[string]models.User
	crypto         *encryption.Service
	key            []byte
	created        bool
}

func (c *Client) view() (sessionView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return sessionView{}, ErrNoActiveSession
	}
	return c.viewLocked(), nil
}

func (c *Client) viewLocked() sessionView {
	s := c.session
	return sessionView{
		generation:     s.generation,
		conversationID: s.conversationID,
		members:        append([]string(nil), s.members...),
		partners:       append([]models.User(nil), s.partners...),
		partnerByID:    s.partnerByID,
		crypto:         s.crypto,
		key:            s.key,
		created:        s.created,
	}
}

// current returns the live session if it still matches generation.
// Callers must hold c.mu.
func (c *Client) current(generation uint64) *session {
	if c.session == nil || c.session.generation != generation {
		return nil
	}
	return c.session
}

func (v sessionView) resolveUser(self models.User, senderID string) models.User {
	if senderID == self.ID {
		return self
	}
	if partner, ok := v.partnerByID[senderID]; ok {
		return partner
	}
	return models.User{ID: senderID}
}

func (v sessionView) firstPartner() (models.User, bool) {
	if len(v.partners) == 0 {
		return models.User{}, false
	}
	return v.partners[0], true
}

func (v sessionView) decrypt(text string) string {
	if v.crypto == nil || v.key == nil {
		return text
	}
	return v.crypto.Decrypt(text, v.key)
}

func uniqueMembers(selfID string, memberIDs []string) []string {
	members := make([]string, 0, len(memberIDs)+1)
	seen := make(map[string]struct{}, len(memberIDs)+1)
	for _, id := range append([]string{selfID}, memberIDs...) {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		members = append(members, id)
	}
	return members
}

func (c *Client) nowMillis() int64 {
	return c.now().UnixMilli()
}
