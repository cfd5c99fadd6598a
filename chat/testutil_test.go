package chat

import (
	"bytes"
	"context"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatsync/config"
	"chatsync/models"
	"chatsync/storage"
	"chatsync/store"
)

var (
	alice = models.User{ID: "u1", Name: "Alice", Avatar: "alice.png"}
	bob   = models.User{ID: "u2", Name: "Bob", Avatar: "bob.png"}
)

func newTestBackend(t *testing.T) *storage.Store {
	t.Helper()

	s, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})
	return s
}

func testSettings() config.Settings {
	settings := config.DefaultSettings()
	settings.Encryption.Iterations = 10
	settings.TypingTimeoutMs = 40
	return settings
}

// testClock returns strictly increasing times one millisecond apart.
func testClock() func() time.Time {
	var tick atomic.Int64
	base := time.UnixMilli(1_700_000_000_000)
	return func() time.Time {
		return base.Add(time.Duration(tick.Add(1)) * time.Millisecond)
	}
}

type clientOption func(*Options)

func withSettings(mutate func(*config.Settings)) clientOption {
	return func(o *Options) { mutate(&o.Settings) }
}

func withHandlers(handlers Handlers) clientOption {
	return func(o *Options) { o.Handlers = handlers }
}

func withLogger(logger *log.Logger) clientOption {
	return func(o *Options) { o.Logger = logger }
}

func newTestClient(t *testing.T, backend store.Store, self models.User, opts ...clientOption) *Client {
	t.Helper()

	options := Options{
		Store:    backend,
		Self:     self,
		Settings: testSettings(),
		Logger:   log.New(&syncBuffer{}, "", 0),
		Now:      testClock(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	client, err := NewClient(options)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	t.Cleanup(client.Drain)
	return client
}

func mustSetConversation(t *testing.T, client *Client, conversationID string, partners ...models.User) {
	t.Helper()

	memberIDs := make([]string, 0, len(partners))
	for _, partner := range partners {
		memberIDs = append(memberIDs, partner.ID)
	}
	if err := client.SetConversationInfo(conversationID, memberIDs, partners, nil); err != nil {
		t.Fatalf("SetConversationInfo failed: %v", err)
	}
}

func mustSend(t *testing.T, client *Client, text string) *models.Message {
	t.Helper()

	msg, err := client.SendMessage(context.Background(), text)
	if err != nil {
		t.Fatalf("SendMessage(%q) failed: %v", text, err)
	}
	return msg
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Contains(s string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Contains(b.buf.String(), s)
}

type setCall struct {
	path string
	id   string
	data store.Data
}

// faultStore wraps a real store with failure injection and call recording.
type faultStore struct {
	store.Store

	mu          sync.Mutex
	failCreate  func(path string) error
	failSet     func(path, id string) error
	beforeSet   func(data store.Data)
	beforeQuery func()
	queries     int
	sets        []setCall
}

func (f *faultStore) CreateDocument(ctx context.Context, path string, data store.Data) (string, error) {
	f.mu.Lock()
	fail := f.failCreate
	f.mu.Unlock()
	if fail != nil {
		if err := fail(path); err != nil {
			return "", err
		}
	}
	return f.Store.CreateDocument(ctx, path, data)
}

func (f *faultStore) SetDocument(ctx context.Context, path, id string, data store.Data, options store.SetOptions) error {
	f.mu.Lock()
	f.sets = append(f.sets, setCall{path: path, id: id, data: store.Clone(data)})
	fail := f.failSet
	hook := f.beforeSet
	f.mu.Unlock()
	if fail != nil {
		if err := fail(path, id); err != nil {
			return err
		}
	}
	if hook != nil {
		hook(data)
	}
	return f.Store.SetDocument(ctx, path, id, data, options)
}

func (f *faultStore) QueryOrdered(ctx context.Context, query store.Query) ([]store.Document, error) {
	f.mu.Lock()
	f.queries++
	hook := f.beforeQuery
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return f.Store.QueryOrdered(ctx, query)
}

func (f *faultStore) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

// typingWrites returns the typing values written for userID, in order.
func (f *faultStore) typingWrites(userID string) []bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []bool
	for _, call := range f.sets {
		typing := call.data.Map("typing")
		if typing == nil {
			continue
		}
		if value, ok := typing[userID].(bool); ok {
			out = append(out, value)
		}
	}
	return out
}
