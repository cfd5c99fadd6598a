package storage

import (
	"context"
	"testing"
	"time"

	"chatsync/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	s, _, err := Open(dataDir)
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

func mustCreate(t *testing.T, s *Store, path string, data store.Data) string {
	t.Helper()

	id, err := s.CreateDocument(context.Background(), path, data)
	if err != nil {
		t.Fatalf("create document in %q: %v", path, err)
	}
	return id
}

func nextChange(t *testing.T, sub *store.Subscription) store.Change {
	t.Helper()

	select {
	case change, ok := <-sub.Changes():
		if !ok {
			t.Fatalf("subscription closed unexpectedly: %v", sub.Err())
		}
		return change
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for change")
	}
	return store.Change{}
}

func expectNoChange(t *testing.T, sub *store.Subscription) {
	t.Helper()

	select {
	case change, ok := <-sub.Changes():
		if ok {
			t.Fatalf("unexpected change: %+v", change)
		}
	case <-time.After(50 * time.Millisecond):
	}
}
