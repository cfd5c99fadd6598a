package network

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"chatsync/storage"
	"chatsync/store"
)

var quietLogger = log.New(io.Discard, "", 0)

func startTestRelay(t *testing.T) (*Server, *storage.Store) {
	t.Helper()

	backend, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open relay store: %v", err)
	}
	server, err := Listen("127.0.0.1:0", ServerOptions{Store: backend, Logger: quietLogger})
	if err != nil {
		_ = backend.Close()
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() {
		_ = server.Close()
		_ = backend.Close()
	})
	return server, backend
}

func dialTestRelay(t *testing.T, server *Server) *Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, server.URL(), ClientOptions{Logger: quietLogger, RequestTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func nextChange(t *testing.T, sub *store.Subscription) store.Change {
	t.Helper()

	select {
	case change, ok := <-sub.Changes():
		if !ok {
			t.Fatalf("subscription closed: %v", sub.Err())
		}
		return change
	case <-time.After(3 * time.Second):
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
	case <-time.After(100 * time.Millisecond):
	}
}

func waitTimeout() <-chan time.Time {
	return time.After(3 * time.Second)
}
