package network

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"chatsync/store"
)

func TestListenRequiresStore(t *testing.T) {
	if _, err := Listen("127.0.0.1:0", ServerOptions{}); err == nil {
		t.Fatalf("expected error without store")
	}
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := startTestRelay(t)

	resp, err := http.Get("http://" + server.Addr().String() + HealthPath)
	if err != nil {
		t.Fatalf("GET health failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Status  string `json:"status"`
		Version int    `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode health body: %v", err)
	}
	if body.Status != "ok" || body.Version != ProtocolVersion {
		t.Fatalf("unexpected health body: %+v", body)
	}
}

func TestServerRejectsVersionMismatch(t *testing.T) {
	server, _ := startTestRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, server.URL(), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	hello, err := EncodeFrame(Frame{Type: TypeHello, RequestID: 1, Version: ProtocolVersion + 1})
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, hello); err != nil {
		t.Fatalf("write hello failed: %v", err)
	}

	_, payload, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read response failed: %v", err)
	}
	frame, err := DecodeFrame(payload)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if frame.Type != TypeError || frame.Code != CodeUnsupportedVersion {
		t.Fatalf("expected unsupported version error, got %+v", frame)
	}
}

func TestServerRejectsRequestsBeforeHello(t *testing.T) {
	server, _ := startTestRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, server.URL(), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	get, err := EncodeFrame(Frame{Type: TypeGet, RequestID: 4, Path: "users", ID: "u1"})
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, get); err != nil {
		t.Fatalf("write get failed: %v", err)
	}

	_, payload, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read response failed: %v", err)
	}
	frame, err := DecodeFrame(payload)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if frame.Type != TypeError || frame.RequestID != 4 || frame.Code != CodeInvalidRequest {
		t.Fatalf("expected invalid request error, got %+v", frame)
	}
}

func TestServerCloseEndsClientSubscriptions(t *testing.T) {
	server, _ := startTestRelay(t)
	client := dialTestRelay(t, server)

	sub, err := client.Subscribe(context.Background(), "users")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Cancel()

	if err := server.Close(); err != nil {
		t.Fatalf("server Close failed: %v", err)
	}

	select {
	case _, ok := <-sub.Changes():
		if ok {
			t.Fatalf("expected subscription to end")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for subscription to end")
	}
	if !errors.Is(sub.Err(), store.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", sub.Err())
	}

	select {
	case <-client.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for client shutdown")
	}
	if _, err := client.GetDocument(context.Background(), "users", "u1"); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable after relay close, got %v", err)
	}
}
