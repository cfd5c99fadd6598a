package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"chatsync/store"
)

// ServerOptions configures the relay server.
type ServerOptions struct {
	Store  store.Store
	Logger *log.Logger

	WriteTimeout time.Duration
	PongTimeout  time.Duration
	// CheckOrigin filters websocket upgrades. Nil accepts every origin.
	CheckOrigin func(r *http.Request) bool
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.Logger == nil {
		out.Logger = log.Default()
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = DefaultWriteTimeout
	}
	if out.PongTimeout <= 0 {
		out.PongTimeout = DefaultPongTimeout
	}
	if out.CheckOrigin == nil {
		out.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return out
}

// Server relays store operations from websocket clients to a backing store.
type Server struct {
	listener   net.Listener
	httpServer *http.Server
	options    ServerOptions
	upgrader   websocket.Upgrader

	errs chan error

	connsMu sync.Mutex
	conns   map[*relayConn]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts serving the relay on address.
func Listen(address string, options ServerOptions) (*Server, error) {
	opts := options.withDefaults()
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}

	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener: listener,
		options:  opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
		errs:   make(chan error, 16),
		conns:  make(map[*relayConn]struct{}),
		closed: make(chan struct{}),
	}
	server.httpServer = &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	server.wg.Add(1)
	go server.serve()
	return server, nil
}

// Handler returns the relay routes.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc(StorePath, s.handleStore).Methods(http.MethodGet)
	router.HandleFunc(HealthPath, s.handleHealth).Methods(http.MethodGet)
	return router
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// URL returns the websocket URL clients dial for this server.
func (s *Server) URL() string {
	return "ws://" + s.listener.Addr().String() + StorePath
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting, disconnects every client and closes the error channel.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.connsMu.Lock()
		close(s.closed)
		s.connsMu.Unlock()
		closeErr = s.httpServer.Close()

		s.connsMu.Lock()
		conns := make([]*relayConn, 0, len(s.conns))
		for rc := range s.conns {
			conns = append(conns, rc)
		}
		s.connsMu.Unlock()
		for _, rc := range conns {
			rc.close()
		}

		s.wg.Wait()
		close(s.errs)
	})
	return closeErr
}

func (s *Server) serve() {
	defer s.wg.Done()

	if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.reportError(fmt.Errorf("serve relay: %w", err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"version": ProtocolVersion,
	})
}

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.closed:
		http.Error(w, "relay closing", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.reportError(fmt.Errorf("upgrade websocket: %w", err))
		return
	}

	rc := newRelayConn(s, conn)
	s.connsMu.Lock()
	select {
	case <-s.closed:
		s.connsMu.Unlock()
		rc.close()
		return
	default:
	}
	s.conns[rc] = struct{}{}
	s.wg.Add(2)
	s.connsMu.Unlock()

	go func() {
		defer s.wg.Done()
		rc.writePump()
	}()
	go func() {
		defer s.wg.Done()
		rc.readPump()
		s.connsMu.Lock()
		delete(s.conns, rc)
		s.connsMu.Unlock()
	}()
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case s.errs <- err:
	default:
		s.options.Logger.Printf("relay: %v", err)
	}
}

// relayConn is one client socket. Only writePump writes to conn.
type relayConn struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	helloDone bool

	subsMu sync.Mutex
	subs   map[uint64]*store.Subscription
	subsWG sync.WaitGroup

	closeOnce sync.Once
}

func newRelayConn(server *Server, conn *websocket.Conn) *relayConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &relayConn{
		server: server,
		conn:   conn,
		send:   make(chan []byte, 256),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[uint64]*store.Subscription),
	}
}

func (rc *relayConn) close() {
	rc.closeOnce.Do(func() {
		rc.cancel()
		_ = rc.conn.Close()
	})
}

func (rc *relayConn) readPump() {
	defer func() {
		rc.close()
		rc.cancelSubscriptions()
		rc.subsWG.Wait()
	}()

	pongTimeout := rc.server.options.PongTimeout
	rc.conn.SetReadLimit(MaxFrameSize)
	_ = rc.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	rc.conn.SetPongHandler(func(string) error {
		return rc.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, payload, err := rc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				rc.server.reportError(fmt.Errorf("read relay frame: %w", err))
			}
			return
		}
		_ = rc.conn.SetReadDeadline(time.Now().Add(pongTimeout))

		frame, err := DecodeFrame(payload)
		if err != nil {
			rc.enqueue(errorFrame(0, err))
			continue
		}
		if !rc.helloDone {
			rc.handleHello(frame)
			continue
		}
		rc.handle(frame)
	}
}

func (rc *relayConn) writePump() {
	writeTimeout := rc.server.options.WriteTimeout
	ticker := time.NewTicker(rc.server.options.PongTimeout * 9 / 10)
	defer func() {
		ticker.Stop()
		rc.close()
	}()

	for {
		select {
		case payload := <-rc.send:
			_ = rc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := rc.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = rc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := rc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-rc.ctx.Done():
			_ = rc.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay closing"),
				time.Now().Add(writeTimeout),
			)
			return
		}
	}
}

func (rc *relayConn) enqueue(frame Frame) {
	payload, err := EncodeFrame(frame)
	if err != nil {
		payload, err = EncodeFrame(errorFrame(frame.RequestID, err))
		if err != nil {
			rc.server.reportError(err)
			return
		}
	}

	select {
	case rc.send <- payload:
	case <-rc.ctx.Done():
	}
}

// handleHello answers the version handshake. Requests before a successful
// hello are rejected; the client is expected to disconnect.
func (rc *relayConn) handleHello(frame Frame) {
	if frame.Type != TypeHello {
		rc.enqueue(errorFrame(frame.RequestID, fmt.Errorf("%w: expected %q, got %q", ErrInvalidMessageType, TypeHello, frame.Type)))
		return
	}
	if frame.Version != ProtocolVersion {
		rc.enqueue(errorFrame(frame.RequestID, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, frame.Version, ProtocolVersion)))
		return
	}
	rc.helloDone = true
	rc.enqueue(Frame{Type: TypeHello, RequestID: frame.RequestID, Version: ProtocolVersion})
}

// handle runs one request to completion before the next frame is read,
// so a client sees its own writes in order.
func (rc *relayConn) handle(frame Frame) {
	backend := rc.server.options.Store
	ctx := rc.ctx
	result := Frame{Type: TypeResult, RequestID: frame.RequestID}

	var err error
	switch frame.Type {
	case TypeCreate:
		result.ID, err = backend.CreateDocument(ctx, frame.Path, frame.Data)
	case TypeSet:
		err = backend.SetDocument(ctx, frame.Path, frame.ID, frame.Data, store.SetOptions{Merge: frame.Merge})
	case TypeGet:
		result.Data, err = backend.GetDocument(ctx, frame.Path, frame.ID)
	case TypeQuery:
		if frame.Query == nil {
			err = fmt.Errorf("%w: query frame without query", ErrInvalidMessageType)
			break
		}
		result.Documents, err = backend.QueryOrdered(ctx, *frame.Query)
	case TypeCount:
		result.Count, err = backend.CountDocuments(ctx, frame.Path)
	case TypeSubscribe:
		err = rc.subscribe(frame)
		if err == nil {
			return
		}
	case TypeUnsubscribe:
		rc.unsubscribe(frame.SubscriptionID)
	default:
		err = fmt.Errorf("%w: %q is not a request", ErrInvalidMessageType, frame.Type)
	}

	if err != nil {
		rc.enqueue(errorFrame(frame.RequestID, err))
		return
	}
	rc.enqueue(result)
}

// subscribe registers a backend subscription under the request id and
// acknowledges it before any change frame is queued.
func (rc *relayConn) subscribe(frame Frame) error {
	id := frame.RequestID
	if id == 0 {
		return fmt.Errorf("%w: subscribe requires a request id", ErrInvalidMessageType)
	}

	sub, err := rc.server.options.Store.Subscribe(rc.ctx, frame.Path)
	if err != nil {
		return err
	}

	rc.subsMu.Lock()
	if previous, ok := rc.subs[id]; ok {
		previous.Cancel()
	}
	rc.subs[id] = sub
	rc.subsMu.Unlock()

	rc.enqueue(Frame{Type: TypeResult, RequestID: id, SubscriptionID: id})

	rc.subsWG.Add(1)
	go rc.forward(id, sub)
	return nil
}

func (rc *relayConn) forward(id uint64, sub *store.Subscription) {
	defer rc.subsWG.Done()

	for change := range sub.Changes() {
		rc.enqueue(Frame{Type: TypeChange, SubscriptionID: id, Change: &change})
	}

	rc.subsMu.Lock()
	current, ok := rc.subs[id]
	if ok && current == sub {
		delete(rc.subs, id)
	}
	rc.subsMu.Unlock()

	if err := sub.Err(); err != nil {
		end := errorFrame(0, err)
		end.Type = TypeEnd
		end.SubscriptionID = id
		rc.enqueue(end)
	}
}

func (rc *relayConn) unsubscribe(id uint64) {
	rc.subsMu.Lock()
	sub, ok := rc.subs[id]
	delete(rc.subs, id)
	rc.subsMu.Unlock()

	if ok {
		sub.Cancel()
	}
}

func (rc *relayConn) cancelSubscriptions() {
	rc.subsMu.Lock()
	subs := rc.subs
	rc.subs = make(map[uint64]*store.Subscription)
	rc.subsMu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
}
