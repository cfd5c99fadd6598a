package network

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"chatsync/store"
)

// ClientOptions configures a relay client.
type ClientOptions struct {
	Logger         *log.Logger
	RequestTimeout time.Duration
}

func (o ClientOptions) withDefaults() ClientOptions {
	out := o
	if out.Logger == nil {
		out.Logger = log.Default()
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = DefaultRequestTimeout
	}
	return out
}

// Client is a store.Store backed by a remote relay.
type Client struct {
	conn    *websocket.Conn
	options ClientOptions

	ctx    context.Context
	cancel context.CancelFunc

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan Frame
	subs    map[uint64]*store.Subscription

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var _ store.Store = (*Client)(nil)

// Dial connects to a relay at url and completes the version handshake.
func Dial(ctx context.Context, url string, options ClientOptions) (*Client, error) {
	opts := options.withDefaults()

	dialCtx, cancelDial := context.WithTimeout(ctx, opts.RequestTimeout)
	defer cancelDial()

	conn, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial relay %q: %v", store.ErrUnavailable, url, err)
	}
	conn.SetReadLimit(MaxFrameSize)

	hello, err := EncodeFrame(Frame{Type: TypeHello, RequestID: 1, Version: ProtocolVersion})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, err
	}
	if err := conn.Write(dialCtx, websocket.MessageText, hello); err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, fmt.Errorf("%w: send hello: %v", store.ErrUnavailable, err)
	}

	_, payload, err := conn.Read(dialCtx)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, fmt.Errorf("%w: read hello: %v", store.ErrUnavailable, err)
	}
	response, err := DecodeFrame(payload)
	if err != nil {
		conn.Close(websocket.StatusProtocolError, "")
		return nil, err
	}
	if response.Type == TypeError {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, remoteError(response)
	}
	if response.Type != TypeHello {
		conn.Close(websocket.StatusProtocolError, "")
		return nil, fmt.Errorf("expected %q, got %q", TypeHello, response.Type)
	}
	if response.Version != ProtocolVersion {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, ErrUnsupportedVersion
	}

	clientCtx, cancel := context.WithCancel(context.Background())
	client := &Client{
		conn:    conn,
		options: opts,
		ctx:     clientCtx,
		cancel:  cancel,
		pending: make(map[uint64]chan Frame),
		subs:    make(map[uint64]*store.Subscription),
		closed:  make(chan struct{}),
	}
	client.nextID.Store(1)

	go client.readLoop()
	return client, nil
}

// Done is closed when the connection to the relay is gone.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Err returns why the client stopped, if it has.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Close disconnects from the relay and ends every subscription with store.ErrClosed.
func (c *Client) Close() error {
	c.shutdown(store.ErrClosed)
	_ = c.conn.Close(websocket.StatusNormalClosure, "client disconnect")
	return nil
}

// CreateDocument implements store.Store.
func (c *Client) CreateDocument(ctx context.Context, path string, data store.Data) (string, error) {
	resp, err := c.request(ctx, Frame{Type: TypeCreate, Path: path, Data: data})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// SetDocument implements store.Store.
func (c *Client) SetDocument(ctx context.Context, path, id string, data store.Data, options store.SetOptions) error {
	_, err := c.request(ctx, Frame{Type: TypeSet, Path: path, ID: id, Data: data, Merge: options.Merge})
	return err
}

// GetDocument implements store.Store.
func (c *Client) GetDocument(ctx context.Context, path, id string) (store.Data, error) {
	resp, err := c.request(ctx, Frame{Type: TypeGet, Path: path, ID: id})
	if err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return store.Data{}, nil
	}
	return resp.Data, nil
}

// QueryOrdered implements store.Store.
func (c *Client) QueryOrdered(ctx context.Context, query store.Query) ([]store.Document, error) {
	if err := store.ValidateQuery(query); err != nil {
		return nil, err
	}
	resp, err := c.request(ctx, Frame{Type: TypeQuery, Query: &query})
	if err != nil {
		return nil, err
	}
	if resp.Documents == nil {
		return []store.Document{}, nil
	}
	return resp.Documents, nil
}

// CountDocuments implements store.Store.
func (c *Client) CountDocuments(ctx context.Context, path string) (int, error) {
	resp, err := c.request(ctx, Frame{Type: TypeCount, Path: path})
	if err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// Subscribe implements store.Store. The subscription ends with an error
// wrapping store.ErrUnavailable if the relay connection drops.
func (c *Client) Subscribe(ctx context.Context, path string) (*store.Subscription, error) {
	id := c.nextID.Add(1)
	sub := store.NewSubscription(func() { c.unsubscribe(id) })

	c.mu.Lock()
	if c.closeErr != nil {
		err := c.closeErr
		c.mu.Unlock()
		sub.Cancel()
		return nil, err
	}
	c.subs[id] = sub
	c.mu.Unlock()

	if _, err := c.roundTrip(ctx, Frame{Type: TypeSubscribe, RequestID: id, Path: path}); err != nil {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		sub.Cancel()
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
			sub.Cancel()
		case <-sub.Done():
		}
	}()
	return sub, nil
}

func (c *Client) unsubscribe(id uint64) {
	c.mu.Lock()
	_, ok := c.subs[id]
	delete(c.subs, id)
	closed := c.closeErr != nil
	c.mu.Unlock()

	if !ok || closed {
		return
	}
	// Cancel may run on a consumer goroutine; the frame is sent without blocking it.
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, DefaultWriteTimeout)
		defer cancel()
		if err := c.write(ctx, Frame{Type: TypeUnsubscribe, SubscriptionID: id}); err != nil {
			c.options.Logger.Printf("relay: unsubscribe %d: %v", id, err)
		}
	}()
}

func (c *Client) request(ctx context.Context, frame Frame) (Frame, error) {
	frame.RequestID = c.nextID.Add(1)
	return c.roundTrip(ctx, frame)
}

func (c *Client) roundTrip(ctx context.Context, frame Frame) (Frame, error) {
	ch := make(chan Frame, 1)

	c.mu.Lock()
	if c.closeErr != nil {
		err := c.closeErr
		c.mu.Unlock()
		return Frame{}, err
	}
	c.pending[frame.RequestID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, frame.RequestID)
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.options.RequestTimeout)
	defer cancel()

	if err := c.write(ctx, frame); err != nil {
		return Frame{}, err
	}

	select {
	case resp := <-ch:
		if resp.Type == TypeError {
			return Frame{}, remoteError(resp)
		}
		return resp, nil
	case <-ctx.Done():
		return Frame{}, fmt.Errorf("%w: %s request: %v", store.ErrUnavailable, frame.Type, ctx.Err())
	case <-c.closed:
		return Frame{}, c.Err()
	}
}

func (c *Client) write(ctx context.Context, frame Frame) error {
	payload, err := EncodeFrame(frame)
	if err != nil {
		return err
	}
	if err := c.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("%w: write %s frame: %v", store.ErrUnavailable, frame.Type, err)
	}
	return nil
}

func (c *Client) readLoop() {
	for {
		_, payload, err := c.conn.Read(c.ctx)
		if err != nil {
			c.shutdown(fmt.Errorf("%w: relay connection lost: %v", store.ErrUnavailable, err))
			return
		}

		frame, err := DecodeFrame(payload)
		if err != nil {
			c.options.Logger.Printf("relay: drop frame: %v", err)
			continue
		}

		switch frame.Type {
		case TypeResult, TypeError:
			c.mu.Lock()
			ch, ok := c.pending[frame.RequestID]
			c.mu.Unlock()
			if ok {
				ch <- frame
			} else if frame.Type == TypeError {
				c.options.Logger.Printf("relay: %v", remoteError(frame))
			}
		case TypeChange:
			if frame.Change == nil {
				continue
			}
			c.mu.Lock()
			sub, ok := c.subs[frame.SubscriptionID]
			c.mu.Unlock()
			if ok {
				sub.Publish(*frame.Change)
			}
		case TypeEnd:
			c.mu.Lock()
			sub, ok := c.subs[frame.SubscriptionID]
			delete(c.subs, frame.SubscriptionID)
			c.mu.Unlock()
			if ok {
				sub.End(remoteError(frame))
			}
		}
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = err
		subs := c.subs
		c.subs = make(map[uint64]*store.Subscription)
		c.mu.Unlock()

		close(c.closed)
		c.cancel()
		for _, sub := range subs {
			sub.End(err)
		}
	})
}
