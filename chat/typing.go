package chat

import (
	"context"
	"log"
	"sync"
	"time"

	"chatsync/store"
)

const typingWriteTimeout = 10 * time.Second

type typingState int

const (
	typingIdle typingState = iota
	typingActive
)

// typingController debounces local typing state: one true write when
// typing starts and one false write after timeout of silence. Remote
// writes are applied in the order their state changes happened, so a slow
// true write can never land after the false that follows it.
type typingController struct {
	timeout time.Duration
	write   func(ctx context.Context, target sharedTarget, typing bool) error
	spawn   func(func())
	logger  *log.Logger

	mu     sync.Mutex
	state  typingState
	target sharedTarget
	timer  *time.Timer
	// seq invalidates timers armed before the latest keystroke or reset.
	seq uint64
	// tail is closed once the most recently queued remote write is done.
	tail chan struct{}
}

// typingWrite is one queued remote write.
type typingWrite struct {
	after  <-chan struct{}
	done   chan struct{}
	target sharedTarget
	typing bool
}

func newTypingController(timeout time.Duration, write func(context.Context, sharedTarget, bool) error, spawn func(func()), logger *log.Logger) *typingController {
	return &typingController{
		timeout: timeout,
		write:   write,
		spawn:   spawn,
		logger:  logger,
	}
}

// queueLocked reserves the next slot in the write order. t.mu must be held.
func (t *typingController) queueLocked(target sharedTarget, typing bool) typingWrite {
	w := typingWrite{
		after:  t.tail,
		done:   make(chan struct{}),
		target: target,
		typing: typing,
	}
	t.tail = w.done
	return w
}

func (t *typingController) send(ctx context.Context, w typingWrite) error {
	defer close(w.done)
	if w.after != nil {
		select {
		case <-w.after:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return t.write(ctx, w.target, w.typing)
}

func (t *typingController) keystroke(ctx context.Context, target sharedTarget) error {
	t.mu.Lock()
	t.seq++
	seq := t.seq
	start := t.state == typingIdle
	var w typingWrite
	if start {
		t.state = typingActive
		t.target = target
		w = t.queueLocked(target, true)
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.timeout, func() { t.expire(seq) })
	t.mu.Unlock()

	if !start {
		return nil
	}
	return t.send(ctx, w)
}

func (t *typingController) expire(seq uint64) {
	t.mu.Lock()
	if seq != t.seq || t.state != typingActive {
		t.mu.Unlock()
		return
	}
	t.state = typingIdle
	t.timer = nil
	w := t.queueLocked(t.target, false)
	t.mu.Unlock()

	t.clear(w)
}

func (t *typingController) clear(w typingWrite) {
	ctx, cancel := context.WithTimeout(context.Background(), typingWriteTimeout)
	defer cancel()
	if err := t.send(ctx, w); err != nil {
		t.logger.Printf("chat: clear typing state for %s: %v", w.target.conversationID, err)
	}
}

// stop forces Idle, writing false if the controller was typing.
func (t *typingController) stop(ctx context.Context) error {
	t.mu.Lock()
	if t.state != typingActive {
		t.halt()
		t.mu.Unlock()
		return nil
	}
	w := t.queueLocked(t.target, false)
	t.halt()
	t.mu.Unlock()

	return t.send(ctx, w)
}

// release forces Idle without blocking; the false write, if any, runs in
// the background.
func (t *typingController) release() {
	t.mu.Lock()
	if t.state != typingActive {
		t.halt()
		t.mu.Unlock()
		return
	}
	w := t.queueLocked(t.target, false)
	t.halt()
	t.mu.Unlock()

	t.spawn(func() { t.clear(w) })
}

func (t *typingController) halt() {
	t.seq++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.state = typingIdle
	t.target = sharedTarget{}
}

func (t *typingController) typing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == typingActive
}

// TextChanged records a local text-input change. It is a no-op when typing
// indicators are disabled or the conversation does not exist yet.
func (c *Client) TextChanged(ctx context.Context) error {
	if !c.settings.EnableTyping {
		return nil
	}
	v, err := c.view()
	if err != nil {
		return err
	}
	if v.conversationID == "" {
		return nil
	}
	return c.typing.keystroke(ctx, v.sharedTarget())
}

// Typing reports whether the local user is currently in the typing state.
func (c *Client) Typing() bool {
	return c.typing.typing()
}

// Close tears the screen down: it clears a pending typing state, waits for
// fan-out writes and clears the session. Unlike ClearConversationInfo it
// waits for the typing write and returns its error.
func (c *Client) Close(ctx context.Context) error {
	err := c.typing.stop(ctx)
	c.Drain()
	c.ClearConversationInfo()
	return err
}

func (c *Client) writeTyping(ctx context.Context, target sharedTarget, typing bool) error {
	if err := c.updateShared(ctx, target, store.Data{"typing": map[string]any{c.self.ID: typing}}); err != nil {
		return transient("write typing state", err)
	}
	return nil
}
