// Package syncclient is the client side of the hub protocol: a websocket
// connection with request/response correlation, plus an offline-first sync
// coordinator that drains the durable outbox in pkg/cache.
package syncclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/HappyFarang/newways-hub/pkg/wire"
)

// ErrConnClosed reports that the hub connection is gone; callers reconnect
// through the coordinator.
var ErrConnClosed = errors.New("hub connection closed")

const (
	defaultDialTimeout  = 5 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// ConnConfig seeds one hub connection.
type ConnConfig struct {
	Log          *zap.Logger
	URL          string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// OnEvent receives inbound frames no Request call is waiting for:
	// broadcasts, initial data, unsolicited responses.
	OnEvent func(wire.Frame)
}

// Conn is one live hub session. Writes are serialized; the read loop
// resolves correlated responses and hands everything else to OnEvent.
type Conn struct {
	log     *zap.Logger
	ws      *websocket.Conn
	onEvent func(wire.Frame)

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	writeMu      sync.Mutex
	writeTimeout time.Duration

	waitMu  sync.Mutex
	waiters []*waiter
}

// waiter matches inbound frames by kind and, when set, by messageId.
type waiter struct {
	kinds     map[string]struct{}
	messageID string
	ch        chan wire.Frame
}

// Dial connects to the hub and starts the read loop.
func Dial(ctx context.Context, cfg ConnConfig) (*Conn, error) {
	if cfg.URL == "" {
		return nil, errors.New("hub url is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial hub: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	c := &Conn{
		log:          cfg.Log,
		ws:           ws,
		onEvent:      cfg.OnEvent,
		ctx:          connCtx,
		cancel:       connCancel,
		writeTimeout: cfg.WriteTimeout,
	}
	go c.readLoop()
	return c, nil
}

// Send writes one frame. A write failure closes the connection.
func (c *Conn) Send(f wire.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.ctx.Done():
		return ErrConnClosed
	default:
	}

	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.ws.WriteJSON(f); err != nil {
		c.close()
		return fmt.Errorf("send %s: %w", f.Kind, err)
	}
	return nil
}

// Request sends a frame and waits for the first inbound frame whose kind is
// one of acceptKinds and, when messageID is non-empty, whose messageId
// matches. The waiter is installed before the send so the response cannot
// slip past.
func (c *Conn) Request(ctx context.Context, f wire.Frame, messageID string, acceptKinds ...string) (wire.Frame, error) {
	w := c.addWaiter(messageID, acceptKinds)
	defer c.removeWaiter(w)

	if err := c.Send(f); err != nil {
		return wire.Frame{}, err
	}

	select {
	case resp, ok := <-w.ch:
		if !ok {
			return wire.Frame{}, ErrConnClosed
		}
		return resp, nil
	case <-ctx.Done():
		return wire.Frame{}, ctx.Err()
	case <-c.ctx.Done():
		return wire.Frame{}, ErrConnClosed
	}
}

// Done is closed when the connection dies for any reason.
func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Close tears the connection down and fails any outstanding Request calls.
func (c *Conn) Close() error {
	c.close()
	return nil
}

func (c *Conn) readLoop() {
	defer c.close()
	for {
		var f wire.Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && c.ctx.Err() == nil {
				c.log.Warn("hub connection lost", zap.Error(err))
			}
			return
		}
		if c.deliver(f) {
			continue
		}
		if c.onEvent != nil {
			c.onEvent(f)
		}
	}
}

// deliver hands the frame to the first matching waiter. A claimed waiter is
// removed from the list, so it is either resolved here or failed by close,
// never both.
func (c *Conn) deliver(f wire.Frame) bool {
	mid := frameMessageID(f)

	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	for i, w := range c.waiters {
		if _, ok := w.kinds[f.Kind]; !ok {
			continue
		}
		if w.messageID != "" && w.messageID != mid {
			continue
		}
		c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
		w.ch <- f
		return true
	}
	return false
}

func (c *Conn) addWaiter(messageID string, acceptKinds []string) *waiter {
	kinds := make(map[string]struct{}, len(acceptKinds))
	for _, k := range acceptKinds {
		kinds[k] = struct{}{}
	}
	w := &waiter{kinds: kinds, messageID: messageID, ch: make(chan wire.Frame, 1)}

	c.waitMu.Lock()
	c.waiters = append(c.waiters, w)
	c.waitMu.Unlock()
	return w
}

func (c *Conn) removeWaiter(w *waiter) {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	for i, cand := range c.waiters {
		if cand == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

func (c *Conn) close() {
	c.once.Do(func() {
		c.cancel()
		c.ws.Close()

		c.waitMu.Lock()
		waiters := c.waiters
		c.waiters = nil
		c.waitMu.Unlock()
		for _, w := range waiters {
			close(w.ch)
		}
	})
}

// frameMessageID extracts the correlation id from response-bearing frames.
func frameMessageID(f wire.Frame) string {
	switch f.Kind {
	case wire.KindMessageResponse, wire.KindMessageAck:
		var probe struct {
			MessageID string `json:"messageId"`
		}
		if err := f.Decode(&probe); err == nil {
			return probe.MessageID
		}
	}
	return ""
}
