package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/HappyFarang/newways-hub/pkg/cache"
	"github.com/HappyFarang/newways-hub/pkg/wire"
)

// ErrOffline reports that an operation needed a live hub connection.
var ErrOffline = errors.New("not connected to hub")

const (
	defaultRequestTimeout = 10 * time.Second
	defaultReplayPause    = 100 * time.Millisecond
)

// largeObjectMarkers route payloads to blob storage by dataType substring.
var largeObjectMarkers = []string{"image", "photo", "receipt", "document"}

// UploadErrorCode classifies bypass-path upload failures.
type UploadErrorCode string

const (
	UploadOffline    UploadErrorCode = "Offline"
	UploadNoResponse UploadErrorCode = "NoResponse"
	UploadException  UploadErrorCode = "Exception"
)

// UploadError is the transport-level failure of an UploadDocument call.
// Handler rejections are not errors; they come back in UploadResult.
type UploadError struct {
	Code   UploadErrorCode
	Detail string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload failed (%s): %s", e.Code, e.Detail)
}

// UploadRequest carries one document for the upload paths.
type UploadRequest struct {
	// MessageType routes the payload inside the target app's handler.
	MessageType string
	// DataType drives blob-vs-inline cache routing on the queued path.
	DataType string
	Data     any
}

// UploadResult is the handler's verdict on a bypass-path upload.
type UploadResult struct {
	MessageID string
	Success   bool
	Error     string
	Data      json.RawMessage
}

// SyncStatus combines the live connection flags with outbox counts.
type SyncStatus struct {
	Online  bool
	Syncing bool
	Pending int
	Failed  int
	Total   int
}

// Config seeds a Coordinator.
type Config struct {
	Log        *zap.Logger
	ServerURL  string
	AppName    string
	AppVersion string
	DeviceID   string
	DeviceType string

	RequestTimeout time.Duration
	// ReplayPause is the self-throttling delay between backlog items.
	ReplayPause time.Duration
	// HeartbeatInterval enables a background heartbeat when positive.
	HeartbeatInterval time.Duration

	Store cache.Store
	// OnEvent receives uncorrelated hub pushes: broadcasts, initial data.
	OnEvent func(wire.Frame)
}

// Coordinator makes "send this to the hub" durable and safe to call while
// offline. Nothing is transmitted before it is captured in the cache store;
// the backlog replays after every successful registration.
type Coordinator struct {
	log   *zap.Logger
	cfg   Config
	store cache.Store

	online  atomic.Bool
	syncing atomic.Bool

	// connectMu serializes connect attempts so concurrent auto-connects
	// cannot stack sessions.
	connectMu sync.Mutex

	connMu sync.RWMutex
	conn   *Conn
}

// NewCoordinator builds a Coordinator around an opened cache store.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if cfg.ServerURL == "" {
		return nil, errors.New("server url is required")
	}
	if cfg.AppName == "" {
		return nil, errors.New("app name is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ReplayPause <= 0 {
		cfg.ReplayPause = defaultReplayPause
	}

	return &Coordinator{
		log:   cfg.Log.Named("sync"),
		cfg:   cfg,
		store: cfg.Store,
	}, nil
}

// ConnectAndRegister dials the hub, wires inbound events, registers the app,
// and kicks off a background replay of the backlog. Any step failing tears
// the transport down, leaves the coordinator offline, and returns the error.
func (c *Coordinator) ConnectAndRegister(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Coordinator) connectLocked(ctx context.Context) error {
	if c.online.Load() && c.current() != nil {
		return nil
	}

	conn, err := Dial(ctx, ConnConfig{
		Log:     c.log,
		URL:     c.cfg.ServerURL,
		OnEvent: c.handleEvent,
	})
	if err != nil {
		return err
	}

	frame, err := wire.NewFrame(wire.KindRegisterApp, wire.AppRegistration{
		AppName:    c.cfg.AppName,
		AppVersion: c.cfg.AppVersion,
		DeviceID:   c.cfg.DeviceID,
		DeviceType: c.cfg.DeviceType,
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("encode registration: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	resp, err := conn.Request(reqCtx, frame, "", wire.KindRegistrationComplete, wire.KindRegistrationError)
	if err != nil {
		conn.Close()
		return fmt.Errorf("register app: %w", err)
	}
	if resp.Kind == wire.KindRegistrationError {
		var ev wire.ErrorEvent
		_ = resp.Decode(&ev)
		conn.Close()
		return fmt.Errorf("register app: %s", ev.Reason)
	}
	var done wire.RegistrationComplete
	if err := resp.Decode(&done); err != nil {
		conn.Close()
		return fmt.Errorf("decode registration: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.online.Store(true)
	c.log.Info("registered with hub",
		zap.String("connection_id", done.ConnectionID),
		zap.String("app", c.cfg.AppName))

	// A dead transport flips the coordinator offline, unless a reconnect
	// has already swapped in a new session.
	go func() {
		<-conn.Done()
		c.connMu.Lock()
		stale := c.conn == conn
		if stale {
			c.conn = nil
		}
		c.connMu.Unlock()
		if stale {
			c.online.Store(false)
			c.log.Info("hub connection closed")
		}
	}()

	if c.cfg.HeartbeatInterval > 0 {
		go c.heartbeatLoop(conn)
	}

	go func() {
		if _, err := c.SyncPendingItems(context.Background()); err != nil && !errors.Is(err, ErrOffline) {
			c.log.Warn("backlog replay failed", zap.Error(err))
		}
	}()
	return nil
}

// Disconnect clears the online flag and tears down the transport.
func (c *Coordinator) Disconnect() {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	c.online.Store(false)
	if conn != nil {
		conn.Close()
	}
}

// CacheAndSync durably captures data, then attempts one immediate send when
// online. Payloads whose dataType marks a large object go to sealed blob
// storage; everything else is cached inline. A cache failure propagates:
// without durable capture the at-least-once guarantee is gone. An
// immediate-send failure is not an error; the item stays Pending for the
// next replay pass. Returns the cache item id.
func (c *Coordinator) CacheAndSync(ctx context.Context, data any, dataType, messageType string, retention cache.RetentionPolicy) (string, error) {
	var (
		id  string
		err error
	)
	if isLargeObject(dataType) {
		raw, ok := data.([]byte)
		if !ok {
			return "", fmt.Errorf("large-object data type %q requires a []byte payload", dataType)
		}
		id, err = c.store.CacheFile(ctx, raw, dataType, messageType, c.cfg.AppName, retention)
	} else {
		id, err = c.store.CacheInline(ctx, data, dataType, messageType, c.cfg.AppName, retention)
	}
	if err != nil {
		return "", err
	}

	if conn := c.current(); conn != nil && c.online.Load() {
		if err := c.syncItem(ctx, conn, id); err != nil {
			c.log.Debug("immediate send failed, item stays pending",
				zap.String("item", id), zap.Error(err))
		}
	}
	return id, nil
}

// SyncPendingItems replays the backlog once, oldest first, and returns how
// many items synced. Concurrent calls short-circuit: the guard makes the
// second call return immediately with no work done.
func (c *Coordinator) SyncPendingItems(ctx context.Context) (int, error) {
	if !c.syncing.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer c.syncing.Store(false)

	conn := c.current()
	if conn == nil || !c.online.Load() {
		return 0, ErrOffline
	}

	pending, err := c.store.Pending(ctx)
	if err != nil {
		return 0, err
	}

	synced := 0
	for i, p := range pending {
		if err := c.syncItem(ctx, conn, p.ID); err != nil {
			if markErr := c.store.MarkFailed(ctx, p.ID, err.Error()); markErr != nil {
				c.log.Warn("mark failed", zap.String("item", p.ID), zap.Error(markErr))
			}
			c.log.Warn("item sync failed", zap.String("item", p.ID), zap.Error(err))
		} else {
			synced++
		}

		if i == len(pending)-1 {
			break
		}
		select {
		case <-ctx.Done():
			return synced, ctx.Err()
		case <-time.After(c.cfg.ReplayPause):
		}
	}
	return synced, nil
}

// syncItem sends one cached item and marks it Synced on a positive ack. The
// cache item id doubles as the wire messageId, so an ack always matches the
// item that produced it. Failures leave the item untouched; only the replay
// pass records Failed.
func (c *Coordinator) syncItem(ctx context.Context, conn *Conn, id string) error {
	item, err := c.store.Item(ctx, id)
	if err != nil {
		return err
	}
	payload, err := c.store.Payload(ctx, id)
	if err != nil {
		return err
	}

	frame, err := wire.NewFrame(wire.KindSendMessage, wire.Message{
		MessageID:   item.ID,
		MessageType: item.MessageType,
		TargetApp:   item.TargetApp,
		Data:        payload,
		RequiresAck: true,
	})
	if err != nil {
		return fmt.Errorf("encode item %s: %w", id, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	resp, err := conn.Request(reqCtx, frame, item.ID, wire.KindMessageAck)
	if err != nil {
		return fmt.Errorf("send item %s: %w", id, err)
	}

	var ack wire.MessageAck
	if err := resp.Decode(&ack); err != nil {
		return fmt.Errorf("decode ack for %s: %w", id, err)
	}
	if !ack.Success {
		return fmt.Errorf("hub rejected item %s: %s", id, ack.Error)
	}
	return c.store.MarkSynced(ctx, id)
}

// UploadDocument is the bypass-cache, request/response path for operations
// needing immediate confirmation. Offline coordinators auto-connect first.
// Transport failures come back as *UploadError with one of three codes;
// a handler rejection is a successful call with Success=false.
func (c *Coordinator) UploadDocument(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	conn := c.current()
	if conn == nil || !c.online.Load() {
		if err := c.autoConnect(ctx); err != nil {
			return nil, &UploadError{Code: UploadOffline, Detail: err.Error()}
		}
		if conn = c.current(); conn == nil {
			return nil, &UploadError{Code: UploadOffline, Detail: "connection lost after connect"}
		}
	}

	data, err := json.Marshal(req.Data)
	if err != nil {
		return nil, &UploadError{Code: UploadException, Detail: err.Error()}
	}
	msg := wire.Message{
		MessageID:   wire.NewMessageID(),
		MessageType: req.MessageType,
		TargetApp:   c.cfg.AppName,
		Data:        data,
	}
	frame, err := wire.NewFrame(wire.KindSendMessage, msg)
	if err != nil {
		return nil, &UploadError{Code: UploadException, Detail: err.Error()}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	resp, err := conn.Request(reqCtx, frame, msg.MessageID, wire.KindMessageResponse)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &UploadError{Code: UploadNoResponse, Detail: "no response from hub"}
		}
		return nil, &UploadError{Code: UploadException, Detail: err.Error()}
	}

	var mr wire.MessageResponse
	if err := resp.Decode(&mr); err != nil {
		return nil, &UploadError{Code: UploadException, Detail: err.Error()}
	}
	return &UploadResult{
		MessageID: msg.MessageID,
		Success:   mr.Success,
		Error:     mr.Error,
		Data:      mr.Data,
	}, nil
}

// QueueDocumentUpload is the cache-backed variant of UploadDocument for
// poor-connectivity use. The document is removed once the hub acknowledges
// it.
func (c *Coordinator) QueueDocumentUpload(ctx context.Context, req UploadRequest) (string, error) {
	return c.CacheAndSync(ctx, req.Data, req.DataType, req.MessageType, cache.DeleteAfterSync)
}

// AuthenticateUser binds the session to a user so user-targeted broadcasts
// reach it.
func (c *Coordinator) AuthenticateUser(ctx context.Context, userID, token string) error {
	conn := c.current()
	if conn == nil {
		return ErrOffline
	}
	frame, err := wire.NewFrame(wire.KindAuthenticateUser, wire.AuthRequest{UserID: userID, Token: token})
	if err != nil {
		return fmt.Errorf("encode authentication: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	resp, err := conn.Request(reqCtx, frame, "", wire.KindAuthenticationComplete, wire.KindAuthenticationError)
	if err != nil {
		return fmt.Errorf("authenticate user: %w", err)
	}
	if resp.Kind == wire.KindAuthenticationError {
		var ev wire.ErrorEvent
		_ = resp.Decode(&ev)
		return fmt.Errorf("authenticate user: %s", ev.Reason)
	}
	return nil
}

// BroadcastToApp fans a payload out to every connection of an app.
// Delivery is fire-and-forget; the hub reports validation problems through
// OnEvent.
func (c *Coordinator) BroadcastToApp(ctx context.Context, targetApp, messageType string, data any) error {
	return c.broadcast(ctx, wire.BroadcastRequest{TargetApp: targetApp, MessageType: messageType}, data)
}

// BroadcastToUser fans a payload out to every connection authenticated as
// the user.
func (c *Coordinator) BroadcastToUser(ctx context.Context, userID, messageType string, data any) error {
	return c.broadcast(ctx, wire.BroadcastRequest{UserID: userID, MessageType: messageType}, data)
}

func (c *Coordinator) broadcast(_ context.Context, req wire.BroadcastRequest, data any) error {
	conn := c.current()
	if conn == nil {
		return ErrOffline
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode broadcast payload: %w", err)
	}
	req.Data = raw

	kind := wire.KindBroadcastToApp
	if req.UserID != "" {
		kind = wire.KindBroadcastToUser
	}
	frame, err := wire.NewFrame(kind, req)
	if err != nil {
		return fmt.Errorf("encode broadcast: %w", err)
	}
	return conn.Send(frame)
}

// Heartbeat refreshes the hub's liveness record for this connection.
func (c *Coordinator) Heartbeat(ctx context.Context) error {
	conn := c.current()
	if conn == nil {
		return ErrOffline
	}
	frame, err := wire.NewFrame(wire.KindHeartbeat, nil)
	if err != nil {
		return err
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	_, err = conn.Request(reqCtx, frame, "", wire.KindHeartbeatAck)
	return err
}

// ServerStats asks the hub for its live connection statistics.
func (c *Coordinator) ServerStats(ctx context.Context) (wire.ServerStats, error) {
	var stats wire.ServerStats
	resp, err := c.rpc(ctx, wire.KindGetServerStats, wire.KindServerStats)
	if err != nil {
		return stats, err
	}
	err = resp.Decode(&stats)
	return stats, err
}

// ConnectionInfo asks the hub for its view of this connection.
func (c *Coordinator) ConnectionInfo(ctx context.Context) (wire.ConnectionInfo, error) {
	var info wire.ConnectionInfo
	resp, err := c.rpc(ctx, wire.KindGetConnectionInfo, wire.KindConnectionInfo)
	if err != nil {
		return info, err
	}
	err = resp.Decode(&info)
	return info, err
}

// rpc performs a payload-less request. Hub-side faults for these kinds come
// back as a MessageResponse, decoded into the returned error.
func (c *Coordinator) rpc(ctx context.Context, kind, acceptKind string) (wire.Frame, error) {
	conn := c.current()
	if conn == nil {
		return wire.Frame{}, ErrOffline
	}
	frame, err := wire.NewFrame(kind, nil)
	if err != nil {
		return wire.Frame{}, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	resp, err := conn.Request(reqCtx, frame, "", acceptKind, wire.KindMessageResponse)
	if err != nil {
		return wire.Frame{}, fmt.Errorf("%s: %w", kind, err)
	}
	if resp.Kind == wire.KindMessageResponse {
		var mr wire.MessageResponse
		_ = resp.Decode(&mr)
		return wire.Frame{}, fmt.Errorf("%s: %s", kind, mr.Error)
	}
	return resp, nil
}

// Status combines the live flags with outbox counts.
func (c *Coordinator) Status(ctx context.Context) (SyncStatus, error) {
	stats, err := c.store.Stats(ctx)
	if err != nil {
		return SyncStatus{}, err
	}
	return SyncStatus{
		Online:  c.online.Load(),
		Syncing: c.syncing.Load(),
		Pending: stats.Pending,
		Failed:  stats.Failed,
		Total:   stats.Total,
	}, nil
}

// autoConnect is the double-checked connect used by the bypass path: the
// lock is always released, so a failed attempt never locks later calls out.
func (c *Coordinator) autoConnect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Coordinator) current() *Conn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

func (c *Coordinator) handleEvent(f wire.Frame) {
	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(f)
		return
	}
	c.log.Debug("hub event", zap.String("kind", f.Kind))
}

func (c *Coordinator) heartbeatLoop(conn *Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-conn.Done():
			return
		case <-ticker.C:
			if err := c.Heartbeat(context.Background()); err != nil {
				c.log.Debug("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func isLargeObject(dataType string) bool {
	t := strings.ToLower(dataType)
	for _, marker := range largeObjectMarkers {
		if strings.Contains(t, marker) {
			return true
		}
	}
	return false
}
