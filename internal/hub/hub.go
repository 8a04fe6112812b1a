// Package hub implements the messaging hub: it owns client sessions, walks
// each one through the Open/Registered/Authenticated lifecycle, routes
// application messages through per-app handlers, and fans out broadcasts to
// group members.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/HappyFarang/newways-hub/internal/registry"
	"github.com/HappyFarang/newways-hub/internal/router"
	"github.com/HappyFarang/newways-hub/pkg/wire"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultSendBuffer       = 32
	defaultWriteTimeout     = 10 * time.Second
	defaultPongTimeout      = 60 * time.Second
	defaultReadLimit        = 1 << 20
	defaultSweepInterval    = 5 * time.Minute
	defaultMaxConnectionAge = 30 * time.Minute
)

// Options configures hub buffers, transport deadlines, and the sweeper.
type Options struct {
	Metrics          *hubMetrics
	SendBuffer       int
	WriteTimeout     time.Duration
	PongTimeout      time.Duration
	ReadLimit        int64
	SweepInterval    time.Duration
	MaxConnectionAge time.Duration
}

// Hub coordinates sessions, the registry, and the message router. Frames
// from one connection are handled serially; connections run concurrently.
type Hub struct {
	log     *zap.Logger
	reg     registry.Registry
	router  *router.Router
	metrics *hubMetrics

	mu       sync.Mutex
	sessions map[string]*session
	topics   *topics

	sweepOnce sync.Once

	sendBuffer       int
	writeTimeout     time.Duration
	pongTimeout      time.Duration
	pingInterval     time.Duration
	readLimit        int64
	sweepInterval    time.Duration
	maxConnectionAge time.Duration
}

// New wires the hub's dependencies.
func New(log *zap.Logger, reg registry.Registry, rt *router.Router, opts Options) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	if reg == nil {
		reg = registry.NewInMemory(0)
	}
	if rt == nil {
		rt = router.New(log, 0)
	}

	h := &Hub{
		log:              log,
		reg:              reg,
		router:           rt,
		metrics:          opts.Metrics,
		sessions:         make(map[string]*session),
		topics:           newTopics(),
		sendBuffer:       opts.SendBuffer,
		writeTimeout:     opts.WriteTimeout,
		pongTimeout:      opts.PongTimeout,
		readLimit:        opts.ReadLimit,
		sweepInterval:    opts.SweepInterval,
		maxConnectionAge: opts.MaxConnectionAge,
	}
	if h.sendBuffer <= 0 {
		h.sendBuffer = defaultSendBuffer
	}
	if h.writeTimeout <= 0 {
		h.writeTimeout = defaultWriteTimeout
	}
	if h.pongTimeout <= 0 {
		h.pongTimeout = defaultPongTimeout
	}
	if h.readLimit <= 0 {
		h.readLimit = defaultReadLimit
	}
	if h.sweepInterval <= 0 {
		h.sweepInterval = defaultSweepInterval
	}
	if h.maxConnectionAge <= 0 {
		h.maxConnectionAge = defaultMaxConnectionAge
	}
	h.pingInterval = h.pongTimeout * 9 / 10
	return h
}

// HandleConnection owns an upgraded socket for its whole life: admit the
// session into the catch-all group, start the write pump, then read frames
// until the transport dies.
func (h *Hub) HandleConnection(ctx context.Context, conn *websocket.Conn, remoteAddr, userAgent string) {
	s := h.admit(ctx, conn, remoteAddr, userAgent)
	defer h.closeSession(s, "transport closed")

	go h.writePump(s)

	conn.SetReadLimit(h.readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(h.pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongTimeout))
	})

	for {
		var frame wire.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Warn("session read failed", zap.Error(err), zap.String("connection_id", s.id))
			}
			return
		}
		// Inbound frames refresh the deadline too; a chatty client that never
		// pongs is still alive.
		_ = conn.SetReadDeadline(time.Now().Add(h.pongTimeout))
		h.dispatch(s, frame)
	}
}

func (h *Hub) admit(parent context.Context, conn *websocket.Conn, remoteAddr, userAgent string) *session {
	ctx, cancel := context.WithCancel(parent)
	s := &session{
		id:         uuid.NewString(),
		conn:       conn,
		sendCh:     make(chan wire.Frame, h.sendBuffer),
		ctx:        ctx,
		cancel:     cancel,
		remoteAddr: remoteAddr,
		userAgent:  userAgent,
	}

	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()

	h.topics.join(topicAll, s)
	h.metrics.incConnection()
	h.log.Info("client connected", zap.String("connection_id", s.id), zap.String("remote_addr", remoteAddr))
	return s
}

// closeSession is the single teardown path; safe to call from the read
// loop, the sweeper, or a failed push.
func (h *Hub) closeSession(s *session, reason string) {
	s.closeOnce.Do(func() {
		s.cancel()

		state, appName, _, _ := s.snapshot()
		s.setClosed()

		if state >= stateRegistered {
			if conn, ok := h.reg.Get(s.id); ok {
				h.router.NotifyConnection(context.Background(), appName, conn, false)
			}
		}

		h.topics.leaveAll(s)
		h.reg.Remove(s.id)

		h.mu.Lock()
		delete(h.sessions, s.id)
		h.mu.Unlock()

		_ = s.conn.Close()
		h.metrics.decConnection()
		h.log.Info("client disconnected",
			zap.String("connection_id", s.id),
			zap.String("reason", reason))
	})
}

// CloseAll tears down every live session. http.Server.Shutdown does not
// track hijacked websocket connections, so shutdown calls this explicitly.
func (h *Hub) CloseAll(reason string) {
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		h.closeSession(s, reason)
	}
}

func (h *Hub) dispatch(s *session, frame wire.Frame) {
	start := time.Now()
	op := metricOp(frame.Kind)

	switch frame.Kind {
	case wire.KindRegisterApp:
		h.handleRegister(s, frame)
	case wire.KindAuthenticateUser:
		h.handleAuthenticate(s, frame)
	case wire.KindSendMessage:
		h.handleSend(s, frame)
	case wire.KindBroadcastToApp:
		h.handleBroadcastToApp(s, frame)
	case wire.KindBroadcastToUser:
		h.handleBroadcastToUser(s, frame)
	case wire.KindHeartbeat:
		h.handleHeartbeat(s)
	case wire.KindGetConnectionInfo:
		h.handleConnectionInfo(s)
	case wire.KindGetServerStats:
		h.handleServerStats(s)
	default:
		h.pushEvent(s, wire.KindMessageResponse, wire.MessageResponse{
			Success: false,
			Error:   "unsupported frame kind: " + frame.Kind,
		})
	}

	h.metrics.observeLatency(op, time.Since(start))
}

// handleRegister runs the full registration sequence. The registry commit
// happens last so a failure never leaves a half-registered entry behind.
func (h *Hub) handleRegister(s *session, frame wire.Frame) {
	var reg wire.AppRegistration
	if err := frame.Decode(&reg); err != nil {
		h.metrics.recordRegistration("error")
		h.pushEvent(s, wire.KindRegistrationError, wire.ErrorEvent{Reason: "malformed registration: " + err.Error()})
		return
	}
	if reg.AppName == "" {
		h.metrics.recordRegistration("error")
		h.pushEvent(s, wire.KindRegistrationError, wire.ErrorEvent{Reason: "app name required"})
		return
	}

	_, prevApp, prevDevice, userID := s.snapshot()

	now := time.Now()
	conn := registry.AppConnection{
		ConnectionID:  s.id,
		AppName:       reg.AppName,
		AppVersion:    reg.AppVersion,
		DeviceID:      reg.DeviceID,
		DeviceType:    reg.DeviceType,
		UserID:        userID,
		IPAddress:     s.remoteAddr,
		UserAgent:     s.userAgent,
		Metadata:      reg.Metadata,
		ConnectedAt:   now,
		LastHeartbeat: now,
		Status:        registry.StatusConnected,
	}

	h.router.NotifyConnection(s.ctx, reg.AppName, conn, true)
	initial := h.router.InitialData(s.ctx, reg.AppName, conn)

	if prevApp != "" && prevApp != reg.AppName {
		h.topics.leave(topicApp(prevApp), s)
	}
	if prevDevice != "" && prevDevice != reg.DeviceType {
		h.topics.leave(topicDevice(prevDevice), s)
	}
	h.topics.join(topicApp(reg.AppName), s)
	if reg.DeviceType != "" {
		h.topics.join(topicDevice(reg.DeviceType), s)
	}

	if err := h.reg.Add(conn); err != nil {
		h.topics.leave(topicApp(reg.AppName), s)
		if reg.DeviceType != "" {
			h.topics.leave(topicDevice(reg.DeviceType), s)
		}
		h.router.NotifyConnection(s.ctx, reg.AppName, conn, false)
		h.metrics.recordRegistration("error")
		h.pushEvent(s, wire.KindRegistrationError, wire.ErrorEvent{Reason: "registration failed: " + err.Error()})
		return
	}

	s.setRegistered(reg.AppName, reg.DeviceType)
	h.metrics.recordRegistration("ok")
	h.log.Info("app registered",
		zap.String("connection_id", s.id),
		zap.String("app", reg.AppName),
		zap.String("device_type", reg.DeviceType))

	if len(initial) > 0 {
		h.pushEvent(s, wire.KindInitialData, wire.InitialData{AppName: reg.AppName, Data: initial})
	}
	h.pushEvent(s, wire.KindRegistrationComplete, wire.RegistrationComplete{
		ConnectionID:          s.id,
		ServerTime:            now,
		RegisteredApps:        h.router.AppNames(),
		SupportedMessageTypes: h.router.SupportedTypes(reg.AppName),
	})
}

func (h *Hub) handleAuthenticate(s *session, frame wire.Frame) {
	state, _, _, prevUser := s.snapshot()
	if state < stateRegistered {
		h.pushEvent(s, wire.KindAuthenticationError, wire.ErrorEvent{Reason: "registration required before authentication"})
		return
	}

	var auth wire.AuthRequest
	if err := frame.Decode(&auth); err != nil {
		h.pushEvent(s, wire.KindAuthenticationError, wire.ErrorEvent{Reason: "malformed authentication: " + err.Error()})
		return
	}
	if auth.UserID == "" {
		h.pushEvent(s, wire.KindAuthenticationError, wire.ErrorEvent{Reason: "user id required"})
		return
	}

	// Token is an opaque hint; credential verification lives outside the hub.
	if !h.reg.AssignUser(s.id, auth.UserID) {
		h.pushEvent(s, wire.KindAuthenticationError, wire.ErrorEvent{Reason: "connection not registered"})
		return
	}

	if prevUser != "" && prevUser != auth.UserID {
		h.topics.leave(topicUser(prevUser), s)
	}
	h.topics.join(topicUser(auth.UserID), s)
	s.setAuthenticated(auth.UserID)

	h.log.Info("user authenticated",
		zap.String("connection_id", s.id),
		zap.String("user_id", auth.UserID))
	h.pushEvent(s, wire.KindAuthenticationComplete, wire.AuthenticationComplete{
		UserID:       auth.UserID,
		ConnectionID: s.id,
		ServerTime:   time.Now(),
	})
}

func (h *Hub) handleSend(s *session, frame wire.Frame) {
	var msg wire.Message
	if err := frame.Decode(&msg); err != nil {
		h.metrics.recordRouted("error")
		h.pushEvent(s, wire.KindMessageResponse, wire.MessageResponse{Success: false, Error: "invalid message format"})
		return
	}

	state, appName, _, userID := s.snapshot()
	if state < stateRegistered {
		h.metrics.recordRouted("error")
		h.replyToMessage(s, &msg, &router.Result{Error: "not registered"})
		return
	}

	msg.SourceApp = appName
	msg.UserID = userID

	res := h.router.RouteMessage(s.ctx, &msg, s.id)
	if res.Success {
		h.metrics.recordRouted("ok")
	} else {
		h.metrics.recordRouted("error")
	}
	h.replyToMessage(s, &msg, res)
}

// replyToMessage pushes the MessageResponse, performs any requested
// broadcast, and emits exactly one MessageAck when the message asked for
// one, regardless of routing outcome.
func (h *Hub) replyToMessage(s *session, msg *wire.Message, res *router.Result) {
	h.pushEvent(s, wire.KindMessageResponse, wire.MessageResponse{
		MessageID: msg.MessageID,
		Success:   res.Success,
		Data:      res.Data,
		Error:     res.Error,
	})

	if res.ShouldBroadcast {
		ev := wire.BroadcastMessage{
			MessageType: res.BroadcastMessageType,
			TargetApp:   msg.TargetApp,
			Data:        res.Data,
			Timestamp:   time.Now(),
		}
		if ev.MessageType == "" {
			ev.MessageType = msg.MessageType
		}
		if len(res.TargetConnections) > 0 {
			h.fanOut(ev, h.sessionsByID(res.TargetConnections))
		} else {
			h.fanOut(ev, h.topics.snapshot(topicApp(msg.TargetApp)))
		}
	}

	if msg.RequiresAck {
		h.pushEvent(s, wire.KindMessageAck, wire.MessageAck{
			MessageID:    msg.MessageID,
			ConnectionID: s.id,
			Success:      res.Success,
			Error:        res.Error,
		})
	}
}

func (h *Hub) handleBroadcastToApp(s *session, frame wire.Frame) {
	var req wire.BroadcastRequest
	if err := frame.Decode(&req); err != nil || req.TargetApp == "" || req.MessageType == "" {
		h.pushEvent(s, wire.KindMessageResponse, wire.MessageResponse{Success: false, Error: "invalid broadcast request"})
		return
	}
	h.fanOut(wire.BroadcastMessage{
		MessageType: req.MessageType,
		TargetApp:   req.TargetApp,
		Data:        req.Data,
		Timestamp:   time.Now(),
	}, h.topics.snapshot(topicApp(req.TargetApp)))
}

func (h *Hub) handleBroadcastToUser(s *session, frame wire.Frame) {
	var req wire.BroadcastRequest
	if err := frame.Decode(&req); err != nil || req.UserID == "" || req.MessageType == "" {
		h.pushEvent(s, wire.KindMessageResponse, wire.MessageResponse{Success: false, Error: "invalid broadcast request"})
		return
	}
	h.fanOut(wire.BroadcastMessage{
		MessageType: req.MessageType,
		TargetUser:  req.UserID,
		Data:        req.Data,
		Timestamp:   time.Now(),
	}, h.topics.snapshot(topicUser(req.UserID)))
}

func (h *Hub) handleHeartbeat(s *session) {
	h.reg.UpdateHeartbeat(s.id)
	h.pushEvent(s, wire.KindHeartbeatAck, wire.HeartbeatAck{ServerTime: time.Now()})
}

func (h *Hub) handleConnectionInfo(s *session) {
	conn, ok := h.reg.Get(s.id)
	if !ok {
		h.pushEvent(s, wire.KindMessageResponse, wire.MessageResponse{Success: false, Error: "not registered"})
		return
	}
	h.pushEvent(s, wire.KindConnectionInfo, wire.ConnectionInfo{
		ConnectionID:  conn.ConnectionID,
		AppName:       conn.AppName,
		AppVersion:    conn.AppVersion,
		DeviceID:      conn.DeviceID,
		DeviceType:    conn.DeviceType,
		UserID:        conn.UserID,
		IPAddress:     conn.IPAddress,
		UserAgent:     conn.UserAgent,
		ConnectedAt:   conn.ConnectedAt,
		LastHeartbeat: conn.LastHeartbeat,
		Status:        string(conn.Status),
	})
}

func (h *Hub) handleServerStats(s *session) {
	h.pushEvent(s, wire.KindServerStats, wire.ServerStats{
		TotalConnections:    h.reg.Count(),
		AppConnectionCounts: h.reg.CountsByApp(),
		RegisteredApps:      h.router.AppNames(),
		ServerTime:          time.Now(),
	})
}

func (h *Hub) pushEvent(s *session, kind string, payload any) {
	frame, err := wire.NewFrame(kind, payload)
	if err != nil {
		h.log.Error("encode event", zap.String("kind", kind), zap.Error(err))
		return
	}
	_ = h.push(s, frame)
}

func (h *Hub) fanOut(ev wire.BroadcastMessage, targets []*session) {
	frame, err := wire.NewFrame(wire.KindBroadcastMessage, ev)
	if err != nil {
		h.log.Error("encode broadcast", zap.Error(err))
		return
	}
	for _, target := range targets {
		_ = h.push(target, frame)
	}
	h.metrics.recordBroadcast()
}

func (h *Hub) sessionsByID(connectionIDs []string) []*session {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]*session, 0, len(connectionIDs))
	for _, id := range connectionIDs {
		if s, ok := h.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

func metricOp(kind string) string {
	switch kind {
	case wire.KindRegisterApp:
		return "register_app"
	case wire.KindAuthenticateUser:
		return "authenticate_user"
	case wire.KindSendMessage:
		return "send_message"
	case wire.KindBroadcastToApp:
		return "broadcast_to_app"
	case wire.KindBroadcastToUser:
		return "broadcast_to_user"
	case wire.KindHeartbeat:
		return "heartbeat"
	case wire.KindGetConnectionInfo:
		return "connection_info"
	case wire.KindGetServerStats:
		return "server_stats"
	default:
		return "unknown"
	}
}
