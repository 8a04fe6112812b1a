// Package router dispatches application messages to per-app handlers and
// shields the hub from handler faults.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/HappyFarang/newways-hub/internal/registry"
	"github.com/HappyFarang/newways-hub/pkg/wire"
	"go.uber.org/zap"
)

// DefaultHandlerTimeout bounds a single Handle invocation.
const DefaultHandlerTimeout = 10 * time.Second

// Handler is the contract a server-side app implements. One instance serves
// every connection of its app; implementations must be safe for concurrent
// invocation.
type Handler interface {
	SupportedMessageTypes() []string
	Validate(msg *wire.Message) bool
	Handle(ctx context.Context, msg *wire.Message, connectionID string) (*Result, error)
	OnAppConnected(ctx context.Context, conn registry.AppConnection) error
	OnAppDisconnected(ctx context.Context, conn registry.AppConnection) error
	InitialData(ctx context.Context, conn registry.AppConnection) (json.RawMessage, error)
}

// Factory builds a handler instance. Called at most once per app name under
// the router's lock; construction must not block.
type Factory func() Handler

// Result is the outcome of one routed message. TargetConnections empty
// means "every connection registered under the target app".
type Result struct {
	Success              bool
	Error                string
	Data                 json.RawMessage
	ShouldBroadcast      bool
	BroadcastMessageType string
	TargetConnections    []string
}

// Router resolves handlers lazily, caches one instance per app name, and
// converts every handler fault into an error Result. It never panics and
// never returns an error to its caller.
type Router struct {
	log            *zap.Logger
	handlerTimeout time.Duration

	mu        sync.RWMutex
	factories map[string]Factory
	instances map[string]Handler
}

// New builds a router. A non-positive timeout falls back to DefaultHandlerTimeout.
func New(log *zap.Logger, handlerTimeout time.Duration) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	if handlerTimeout <= 0 {
		handlerTimeout = DefaultHandlerTimeout
	}
	return &Router{
		log:            log,
		handlerTimeout: handlerTimeout,
		factories:      make(map[string]Factory),
		instances:      make(map[string]Handler),
	}
}

// RegisterHandler binds an app name to a handler factory. Re-registering the
// same app name silently overwrites the binding and discards any cached
// instance; the overwrite is logged because it is usually a deploy mistake.
func (r *Router) RegisterHandler(appName string, factory Factory) {
	if appName == "" || factory == nil {
		return
	}
	r.mu.Lock()
	_, overwrite := r.factories[appName]
	r.factories[appName] = factory
	delete(r.instances, appName)
	r.mu.Unlock()

	if overwrite {
		r.log.Warn("message handler overwritten", zap.String("app", appName))
	}
}

// AppNames lists the app names with registered handlers, sorted.
func (r *Router) AppNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// SupportedTypes returns the message types the app's handler accepts, or nil
// when no handler is registered.
func (r *Router) SupportedTypes(appName string) []string {
	h, ok := r.resolve(appName)
	if !ok {
		return nil
	}
	return h.SupportedMessageTypes()
}

// RouteMessage runs the dispatch pipeline: resolve handler, validate,
// check the supported-type set, invoke. Every fault, panics included, comes
// back as a Result with Success=false.
func (r *Router) RouteMessage(ctx context.Context, msg *wire.Message, connectionID string) *Result {
	if msg == nil {
		return &Result{Error: "invalid message format"}
	}

	h, ok := r.resolve(msg.TargetApp)
	if !ok {
		return &Result{Error: "no handler for app"}
	}
	if !h.Validate(msg) {
		return &Result{Error: "invalid message format"}
	}
	if !typeSupported(h, msg.MessageType) {
		return &Result{Error: "unsupported message type"}
	}
	return r.invoke(ctx, h, msg, connectionID)
}

// NotifyConnection is the best-effort connect/disconnect callback into the
// app handler. Failures are logged, never propagated.
func (r *Router) NotifyConnection(ctx context.Context, appName string, conn registry.AppConnection, isConnecting bool) {
	h, ok := r.resolve(appName)
	if !ok {
		return
	}

	var err error
	if isConnecting {
		err = h.OnAppConnected(ctx, conn)
	} else {
		err = h.OnAppDisconnected(ctx, conn)
	}
	if err != nil {
		r.log.Warn("connection notify failed",
			zap.String("app", appName),
			zap.String("connection_id", conn.ConnectionID),
			zap.Bool("connecting", isConnecting),
			zap.Error(err))
	}
}

// InitialData asks the app handler for its post-registration payload.
// Best-effort: a missing handler or a failure yields nil.
func (r *Router) InitialData(ctx context.Context, appName string, conn registry.AppConnection) json.RawMessage {
	h, ok := r.resolve(appName)
	if !ok {
		return nil
	}
	data, err := h.InitialData(ctx, conn)
	if err != nil {
		r.log.Warn("initial data fetch failed",
			zap.String("app", appName),
			zap.String("connection_id", conn.ConnectionID),
			zap.Error(err))
		return nil
	}
	return data
}

// resolve returns the cached handler for the app, creating it on first use.
func (r *Router) resolve(appName string) (Handler, bool) {
	r.mu.RLock()
	h, ok := r.instances[appName]
	r.mu.RUnlock()
	if ok {
		return h, true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.instances[appName]; ok {
		return h, true
	}
	factory, ok := r.factories[appName]
	if !ok {
		return nil, false
	}
	h = factory()
	if h == nil {
		return nil, false
	}
	r.instances[appName] = h
	return h, true
}

// invoke runs Handle under a deadline with panic containment. A handler that
// overruns the deadline is abandoned to finish in the background; its late
// result is discarded.
func (r *Router) invoke(parent context.Context, h Handler, msg *wire.Message, connectionID string) *Result {
	ctx, cancel := context.WithTimeout(parent, r.handlerTimeout)
	defer cancel()

	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("handler panic",
					zap.String("app", msg.TargetApp),
					zap.String("message_type", msg.MessageType),
					zap.Any("panic", rec))
				done <- outcome{err: fmt.Errorf("handler panic: %v", rec)}
			}
		}()
		result, err := h.Handle(ctx, msg, connectionID)
		done <- outcome{result: result, err: err}
	}()

	select {
	case <-ctx.Done():
		r.log.Warn("handler deadline exceeded",
			zap.String("app", msg.TargetApp),
			zap.String("message_type", msg.MessageType),
			zap.Duration("timeout", r.handlerTimeout))
		return &Result{Error: "internal error: " + ctx.Err().Error()}
	case out := <-done:
		if out.err != nil {
			return &Result{Error: "internal error: " + out.err.Error()}
		}
		if out.result == nil {
			return &Result{Error: "internal error: handler returned no result"}
		}
		return out.result
	}
}

func typeSupported(h Handler, messageType string) bool {
	for _, t := range h.SupportedMessageTypes() {
		if t == messageType {
			return true
		}
	}
	return false
}
