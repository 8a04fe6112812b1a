package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HappyFarang/newways-hub/internal/registry"
	"github.com/HappyFarang/newways-hub/pkg/wire"
	"go.uber.org/zap/zaptest"
)

type fakeHandler struct {
	types        []string
	validate     func(*wire.Message) bool
	handle       func(context.Context, *wire.Message, string) (*Result, error)
	connected    func(context.Context, registry.AppConnection) error
	disconnected func(context.Context, registry.AppConnection) error
	initial      func(context.Context, registry.AppConnection) (json.RawMessage, error)
}

func (f *fakeHandler) SupportedMessageTypes() []string { return f.types }

func (f *fakeHandler) Validate(msg *wire.Message) bool {
	if f.validate == nil {
		return true
	}
	return f.validate(msg)
}

func (f *fakeHandler) Handle(ctx context.Context, msg *wire.Message, connectionID string) (*Result, error) {
	if f.handle == nil {
		return &Result{Success: true}, nil
	}
	return f.handle(ctx, msg, connectionID)
}

func (f *fakeHandler) OnAppConnected(ctx context.Context, conn registry.AppConnection) error {
	if f.connected == nil {
		return nil
	}
	return f.connected(ctx, conn)
}

func (f *fakeHandler) OnAppDisconnected(ctx context.Context, conn registry.AppConnection) error {
	if f.disconnected == nil {
		return nil
	}
	return f.disconnected(ctx, conn)
}

func (f *fakeHandler) InitialData(ctx context.Context, conn registry.AppConnection) (json.RawMessage, error) {
	if f.initial == nil {
		return nil, nil
	}
	return f.initial(ctx, conn)
}

func testMessage(app, msgType string) *wire.Message {
	return &wire.Message{
		MessageID:   wire.NewMessageID(),
		MessageType: msgType,
		TargetApp:   app,
	}
}

func TestRoutePipelineErrors(t *testing.T) {
	r := New(zaptest.NewLogger(t), 0)

	var handled atomic.Int32
	r.RegisterHandler("expense", func() Handler {
		return &fakeHandler{
			types: []string{"ExpenseEntry"},
			validate: func(m *wire.Message) bool {
				return m.MessageID != ""
			},
			handle: func(context.Context, *wire.Message, string) (*Result, error) {
				handled.Add(1)
				return &Result{Success: true}, nil
			},
		}
	})

	res := r.RouteMessage(context.Background(), testMessage("unknown", "ExpenseEntry"), "c1")
	if res.Success || res.Error != "no handler for app" {
		t.Fatalf("unexpected result for unknown app: %+v", res)
	}

	bad := testMessage("expense", "ExpenseEntry")
	bad.MessageID = ""
	res = r.RouteMessage(context.Background(), bad, "c1")
	if res.Success || res.Error != "invalid message format" {
		t.Fatalf("unexpected result for invalid message: %+v", res)
	}

	res = r.RouteMessage(context.Background(), testMessage("expense", "Unknown"), "c1")
	if res.Success || res.Error != "unsupported message type" {
		t.Fatalf("unexpected result for unsupported type: %+v", res)
	}

	if handled.Load() != 0 {
		t.Fatalf("handler invoked %d times before pipeline passed", handled.Load())
	}

	res = r.RouteMessage(context.Background(), testMessage("expense", "ExpenseEntry"), "c1")
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if handled.Load() != 1 {
		t.Fatalf("expected exactly one handler call, got %d", handled.Load())
	}
}

func TestRouteHandlerErrorConverted(t *testing.T) {
	r := New(zaptest.NewLogger(t), 0)
	r.RegisterHandler("expense", func() Handler {
		return &fakeHandler{
			types: []string{"ExpenseEntry"},
			handle: func(context.Context, *wire.Message, string) (*Result, error) {
				return nil, errors.New("db unavailable")
			},
		}
	})

	res := r.RouteMessage(context.Background(), testMessage("expense", "ExpenseEntry"), "c1")
	if res.Success {
		t.Fatal("expected failure result")
	}
	if res.Error != "internal error: db unavailable" {
		t.Fatalf("unexpected error text: %q", res.Error)
	}
}

func TestRoutePanicContained(t *testing.T) {
	r := New(zaptest.NewLogger(t), 0)
	r.RegisterHandler("expense", func() Handler {
		return &fakeHandler{
			types: []string{"ExpenseEntry", "ExpenseQuery"},
			handle: func(_ context.Context, m *wire.Message, _ string) (*Result, error) {
				if m.MessageType == "ExpenseEntry" {
					panic("boom")
				}
				return &Result{Success: true}, nil
			},
		}
	})

	res := r.RouteMessage(context.Background(), testMessage("expense", "ExpenseEntry"), "c1")
	if res.Success {
		t.Fatal("expected failure from panicking handler")
	}
	if res.Error != "internal error: handler panic: boom" {
		t.Fatalf("unexpected error text: %q", res.Error)
	}

	// The router must survive the panic and keep routing.
	res = r.RouteMessage(context.Background(), testMessage("expense", "ExpenseQuery"), "c1")
	if !res.Success {
		t.Fatalf("router unusable after panic: %+v", res)
	}
}

func TestRouteHandlerDeadline(t *testing.T) {
	r := New(zaptest.NewLogger(t), 50*time.Millisecond)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	r.RegisterHandler("expense", func() Handler {
		return &fakeHandler{
			types: []string{"ExpenseEntry"},
			handle: func(ctx context.Context, _ *wire.Message, _ string) (*Result, error) {
				select {
				case <-release:
				case <-ctx.Done():
				}
				return &Result{Success: true}, nil
			},
		}
	})

	start := time.Now()
	res := r.RouteMessage(context.Background(), testMessage("expense", "ExpenseEntry"), "c1")
	if res.Success {
		t.Fatal("expected deadline failure")
	}
	if res.Error != "internal error: context deadline exceeded" {
		t.Fatalf("unexpected error text: %q", res.Error)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("route blocked for %v despite deadline", elapsed)
	}
}

func TestResolveCreatesHandlerOnce(t *testing.T) {
	r := New(zaptest.NewLogger(t), 0)

	var built atomic.Int32
	r.RegisterHandler("expense", func() Handler {
		built.Add(1)
		return &fakeHandler{types: []string{"ExpenseEntry"}}
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.RouteMessage(context.Background(), testMessage("expense", "ExpenseEntry"), "c1")
		}()
	}
	wg.Wait()

	if built.Load() != 1 {
		t.Fatalf("factory called %d times, want 1", built.Load())
	}
}

func TestRegisterHandlerOverwrites(t *testing.T) {
	r := New(zaptest.NewLogger(t), 0)

	r.RegisterHandler("expense", func() Handler {
		return &fakeHandler{types: []string{"Old"}}
	})
	if got := r.SupportedTypes("expense"); len(got) != 1 || got[0] != "Old" {
		t.Fatalf("unexpected types before overwrite: %v", got)
	}

	r.RegisterHandler("expense", func() Handler {
		return &fakeHandler{types: []string{"New"}}
	})
	if got := r.SupportedTypes("expense"); len(got) != 1 || got[0] != "New" {
		t.Fatalf("overwrite did not replace cached handler: %v", got)
	}
}

func TestNotifyConnectionSwallowsErrors(t *testing.T) {
	r := New(zaptest.NewLogger(t), 0)

	var calls atomic.Int32
	r.RegisterHandler("expense", func() Handler {
		return &fakeHandler{
			types: []string{"ExpenseEntry"},
			connected: func(context.Context, registry.AppConnection) error {
				calls.Add(1)
				return errors.New("side effect failed")
			},
		}
	})

	conn := registry.AppConnection{ConnectionID: "c1", AppName: "expense"}
	r.NotifyConnection(context.Background(), "expense", conn, true)
	r.NotifyConnection(context.Background(), "missing", conn, true)

	if calls.Load() != 1 {
		t.Fatalf("expected one notify call, got %d", calls.Load())
	}
}

func TestInitialDataBestEffort(t *testing.T) {
	r := New(zaptest.NewLogger(t), 0)

	r.RegisterHandler("expense", func() Handler {
		return &fakeHandler{
			types: []string{"ExpenseEntry"},
			initial: func(context.Context, registry.AppConnection) (json.RawMessage, error) {
				return nil, errors.New("store offline")
			},
		}
	})

	conn := registry.AppConnection{ConnectionID: "c1", AppName: "expense"}
	if data := r.InitialData(context.Background(), "expense", conn); data != nil {
		t.Fatalf("expected nil payload on failure, got %s", data)
	}
	if data := r.InitialData(context.Background(), "missing", conn); data != nil {
		t.Fatalf("expected nil payload for missing handler, got %s", data)
	}

	r.RegisterHandler("inventory", func() Handler {
		return &fakeHandler{
			types: []string{"Refresh"},
			initial: func(context.Context, registry.AppConnection) (json.RawMessage, error) {
				return json.RawMessage(`{"items":3}`), nil
			},
		}
	})
	if data := r.InitialData(context.Background(), "inventory", conn); string(data) != `{"items":3}` {
		t.Fatalf("unexpected payload: %s", data)
	}
}

func TestAppNamesSorted(t *testing.T) {
	r := New(zaptest.NewLogger(t), 0)
	r.RegisterHandler("inventory", func() Handler { return &fakeHandler{} })
	r.RegisterHandler("expense", func() Handler { return &fakeHandler{} })

	names := r.AppNames()
	if len(names) != 2 || names[0] != "expense" || names[1] != "inventory" {
		t.Fatalf("unexpected app names: %v", names)
	}
}
