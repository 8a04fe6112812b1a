package syncclient

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/HappyFarang/newways-hub/internal/apps"
	"github.com/HappyFarang/newways-hub/internal/hub"
	"github.com/HappyFarang/newways-hub/internal/registry"
	"github.com/HappyFarang/newways-hub/internal/router"
	"github.com/HappyFarang/newways-hub/pkg/cache"
	"github.com/HappyFarang/newways-hub/pkg/wire"
)

// startHub serves a real hub with the built-in app handlers over httptest.
// A positive limit caps how many connections the registry accepts.
func startHub(t *testing.T, limit int) string {
	t.Helper()
	log := zaptest.NewLogger(t)
	rt := router.New(log, 0)
	apps.Register(rt, log)
	h := hub.New(log, registry.NewInMemory(limit), rt, hub.Options{})

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.HandleConnection(r.Context(), ws, r.RemoteAddr, r.UserAgent())
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func openStore(t *testing.T) *cache.SQLiteStore {
	t.Helper()
	s, err := cache.Open(context.Background(), t.TempDir(), "topsecret")
	if err != nil {
		t.Fatalf("open cache store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newCoordinator(t *testing.T, url string, store cache.Store, mutate ...func(*Config)) *Coordinator {
	t.Helper()
	cfg := Config{
		Log:            zaptest.NewLogger(t),
		ServerURL:      url,
		AppName:        apps.AppExpenseTracker,
		AppVersion:     "1.0",
		DeviceID:       "device-1",
		DeviceType:     "Android",
		RequestTimeout: 5 * time.Second,
		ReplayPause:    10 * time.Millisecond,
		Store:          store,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	coord, err := NewCoordinator(cfg)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(coord.Disconnect)
	return coord
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCacheAndSyncOfflineLeavesPending(t *testing.T) {
	store := openStore(t)
	coord := newCoordinator(t, "ws://127.0.0.1:0", store)
	ctx := context.Background()

	before, err := coord.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}

	id, err := coord.CacheAndSync(ctx, map[string]any{"entryId": "e1", "amount": 10, "syncVersion": 1}, "ExpenseData", "ExpenseEntry", cache.KeepAfterSync)
	if err != nil {
		t.Fatalf("cache and sync: %v", err)
	}

	item, err := store.Item(ctx, id)
	if err != nil {
		t.Fatalf("load item: %v", err)
	}
	if item.State != cache.StatePending {
		t.Fatalf("offline item must stay pending, got %s", item.State)
	}

	after, err := coord.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if after.Pending != before.Pending+1 {
		t.Fatalf("pending count: got %d, want %d", after.Pending, before.Pending+1)
	}
	if after.Online || after.Syncing {
		t.Fatalf("unexpected status flags: %+v", after)
	}
}

func TestCacheAndSyncRoutesLargeObjectsToBlobs(t *testing.T) {
	store := openStore(t)
	coord := newCoordinator(t, "ws://127.0.0.1:0", store)
	ctx := context.Background()

	slip := make([]byte, 500*1024)
	if _, err := rand.Read(slip); err != nil {
		t.Fatalf("generate payload: %v", err)
	}

	blobID, err := coord.QueueDocumentUpload(ctx, UploadRequest{
		MessageType: "BankSlipUpload",
		DataType:    "BankSlipImage",
		Data:        slip,
	})
	if err != nil {
		t.Fatalf("queue upload: %v", err)
	}
	item, err := store.Item(ctx, blobID)
	if err != nil {
		t.Fatalf("load item: %v", err)
	}
	if !item.HasBlob || item.Retention != cache.DeleteAfterSync {
		t.Fatalf("queued document took the wrong path: %+v", item)
	}

	inlineID, err := coord.CacheAndSync(ctx, map[string]string{"k": "v"}, "ExpenseData", "ExpenseEntry", cache.KeepAfterSync)
	if err != nil {
		t.Fatalf("cache inline: %v", err)
	}
	item, err = store.Item(ctx, inlineID)
	if err != nil {
		t.Fatalf("load item: %v", err)
	}
	if item.HasBlob {
		t.Fatalf("small payload must stay inline: %+v", item)
	}

	if _, err := coord.CacheAndSync(ctx, map[string]string{"not": "bytes"}, "ReceiptPhoto", "BankSlipUpload", cache.KeepAfterSync); err == nil {
		t.Fatal("structured large-object payload must be rejected")
	}
}

func TestConnectRegisterAndReplay(t *testing.T) {
	url := startHub(t, 0)
	store := openStore(t)
	coord := newCoordinator(t, url, store)
	ctx := context.Background()

	entryID, err := coord.CacheAndSync(ctx, map[string]any{"entryId": "e1", "amount": 250.0, "syncVersion": 1}, "ExpenseData", "ExpenseEntry", cache.KeepAfterSync)
	if err != nil {
		t.Fatalf("cache entry: %v", err)
	}
	slipID, err := coord.QueueDocumentUpload(ctx, UploadRequest{
		MessageType: "BankSlipUpload",
		DataType:    "BankSlipImage",
		Data:        []byte("offline slip bytes"),
	})
	if err != nil {
		t.Fatalf("queue slip: %v", err)
	}

	if err := coord.ConnectAndRegister(ctx); err != nil {
		t.Fatalf("connect and register: %v", err)
	}
	status, err := coord.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Online {
		t.Fatal("coordinator must be online after registration")
	}

	waitFor(t, "backlog replay", func() bool {
		s, err := coord.Status(ctx)
		return err == nil && s.Pending == 0 && !s.Syncing
	})

	entry, err := store.Item(ctx, entryID)
	if err != nil {
		t.Fatalf("load entry item: %v", err)
	}
	if entry.State != cache.StateSynced {
		t.Fatalf("kept entry must be synced: %+v", entry)
	}
	if _, err := store.Item(ctx, slipID); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("DeleteAfterSync slip must be gone after replay, got %v", err)
	}

	// An online CacheAndSync takes the immediate path.
	id, err := coord.CacheAndSync(ctx, map[string]any{"entryId": "e2", "amount": 99.0, "syncVersion": 1}, "ExpenseData", "ExpenseEntry", cache.KeepAfterSync)
	if err != nil {
		t.Fatalf("cache and sync online: %v", err)
	}
	waitFor(t, "immediate sync", func() bool {
		item, err := store.Item(ctx, id)
		return err == nil && item.State == cache.StateSynced
	})
}

func TestReplayMarksRejectedItemsFailed(t *testing.T) {
	url := startHub(t, 0)
	store := openStore(t)
	coord := newCoordinator(t, url, store)
	ctx := context.Background()

	// The handler supports ExpenseEntry but rejects stale versions, so the
	// second capture of version 1 fails during replay.
	for i := 0; i < 2; i++ {
		if _, err := coord.CacheAndSync(ctx, map[string]any{"entryId": "dup", "amount": 10, "syncVersion": 1}, "ExpenseData", "ExpenseEntry", cache.KeepAfterSync); err != nil {
			t.Fatalf("cache entry: %v", err)
		}
	}

	if err := coord.ConnectAndRegister(ctx); err != nil {
		t.Fatalf("connect and register: %v", err)
	}
	waitFor(t, "replay to settle", func() bool {
		s, err := coord.Status(ctx)
		return err == nil && s.Pending == 0 && !s.Syncing
	})

	status, err := coord.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Failed != 1 {
		t.Fatalf("expected exactly one failed item, got %+v", status)
	}

	pending, err := store.Pending(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("failed items must not stay pending: %+v", pending)
	}
}

// gatedStore blocks Pending until the gate opens, keeping a replay pass
// alive long enough to observe the reentrancy guard.
type gatedStore struct {
	cache.Store
	gate chan struct{}
}

func (g *gatedStore) Pending(ctx context.Context) ([]cache.PendingItem, error) {
	<-g.gate
	return g.Store.Pending(ctx)
}

func TestSyncPendingItemsSingleFlight(t *testing.T) {
	url := startHub(t, 0)
	store := openStore(t)
	gated := &gatedStore{Store: store, gate: make(chan struct{})}
	coord := newCoordinator(t, url, gated)
	ctx := context.Background()

	id, err := coord.CacheAndSync(ctx, map[string]any{"entryId": "e1", "amount": 10, "syncVersion": 1}, "ExpenseData", "ExpenseEntry", cache.KeepAfterSync)
	if err != nil {
		t.Fatalf("cache entry: %v", err)
	}

	// Registration kicks off a background pass that parks inside Pending,
	// holding the guard.
	if err := coord.ConnectAndRegister(ctx); err != nil {
		t.Fatalf("connect and register: %v", err)
	}
	waitFor(t, "background pass to hold the guard", func() bool {
		s, err := coord.Status(ctx)
		return err == nil && s.Syncing
	})

	var wg sync.WaitGroup
	results := make(chan int, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := coord.SyncPendingItems(ctx)
			if err != nil {
				t.Errorf("concurrent pass: %v", err)
			}
			results <- n
		}()
	}
	wg.Wait()
	close(results)
	for n := range results {
		if n != 0 {
			t.Fatalf("a short-circuited pass must report zero items, got %d", n)
		}
	}

	close(gated.gate)
	waitFor(t, "held pass to finish", func() bool {
		item, err := store.Item(ctx, id)
		return err == nil && item.State == cache.StateSynced
	})
}

func TestUploadDocumentOffline(t *testing.T) {
	store := openStore(t)
	// Nothing listens here, so the auto-connect fails.
	coord := newCoordinator(t, "ws://127.0.0.1:1", store)

	_, err := coord.UploadDocument(context.Background(), UploadRequest{MessageType: "BankSlipUpload", Data: []byte("x")})
	var uerr *UploadError
	if !errors.As(err, &uerr) || uerr.Code != UploadOffline {
		t.Fatalf("expected Offline upload error, got %v", err)
	}
}

func TestUploadDocumentAgainstHub(t *testing.T) {
	url := startHub(t, 0)
	store := openStore(t)
	coord := newCoordinator(t, url, store, func(cfg *Config) {
		cfg.AppName = apps.AppInventory
	})
	ctx := context.Background()

	// UploadDocument auto-connects; no explicit ConnectAndRegister needed.
	res, err := coord.UploadDocument(ctx, UploadRequest{
		MessageType: "StockUpdate",
		Data:        map[string]any{"sku": "rice-5kg", "delta": 10},
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !res.Success {
		t.Fatalf("handler rejected a valid update: %+v", res)
	}

	res, err = coord.UploadDocument(ctx, UploadRequest{
		MessageType: "StockUpdate",
		Data:        map[string]any{"sku": "rice-5kg", "delta": -999},
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if res.Success || !strings.Contains(res.Error, "insufficient stock") {
		t.Fatalf("oversell must surface the handler's failure message: %+v", res)
	}
}

// muteHub registers clients but swallows their messages, so request paths
// time out.
func startMuteHub(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			var f wire.Frame
			if err := ws.ReadJSON(&f); err != nil {
				return
			}
			if f.Kind == wire.KindRegisterApp {
				out, _ := wire.NewFrame(wire.KindRegistrationComplete, wire.RegistrationComplete{ConnectionID: "mute"})
				if err := ws.WriteJSON(out); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestUploadDocumentNoResponse(t *testing.T) {
	url := startMuteHub(t)
	store := openStore(t)
	coord := newCoordinator(t, url, store, func(cfg *Config) {
		cfg.RequestTimeout = 200 * time.Millisecond
	})
	ctx := context.Background()

	if err := coord.ConnectAndRegister(ctx); err != nil {
		t.Fatalf("connect and register: %v", err)
	}

	_, err := coord.UploadDocument(ctx, UploadRequest{MessageType: "BankSlipUpload", Data: []byte("x")})
	var uerr *UploadError
	if !errors.As(err, &uerr) || uerr.Code != UploadNoResponse {
		t.Fatalf("expected NoResponse upload error, got %v", err)
	}

	_, err = coord.UploadDocument(ctx, UploadRequest{MessageType: "BankSlipUpload", Data: make(chan int)})
	if !errors.As(err, &uerr) || uerr.Code != UploadException {
		t.Fatalf("expected Exception upload error, got %v", err)
	}
}

func TestRegistrationFailureLeavesOffline(t *testing.T) {
	url := startHub(t, 1)
	ctx := context.Background()

	first := newCoordinator(t, url, openStore(t))
	if err := first.ConnectAndRegister(ctx); err != nil {
		t.Fatalf("first connect: %v", err)
	}

	// The registry is full, so the second registration is rejected and the
	// hub unwinds it.
	second := newCoordinator(t, url, openStore(t), func(cfg *Config) {
		cfg.DeviceID = "device-2"
	})
	err := second.ConnectAndRegister(ctx)
	if err == nil || !strings.Contains(err.Error(), "registration failed") {
		t.Fatalf("expected registration rejection, got %v", err)
	}
	status, statusErr := second.Status(ctx)
	if statusErr != nil {
		t.Fatalf("status: %v", statusErr)
	}
	if status.Online {
		t.Fatal("failed registration must leave the coordinator offline")
	}

	// The rejected connection must not appear in the hub's stats.
	stats, err := first.ServerStats(ctx)
	if err != nil {
		t.Fatalf("server stats: %v", err)
	}
	if stats.TotalConnections != 1 {
		t.Fatalf("rejected registration leaked into the registry: %+v", stats)
	}
}

func TestDisconnectFlipsOffline(t *testing.T) {
	url := startHub(t, 0)
	store := openStore(t)
	coord := newCoordinator(t, url, store)
	ctx := context.Background()

	if err := coord.ConnectAndRegister(ctx); err != nil {
		t.Fatalf("connect and register: %v", err)
	}
	if err := coord.Heartbeat(ctx); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	stats, err := coord.ServerStats(ctx)
	if err != nil {
		t.Fatalf("server stats: %v", err)
	}
	if stats.TotalConnections != 1 {
		t.Fatalf("expected one connection, got %+v", stats)
	}
	info, err := coord.ConnectionInfo(ctx)
	if err != nil {
		t.Fatalf("connection info: %v", err)
	}
	if info.AppName != apps.AppExpenseTracker || info.DeviceID != "device-1" {
		t.Fatalf("unexpected connection info: %+v", info)
	}

	coord.Disconnect()
	status, err := coord.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Online {
		t.Fatal("disconnect must flip the coordinator offline")
	}
	if err := coord.Heartbeat(ctx); !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline after disconnect, got %v", err)
	}
}

func TestBroadcastReachesOtherConnection(t *testing.T) {
	url := startHub(t, 0)

	events := make(chan wire.Frame, 16)
	listener := newCoordinator(t, url, openStore(t), func(cfg *Config) {
		cfg.AppName = apps.AppInventory
		cfg.DeviceID = "listener"
		cfg.OnEvent = func(f wire.Frame) {
			if f.Kind == wire.KindBroadcastMessage {
				events <- f
			}
		}
	})
	sender := newCoordinator(t, url, openStore(t), func(cfg *Config) {
		cfg.AppName = apps.AppInventory
		cfg.DeviceID = "sender"
	})
	ctx := context.Background()

	if err := listener.ConnectAndRegister(ctx); err != nil {
		t.Fatalf("listener connect: %v", err)
	}
	if err := sender.ConnectAndRegister(ctx); err != nil {
		t.Fatalf("sender connect: %v", err)
	}

	if err := sender.BroadcastToApp(ctx, apps.AppInventory, "Refresh", map[string]string{"reason": "restock"}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	select {
	case f := <-events:
		var bm wire.BroadcastMessage
		if err := f.Decode(&bm); err != nil {
			t.Fatalf("decode broadcast: %v", err)
		}
		if bm.MessageType != "Refresh" || bm.TargetApp != apps.AppInventory {
			t.Fatalf("unexpected broadcast: %+v", bm)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast never reached the listener")
	}
}
