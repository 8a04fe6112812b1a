// Command mockapp is a demo expense-tracker client. It queues work into the
// durable outbox while offline, then connects to a running hub and lets the
// replay drain the backlog, exercising the same path a device app uses.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/HappyFarang/newways-hub/internal/apps"
	"github.com/HappyFarang/newways-hub/pkg/cache"
	"github.com/HappyFarang/newways-hub/pkg/syncclient"
	"github.com/HappyFarang/newways-hub/pkg/wire"
	"go.uber.org/zap"
)

type appConfig struct {
	hubURL     string
	dataDir    string
	passphrase string
	deviceID   string
	userID     string
	slipSize   int
	timeout    time.Duration
}

func main() {
	cfg := parseConfig()
	if err := run(cfg); err != nil {
		log.Fatalf("mock app failed: %v", err)
	}
	log.Printf("mock app completed against %s", cfg.hubURL)
}

func parseConfig() appConfig {
	var cfg appConfig
	flag.StringVar(&cfg.hubURL, "hub", "ws://127.0.0.1:8080/ws", "Websocket URL of the hub")
	flag.StringVar(&cfg.dataDir, "data", "", "Outbox directory (defaults to a fresh temp dir)")
	flag.StringVar(&cfg.passphrase, "passphrase", "mockapp-secret", "Passphrase sealing queued file payloads")
	flag.StringVar(&cfg.deviceID, "device", "mockapp-1", "Device identifier to register with")
	flag.StringVar(&cfg.userID, "user", "demo-user", "User to authenticate as")
	flag.IntVar(&cfg.slipSize, "slip-size", 64*1024, "Size of the demo bank slip in bytes")
	flag.DurationVar(&cfg.timeout, "timeout", 30*time.Second, "Overall timeout for the demo flow")
	flag.Parse()

	if cfg.dataDir == "" {
		dir, err := os.MkdirTemp("", "mockapp-outbox-")
		if err != nil {
			log.Fatalf("create outbox dir: %v", err)
		}
		cfg.dataDir = dir
	}
	return cfg
}

func run(cfg appConfig) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	store, err := cache.Open(ctx, cfg.dataDir, cfg.passphrase)
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	defer store.Close()

	logger, err := zap.NewDevelopment()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	coord, err := syncclient.NewCoordinator(syncclient.Config{
		Log:        logger,
		ServerURL:  cfg.hubURL,
		AppName:    apps.AppExpenseTracker,
		AppVersion: "1.0",
		DeviceID:   cfg.deviceID,
		DeviceType: "CLI",
		Store:      store,
		OnEvent: func(f wire.Frame) {
			if f.Kind == wire.KindBroadcastMessage {
				log.Printf("broadcast received: %s", f.Payload)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("build coordinator: %w", err)
	}
	defer coord.Disconnect()

	// Queue work before any connection exists; the outbox holds it.
	entry := map[string]any{
		"entryId":     "mock-lunch",
		"amount":      120.50,
		"category":    "Food",
		"syncVersion": time.Now().UnixNano(),
	}
	entryID, err := coord.CacheAndSync(ctx, entry, "ExpenseEntry", "ExpenseEntry", cache.KeepAfterSync)
	if err != nil {
		return fmt.Errorf("queue expense entry: %w", err)
	}
	log.Printf("queued expense entry %s", entryID)

	slip := make([]byte, cfg.slipSize)
	if _, err := rand.Read(slip); err != nil {
		return fmt.Errorf("generate slip: %w", err)
	}
	slipID, err := coord.QueueDocumentUpload(ctx, syncclient.UploadRequest{
		MessageType: "BankSlipUpload",
		DataType:    "BankSlipImage",
		Data:        slip,
	})
	if err != nil {
		return fmt.Errorf("queue bank slip: %w", err)
	}
	log.Printf("queued bank slip %s (%d bytes, sealed at rest)", slipID, len(slip))

	printStatus(ctx, coord, "before connect")

	if err := coord.ConnectAndRegister(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	log.Printf("registered with hub as %s", apps.AppExpenseTracker)

	if err := coord.AuthenticateUser(ctx, cfg.userID, ""); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	if err := waitForDrain(ctx, coord); err != nil {
		return err
	}
	printStatus(ctx, coord, "after replay")

	// Cache-bypass path: the caller wants the result now and keeps nothing
	// on failure.
	res, err := coord.UploadDocument(ctx, syncclient.UploadRequest{
		MessageType: "ExpenseQuery",
		Data:        map[string]string{"category": "Food"},
	})
	if err != nil {
		var upErr *syncclient.UploadError
		if errors.As(err, &upErr) {
			return fmt.Errorf("query upload failed with %s: %w", upErr.Code, err)
		}
		return fmt.Errorf("query upload: %w", err)
	}
	if !res.Success {
		return fmt.Errorf("query rejected: %s", res.Error)
	}
	log.Printf("query result: %s", res.Data)

	if err := coord.Heartbeat(ctx); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}

	if err := coord.BroadcastToApp(ctx, apps.AppExpenseTracker, "ExpenseRefresh", map[string]string{"reason": "demo"}); err != nil {
		return fmt.Errorf("broadcast: %w", err)
	}
	// Give our own broadcast a moment to come back around.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(200 * time.Millisecond):
	}

	stats, err := coord.ServerStats(ctx)
	if err != nil {
		return fmt.Errorf("server stats: %w", err)
	}
	log.Printf("hub reports %d connections across %v", stats.TotalConnections, stats.RegisteredApps)

	printStatus(ctx, coord, "before disconnect")
	return nil
}

func waitForDrain(ctx context.Context, coord *syncclient.Coordinator) error {
	for {
		st, err := coord.Status(ctx)
		if err != nil {
			return fmt.Errorf("sync status: %w", err)
		}
		if st.Pending == 0 && !st.Syncing {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("outbox not drained: %w", ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func printStatus(ctx context.Context, coord *syncclient.Coordinator, label string) {
	st, err := coord.Status(ctx)
	if err != nil {
		log.Printf("status %s: %v", label, err)
		return
	}
	log.Printf("status %s: online=%t syncing=%t pending=%d failed=%d total=%d",
		label, st.Online, st.Syncing, st.Pending, st.Failed, st.Total)
}
