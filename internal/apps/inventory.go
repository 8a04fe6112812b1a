package apps

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/HappyFarang/newways-hub/internal/registry"
	"github.com/HappyFarang/newways-hub/internal/router"
	"github.com/HappyFarang/newways-hub/pkg/wire"
	"go.uber.org/zap"
)

type stockUpdate struct {
	SKU   string `json:"sku"`
	Delta int    `json:"delta"`
}

type stockLevel struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

// InventoryHandler tracks stock levels and pushes every accepted change to
// all connected inventory clients.
type InventoryHandler struct {
	log *zap.Logger

	mu    sync.Mutex
	stock map[string]int
}

// NewInventoryHandler builds an empty in-memory stock table.
func NewInventoryHandler(log *zap.Logger) *InventoryHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &InventoryHandler{
		log:   log.Named("inventory"),
		stock: make(map[string]int),
	}
}

func (h *InventoryHandler) SupportedMessageTypes() []string {
	return []string{"Refresh", "StockUpdate"}
}

func (h *InventoryHandler) Validate(msg *wire.Message) bool {
	if msg.MessageID == "" {
		return false
	}
	if msg.MessageType == "StockUpdate" {
		return len(msg.Data) > 0
	}
	return true
}

func (h *InventoryHandler) Handle(_ context.Context, msg *wire.Message, _ string) (*router.Result, error) {
	switch msg.MessageType {
	case "StockUpdate":
		return h.handleUpdate(msg)
	case "Refresh":
		return h.handleRefresh()
	default:
		return &router.Result{Error: "unsupported message type"}, nil
	}
}

func (h *InventoryHandler) handleUpdate(msg *wire.Message) (*router.Result, error) {
	var upd stockUpdate
	if err := json.Unmarshal(msg.Data, &upd); err != nil {
		return &router.Result{Error: "unreadable stock update"}, nil
	}
	if upd.SKU == "" {
		return &router.Result{Error: "sku required"}, nil
	}

	h.mu.Lock()
	next := h.stock[upd.SKU] + upd.Delta
	if next < 0 {
		held := h.stock[upd.SKU]
		h.mu.Unlock()
		return &router.Result{
			Error: fmt.Sprintf("insufficient stock for %s: have %d, delta %d", upd.SKU, held, upd.Delta),
		}, nil
	}
	h.stock[upd.SKU] = next
	h.mu.Unlock()

	h.log.Info("stock updated", zap.String("sku", upd.SKU), zap.Int("quantity", next))

	data, err := json.Marshal(stockLevel{SKU: upd.SKU, Quantity: next})
	if err != nil {
		return nil, err
	}
	return &router.Result{
		Success:              true,
		Data:                 data,
		ShouldBroadcast:      true,
		BroadcastMessageType: "StockChanged",
	}, nil
}

func (h *InventoryHandler) handleRefresh() (*router.Result, error) {
	data, err := h.snapshot()
	if err != nil {
		return nil, err
	}
	return &router.Result{Success: true, Data: data}, nil
}

func (h *InventoryHandler) OnAppConnected(_ context.Context, conn registry.AppConnection) error {
	h.log.Debug("inventory client connected", zap.String("connection_id", conn.ConnectionID))
	return nil
}

func (h *InventoryHandler) OnAppDisconnected(_ context.Context, conn registry.AppConnection) error {
	h.log.Debug("inventory client disconnected", zap.String("connection_id", conn.ConnectionID))
	return nil
}

func (h *InventoryHandler) InitialData(_ context.Context, _ registry.AppConnection) (json.RawMessage, error) {
	return h.snapshot()
}

func (h *InventoryHandler) snapshot() (json.RawMessage, error) {
	h.mu.Lock()
	levels := struct {
		Stock map[string]int `json:"stock"`
		AsOf  time.Time      `json:"asOf"`
	}{make(map[string]int, len(h.stock)), time.Now()}
	for sku, qty := range h.stock {
		levels.Stock[sku] = qty
	}
	h.mu.Unlock()

	return json.Marshal(levels)
}
