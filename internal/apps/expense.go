package apps

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/HappyFarang/newways-hub/internal/registry"
	"github.com/HappyFarang/newways-hub/internal/router"
	"github.com/HappyFarang/newways-hub/pkg/wire"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ExpenseEntry is one expense record. SyncVersion implements last-write-wins:
// a write at a version not greater than the stored one is rejected as stale.
type ExpenseEntry struct {
	EntryID     string    `json:"entryId"`
	Amount      float64   `json:"amount"`
	Category    string    `json:"category,omitempty"`
	Note        string    `json:"note,omitempty"`
	SyncVersion int64     `json:"syncVersion"`
	UpdatedBy   string    `json:"updatedBy,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// BankSlip records one uploaded payment slip.
type BankSlip struct {
	SlipID     string    `json:"slipId"`
	FileName   string    `json:"fileName,omitempty"`
	Size       int       `json:"size"`
	UploadedBy string    `json:"uploadedBy,omitempty"`
	UploadedAt time.Time `json:"uploadedAt"`
}

type slipUpload struct {
	FileName string  `json:"fileName,omitempty"`
	Content  []byte  `json:"content,omitempty"`
	Amount   float64 `json:"amount,omitempty"`
	Category string  `json:"category,omitempty"`
}

type expenseQuery struct {
	Category string `json:"category,omitempty"`
}

// ExpenseHandler serves the expense tracker app: bank slip uploads, expense
// entries, and queries. One instance serves every connection of the app.
type ExpenseHandler struct {
	log *zap.Logger

	mu      sync.Mutex
	entries map[string]ExpenseEntry
	slips   map[string]BankSlip
}

// NewExpenseHandler builds an empty in-memory expense store.
func NewExpenseHandler(log *zap.Logger) *ExpenseHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ExpenseHandler{
		log:     log.Named("expense"),
		entries: make(map[string]ExpenseEntry),
		slips:   make(map[string]BankSlip),
	}
}

func (h *ExpenseHandler) SupportedMessageTypes() []string {
	return []string{"BankSlipUpload", "ExpenseEntry", "ExpenseQuery"}
}

func (h *ExpenseHandler) Validate(msg *wire.Message) bool {
	if msg.MessageID == "" {
		return false
	}
	switch msg.MessageType {
	case "BankSlipUpload", "ExpenseEntry":
		return len(msg.Data) > 0
	default:
		return true
	}
}

func (h *ExpenseHandler) Handle(_ context.Context, msg *wire.Message, _ string) (*router.Result, error) {
	switch msg.MessageType {
	case "BankSlipUpload":
		return h.handleSlip(msg)
	case "ExpenseEntry":
		return h.handleEntry(msg)
	case "ExpenseQuery":
		return h.handleQuery(msg)
	default:
		return &router.Result{Error: "unsupported message type"}, nil
	}
}

// handleSlip accepts both payload shapes seen in the field: a structured
// upload object, and the bare base64 content produced by queued blob replay.
func (h *ExpenseHandler) handleSlip(msg *wire.Message) (*router.Result, error) {
	var content []byte
	var fileName string
	if err := json.Unmarshal(msg.Data, &content); err != nil {
		var req slipUpload
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return &router.Result{Error: "unreadable slip payload"}, nil
		}
		content = req.Content
		fileName = req.FileName
	}
	if len(content) == 0 {
		return &router.Result{Error: "empty slip upload"}, nil
	}

	slip := BankSlip{
		SlipID:     uuid.NewString(),
		FileName:   fileName,
		Size:       len(content),
		UploadedBy: msg.UserID,
		UploadedAt: time.Now(),
	}

	h.mu.Lock()
	h.slips[slip.SlipID] = slip
	h.mu.Unlock()

	h.log.Info("bank slip stored",
		zap.String("slip_id", slip.SlipID),
		zap.Int("bytes", slip.Size),
		zap.String("source", msg.SourceApp))

	data, err := json.Marshal(slip)
	if err != nil {
		return nil, err
	}
	return &router.Result{Success: true, Data: data}, nil
}

func (h *ExpenseHandler) handleEntry(msg *wire.Message) (*router.Result, error) {
	var entry ExpenseEntry
	if err := json.Unmarshal(msg.Data, &entry); err != nil {
		return &router.Result{Error: "unreadable expense entry"}, nil
	}
	if entry.EntryID == "" {
		return &router.Result{Error: "entry id required"}, nil
	}
	entry.UpdatedBy = msg.UserID
	entry.UpdatedAt = time.Now()

	h.mu.Lock()
	existing, ok := h.entries[entry.EntryID]
	if ok && existing.SyncVersion >= entry.SyncVersion {
		h.mu.Unlock()
		return &router.Result{
			Error: fmt.Sprintf("stale write: entry %s is at version %d", entry.EntryID, existing.SyncVersion),
		}, nil
	}
	h.entries[entry.EntryID] = entry
	h.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	return &router.Result{
		Success:              true,
		Data:                 data,
		ShouldBroadcast:      true,
		BroadcastMessageType: "ExpenseUpdated",
	}, nil
}

func (h *ExpenseHandler) handleQuery(msg *wire.Message) (*router.Result, error) {
	var q expenseQuery
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &q); err != nil {
			return &router.Result{Error: "unreadable expense query"}, nil
		}
	}

	h.mu.Lock()
	out := make([]ExpenseEntry, 0, len(h.entries))
	for _, e := range h.entries {
		if q.Category == "" || strings.EqualFold(e.Category, q.Category) {
			out = append(out, e)
		}
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EntryID < out[j].EntryID })

	data, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return &router.Result{Success: true, Data: data}, nil
}

func (h *ExpenseHandler) OnAppConnected(_ context.Context, conn registry.AppConnection) error {
	h.log.Debug("expense client connected",
		zap.String("connection_id", conn.ConnectionID),
		zap.String("device_type", conn.DeviceType))
	return nil
}

func (h *ExpenseHandler) OnAppDisconnected(_ context.Context, conn registry.AppConnection) error {
	h.log.Debug("expense client disconnected", zap.String("connection_id", conn.ConnectionID))
	return nil
}

// InitialData summarizes server-side state so a reconnecting client can
// decide whether it needs a full query.
func (h *ExpenseHandler) InitialData(_ context.Context, _ registry.AppConnection) (json.RawMessage, error) {
	h.mu.Lock()
	summary := struct {
		Entries int       `json:"entries"`
		Slips   int       `json:"slips"`
		AsOf    time.Time `json:"asOf"`
	}{len(h.entries), len(h.slips), time.Now()}
	h.mu.Unlock()

	return json.Marshal(summary)
}
