// Package cache is the client-side durable outbox. Every unit of work is
// captured locally before any transmission is attempted, so a dropped
// connection never loses data. Items move Pending -> Synced or
// Pending -> Failed; a Failed item returns to Pending only through an
// explicit Requeue.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SyncState tracks where an item sits in its outbox lifecycle.
type SyncState string

const (
	StatePending SyncState = "Pending"
	StateSynced  SyncState = "Synced"
	StateFailed  SyncState = "Failed"
)

// RetentionPolicy decides what happens to an item once it has synced.
type RetentionPolicy string

const (
	// DeleteAfterSync removes the item and its payload on MarkSynced.
	DeleteAfterSync RetentionPolicy = "DeleteAfterSync"
	// KeepAfterSync retains the item as a synced record.
	KeepAfterSync RetentionPolicy = "KeepAfterSync"
)

var (
	ErrNotFound = errors.New("cache item not found")
	ErrBadState = errors.New("invalid sync state transition")
)

// Item is the stored metadata for one cached unit of work.
type Item struct {
	ID            string
	MessageType   string
	TargetApp     string
	DataType      string
	Retention     RetentionPolicy
	State         SyncState
	FailureReason string
	HasBlob       bool
	CreatedAt     time.Time
	SyncedAt      time.Time
}

// PendingItem is the slim view returned by Pending for replay passes.
type PendingItem struct {
	ID          string
	MessageType string
	TargetApp   string
}

// Stats summarizes the outbox for status reporting.
type Stats struct {
	Pending int
	Failed  int
	Total   int
}

// Store is the durable outbox contract consumed by the sync coordinator.
type Store interface {
	// CacheInline captures a JSON-encodable payload.
	CacheInline(ctx context.Context, data any, dataType, messageType, targetApp string, retention RetentionPolicy) (string, error)
	// CacheFile captures a raw byte payload in sealed blob storage.
	CacheFile(ctx context.Context, data []byte, dataType, messageType, targetApp string, retention RetentionPolicy) (string, error)
	// Pending lists items awaiting sync, oldest first.
	Pending(ctx context.Context) ([]PendingItem, error)
	// Item returns the metadata for one item.
	Item(ctx context.Context, id string) (Item, error)
	// Payload returns the item's payload as JSON. Blob payloads come back
	// as a base64 JSON string, the wire encoding of raw bytes.
	Payload(ctx context.Context, id string) (json.RawMessage, error)
	// MarkSynced records a successful send and applies the retention policy.
	MarkSynced(ctx context.Context, id string) error
	// MarkFailed records a failed send with its reason.
	MarkFailed(ctx context.Context, id, reason string) error
	// Requeue returns a Failed item to Pending for the next replay pass.
	Requeue(ctx context.Context, id string) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Load fetches an item's payload and decodes it into T.
func Load[T any](ctx context.Context, s Store, id string) (T, error) {
	var out T
	raw, err := s.Payload(ctx, id)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode cached payload %s: %w", id, err)
	}
	return out, nil
}
