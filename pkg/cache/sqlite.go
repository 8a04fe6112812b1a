package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

// SQLiteStore is the durable Store: a SQLite item index with inline JSON
// payloads, plus a sealed BlobStore for large payloads.
type SQLiteStore struct {
	db    *sql.DB
	blobs *BlobStore

	nowFn func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// Open creates or opens the outbox under dir. The passphrase seals blob
// payloads at rest; the same passphrase reopens the store later.
func Open(ctx context.Context, dir, passphrase string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(dir, "outbox.db")+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open outbox index: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping outbox index: %w", err)
	}

	s := &SQLiteStore{db: db, nowFn: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init outbox schema: %w", err)
	}

	blobs, err := NewBlobStore(filepath.Join(dir, "blobs"), passphrase)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.blobs = blobs
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		message_type TEXT NOT NULL,
		target_app TEXT NOT NULL,
		data_type TEXT NOT NULL DEFAULT '',
		retention TEXT NOT NULL,
		state TEXT NOT NULL,
		failure_reason TEXT NOT NULL DEFAULT '',
		has_blob INTEGER NOT NULL DEFAULT 0,
		payload BLOB,
		created_at INTEGER NOT NULL,
		synced_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_items_state ON items(state);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// CacheInline captures a JSON-encodable payload in the item index.
func (s *SQLiteStore) CacheInline(ctx context.Context, data any, dataType, messageType, targetApp string, retention RetentionPolicy) (string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	id := ulid.Make().String()
	if err := s.insertItem(ctx, id, payload, false, dataType, messageType, targetApp, retention); err != nil {
		return "", err
	}
	return id, nil
}

// CacheFile seals a raw byte payload into blob storage and indexes it.
func (s *SQLiteStore) CacheFile(ctx context.Context, data []byte, dataType, messageType, targetApp string, retention RetentionPolicy) (string, error) {
	if len(data) == 0 {
		return "", errors.New("empty file payload")
	}
	id := ulid.Make().String()
	if err := s.blobs.Seal(id, data); err != nil {
		return "", err
	}
	if err := s.insertItem(ctx, id, nil, true, dataType, messageType, targetApp, retention); err != nil {
		s.blobs.Remove(id)
		return "", err
	}
	return id, nil
}

func (s *SQLiteStore) insertItem(ctx context.Context, id string, payload []byte, hasBlob bool, dataType, messageType, targetApp string, retention RetentionPolicy) error {
	if messageType == "" {
		return errors.New("message type is required")
	}
	if targetApp == "" {
		return errors.New("target app is required")
	}
	if retention != DeleteAfterSync && retention != KeepAfterSync {
		return fmt.Errorf("unknown retention policy %q", retention)
	}

	blobFlag := 0
	if hasBlob {
		blobFlag = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO items (id, message_type, target_app, data_type, retention, state, has_blob, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, messageType, targetApp, dataType, string(retention), string(StatePending), blobFlag, payload, s.nowFn().UnixNano())
	if err != nil {
		return fmt.Errorf("insert item %s: %w", id, err)
	}
	return nil
}

// Pending lists items awaiting sync, oldest first.
func (s *SQLiteStore) Pending(ctx context.Context) ([]PendingItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_type, target_app
		FROM items
		WHERE state = ?
		ORDER BY created_at ASC, id ASC
	`, string(StatePending))
	if err != nil {
		return nil, fmt.Errorf("list pending items: %w", err)
	}
	defer rows.Close()

	var pending []PendingItem
	for rows.Next() {
		var p PendingItem
		if err := rows.Scan(&p.ID, &p.MessageType, &p.TargetApp); err != nil {
			return nil, fmt.Errorf("scan pending item: %w", err)
		}
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// Item returns the metadata for one item.
func (s *SQLiteStore) Item(ctx context.Context, id string) (Item, error) {
	var (
		item      Item
		retention string
		state     string
		hasBlob   int
		createdAt int64
		syncedAt  sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, message_type, target_app, data_type, retention, state, failure_reason, has_blob, created_at, synced_at
		FROM items WHERE id = ?
	`, id).Scan(
		&item.ID,
		&item.MessageType,
		&item.TargetApp,
		&item.DataType,
		&retention,
		&state,
		&item.FailureReason,
		&hasBlob,
		&createdAt,
		&syncedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Item{}, fmt.Errorf("item %s: %w", id, ErrNotFound)
		}
		return Item{}, fmt.Errorf("load item %s: %w", id, err)
	}

	item.Retention = RetentionPolicy(retention)
	item.State = SyncState(state)
	item.HasBlob = hasBlob == 1
	item.CreatedAt = time.Unix(0, createdAt)
	if syncedAt.Valid {
		item.SyncedAt = time.Unix(0, syncedAt.Int64)
	}
	return item, nil
}

// Payload returns the item's payload as JSON. Blob payloads come back as
// a base64 JSON string, the wire encoding of raw bytes.
func (s *SQLiteStore) Payload(ctx context.Context, id string) (json.RawMessage, error) {
	var (
		hasBlob int
		payload []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT has_blob, payload FROM items WHERE id = ?
	`, id).Scan(&hasBlob, &payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("load payload %s: %w", id, err)
	}

	if hasBlob == 0 {
		return json.RawMessage(payload), nil
	}
	raw, err := s.blobs.Open(id)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode blob payload %s: %w", id, err)
	}
	return encoded, nil
}

// MarkSynced records a successful send. DeleteAfterSync items are removed
// outright along with their blob; KeepAfterSync items become synced records.
func (s *SQLiteStore) MarkSynced(ctx context.Context, id string) error {
	item, err := s.Item(ctx, id)
	if err != nil {
		return err
	}
	if item.State != StatePending {
		return fmt.Errorf("item %s is %s, not %s: %w", id, item.State, StatePending, ErrBadState)
	}

	if item.Retention == DeleteAfterSync {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete synced item %s: %w", id, err)
		}
		if item.HasBlob {
			return s.blobs.Remove(id)
		}
		return nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE items SET state = ?, synced_at = ? WHERE id = ?
	`, string(StateSynced), s.nowFn().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("mark item %s synced: %w", id, err)
	}
	return nil
}

// MarkFailed records a failed send with its reason.
func (s *SQLiteStore) MarkFailed(ctx context.Context, id, reason string) error {
	return s.transition(ctx, id, StatePending, StateFailed, reason)
}

// Requeue returns a Failed item to Pending for the next replay pass.
func (s *SQLiteStore) Requeue(ctx context.Context, id string) error {
	return s.transition(ctx, id, StateFailed, StatePending, "")
}

// transition flips state only along an allowed edge; the affected-row count
// distinguishes a missing item from one in the wrong state.
func (s *SQLiteStore) transition(ctx context.Context, id string, from, to SyncState, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE items SET state = ?, failure_reason = ? WHERE id = ? AND state = ?
	`, string(to), reason, id, string(from))
	if err != nil {
		return fmt.Errorf("update item %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update item %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}

	item, err := s.Item(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("item %s is %s, not %s: %w", id, item.State, from, ErrBadState)
}

// Stats summarizes the outbox for status reporting.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM items GROUP BY state`)
	if err != nil {
		return Stats{}, fmt.Errorf("count items: %w", err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return Stats{}, fmt.Errorf("scan item counts: %w", err)
		}
		switch SyncState(state) {
		case StatePending:
			stats.Pending = n
		case StateFailed:
			stats.Failed = n
		}
		stats.Total += n
	}
	return stats, rows.Err()
}

// Close releases the index and zeroizes the blob key.
func (s *SQLiteStore) Close() error {
	s.blobs.Close()
	return s.db.Close()
}
