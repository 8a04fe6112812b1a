package cache

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	argonTime      = 1
	argonMemory    = 64 * 1024
	argonThreads   = 4
	argonKeyLength = 32
	saltLength     = 16
	nonceSize      = chacha20poly1305.NonceSizeX
)

var (
	ErrInvalidPass = errors.New("invalid passphrase")
	ErrCorruptBlob = errors.New("corrupted blob")
)

// BlobStore seals large payloads into per-item files. Each blob is
// nonce||ciphertext under a key derived from the passphrase and a salt
// persisted alongside the blobs, so the same passphrase reopens the store
// across process restarts. Cached documents are sealed at rest.
type BlobStore struct {
	dir string
	key []byte
}

// NewBlobStore opens dir as sealed blob storage, creating it and its salt
// on first use.
func NewBlobStore(dir, passphrase string) (*BlobStore, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase required: %w", ErrInvalidPass)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}

	saltPath := filepath.Join(dir, "salt")
	salt, err := os.ReadFile(saltPath)
	if os.IsNotExist(err) {
		salt = make([]byte, saltLength)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("generate salt: %w", err)
		}
		if err := os.WriteFile(saltPath, salt, 0o600); err != nil {
			return nil, fmt.Errorf("persist salt: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("read salt: %w", err)
	} else if len(salt) != saltLength {
		return nil, fmt.Errorf("salt file has %d bytes, want %d", len(salt), saltLength)
	}

	return &BlobStore{
		dir: dir,
		key: argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLength),
	}, nil
}

// Seal encrypts data and writes it as the blob for id.
func (b *BlobStore) Seal(id string, data []byte) error {
	if len(b.key) == 0 {
		return fmt.Errorf("blob store closed: %w", ErrInvalidPass)
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, data, nil)
	if err := os.WriteFile(b.path(id), sealed, 0o600); err != nil {
		return fmt.Errorf("write blob %s: %w", id, err)
	}
	return nil
}

// Open reads and decrypts the blob for id.
func (b *BlobStore) Open(id string) ([]byte, error) {
	if len(b.key) == 0 {
		return nil, fmt.Errorf("blob store closed: %w", ErrInvalidPass)
	}
	sealed, err := os.ReadFile(b.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("read blob %s: %w", id, err)
	}
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("blob %s too short: %w", id, ErrCorruptBlob)
	}

	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt blob %s: %w", id, ErrInvalidPass)
	}
	return plaintext, nil
}

// Remove deletes the blob for id. Missing blobs are not an error.
func (b *BlobStore) Remove(id string) error {
	if err := os.Remove(b.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove blob %s: %w", id, err)
	}
	return nil
}

// Close zeroizes the derived key.
func (b *BlobStore) Close() {
	zeroBytes(b.key)
	b.key = nil
}

func (b *BlobStore) path(id string) string {
	return filepath.Join(b.dir, id+".blob")
}

func zeroBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
