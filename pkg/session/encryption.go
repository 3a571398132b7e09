package session

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"
)

// encryptedStore seals documents with AES-GCM before handing them to the
// wrapped store. Stored values are base64 text so any Store can hold them.
type encryptedStore struct {
	Store
	gcm cipher.AEAD
}

// Encrypted wraps s so that documents are encrypted at rest with key, which
// must be 32 bytes.
func Encrypted(s Store, key []byte) (Store, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key length %d (must be 32 bytes)", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return &encryptedStore{Store: s, gcm: gcm}, nil
}

func (e *encryptedStore) Get(ctx context.Context, mprn string) ([]byte, error) {
	b, err := e.Store.Get(ctx, mprn)
	if err != nil {
		return nil, err
	}
	encrypted, err := base64.StdEncoding.DecodeString(string(b))
	if err != nil {
		return nil, fmt.Errorf("malformed encrypted session: %w", err)
	}
	if len(encrypted) < e.gcm.NonceSize() {
		return nil, errors.New("malformed encrypted session")
	}
	nonce, ciphertext := encrypted[:e.gcm.NonceSize()], encrypted[e.gcm.NonceSize():]
	plaintext, err := e.gcm.Open(nil, nonce, ciphertext, []byte(mprn))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt session: %w", err)
	}
	return plaintext, nil
}

func (e *encryptedStore) Put(ctx context.Context, mprn string, data []byte, expiresAt time.Time) error {
	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	// mprn is the additional data, a document only opens for its own meter
	sealed := e.gcm.Seal(nonce, nonce, data, []byte(mprn))
	return e.Store.Put(ctx, mprn, []byte(base64.StdEncoding.EncodeToString(sealed)), expiresAt)
}
