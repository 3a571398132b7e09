package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
)

// ErrNotFound is returned by Store.Get when nothing is stored for a meter.
var ErrNotFound = errors.New("session not found")

// Store persists one opaque session document per meter.
type Store interface {
	// Get returns ErrNotFound when there is no document for mprn.
	Get(ctx context.Context, mprn string) ([]byte, error)
	// Put overwrites the document for mprn. expiresAt is stored alongside
	// so stores that can query it may purge stale documents.
	Put(ctx context.Context, mprn string, data []byte, expiresAt time.Time) error
	// Delete removes the document for mprn and returns nil if there was
	// none.
	Delete(ctx context.Context, mprn string) error
	// Purge drops every document that expired before the given time and
	// returns how many were removed.
	Purge(ctx context.Context, before time.Time) (int, error)

	Close() error
}

// Configured sets up the session Store based on flags.
func Configured() Store {
	provider := lflag.String("session-provider", "file", "Where to keep the portal session (available: file, firestore)")
	dir := lflag.String("session-dir", "data", "Directory for session files when session-provider is file")
	encryptionKey := lflag.String("session-encryption-key", "", "Optional 32 character key used to encrypt stored sessions")

	var p struct{ Store }

	fs := configuredFirestore()

	lflag.Do(func() {
		var s Store
		switch *provider {
		case "file":
			s = NewFileStore(*dir)
		case "firestore":
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
			s = fs
		default:
			panic(fmt.Sprintf("unknown session provider: %s", *provider))
		}
		if *encryptionKey != "" {
			enc, err := Encrypted(s, []byte(*encryptionKey))
			if err != nil {
				panic(fmt.Sprintf("invalid session-encryption-key: %v", err))
			}
			s = enc
		}
		p.Store = s
	})

	return &p
}
