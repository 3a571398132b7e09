package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/esbmeter/esbmeter/pkg/log"
)

const firestoreCollection = "esbmeter_sessions"

// sessionDocVersion is bumped whenever the stored json layout changes.
const sessionDocVersion = 1

// FirestoreStore keeps sessions in Google Cloud Firestore, one document per
// meter, for deployments without a persistent disk.
type FirestoreStore struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore registers the Firestore flags.
func configuredFirestore() *FirestoreStore {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreStore{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Init creates the Firestore client. It must be called before any other
// method.
func (f *FirestoreStore) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

func (f *FirestoreStore) doc(mprn string) (*firestore.DocumentRef, error) {
	if mprn == "" {
		return nil, errors.New("mprn cannot be empty")
	}
	return f.client.Collection(firestoreCollection).Doc(mprn), nil
}

// Get implements Store.
func (f *FirestoreStore) Get(ctx context.Context, mprn string) ([]byte, error) {
	ref, err := f.doc(mprn)
	if err != nil {
		return nil, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch session doc: %w", err)
	}

	var version int
	if v, err := snap.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}
	if version > sessionDocVersion {
		log.Ctx(ctx).WarnContext(ctx, "session doc written by a newer version", slog.Int("version", version))
	}

	val, err := snap.DataAt("json")
	if err != nil {
		return nil, fmt.Errorf("session document missing 'json' field: %w", err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		return nil, errors.New("session 'json' field is not a string")
	}
	return []byte(jsonStr), nil
}

// Put implements Store.
func (f *FirestoreStore) Put(ctx context.Context, mprn string, data []byte, expiresAt time.Time) error {
	ref, err := f.doc(mprn)
	if err != nil {
		return err
	}
	_, err = ref.Set(ctx, map[string]any{
		"json":      string(data),
		"version":   sessionDocVersion,
		"expiresAt": expiresAt,
	})
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Delete implements Store.
func (f *FirestoreStore) Delete(ctx context.Context, mprn string) error {
	ref, err := f.doc(mprn)
	if err != nil {
		return err
	}
	// deleting a missing document is not an error in firestore
	if _, err := ref.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Purge implements Store.
func (f *FirestoreStore) Purge(ctx context.Context, before time.Time) (int, error) {
	iter := f.client.Collection(firestoreCollection).Where("expiresAt", "<", before).Documents(ctx)
	defer iter.Stop()

	var removed int
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return removed, fmt.Errorf("error iterating sessions: %w", err)
		}
		if _, err := snap.Ref.Delete(ctx); err != nil {
			return removed, fmt.Errorf("failed to delete expired session %s: %w", snap.Ref.ID, err)
		}
		removed++
	}
	return removed, nil
}

// Close closes the Firestore client connection.
func (f *FirestoreStore) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}
