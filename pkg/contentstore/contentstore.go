// Package contentstore implements the hash-addressed blob/object store that
// Files and serialized job code cross the Manager/Handler/Resource boundary
// through: a single content-addressed "blobs" bucket keyed by sha1_path
// URI, generalized from a bucket-per-entity bbolt store keyed by entity ID.
package contentstore

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/hither-run/hither/pkg/value"
)

var bucketBlobs = []byte("blobs")

// ErrMissing is returned by Get* when the hash URI is not present locally.
var ErrMissing = fmt.Errorf("contentstore: not found")

// Store is the content-addressed blob/object store consulted by the Job
// Manager, handlers, and the Compute Resource to move large values out of
// job records and feed messages.
type Store interface {
	PutBytes(data []byte) (string, error)
	PutObject(v value.Value) (string, error)
	PutNdarray(data []byte) (string, error)

	GetBytes(uri string) ([]byte, error)
	GetObject(uri string) (value.Value, error)

	ExistsLocal(uri string) bool

	// Fetch makes uri available locally, pulling it from fromSource if it is
	// not already present, and returns the key it can be read under locally
	// (BoltStore returns the URI itself, not a filesystem path). fromSource
	// may be nil if no remote source is configured.
	Fetch(uri string, fromSource Store) (string, error)
}

// hashURI is the sha1_path scheme spec.md §6 names: "sha1://<hex digest>".
func hashURI(data []byte) string {
	sum := sha1.Sum(data)
	return "sha1://" + hex.EncodeToString(sum[:])
}

func uriKey(uri string) []byte {
	return []byte(uri)
}

// BoltStore is a local, durable Store backed by bbolt.
type BoltStore struct {
	db      *bolt.DB
	blobDir string
}

// Open opens (creating if needed) a bbolt-backed content store rooted at
// dataDir/content.db. All blobs live in the database; nothing is written
// under the recorded dataDir/blobs path.
func Open(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "content.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("contentstore: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBlobs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, blobDir: filepath.Join(dataDir, "blobs")}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// PutBytes stores data under its content hash, idempotently.
func (s *BoltStore) PutBytes(data []byte) (string, error) {
	uri := hashURI(data)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlobs)
		if existing := b.Get(uriKey(uri)); existing != nil {
			return nil
		}
		return b.Put(uriKey(uri), data)
	})
	if err != nil {
		return "", err
	}
	return uri, nil
}

// PutObject serializes v per the job-tree wire grammar and stores it as a
// single blob.
func (s *BoltStore) PutObject(v value.Value) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("contentstore: marshal object: %w", err)
	}
	return s.PutBytes(data)
}

// PutNdarray stores a raw array encoding (the caller is responsible for the
// array's wire encoding; the content store only cares about bytes).
func (s *BoltStore) PutNdarray(data []byte) (string, error) {
	return s.PutBytes(data)
}

// GetBytes returns the stored blob or ErrMissing.
func (s *BoltStore) GetBytes(uri string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlobs)
		v := b.Get(uriKey(uri))
		if v == nil {
			return ErrMissing
		}
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// GetObject deserializes a value stored via PutObject.
func (s *BoltStore) GetObject(uri string) (value.Value, error) {
	data, err := s.GetBytes(uri)
	if err != nil {
		return value.Value{}, err
	}
	var v value.Value
	if err := json.Unmarshal(data, &v); err != nil {
		return value.Value{}, fmt.Errorf("contentstore: unmarshal object: %w", err)
	}
	return v, nil
}

// ExistsLocal reports whether uri is present in this store without fetching
// it from anywhere else.
func (s *BoltStore) ExistsLocal(uri string) bool {
	found := false
	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlobs)
		found = b.Get(uriKey(uri)) != nil
		return nil
	})
	return found
}

// Fetch returns a local path to uri's content, downloading it from
// fromSource first if this store doesn't already have it. The returned path
// is a synthetic key; callers that need an actual file on disk should use
// GetBytes and write it out themselves, since the Job Manager only ever
// reads File references back into memory via GetBytes/GetObject.
func (s *BoltStore) Fetch(uri string, fromSource Store) (string, error) {
	if s.ExistsLocal(uri) {
		return uri, nil
	}
	if fromSource == nil {
		return "", ErrMissing
	}
	data, err := fromSource.GetBytes(uri)
	if err != nil {
		return "", err
	}
	if _, err := s.PutBytes(data); err != nil {
		return "", err
	}
	return uri, nil
}
