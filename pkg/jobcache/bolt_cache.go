package jobcache

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/hither-run/hither/pkg/contentstore"
)

var bucketFingerprints = []byte("fingerprints")

// BoltCache is a durable, local-directory Cache, grounded on the same
// bucket-keyed bbolt pattern as pkg/contentstore (itself grounded on
// pkg/storage/boltdb.go), with the fingerprint as key instead of a
// content hash.
type BoltCache struct {
	db    *bolt.DB
	store *contentstore.BoltStore
}

// OpenBoltCache opens (creating if needed) a bbolt-backed job cache rooted
// at dataDir/jobcache.db. store is consulted to check File-reference
// resolvability on finished-hit lookups.
func OpenBoltCache(dataDir string, store *contentstore.BoltStore) (*BoltCache, error) {
	dbPath := filepath.Join(dataDir, "jobcache.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("jobcache: open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketFingerprints)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltCache{db: db, store: store}, nil
}

func (c *BoltCache) Close() error {
	return c.db.Close()
}

func (c *BoltCache) Lookup(fingerprint string, opts LookupOptions) (Hit, error) {
	var state TerminalState
	found := false
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFingerprints)
		data := b.Get([]byte(fingerprint))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return Hit{}, fmt.Errorf("jobcache: lookup: %w", err)
	}
	if !found {
		return Hit{Found: false}, nil
	}
	var fileCheck FileChecker
	if c.store != nil {
		fileCheck = ResolveLocally(c.store)
	}
	return applyPolicy(opts, state, fileCheck), nil
}

// Clear deletes every recorded fingerprint, for `hither cache clear`.
func (c *BoltCache) Clear() error {
	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketFingerprints); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketFingerprints)
		return err
	})
}

func (c *BoltCache) Record(fingerprint string, state TerminalState) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFingerprints)

		if existing := b.Get([]byte(fingerprint)); existing != nil {
			var prior TerminalState
			if err := json.Unmarshal(existing, &prior); err == nil {
				if prior.Finished && !state.Finished {
					return nil
				}
			}
		}

		data, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("jobcache: marshal state: %w", err)
		}
		return b.Put([]byte(fingerprint), data)
	})
}
