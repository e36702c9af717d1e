package deploy

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketReleases      = []byte("releases")
	bucketInvalidations = []byte("invalidations")
)

// Ledger is the durable history of releases and invalidation batches.
type Ledger struct {
	db *bolt.DB
}

func OpenLedger(path string) (*Ledger, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketReleases, bucketInvalidations} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}

		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) RecordRelease(rel Release) error {
	return l.put(bucketReleases, []byte(rel.Version), rel)
}

func (l *Ledger) RecordInvalidation(inv Invalidation) error {
	return l.put(bucketInvalidations, invalidationKey(inv), inv)
}

func (l *Ledger) Release(version string) (Release, error) {
	var rel Release

	err := l.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketReleases).Get([]byte(version))
		if data == nil {
			return fmt.Errorf("release %s: %w", version, ErrNotFound)
		}

		return json.Unmarshal(data, &rel)
	})

	return rel, err
}

// Releases returns up to limit releases, newest first. A limit of zero returns all.
func (l *Ledger) Releases(limit int) ([]Release, error) {
	return list[Release](l.db, bucketReleases, limit)
}

// Invalidations returns up to limit invalidation batches, newest first.
func (l *Ledger) Invalidations(limit int) ([]Invalidation, error) {
	return list[Invalidation](l.db, bucketInvalidations, limit)
}

func (l *Ledger) put(bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, data)
	})
}

func list[T any](db *bolt.DB, bucket []byte, limit int) ([]T, error) {
	var items []T

	err := db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(items) == limit {
				break
			}

			var item T
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("decode %s/%s: %w", bucket, k, err)
			}

			items = append(items, item)
		}

		return nil
	})

	return items, err
}

// invalidationKey orders batches by time; the id keeps same-instant batches apart.
func invalidationKey(inv Invalidation) []byte {
	key := make([]byte, 8, 8+len(inv.ID))
	binary.BigEndian.PutUint64(key, uint64(inv.CreatedAt.UnixNano()))

	return append(key, inv.ID...)
}
