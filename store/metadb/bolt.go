package metadb

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// BoltDB implements Store using bbolt.
type BoltDB struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	b.logger.Debug("opened metadb", "path", path, "noSync", b.noSync)
	return nil
}

func (b *BoltDB) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketByExpiry, bucketExpiryByKey} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing metadb")
	err := b.db.Close()
	b.db = nil
	return err
}

// Get retrieves the value stored under namespace/key.
func (b *BoltDB) Get(_ context.Context, namespace, key string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		ns := namespaceBucket(tx, namespace)
		if ns == nil {
			return ErrNotFound
		}

		val := ns.Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}

		// bbolt values are only valid for the life of the transaction
		data = make([]byte, len(val))
		copy(data, val)
		return nil
	})
	return data, err
}

// Put stores value under namespace/key, replacing any previous value and
// expiry registration.
func (b *BoltDB) Put(_ context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		if entries == nil {
			return fmt.Errorf("entries bucket not found")
		}

		ns, err := entries.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return fmt.Errorf("creating namespace bucket %s: %w", namespace, err)
		}

		if err := ns.Put([]byte(key), value); err != nil {
			return fmt.Errorf("putting entry: %w", err)
		}

		var expiresAt *time.Time
		if ttl > 0 {
			t := b.now().Add(ttl)
			expiresAt = &t
		}
		return b.updateExpiryIndex(tx, namespace, key, expiresAt)
	})
}

// updateExpiryIndex updates the expiry forward+reverse indexes.
// If expiresAt is nil, only deletes existing index entries.
func (b *BoltDB) updateExpiryIndex(tx *bbolt.Tx, namespace, key string, expiresAt *time.Time) error {
	expiryBucket := tx.Bucket(bucketByExpiry)
	reverseIndexBucket := tx.Bucket(bucketExpiryByKey)
	if expiryBucket == nil || reverseIndexBucket == nil {
		return nil
	}

	compoundKey := makeCompoundKey(namespace, key)

	// Delete the old forward entry via the reverse index, then the reverse entry
	if tsBytes := reverseIndexBucket.Get(compoundKey); tsBytes != nil {
		oldExpiresAt := decodeTimestamp(tsBytes)
		if err := expiryBucket.Delete(makeExpiryKey(oldExpiresAt, namespace, key)); err != nil {
			return fmt.Errorf("deleting old expiry index: %w", err)
		}
		if err := reverseIndexBucket.Delete(compoundKey); err != nil {
			return fmt.Errorf("deleting reverse index: %w", err)
		}
	}

	if expiresAt != nil {
		if err := expiryBucket.Put(makeExpiryKey(*expiresAt, namespace, key), compoundKey); err != nil {
			return fmt.Errorf("putting expiry index: %w", err)
		}
		if err := reverseIndexBucket.Put(compoundKey, encodeTimestamp(*expiresAt)); err != nil {
			return fmt.Errorf("putting expiry reverse index: %w", err)
		}
	}

	return nil
}

// Delete removes namespace/key. Deleting a missing entry is not an error.
func (b *BoltDB) Delete(_ context.Context, namespace, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return b.deleteInTx(tx, namespace, key)
	})
}

func (b *BoltDB) deleteInTx(tx *bbolt.Tx, namespace, key string) error {
	if err := b.updateExpiryIndex(tx, namespace, key, nil); err != nil {
		return err
	}
	ns := namespaceBucket(tx, namespace)
	if ns == nil {
		return nil
	}
	return ns.Delete([]byte(key))
}

// List returns all keys in a namespace in byte order.
func (b *BoltDB) List(_ context.Context, namespace string) ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		ns := namespaceBucket(tx, namespace)
		if ns == nil {
			return nil
		}
		return ns.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// GetExpired returns entries whose expiry is before the given time, oldest first.
func (b *BoltDB) GetExpired(_ context.Context, before time.Time, limit int) ([]ExpiryEntry, error) {
	var entries []ExpiryEntry
	beforeTs := encodeTimestamp(before)

	err := b.db.View(func(tx *bbolt.Tx) error {
		expiryBucket := tx.Bucket(bucketByExpiry)
		if expiryBucket == nil {
			return nil
		}

		cursor := expiryBucket.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			// Keys are sorted by timestamp, so stop when we pass the cutoff
			if bytes.Compare(k[:8], beforeTs) >= 0 {
				break
			}
			if limit > 0 && len(entries) >= limit {
				break
			}

			expiresAt, namespace, key := parseExpiryKey(k)
			entries = append(entries, ExpiryEntry{
				Namespace: namespace,
				Key:       key,
				ExpiresAt: expiresAt,
			})
		}
		return nil
	})
	return entries, err
}

// DeleteExpired removes entries whose expiry is before the given time.
func (b *BoltDB) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	expired, err := b.GetExpired(ctx, before, limit)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	err = b.db.Update(func(tx *bbolt.Tx) error {
		for _, e := range expired {
			if err := b.deleteInTx(tx, e.Namespace, e.Key); err != nil {
				return fmt.Errorf("deleting %s/%s: %w", e.Namespace, e.Key, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(expired), nil
}

func namespaceBucket(tx *bbolt.Tx, namespace string) *bbolt.Bucket {
	entries := tx.Bucket(bucketEntries)
	if entries == nil {
		return nil
	}
	return entries.Bucket([]byte(namespace))
}

// Compile-time interface check
var _ Store = (*BoltDB)(nil)
