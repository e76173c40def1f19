// Package badgerstore implements the persistent TTL store on Badger.
//
// Entries live under the k! prefix with their expiry stamped into the value
// header. A secondary index under x! is keyed by big-endian expiry
// nanoseconds so eviction is a bounded range scan rather than a full table
// walk. Eviction runs on open and once every 1,000 sets.
package badgerstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

const (
	entryPrefix = "k!"
	indexPrefix = "x!"

	// amortised eviction cadence
	evictEvery = 1000
)

type Store struct {
	db   *badger.DB
	sets atomic.Uint64
	now  func() time.Time
}

// Open opens (or creates) the store at dir and evicts whatever expired
// while the process was down.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger open %s: %w", dir, err)
	}
	s := &Store{db: db, now: time.Now}
	if _, err := s.Evict(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initial evict: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("badger close: %w", err)
	}
	return nil
}

// Get returns the value for key unless its expiry is in the past, in which
// case the entry is deleted and reported absent.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var (
		val     []byte
		expires int64
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(entryPrefix + key))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			if len(v) < 8 {
				return fmt.Errorf("corrupt entry for %q: %d bytes", key, len(v))
			}
			expires = int64(binary.BigEndian.Uint64(v[:8]))
			val = append([]byte(nil), v[8:]...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("badger get %q: %w", key, err)
	}

	if expires <= s.now().UnixNano() {
		if err := s.deleteEntry(key, expires); err != nil {
			return nil, false, fmt.Errorf("drop expired %q: %w", key, err)
		}
		return nil, false, nil
	}
	return val, true, nil
}

// Set writes the value with a fresh expiry, replacing any index entry for a
// prior write of the same key. Every 1,000th set triggers Evict.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	expires := s.now().Add(ttl).UnixNano()

	buf := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(buf[:8], uint64(expires))
	copy(buf[8:], value)

	err := s.db.Update(func(txn *badger.Txn) error {
		// drop the stale index entry so the old expiry cannot reap the
		// new value
		if item, err := txn.Get([]byte(entryPrefix + key)); err == nil {
			var old int64
			verr := item.Value(func(v []byte) error {
				if len(v) >= 8 {
					old = int64(binary.BigEndian.Uint64(v[:8]))
				}
				return nil
			})
			if verr == nil && old != 0 {
				if err := txn.Delete(indexKey(key, old)); err != nil {
					return err
				}
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := txn.Set([]byte(entryPrefix+key), buf); err != nil {
			return err
		}
		return txn.Set(indexKey(key, expires), nil)
	})
	if err != nil {
		return fmt.Errorf("badger set %q: %w", key, err)
	}

	if s.sets.Add(1)%evictEvery == 0 {
		if _, err := s.Evict(ctx); err != nil {
			return fmt.Errorf("amortised evict: %w", err)
		}
	}
	return nil
}

// Evict removes every entry whose expiry is in the past by scanning the
// expiry index up to the current time.
func (s *Store) Evict(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := s.now().UnixNano()

	type victim struct {
		key     string
		expires int64
	}
	var victims []victim

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(indexPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().Key()
			expires, key, ok := splitIndexKey(k)
			if !ok {
				continue
			}
			if expires > now {
				break // index is expiry-ordered; the rest are live
			}
			victims = append(victims, victim{key: key, expires: expires})
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("badger evict scan: %w", err)
	}

	dropped := 0
	for _, v := range victims {
		if err := s.deleteEntry(v.key, v.expires); err != nil {
			return dropped, fmt.Errorf("badger evict %q: %w", v.key, err)
		}
		dropped++
	}
	return dropped, nil
}

// deleteEntry removes the index entry unconditionally and the value entry
// only if its expiry still matches, so eviction for an old write never
// deletes a newer one.
func (s *Store) deleteEntry(key string, expires int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(indexKey(key, expires)); err != nil {
			return err
		}
		item, err := txn.Get([]byte(entryPrefix + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		match := false
		if err := item.Value(func(v []byte) error {
			match = len(v) >= 8 && int64(binary.BigEndian.Uint64(v[:8])) == expires
			return nil
		}); err != nil {
			return err
		}
		if !match {
			return nil
		}
		return txn.Delete([]byte(entryPrefix + key))
	})
}

func indexKey(key string, expires int64) []byte {
	k := make([]byte, len(indexPrefix)+8+1+len(key))
	copy(k, indexPrefix)
	binary.BigEndian.PutUint64(k[len(indexPrefix):], uint64(expires))
	k[len(indexPrefix)+8] = '!'
	copy(k[len(indexPrefix)+9:], key)
	return k
}

func splitIndexKey(k []byte) (expires int64, key string, ok bool) {
	if len(k) < len(indexPrefix)+9 || k[len(indexPrefix)+8] != '!' {
		return 0, "", false
	}
	expires = int64(binary.BigEndian.Uint64(k[len(indexPrefix) : len(indexPrefix)+8]))
	return expires, string(k[len(indexPrefix)+9:]), true
}
